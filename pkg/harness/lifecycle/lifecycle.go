// Package lifecycle starts event servers on ephemeral ports and brings fresh
// instances back up on the same address.
package lifecycle

import (
    "context"
    "errors"
    "fmt"
    "log"
    "net"
    "strconv"
    "syscall"
    "time"

    "github.com/cenkalti/backoff/v4"

    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    "github.com/amirimatin/go-eventsock/pkg/netaddr"
    obsmetrics "github.com/amirimatin/go-eventsock/pkg/observability/metrics"
    "github.com/amirimatin/go-eventsock/pkg/observability/tracing"
    "github.com/amirimatin/go-eventsock/pkg/server"
)

const DefaultHost = "127.0.0.1"

// ErrFixedPortRequired is returned by Restart when no port was given.
var ErrFixedPortRequired = errors.New("lifecycle: restart requires a fixed port")

// BindError reports that the OS refused to bind addr.
type BindError struct {
    Addr     string
    Attempts int
    Err      error
}

func (e *BindError) Error() string {
    return fmt.Sprintf("lifecycle: bind %s failed after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// RetryPolicy bounds how long Restart keeps retrying a bind that fails with
// "address in use" while the previous instance releases the port.
type RetryPolicy struct {
    Initial    time.Duration
    Max        time.Duration
    MaxElapsed time.Duration
}

// Options configures a Controller.
type Options struct {
    // Host to bind in Start; DefaultHost (loopback) when empty. Pass
    // "0.0.0.0" or "::" explicitly to bind all interfaces.
    Host string
    // Middleware is installed on every server instance, in order.
    Middleware []server.Middleware
    // Setup, when set, runs on every fresh instance before it binds (event
    // handlers and the like).
    Setup     func(*server.Server)
    Server    server.Options
    BindRetry RetryPolicy
    Logger    *log.Logger
}

// Handle owns one bound server instance.
type Handle struct {
    Server *server.Server
    Addr   netaddr.ListenerAddress
}

// Close closes the server and waits for confirmation. Closing an already
// closed handle is a no-op.
func (h *Handle) Close(ctx context.Context) error {
    if h == nil || h.Server == nil { return nil }
    return h.Server.Close(ctx)
}

type Controller struct {
    opts   Options
    logger *log.Logger
}

func New(opts Options) *Controller {
    if opts.Host == "" { opts.Host = DefaultHost }
    if opts.BindRetry.Initial <= 0 { opts.BindRetry.Initial = 25 * time.Millisecond }
    if opts.BindRetry.Max <= 0 { opts.BindRetry.Max = 250 * time.Millisecond }
    if opts.BindRetry.MaxElapsed <= 0 { opts.BindRetry.MaxElapsed = 2 * time.Second }
    if opts.Server.Logger == nil { opts.Server.Logger = opts.Logger }
    return &Controller{opts: opts, logger: logutil.Or(opts.Logger)}
}

// Start binds a fresh server on an OS-assigned port and returns once the bind
// is confirmed.
func (c *Controller) Start(ctx context.Context) (*Handle, error) {
    ctx, end := tracing.StartSpan(ctx, "lifecycle.start", "host", c.opts.Host)
    defer end()
    addr := net.JoinHostPort(c.opts.Host, "0")
    srv := c.newServer()
    bound, err := srv.Listen(ctx, addr)
    if err != nil {
        tracing.RecordError(ctx, err)
        return nil, &BindError{Addr: addr, Attempts: 1, Err: err}
    }
    la, err := netaddr.Resolve(netaddr.Describe(bound))
    if err != nil {
        _ = srv.Close(context.Background())
        return nil, err
    }
    logutil.Infof(c.logger, "lifecycle: server up at %s (%s)", la.HostPort(), la.URL)
    return &Handle{Server: srv, Addr: la}, nil
}

// Restart binds a new server instance on exactly host:port. Nothing from the
// previous instance is carried over. A bind that fails with "address in use"
// is retried within BindRetry; any other failure is returned at once. Another
// port is never chosen.
func (c *Controller) Restart(ctx context.Context, port int, host string) (*Handle, error) {
    if port <= 0 { return nil, ErrFixedPortRequired }
    addr := net.JoinHostPort(host, strconv.Itoa(port))
    ctx, end := tracing.StartSpan(ctx, "lifecycle.restart", "addr", addr)
    defer end()

    eb := backoff.NewExponentialBackOff()
    eb.InitialInterval = c.opts.BindRetry.Initial
    eb.MaxInterval = c.opts.BindRetry.Max
    eb.MaxElapsedTime = c.opts.BindRetry.MaxElapsed
    eb.Reset()

    var (
        srv      *server.Server
        bound    net.Addr
        attempts int
    )
    op := func() error {
        attempts++
        s := c.newServer()
        a, err := s.Listen(ctx, addr)
        if err == nil {
            srv, bound = s, a
            return nil
        }
        if errors.Is(err, syscall.EADDRINUSE) {
            obsmetrics.HarnessBindRetries.Inc()
            logutil.Warnf(c.logger, "lifecycle: %s still in use (attempt %d)", addr, attempts)
            return err
        }
        return backoff.Permanent(err)
    }
    if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
        tracing.RecordError(ctx, err)
        return nil, &BindError{Addr: addr, Attempts: attempts, Err: err}
    }
    la, err := netaddr.Resolve(netaddr.Describe(bound))
    if err != nil {
        _ = srv.Close(context.Background())
        return nil, err
    }
    if la.Port != port {
        _ = srv.Close(context.Background())
        return nil, &BindError{Addr: addr, Attempts: attempts, Err: fmt.Errorf("bound port %d", la.Port)}
    }
    logutil.Infof(c.logger, "lifecycle: server restarted at %s", la.HostPort())
    return &Handle{Server: srv, Addr: la}, nil
}

func (c *Controller) newServer() *server.Server {
    srv := server.New(c.opts.Server)
    for _, mw := range c.opts.Middleware { srv.Use(mw) }
    if c.opts.Setup != nil { c.opts.Setup(srv) }
    return srv
}
