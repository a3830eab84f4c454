// Package client implements the event-messaging client. A Client is one
// logical identity that survives transport drops: it reconnects with
// exponential backoff and reports each transition through lifecycle events.
package client

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "net/http"
    "net/url"
    "sync"
    "sync/atomic"
    "time"

    "github.com/cenkalti/backoff/v4"
    "github.com/gorilla/websocket"

    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-eventsock/pkg/observability/metrics"
    "github.com/amirimatin/go-eventsock/pkg/wire"
)

// TransportWebSocket is the only transport spoken by this client.
const TransportWebSocket = "websocket"

const (
    DefaultPath                 = "/eventsock/"
    DefaultReconnectionDelay    = time.Second
    DefaultReconnectionDelayMax = 5 * time.Second
    DefaultRandomizationFactor  = 0.5
    DefaultTimeout              = 20 * time.Second

    writeWait = 5 * time.Second
)

var (
    ErrNotConnected         = errors.New("client: not connected")
    ErrClosed               = errors.New("client: closed")
    ErrUnsupportedTransport = errors.New("client: unsupported transport")
    ErrBadURL               = errors.New("client: bad url")
)

// Options configures a Client. Zero values pick the defaults above.
type Options struct {
    Path string
    // Transports lists allowed transports; only "websocket" is accepted.
    Transports []string
    // DisableReconnection stops the client after the first drop.
    DisableReconnection bool
    // ReconnectionAttempts caps consecutive attempts; 0 means unlimited.
    ReconnectionAttempts int
    ReconnectionDelay    time.Duration
    ReconnectionDelayMax time.Duration
    // RandomizationFactor jitters delays; negative disables jitter.
    RandomizationFactor float64
    // Timeout bounds the websocket dial plus the connect handshake.
    Timeout time.Duration
    Query   url.Values
    Header  http.Header
    TLS     *tls.Config
    Logger  *log.Logger
}

type Client struct {
    target *url.URL
    opts   Options
    logger *log.Logger
    dialer *websocket.Dialer
    events emitter

    mu       sync.Mutex
    ws       *websocket.Conn
    sid      string
    running  bool
    closed   bool
    stop     chan struct{}
    loopDone chan struct{}

    wmu       sync.Mutex
    connected atomic.Bool
}

// New validates rawURL and opts and returns a Client that is not yet
// connected. Register handlers, then call Connect.
func New(rawURL string, opts Options) (*Client, error) {
    for _, t := range opts.Transports {
        if t != TransportWebSocket { return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, t) }
    }
    if opts.Path == "" { opts.Path = DefaultPath }
    if opts.ReconnectionDelay <= 0 { opts.ReconnectionDelay = DefaultReconnectionDelay }
    if opts.ReconnectionDelayMax <= 0 { opts.ReconnectionDelayMax = DefaultReconnectionDelayMax }
    if opts.ReconnectionDelayMax < opts.ReconnectionDelay { opts.ReconnectionDelayMax = opts.ReconnectionDelay }
    if opts.RandomizationFactor == 0 { opts.RandomizationFactor = DefaultRandomizationFactor }
    if opts.RandomizationFactor < 0 { opts.RandomizationFactor = 0 }
    if opts.Timeout <= 0 { opts.Timeout = DefaultTimeout }
    target, err := socketURL(rawURL, opts.Path, opts.Query)
    if err != nil { return nil, err }
    obsmetrics.Register()
    done := make(chan struct{})
    close(done)
    return &Client{
        target:   target,
        opts:     opts,
        logger:   logutil.Or(opts.Logger),
        dialer:   &websocket.Dialer{HandshakeTimeout: opts.Timeout, TLSClientConfig: opts.TLS},
        stop:     make(chan struct{}),
        loopDone: done,
    }, nil
}

// Dial is New followed by Connect.
func Dial(rawURL string, opts Options) (*Client, error) {
    c, err := New(rawURL, opts)
    if err != nil { return nil, err }
    if err := c.Connect(); err != nil { return nil, err }
    return c, nil
}

// URL returns the websocket URL the client dials.
func (c *Client) URL() string { return c.target.String() }

// Connect starts the connection loop in the background. It is a no-op while
// the loop is running, and restarts it after an admission rejection, a
// server-initiated disconnect or exhausted reconnection attempts.
func (c *Client) Connect() error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.closed { return ErrClosed }
    if c.running { return nil }
    c.running = true
    c.loopDone = make(chan struct{})
    go c.loop(c.stop, c.loopDone)
    return nil
}

// On registers h for every occurrence of event. The returned func removes it.
func (c *Client) On(event string, h Handler) func() { return c.events.add(event, h, false) }

// Once registers h for the next occurrence of event only.
func (c *Client) Once(event string, h Handler) func() { return c.events.add(event, h, true) }

// Connected reports whether a transport is currently established.
func (c *Client) Connected() bool { return c.connected.Load() }

// ID returns the session id of the current (or last) connection.
func (c *Client) ID() string {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.sid
}

// Emit sends a named event with v encoded as JSON. Events are not buffered
// while offline.
func (c *Client) Emit(event string, v any) error {
    f, err := wire.NewEvent(event, v)
    if err != nil { return err }
    return c.write(f)
}

// Close stops reconnection and closes the current transport. It is safe to
// call more than once and from handlers; use Done to wait for the loop to
// exit.
func (c *Client) Close() error {
    c.mu.Lock()
    if c.closed { c.mu.Unlock(); return nil }
    c.closed = true
    close(c.stop)
    ws := c.ws
    c.mu.Unlock()
    if ws != nil {
        c.wmu.Lock()
        if b, err := wire.Encode(wire.Frame{Type: wire.TypeDisconnect}); err == nil {
            _ = ws.SetWriteDeadline(time.Now().Add(writeWait))
            _ = ws.WriteMessage(websocket.TextMessage, b)
        }
        c.wmu.Unlock()
        _ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), time.Now().Add(writeWait))
        _ = ws.Close()
    }
    return nil
}

// Done is closed when no connection loop is running.
func (c *Client) Done() <-chan struct{} {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.loopDone
}

// Wait blocks until the connection loop exits or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
    select {
    case <-c.Done():
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

func (c *Client) write(f wire.Frame) error {
    b, err := wire.Encode(f)
    if err != nil { return err }
    c.mu.Lock()
    ws := c.ws
    c.mu.Unlock()
    if ws == nil || !c.connected.Load() { return ErrNotConnected }
    c.wmu.Lock()
    defer c.wmu.Unlock()
    _ = ws.SetWriteDeadline(time.Now().Add(writeWait))
    return ws.WriteMessage(websocket.TextMessage, b)
}

type outcome int

const (
    outcomeStopped outcome = iota
    outcomeDialFailed
    outcomeDropped
    outcomeRejected
    outcomeServerDisconnect
)

func (c *Client) loop(stop <-chan struct{}, done chan struct{}) {
    defer func() {
        c.mu.Lock()
        c.running = false
        c.mu.Unlock()
        close(done)
    }()
    bo := c.newBackOff()
    attempt := 0
    for {
        switch c.session(stop, attempt) {
        case outcomeStopped, outcomeRejected, outcomeServerDisconnect:
            return
        case outcomeDropped:
            bo.Reset()
            attempt = 0
        }
        if c.opts.DisableReconnection { return }
        next := bo.NextBackOff()
        if next == backoff.Stop {
            logutil.Warnf(c.logger, "eventsock: giving up on %s after %d attempts", c.target.Host, attempt)
            c.events.emit(wire.EventReconnectFailed, jsonValue(attempt))
            return
        }
        t := time.NewTimer(next)
        select {
        case <-stop:
            t.Stop()
            return
        case <-t.C:
        }
        attempt++
        obsmetrics.ClientReconnectAttempts.Inc()
        c.events.emit(wire.EventReconnectAttempt, jsonValue(attempt))
    }
}

func (c *Client) newBackOff() backoff.BackOff {
    eb := backoff.NewExponentialBackOff()
    eb.InitialInterval = c.opts.ReconnectionDelay
    eb.MaxInterval = c.opts.ReconnectionDelayMax
    eb.RandomizationFactor = c.opts.RandomizationFactor
    eb.Multiplier = 2
    eb.MaxElapsedTime = 0 // retry indefinitely unless capped below
    eb.Reset()
    if c.opts.ReconnectionAttempts > 0 {
        return backoff.WithMaxRetries(eb, uint64(c.opts.ReconnectionAttempts))
    }
    return eb
}

// session dials, performs the connect handshake and runs the read loop until
// the transport ends. attempt > 0 marks a reconnection.
func (c *Client) session(stop <-chan struct{}, attempt int) outcome {
    ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
    defer cancel()
    go func() {
        select {
        case <-stop:
            cancel()
        case <-ctx.Done():
        }
    }()

    ws, resp, err := c.dialer.DialContext(ctx, c.target.String(), c.opts.Header)
    if resp != nil && resp.Body != nil { _ = resp.Body.Close() }
    if err != nil {
        if isStopped(stop) { return outcomeStopped }
        c.events.emit(wire.EventConnectError, jsonValue(err.Error()))
        return outcomeDialFailed
    }
    // Close has no socket to close until the hello is in, so unblock
    // readHello from here.
    helloDone := make(chan struct{})
    go func() {
        select {
        case <-stop:
            _ = ws.Close()
        case <-helloDone:
        }
    }()
    hello, err := readHello(ws, c.opts.Timeout)
    close(helloDone)
    if err != nil {
        _ = ws.Close()
        if isStopped(stop) { return outcomeStopped }
        c.events.emit(wire.EventConnectError, jsonValue(err.Error()))
        return outcomeDialFailed
    }
    if hello.Type == wire.TypeConnectError {
        _ = ws.Close()
        logutil.Warnf(c.logger, "eventsock: connection to %s rejected: %s", c.target.Host, hello.Message())
        c.events.emit(wire.EventConnectError, hello.Data)
        return outcomeRejected
    }

    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        _ = ws.Close()
        return outcomeStopped
    }
    c.ws, c.sid = ws, hello.SID
    c.mu.Unlock()
    c.connected.Store(true)
    obsmetrics.ClientConnects.Inc()
    logutil.Infof(c.logger, "eventsock: connected to %s sid=%s", c.target.Host, hello.SID)
    c.events.emit(wire.EventConnect, nil)
    if attempt > 0 { c.events.emit(wire.EventReconnect, jsonValue(attempt)) }

    idle := time.Duration(hello.PingInterval+hello.PingTimeout) * time.Millisecond
    reason, out := c.readLoop(ws, stop, idle)

    c.mu.Lock()
    c.ws = nil
    c.mu.Unlock()
    c.connected.Store(false)
    _ = ws.Close()
    obsmetrics.ClientDisconnects.WithLabelValues(reason).Inc()
    logutil.Infof(c.logger, "eventsock: disconnected from %s: %s", c.target.Host, reason)
    c.events.emit(wire.EventDisconnect, jsonValue(reason))
    return out
}

func (c *Client) readLoop(ws *websocket.Conn, stop <-chan struct{}, idle time.Duration) (string, outcome) {
    for {
        if idle > 0 { _ = ws.SetReadDeadline(time.Now().Add(idle)) }
        _, b, err := ws.ReadMessage()
        if err != nil {
            if isStopped(stop) { return "io client disconnect", outcomeStopped }
            var ne net.Error
            if errors.As(err, &ne) && ne.Timeout() { return "ping timeout", outcomeDropped }
            return "transport close", outcomeDropped
        }
        f, err := wire.Decode(b)
        if err != nil {
            logutil.Warnf(c.logger, "eventsock: bad frame from %s: %v", c.target.Host, err)
            continue
        }
        switch f.Type {
        case wire.TypePing:
            _ = c.write(wire.Frame{Type: wire.TypePong})
        case wire.TypeDisconnect:
            return "io server disconnect", outcomeServerDisconnect
        case wire.TypeEvent:
            if wire.IsReserved(f.Event) {
                logutil.Warnf(c.logger, "eventsock: dropping reserved event %q from %s", f.Event, c.target.Host)
                continue
            }
            c.events.emit(f.Event, f.Data)
        }
    }
}

func readHello(ws *websocket.Conn, timeout time.Duration) (wire.Frame, error) {
    _ = ws.SetReadDeadline(time.Now().Add(timeout))
    _, b, err := ws.ReadMessage()
    if err != nil { return wire.Frame{}, err }
    f, err := wire.Decode(b)
    if err != nil { return wire.Frame{}, err }
    if f.Type != wire.TypeConnect && f.Type != wire.TypeConnectError {
        return wire.Frame{}, fmt.Errorf("client: unexpected %q frame during handshake", f.Type)
    }
    return f, nil
}

// socketURL maps http(s)/ws(s) URLs to the websocket endpoint.
func socketURL(raw, path string, query url.Values) (*url.URL, error) {
    u, err := url.Parse(raw)
    if err != nil { return nil, fmt.Errorf("%w: %v", ErrBadURL, err) }
    switch u.Scheme {
    case "http", "ws":
        u.Scheme = "ws"
    case "https", "wss":
        u.Scheme = "wss"
    default:
        return nil, fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
    }
    if u.Host == "" { return nil, fmt.Errorf("%w: missing host", ErrBadURL) }
    if u.Path == "" || u.Path == "/" { u.Path = path }
    q := u.Query()
    for k, vs := range query {
        for _, v := range vs { q.Add(k, v) }
    }
    q.Set("transport", TransportWebSocket)
    u.RawQuery = q.Encode()
    return u, nil
}

func isStopped(stop <-chan struct{}) bool {
    select {
    case <-stop:
        return true
    default:
        return false
    }
}

func jsonValue(v any) json.RawMessage {
    b, _ := json.Marshal(v)
    return b
}
