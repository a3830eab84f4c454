// Package scenario runs the server-restart reconnection check: start a
// server, connect a client, stop the server, bring a fresh one up on the same
// address and verify the same client reconnects on its own.
package scenario

import (
    "context"
    "errors"
    "fmt"
    "log"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-eventsock/pkg/client"
    "github.com/amirimatin/go-eventsock/pkg/harness/lifecycle"
    "github.com/amirimatin/go-eventsock/pkg/harness/observer"
    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    "github.com/amirimatin/go-eventsock/pkg/netaddr"
    obsmetrics "github.com/amirimatin/go-eventsock/pkg/observability/metrics"
    "github.com/amirimatin/go-eventsock/pkg/observability/tracing"
    "github.com/amirimatin/go-eventsock/pkg/server"
)

const (
    DefaultConnectTimeout   = 10 * time.Second
    DefaultReconnectTimeout = 10 * time.Second
    teardownTimeout         = 5 * time.Second
)

var (
    ErrOutOfOrder   = errors.New("scenario: step out of order")
    ErrNotConnected = errors.New("scenario: client not connected after reconnection")
)

type State int

const (
    StateInit State = iota
    StateServerUp
    StateClientConnected
    StateServerDown
    StateServerRestarted
    StateClientReconnected
    StateVerified
    StateTornDown
)

func (s State) String() string {
    switch s {
    case StateInit:
        return "init"
    case StateServerUp:
        return "server_up"
    case StateClientConnected:
        return "client_connected"
    case StateServerDown:
        return "server_down"
    case StateServerRestarted:
        return "server_restarted"
    case StateClientReconnected:
        return "client_reconnected"
    case StateVerified:
        return "verified"
    case StateTornDown:
        return "torn_down"
    default:
        return fmt.Sprintf("state(%d)", int(s))
    }
}

// Config configures one scenario run.
type Config struct {
    // Host the first server binds; lifecycle.DefaultHost when empty.
    Host string
    // Middleware is installed on both server instances.
    Middleware []server.Middleware
    Server     server.Options
    // Client options; Transports is always forced to websocket only.
    Client    client.Options
    BindRetry lifecycle.RetryPolicy
    // ConnectTimeout bounds the wait for the first connect.
    ConnectTimeout time.Duration
    // ReconnectTimeout bounds the wait for the post-restart connect.
    ReconnectTimeout time.Duration
    Logger           *log.Logger
}

// Report summarizes a run.
type Report struct {
    URL       string   `json:"url"`
    Host      string   `json:"host"`
    Port      int      `json:"port"`
    Connects  int      `json:"connects"`
    Connected bool     `json:"connected"`
    States    []string `json:"states"`
    ElapsedMS int64    `json:"elapsedMs"`
    Error     string   `json:"error,omitempty"`
}

// Scenario holds everything one run owns. It is not safe for concurrent use.
type Scenario struct {
    cfg    Config
    ctrl   *lifecycle.Controller
    logger *log.Logger

    state     State
    history   []State
    addr      netaddr.ListenerAddress
    server    *lifecycle.Handle
    client    *client.Client
    obs       *observer.Observer
    offEvery  func()
    secondUp  chan struct{}
    verified  bool
    started   time.Time
}

func New(cfg Config) *Scenario {
    if cfg.ConnectTimeout <= 0 { cfg.ConnectTimeout = DefaultConnectTimeout }
    if cfg.ReconnectTimeout <= 0 { cfg.ReconnectTimeout = DefaultReconnectTimeout }
    cfg.Client.Transports = []string{client.TransportWebSocket}
    if cfg.Client.Logger == nil { cfg.Client.Logger = cfg.Logger }
    ctrl := lifecycle.New(lifecycle.Options{
        Host:       cfg.Host,
        Middleware: cfg.Middleware,
        Server:     cfg.Server,
        BindRetry:  cfg.BindRetry,
        Logger:     cfg.Logger,
    })
    return &Scenario{cfg: cfg, ctrl: ctrl, logger: logutil.Or(cfg.Logger), history: []State{StateInit}, started: time.Now()}
}

// State returns the current state.
func (s *Scenario) State() State { return s.state }

// Address returns the address captured when the first server bound.
func (s *Scenario) Address() netaddr.ListenerAddress { return s.addr }

// Run performs every step in order. Teardown always runs, whatever failed.
func (s *Scenario) Run(ctx context.Context) (rep Report, err error) {
    s.started = time.Now()
    ctx, end := tracing.StartSpan(ctx, "scenario.run")
    defer end()
    defer func() {
        tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
        defer cancel()
        if terr := s.Teardown(tctx); terr != nil && err == nil { err = terr }
        rep = s.Report()
        result := "ok"
        if err != nil {
            rep.Error = err.Error()
            result = "failed"
            tracing.RecordError(ctx, err)
        }
        obsmetrics.HarnessScenarios.WithLabelValues(result).Inc()
    }()
    steps := []struct{
        name string
        fn   func(context.Context) error
    }{
        {"start_server", s.StartServer},
        {"connect_client", s.ConnectClient},
        {"stop_server", s.StopServer},
        {"restart_server", s.RestartServer},
        {"await_reconnect", s.AwaitReconnect},
        {"verify", func(context.Context) error { return s.Verify() }},
    }
    for _, st := range steps {
        sctx, endStep := tracing.StartSpan(ctx, "scenario."+st.name)
        err = st.fn(sctx)
        endStep()
        if err != nil { return rep, err }
    }
    return rep, nil
}

// StartServer binds the first server on an ephemeral port.
func (s *Scenario) StartServer(ctx context.Context) error {
    if err := s.expect("start server", StateInit); err != nil { return err }
    h, err := s.ctrl.Start(ctx)
    if err != nil { return err }
    s.server, s.addr = h, h.Addr
    s.advance(StateServerUp)
    return nil
}

// ConnectClient creates the one client of this run and waits for its first
// connect. The every-connect watcher for the post-restart connect is armed
// before connecting.
func (s *Scenario) ConnectClient(ctx context.Context) error {
    if err := s.expect("connect client", StateServerUp); err != nil { return err }
    c, err := client.New(s.addr.URL, s.cfg.Client)
    if err != nil { return err }
    s.client = c
    s.obs = observer.New(c)
    s.secondUp = make(chan struct{})
    var once sync.Once
    s.offEvery = s.obs.OnEveryConnect(func(n int) {
        if n > 1 { once.Do(func() { close(s.secondUp) }) }
    })
    first := s.obs.WaitForNextConnect()
    if err := c.Connect(); err != nil { return err }

    wctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
    defer cancel()
    start := time.Now()
    select {
    case <-first:
    case <-wctx.Done():
        return &observer.ReconnectionTimeoutError{Want: 1, Got: s.obs.Count(), Elapsed: time.Since(start), Err: wctx.Err()}
    }
    logutil.Infof(s.logger, "scenario: client connected to %s", s.addr.URL)
    s.advance(StateClientConnected)
    return nil
}

// StopServer closes the first server and waits for close confirmation.
func (s *Scenario) StopServer(ctx context.Context) error {
    if err := s.expect("stop server", StateClientConnected); err != nil { return err }
    if err := s.server.Close(ctx); err != nil { return err }
    s.advance(StateServerDown)
    return nil
}

// RestartServer brings a fresh server up on the captured host and port.
func (s *Scenario) RestartServer(ctx context.Context) error {
    if err := s.expect("restart server", StateServerDown); err != nil { return err }
    h, err := s.ctrl.Restart(ctx, s.addr.Port, s.addr.Host)
    if err != nil { return err }
    s.server = h
    s.advance(StateServerRestarted)
    return nil
}

// AwaitReconnect waits until the same client has connected more than once.
func (s *Scenario) AwaitReconnect(ctx context.Context) error {
    if err := s.expect("await reconnect", StateServerRestarted); err != nil { return err }
    wctx, cancel := context.WithTimeout(ctx, s.cfg.ReconnectTimeout)
    defer cancel()
    start := time.Now()
    select {
    case <-s.secondUp:
    case <-wctx.Done():
        return &observer.ReconnectionTimeoutError{Want: 2, Got: s.obs.Count(), Elapsed: time.Since(start), Err: wctx.Err()}
    }
    logutil.Infof(s.logger, "scenario: client reconnected after %d connects", s.obs.Count())
    s.advance(StateClientReconnected)
    return nil
}

// Verify checks the client reports a live transport.
func (s *Scenario) Verify() error {
    if err := s.expect("verify", StateClientReconnected); err != nil { return err }
    if !s.obs.IsConnected() { return ErrNotConnected }
    s.verified = true
    s.advance(StateVerified)
    return nil
}

// Teardown closes whatever is still open. It can be called at any point and
// any number of times.
func (s *Scenario) Teardown(ctx context.Context) error {
    if s.state == StateTornDown { return nil }
    var errs []error
    if err := s.server.Close(ctx); err != nil { errs = append(errs, fmt.Errorf("close server: %w", err)) }
    if s.offEvery != nil { s.offEvery() }
    if s.obs != nil { s.obs.Close() }
    if s.client != nil {
        _ = s.client.Close()
        if err := s.client.Wait(ctx); err != nil { errs = append(errs, fmt.Errorf("close client: %w", err)) }
    }
    s.advance(StateTornDown)
    return errors.Join(errs...)
}

// Report summarizes the run so far.
func (s *Scenario) Report() Report {
    r := Report{
        URL:       s.addr.URL,
        Host:      s.addr.Host,
        Port:      s.addr.Port,
        Connected: s.verified,
        ElapsedMS: time.Since(s.started).Milliseconds(),
    }
    if s.obs != nil { r.Connects = s.obs.Count() }
    for _, st := range s.history { r.States = append(r.States, st.String()) }
    return r
}

func (s *Scenario) expect(step string, want State) error {
    if s.state != want { return fmt.Errorf("%w: %s while %s", ErrOutOfOrder, step, s.state) }
    return nil
}

func (s *Scenario) advance(to State) {
    logutil.Infof(s.logger, "scenario: %s -> %s", s.state, to)
    s.state = to
    s.history = append(s.history, to)
}

// Path renders the visited states as "a -> b -> c".
func (r Report) Path() string { return strings.Join(r.States, " -> ") }
