// Package server implements the event-messaging server: a websocket endpoint
// speaking named JSON events, with an admission middleware chain and
// heartbeats.
package server

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "log"
    "net"
    "net/http"
    "net/url"
    "sync"
    "sync/atomic"
    "time"

    "github.com/gorilla/websocket"

    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-eventsock/pkg/observability/metrics"
    "github.com/amirimatin/go-eventsock/pkg/observability/tracing"
    "github.com/amirimatin/go-eventsock/pkg/wire"
)

const (
    DefaultPath         = "/eventsock/"
    DefaultPingInterval = 25 * time.Second
    DefaultPingTimeout  = 20 * time.Second

    writeWait = 5 * time.Second
)

var (
    ErrServerClosed   = errors.New("server: closed")
    ErrAlreadyServing = errors.New("server: already serving")
)

// Handshake describes an incoming connection attempt as seen by middleware.
type Handshake struct {
    Query      url.Values
    Header     http.Header
    RemoteAddr string
}

// Middleware is an admission hook invoked once per connection attempt. A
// non-nil error vetoes the connection and is reported to the client.
type Middleware func(ctx context.Context, hs Handshake) error

// EventHandler handles a named event received from a client.
type EventHandler func(c *Conn, data json.RawMessage)

// Options configures a Server. Zero values pick the defaults above.
type Options struct {
    Path         string
    PingInterval time.Duration
    PingTimeout  time.Duration
    Logger       *log.Logger
    // TLS, when set, makes Listen/Serve speak wss.
    TLS *tls.Config
}

// Stats is a point-in-time view of a server.
type Stats struct {
    Addr          string `json:"addr"`
    Connected     int    `json:"connected"`
    TotalAccepted int64  `json:"totalAccepted"`
    Rejected      int64  `json:"rejected"`
    Closed        bool   `json:"closed"`
}

type Server struct {
    opts     Options
    logger   *log.Logger
    upgrader websocket.Upgrader

    mu         sync.RWMutex
    middleware []Middleware
    handlers   map[string]EventHandler
    onConn     []func(*Conn)
    onDisc     []func(*Conn, string)
    conns      map[*Conn]struct{}
    pending    map[*websocket.Conn]struct{}
    httpSrv    *http.Server
    ln         net.Listener
    closed     bool
    serveDone  chan struct{}

    // base is cancelled by Close so that admission middleware can give up.
    base       context.Context
    cancelBase context.CancelFunc

    // sockets counts handleSocket calls past the upgrade.
    sockets  sync.WaitGroup
    done     chan struct{}
    accepted atomic.Int64
    rejected atomic.Int64
}

// New constructs a Server. It performs no network activity.
func New(opts Options) *Server {
    if opts.Path == "" { opts.Path = DefaultPath }
    if opts.PingInterval <= 0 { opts.PingInterval = DefaultPingInterval }
    if opts.PingTimeout <= 0 { opts.PingTimeout = DefaultPingTimeout }
    obsmetrics.Register()
    base, cancel := context.WithCancel(context.Background())
    return &Server{
        opts:   opts,
        logger: logutil.Or(opts.Logger),
        upgrader: websocket.Upgrader{
            ReadBufferSize:  1024,
            WriteBufferSize: 1024,
            CheckOrigin:     func(*http.Request) bool { return true },
        },
        handlers: make(map[string]EventHandler),
        conns:      make(map[*Conn]struct{}),
        pending:    make(map[*websocket.Conn]struct{}),
        base:       base,
        cancelBase: cancel,
        done:       make(chan struct{}),
    }
}

// Use appends admission middleware. Middleware runs in registration order.
func (s *Server) Use(mw Middleware) *Server {
    if mw == nil { return s }
    s.mu.Lock()
    s.middleware = append(s.middleware, mw)
    s.mu.Unlock()
    return s
}

// On registers the handler for a named event, replacing any previous one.
func (s *Server) On(event string, h EventHandler) {
    s.mu.Lock()
    s.handlers[event] = h
    s.mu.Unlock()
}

// OnConnection registers a callback run after a socket is admitted.
func (s *Server) OnConnection(fn func(*Conn)) {
    s.mu.Lock()
    s.onConn = append(s.onConn, fn)
    s.mu.Unlock()
}

// OnDisconnect registers a callback run after a socket is gone.
func (s *Server) OnDisconnect(fn func(*Conn, string)) {
    s.mu.Lock()
    s.onDisc = append(s.onDisc, fn)
    s.mu.Unlock()
}

// Handler returns the HTTP handler serving the socket endpoint and /healthz.
func (s *Server) Handler() http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc(s.opts.Path, s.handleSocket)
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if s.isClosed() { http.Error(w, "closing", http.StatusServiceUnavailable); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    return mux
}

// Listen binds addr and starts serving in the background. It returns once the
// listener is bound, with the bound address.
func (s *Server) Listen(ctx context.Context, addr string) (net.Addr, error) {
    var lc net.ListenConfig
    ln, err := lc.Listen(ctx, "tcp", addr)
    if err != nil { return nil, err }
    if err := s.Serve(ln); err != nil {
        _ = ln.Close()
        return nil, err
    }
    return ln.Addr(), nil
}

// Serve starts serving on an already bound listener in the background. The
// server takes ownership of ln.
func (s *Server) Serve(ln net.Listener) error {
    s.mu.Lock()
    if s.closed { s.mu.Unlock(); return ErrServerClosed }
    if s.httpSrv != nil { s.mu.Unlock(); return ErrAlreadyServing }
    if s.opts.TLS != nil { ln = tls.NewListener(ln, s.opts.TLS) }
    srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
    s.httpSrv, s.ln = srv, ln
    s.serveDone = make(chan struct{})
    serveDone := s.serveDone
    s.mu.Unlock()

    go func() {
        defer close(serveDone)
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            logutil.Errorf(s.logger, "eventsock: serve %s: %v", ln.Addr(), err)
        }
    }()
    logutil.Infof(s.logger, "eventsock: listening at %s%s", ln.Addr(), s.opts.Path)
    return nil
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.ln == nil { return nil }
    return s.ln.Addr()
}

// Close stops accepting connections, closes every live socket as "going away"
// and waits until the serve loop and all socket goroutines have exited. It is
// safe to call more than once; later calls wait for the first to finish.
func (s *Server) Close(ctx context.Context) error {
    s.mu.Lock()
    if s.closed {
        s.mu.Unlock()
        select {
        case <-s.done:
            return nil
        case <-ctx.Done():
            return ctx.Err()
        }
    }
    s.closed = true
    srv, serveDone := s.httpSrv, s.serveDone
    conns := make([]*Conn, 0, len(s.conns))
    for c := range s.conns { conns = append(conns, c) }
    pending := make([]*websocket.Conn, 0, len(s.pending))
    for ws := range s.pending { pending = append(pending, ws) }
    s.mu.Unlock()
    s.cancelBase()

    var err error
    if srv != nil {
        if e := srv.Shutdown(ctx); e != nil && !errors.Is(e, http.ErrServerClosed) { err = e }
    }
    for _, c := range conns {
        c.closeTransport(websocket.CloseGoingAway, "server shutting down")
    }
    // Sockets still in admission have no Conn yet.
    for _, ws := range pending {
        _ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
        _ = ws.Close()
    }
    go func() {
        s.sockets.Wait()
        if serveDone != nil { <-serveDone }
        close(s.done)
    }()
    select {
    case <-s.done:
    case <-ctx.Done():
        if err == nil { err = ctx.Err() }
    }
    if err == nil && srv != nil {
        logutil.Infof(s.logger, "eventsock: server %s closed", s.ln.Addr())
    }
    return err
}

// Done is closed once Close has fully completed.
func (s *Server) Done() <-chan struct{} { return s.done }

// Broadcast emits event to every connected socket and returns how many
// writes succeeded.
func (s *Server) Broadcast(event string, v any) int {
    n := 0
    for _, c := range s.snapshot() {
        if err := c.Emit(event, v); err == nil { n++ }
    }
    return n
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
    s.mu.RLock()
    defer s.mu.RUnlock()
    st := Stats{
        Connected:     len(s.conns),
        TotalAccepted: s.accepted.Load(),
        Rejected:      s.rejected.Load(),
        Closed:        s.closed,
    }
    if s.ln != nil { st.Addr = s.ln.Addr().String() }
    return st
}

func (s *Server) isClosed() bool {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.closed
}

func (s *Server) snapshot() []*Conn {
    s.mu.RLock()
    defer s.mu.RUnlock()
    out := make([]*Conn, 0, len(s.conns))
    for c := range s.conns { out = append(out, c) }
    return out
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
    if s.isClosed() {
        http.Error(w, "server closing", http.StatusServiceUnavailable)
        return
    }
    hs := Handshake{Query: r.URL.Query(), Header: r.Header.Clone(), RemoteAddr: r.RemoteAddr}
    ws, err := s.upgrader.Upgrade(w, r, nil)
    if err != nil {
        logutil.Warnf(s.logger, "eventsock: upgrade from %s: %v", r.RemoteAddr, err)
        return
    }
    if !s.trackPending(ws) {
        _ = ws.Close()
        return
    }
    defer s.sockets.Done()

    ctx, end := tracing.StartSpan(r.Context(), "eventsock.handshake", "remote", r.RemoteAddr)
    err = s.admit(ctx, hs)
    if !s.untrackPending(ws) {
        end()
        _ = ws.Close()
        return
    }
    if err != nil {
        tracing.RecordError(ctx, err)
        end()
        s.rejected.Add(1)
        obsmetrics.ServerAdmissionRejected.Inc()
        logutil.Warnf(s.logger, "eventsock: connection from %s rejected: %v", r.RemoteAddr, err)
        if b, e := wire.Encode(wire.NewConnectError(err.Error())); e == nil {
            _ = ws.SetWriteDeadline(time.Now().Add(writeWait))
            _ = ws.WriteMessage(websocket.TextMessage, b)
        }
        _ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rejected"), time.Now().Add(writeWait))
        _ = ws.Close()
        return
    }
    end()

    c := newConn(s, ws, hs)
    if !s.register(c) {
        c.closeTransport(websocket.CloseGoingAway, "server shutting down")
        return
    }
    reason := "transport close"
    defer func() { s.unregister(c, reason) }()

    if err := c.write(wire.Frame{
        Type:         wire.TypeConnect,
        SID:          c.id,
        PingInterval: s.opts.PingInterval.Milliseconds(),
        PingTimeout:  s.opts.PingTimeout.Milliseconds(),
    }); err != nil {
        c.closeTransport(websocket.CloseInternalServerErr, "transport error")
        return
    }
    s.mu.RLock()
    onConn := append([]func(*Conn){}, s.onConn...)
    s.mu.RUnlock()
    for _, fn := range onConn { fn(c) }

    go c.pingLoop(s.opts.PingInterval)
    reason = c.readLoop(s.opts.PingInterval + s.opts.PingTimeout)
}

// trackPending records a socket that is upgraded but not yet admitted. It
// reports false once the server is closed.
func (s *Server) trackPending(ws *websocket.Conn) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed { return false }
    s.pending[ws] = struct{}{}
    s.sockets.Add(1)
    return true
}

// untrackPending reports false when Close already took the socket.
func (s *Server) untrackPending(ws *websocket.Conn) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    delete(s.pending, ws)
    return !s.closed
}

func (s *Server) admit(ctx context.Context, hs Handshake) error {
    ctx, cancel := context.WithCancel(ctx)
    defer cancel()
    stop := context.AfterFunc(s.base, cancel)
    defer stop()
    s.mu.RLock()
    chain := append([]Middleware{}, s.middleware...)
    s.mu.RUnlock()
    for _, mw := range chain {
        if err := mw(ctx, hs); err != nil { return err }
    }
    return nil
}

func (s *Server) register(c *Conn) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed { return false }
    s.conns[c] = struct{}{}
    s.accepted.Add(1)
    obsmetrics.ServerConnectionsTotal.Inc()
    obsmetrics.ServerConnectionsActive.Inc()
    return true
}

func (s *Server) unregister(c *Conn, reason string) {
    c.closeTransport(websocket.CloseNormalClosure, reason)
    s.mu.Lock()
    delete(s.conns, c)
    onDisc := append([]func(*Conn, string){}, s.onDisc...)
    s.mu.Unlock()
    obsmetrics.ServerConnectionsActive.Dec()
    for _, fn := range onDisc { fn(c, reason) }
}

func (s *Server) handler(event string) EventHandler {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.handlers[event]
}
