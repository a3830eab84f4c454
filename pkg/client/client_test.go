package client

import (
    "context"
    "encoding/json"
    "errors"
    "net"
    "net/http"
    "net/http/httptest"
    "net/url"
    "sync/atomic"
    "testing"
    "time"

    "github.com/gorilla/websocket"
    "go.uber.org/goleak"

    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    "github.com/amirimatin/go-eventsock/pkg/server"
    "github.com/amirimatin/go-eventsock/pkg/wire"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func fastOptions() Options {
    return Options{
        ReconnectionDelay:    20 * time.Millisecond,
        ReconnectionDelayMax: 100 * time.Millisecond,
        RandomizationFactor:  -1,
        Timeout:              2 * time.Second,
        Logger:               logutil.Discard(),
    }
}

func listen(t *testing.T, addr string, setup func(*server.Server)) (*server.Server, string) {
    t.Helper()
    s := server.New(server.Options{Logger: logutil.Discard()})
    if setup != nil { setup(s) }
    var bound net.Addr
    var err error
    deadline := time.Now().Add(3 * time.Second)
    for {
        bound, err = s.Listen(context.Background(), addr)
        if err == nil || time.Now().After(deadline) { break }
        time.Sleep(20 * time.Millisecond)
    }
    if err != nil { t.Fatalf("listen %s: %v", addr, err) }
    t.Cleanup(func() { closeServer(t, s) })
    return s, bound.String()
}

func closeServer(t *testing.T, s *server.Server) {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := s.Close(ctx); err != nil { t.Fatalf("close server: %v", err) }
}

func closeClient(t *testing.T, c *Client) {
    t.Helper()
    _ = c.Close()
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := c.Wait(ctx); err != nil { t.Fatalf("client loop did not exit: %v", err) }
}

func recv[T any](t *testing.T, ch <-chan T) T {
    t.Helper()
    select {
    case v := <-ch:
        return v
    case <-time.After(5 * time.Second):
        t.Fatalf("timed out waiting")
    }
    var zero T
    return zero
}

func str(data json.RawMessage) string {
    var s string
    _ = json.Unmarshal(data, &s)
    return s
}

func TestSocketURL(t *testing.T) {
    cases := []struct{ in, want string }{
        {"http://127.0.0.1:3000", "ws://127.0.0.1:3000/eventsock/?transport=websocket"},
        {"https://example.org", "wss://example.org/eventsock/?transport=websocket"},
        {"ws://[::1]:80/custom/", "ws://[::1]:80/custom/?transport=websocket"},
    }
    for _, tc := range cases {
        u, err := socketURL(tc.in, DefaultPath, nil)
        if err != nil { t.Fatalf("%s: %v", tc.in, err) }
        if u.String() != tc.want { t.Fatalf("%s: got %s want %s", tc.in, u, tc.want) }
    }
    u, err := socketURL("http://h:1", DefaultPath, url.Values{"token": {"t"}, "transport": {"polling"}})
    if err != nil { t.Fatalf("query: %v", err) }
    if q := u.Query(); q.Get("token") != "t" || q.Get("transport") != TransportWebSocket { t.Fatalf("query = %v", q) }
    for _, bad := range []string{"ftp://h", "http://", "::"} {
        if _, err := socketURL(bad, DefaultPath, nil); !errors.Is(err, ErrBadURL) { t.Fatalf("%q: expected ErrBadURL, got %v", bad, err) }
    }
}

func TestNewRejectsUnsupportedTransport(t *testing.T) {
    _, err := New("http://127.0.0.1:1", Options{Transports: []string{"polling"}})
    if !errors.Is(err, ErrUnsupportedTransport) { t.Fatalf("expected ErrUnsupportedTransport, got %v", err) }
}

func TestEmitWhileOffline(t *testing.T) {
    c, err := New("http://127.0.0.1:1", fastOptions())
    if err != nil { t.Fatalf("new: %v", err) }
    if err := c.Emit("x", 1); !errors.Is(err, ErrNotConnected) { t.Fatalf("expected ErrNotConnected, got %v", err) }
    if err := c.Emit(wire.EventConnect, nil); !errors.Is(err, wire.ErrReservedEvent) { t.Fatalf("expected reserved, got %v", err) }
    if c.Connected() { t.Fatalf("not connected yet") }
    select {
    case <-c.Done():
    default:
        t.Fatalf("done should be closed before Connect")
    }
}

func TestConnectedInsideHandlersAndEcho(t *testing.T) {
    _, addr := listen(t, "127.0.0.1:0", func(s *server.Server) {
        s.On("echo", func(c *server.Conn, data json.RawMessage) { _ = c.Emit("echo", data) })
    })
    c, err := New("http://"+addr, fastOptions())
    if err != nil { t.Fatalf("new: %v", err) }
    defer closeClient(t, c)
    inConnect := make(chan bool, 1)
    echoed := make(chan string, 1)
    c.On(wire.EventConnect, func(json.RawMessage) {
        inConnect <- c.Connected()
        _ = c.Emit("echo", "hi")
    })
    c.On("echo", func(data json.RawMessage) { echoed <- str(data) })
    if err := c.Connect(); err != nil { t.Fatalf("connect: %v", err) }
    if !recv(t, inConnect) { t.Fatalf("Connected() false inside connect handler") }
    if got := recv(t, echoed); got != "hi" { t.Fatalf("echo = %q", got) }
    if c.ID() == "" { t.Fatalf("missing session id") }
}

func TestReconnectsAfterServerRestart(t *testing.T) {
    s1, addr := listen(t, "127.0.0.1:0", nil)
    c, err := New("http://"+addr, fastOptions())
    if err != nil { t.Fatalf("new: %v", err) }
    defer closeClient(t, c)
    connects := make(chan string, 4)
    reasons := make(chan string, 4)
    reconnected := make(chan int, 4)
    var connectedInDisconnect atomic.Bool
    c.On(wire.EventConnect, func(json.RawMessage) { connects <- c.ID() })
    c.On(wire.EventDisconnect, func(data json.RawMessage) {
        connectedInDisconnect.Store(c.Connected())
        reasons <- str(data)
    })
    c.On(wire.EventReconnect, func(data json.RawMessage) {
        var n int
        _ = json.Unmarshal(data, &n)
        reconnected <- n
    })
    if err := c.Connect(); err != nil { t.Fatalf("connect: %v", err) }
    first := recv(t, connects)

    closeServer(t, s1)
    if r := recv(t, reasons); r != "transport close" { t.Fatalf("disconnect reason = %q", r) }
    if connectedInDisconnect.Load() { t.Fatalf("Connected() true inside disconnect handler") }

    listen(t, addr, nil)
    second := recv(t, connects)
    if n := recv(t, reconnected); n < 1 { t.Fatalf("reconnect attempt = %d", n) }
    if second == first { t.Fatalf("expected a new session id") }
    if !c.Connected() { t.Fatalf("client should be connected") }
}

func TestNoReconnectAfterServerDisconnect(t *testing.T) {
    var accepted atomic.Int32
    _, addr := listen(t, "127.0.0.1:0", func(s *server.Server) {
        s.OnConnection(func(sc *server.Conn) {
            accepted.Add(1)
            _ = sc.Disconnect()
        })
    })
    c, err := New("http://"+addr, fastOptions())
    if err != nil { t.Fatalf("new: %v", err) }
    defer closeClient(t, c)
    reasons := make(chan string, 2)
    c.On(wire.EventDisconnect, func(data json.RawMessage) { reasons <- str(data) })
    if err := c.Connect(); err != nil { t.Fatalf("connect: %v", err) }
    if r := recv(t, reasons); r != "io server disconnect" { t.Fatalf("reason = %q", r) }
    recv(t, c.Done())
    time.Sleep(100 * time.Millisecond)
    if n := accepted.Load(); n != 1 { t.Fatalf("server saw %d connections", n) }
}

func TestRejectionIsNotRetried(t *testing.T) {
    _, addr := listen(t, "127.0.0.1:0", func(s *server.Server) {
        s.Use(func(ctx context.Context, hs server.Handshake) error { return errors.New("bad token") })
    })
    c, err := New("http://"+addr, fastOptions())
    if err != nil { t.Fatalf("new: %v", err) }
    defer closeClient(t, c)
    errs := make(chan string, 2)
    c.On(wire.EventConnectError, func(data json.RawMessage) { errs <- str(data) })
    if err := c.Connect(); err != nil { t.Fatalf("connect: %v", err) }
    if msg := recv(t, errs); msg != "bad token" { t.Fatalf("connect_error = %q", msg) }
    recv(t, c.Done())
    if c.Connected() { t.Fatalf("rejected client reports connected") }
}

func TestReconnectFailedAfterAttempts(t *testing.T) {
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    addr := ln.Addr().String()
    _ = ln.Close()

    opts := fastOptions()
    opts.ReconnectionAttempts = 2
    c, err := New("http://"+addr, opts)
    if err != nil { t.Fatalf("new: %v", err) }
    defer closeClient(t, c)
    var attempts atomic.Int32
    failed := make(chan struct{}, 1)
    c.On(wire.EventReconnectAttempt, func(json.RawMessage) { attempts.Add(1) })
    c.Once(wire.EventReconnectFailed, func(json.RawMessage) { failed <- struct{}{} })
    if err := c.Connect(); err != nil { t.Fatalf("connect: %v", err) }
    recv(t, failed)
    recv(t, c.Done())
    if n := attempts.Load(); n != 2 { t.Fatalf("attempts = %d", n) }
}

func TestDisableReconnection(t *testing.T) {
    s, addr := listen(t, "127.0.0.1:0", nil)
    opts := fastOptions()
    opts.DisableReconnection = true
    c, err := New("http://"+addr, opts)
    if err != nil { t.Fatalf("new: %v", err) }
    defer closeClient(t, c)
    connected := make(chan struct{}, 1)
    c.On(wire.EventConnect, func(json.RawMessage) { connected <- struct{}{} })
    if err := c.Connect(); err != nil { t.Fatalf("connect: %v", err) }
    recv(t, connected)
    closeServer(t, s)
    recv(t, c.Done())
}

func TestCloseFromHandler(t *testing.T) {
    _, addr := listen(t, "127.0.0.1:0", nil)
    c, err := New("http://"+addr, fastOptions())
    if err != nil { t.Fatalf("new: %v", err) }
    reasons := make(chan string, 1)
    c.On(wire.EventConnect, func(json.RawMessage) { _ = c.Close() })
    c.On(wire.EventDisconnect, func(data json.RawMessage) { reasons <- str(data) })
    if err := c.Connect(); err != nil { t.Fatalf("connect: %v", err) }
    if r := recv(t, reasons); r != "io client disconnect" { t.Fatalf("reason = %q", r) }
    closeClient(t, c)
    if err := c.Connect(); !errors.Is(err, ErrClosed) { t.Fatalf("expected ErrClosed, got %v", err) }
}

// rawPeer serves fn on a bare websocket endpoint, bypassing server.Server.
func rawPeer(t *testing.T, fn func(ws *websocket.Conn)) string {
    t.Helper()
    up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        ws, err := up.Upgrade(w, r, nil)
        if err != nil { return }
        defer ws.Close()
        fn(ws)
    }))
    t.Cleanup(srv.Close)
    return srv.URL
}

func drain(ws *websocket.Conn) {
    for {
        if _, _, err := ws.ReadMessage(); err != nil { return }
    }
}

func TestReservedEventsFromPeerAreDropped(t *testing.T) {
    peer := rawPeer(t, func(ws *websocket.Conn) {
        for _, msg := range []string{
            `{"type":"connect","sid":"raw-1","pingInterval":25000,"pingTimeout":20000}`,
            `{"type":"event","event":"connect"}`,
            `{"type":"event","event":"reconnect","data":1}`,
            `{"type":"event","event":"connect"}`,
            `{"type":"event","event":"news","data":"hello"}`,
        } {
            if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil { return }
        }
        drain(ws)
    })
    c, err := New(peer, fastOptions())
    if err != nil { t.Fatalf("new: %v", err) }
    defer closeClient(t, c)
    var connects, reconnects atomic.Int32
    news := make(chan string, 1)
    c.On(wire.EventConnect, func(json.RawMessage) { connects.Add(1) })
    c.On(wire.EventReconnect, func(json.RawMessage) { reconnects.Add(1) })
    c.On("news", func(data json.RawMessage) { news <- str(data) })
    if err := c.Connect(); err != nil { t.Fatalf("connect: %v", err) }
    if got := recv(t, news); got != "hello" { t.Fatalf("news = %q", got) }
    if n := connects.Load(); n != 1 { t.Fatalf("connect handlers fired %d times for one connection", n) }
    if n := reconnects.Load(); n != 0 { t.Fatalf("reconnect handlers fired %d times", n) }
}

func TestCloseDuringHandshakeStopsLoop(t *testing.T) {
    entered := make(chan struct{}, 1)
    _, addr := listen(t, "127.0.0.1:0", func(s *server.Server) {
        s.Use(func(ctx context.Context, hs server.Handshake) error {
            entered <- struct{}{}
            <-ctx.Done()
            return ctx.Err()
        })
    })
    opts := fastOptions()
    opts.Timeout = 20 * time.Second
    c, err := New("http://"+addr, opts)
    if err != nil { t.Fatalf("new: %v", err) }
    if err := c.Connect(); err != nil { t.Fatalf("connect: %v", err) }
    recv(t, entered)

    start := time.Now()
    _ = c.Close()
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    if err := c.Wait(ctx); err != nil { t.Fatalf("loop still running after %s: %v", time.Since(start), err) }
    if c.Connected() { t.Fatalf("client reports connected") }
}

func TestCloseDuringSilentHandshake(t *testing.T) {
    peer := rawPeer(t, drain)
    opts := fastOptions()
    opts.Timeout = 20 * time.Second
    c, err := New(peer, opts)
    if err != nil { t.Fatalf("new: %v", err) }
    if err := c.Connect(); err != nil { t.Fatalf("connect: %v", err) }
    time.Sleep(100 * time.Millisecond)
    _ = c.Close()
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    if err := c.Wait(ctx); err != nil { t.Fatalf("loop did not exit: %v", err) }
}
