package server

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "net/http"
    "testing"
    "time"

    "github.com/gorilla/websocket"
    "go.uber.org/goleak"

    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    "github.com/amirimatin/go-eventsock/pkg/wire"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func startServer(t *testing.T, opts Options, setup func(*Server)) (*Server, string) {
    t.Helper()
    if opts.Logger == nil { opts.Logger = logutil.Discard() }
    s := New(opts)
    if setup != nil { setup(s) }
    addr, err := s.Listen(context.Background(), "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    t.Cleanup(func() {
        ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        defer cancel()
        _ = s.Close(ctx)
    })
    return s, "ws://" + addr.String() + DefaultPath + "?transport=websocket"
}

func dial(t *testing.T, url string) (*websocket.Conn, wire.Frame) {
    t.Helper()
    ws, _, err := websocket.DefaultDialer.Dial(url, nil)
    if err != nil { t.Fatalf("dial: %v", err) }
    t.Cleanup(func() { _ = ws.Close() })
    return ws, readFrame(t, ws)
}

func readFrame(t *testing.T, ws *websocket.Conn) wire.Frame {
    t.Helper()
    _ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
    _, b, err := ws.ReadMessage()
    if err != nil { t.Fatalf("read: %v", err) }
    f, err := wire.Decode(b)
    if err != nil { t.Fatalf("decode: %v", err) }
    return f
}

func writeFrame(t *testing.T, ws *websocket.Conn, f wire.Frame) {
    t.Helper()
    b, err := wire.Encode(f)
    if err != nil { t.Fatalf("encode: %v", err) }
    if err := ws.WriteMessage(websocket.TextMessage, b); err != nil { t.Fatalf("write: %v", err) }
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(d)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s", d)
}

func TestConnectFrameCarriesSessionAndHeartbeat(t *testing.T) {
    _, url := startServer(t, Options{PingInterval: time.Second, PingTimeout: 2 * time.Second}, nil)
    _, hello := dial(t, url)
    if hello.Type != wire.TypeConnect { t.Fatalf("expected connect, got %s", hello.Type) }
    if hello.SID == "" { t.Fatalf("missing sid") }
    if hello.PingInterval != 1000 || hello.PingTimeout != 2000 {
        t.Fatalf("unexpected heartbeat %d/%d", hello.PingInterval, hello.PingTimeout)
    }
}

func TestEventRoundTrip(t *testing.T) {
    _, url := startServer(t, Options{}, func(s *Server) {
        s.On("echo", func(c *Conn, data json.RawMessage) { _ = c.Emit("echo", data) })
    })
    ws, _ := dial(t, url)
    ev, err := wire.NewEvent("echo", map[string]int{"n": 7})
    if err != nil { t.Fatalf("event: %v", err) }
    writeFrame(t, ws, ev)
    got := readFrame(t, ws)
    if got.Type != wire.TypeEvent || got.Event != "echo" { t.Fatalf("unexpected frame %+v", got) }
    var body map[string]int
    if err := json.Unmarshal(got.Data, &body); err != nil || body["n"] != 7 { t.Fatalf("payload %s: %v", got.Data, err) }
}

func TestMiddlewareRejectsConnection(t *testing.T) {
    seen := make(chan Handshake, 1)
    s, url := startServer(t, Options{}, func(s *Server) {
        s.Use(func(ctx context.Context, hs Handshake) error { seen <- hs; return nil })
        s.Use(func(ctx context.Context, hs Handshake) error { return errors.New("not allowed") })
    })
    ws, hello := dial(t, url+"&token=abc")
    if hello.Type != wire.TypeConnectError { t.Fatalf("expected connect_error, got %s", hello.Type) }
    if hello.Message() != "not allowed" { t.Fatalf("message = %q", hello.Message()) }
    _, _, err := ws.ReadMessage()
    if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) { t.Fatalf("expected policy close, got %v", err) }
    if hs := <-seen; hs.Query.Get("token") != "abc" { t.Fatalf("middleware did not see query: %+v", hs.Query) }
    st := s.Stats()
    if st.Rejected != 1 || st.TotalAccepted != 0 || st.Connected != 0 { t.Fatalf("stats %+v", st) }
}

func TestPingIsSentAndPongAnswered(t *testing.T) {
    _, url := startServer(t, Options{PingInterval: 50 * time.Millisecond, PingTimeout: time.Second}, nil)
    ws, _ := dial(t, url)
    if f := readFrame(t, ws); f.Type != wire.TypePing { t.Fatalf("expected ping, got %s", f.Type) }
    writeFrame(t, ws, wire.Frame{Type: wire.TypePing})
    for i := 0; i < 5; i++ {
        if f := readFrame(t, ws); f.Type == wire.TypePong { return }
    }
    t.Fatalf("no pong received")
}

func TestBroadcastAndStats(t *testing.T) {
    s, url := startServer(t, Options{}, nil)
    a, _ := dial(t, url)
    b, _ := dial(t, url)
    waitUntil(t, 2*time.Second, func() bool { return s.Stats().Connected == 2 })
    if n := s.Broadcast("news", "hello"); n != 2 { t.Fatalf("broadcast reached %d", n) }
    for _, ws := range []*websocket.Conn{a, b} {
        f := readFrame(t, ws)
        if f.Event != "news" || f.Message() != "hello" { t.Fatalf("unexpected frame %+v", f) }
    }
    st := s.Stats()
    if st.TotalAccepted != 2 || st.Addr == "" || st.Closed { t.Fatalf("stats %+v", st) }
}

func TestDisconnectIsSentToClient(t *testing.T) {
    reasons := make(chan string, 1)
    _, url := startServer(t, Options{}, func(s *Server) {
        s.OnConnection(func(c *Conn) { _ = c.Disconnect() })
        s.OnDisconnect(func(c *Conn, reason string) { reasons <- reason })
    })
    ws, _ := dial(t, url)
    if f := readFrame(t, ws); f.Type != wire.TypeDisconnect { t.Fatalf("expected disconnect, got %s", f.Type) }
    select {
    case r := <-reasons:
        if r != "server namespace disconnect" { t.Fatalf("reason = %q", r) }
    case <-time.After(3 * time.Second):
        t.Fatalf("disconnect hook not called")
    }
}

func TestClientDisconnectReason(t *testing.T) {
    reasons := make(chan string, 1)
    _, url := startServer(t, Options{}, func(s *Server) {
        s.OnDisconnect(func(c *Conn, reason string) { reasons <- reason })
    })
    ws, _ := dial(t, url)
    writeFrame(t, ws, wire.Frame{Type: wire.TypeDisconnect})
    select {
    case r := <-reasons:
        if r != "client namespace disconnect" { t.Fatalf("reason = %q", r) }
    case <-time.After(3 * time.Second):
        t.Fatalf("disconnect hook not called")
    }
}

func TestCloseGoesAwayAndIsIdempotent(t *testing.T) {
    s, url := startServer(t, Options{}, nil)
    ws, _ := dial(t, url)
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := s.Close(ctx); err != nil { t.Fatalf("close: %v", err) }
    _ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
    _, _, err := ws.ReadMessage()
    if !websocket.IsCloseError(err, websocket.CloseGoingAway) { t.Fatalf("expected going away, got %v", err) }
    if err := s.Close(ctx); err != nil { t.Fatalf("second close: %v", err) }
    select {
    case <-s.Done():
    default:
        t.Fatalf("done not closed")
    }
    if !s.Stats().Closed { t.Fatalf("stats should report closed") }
    if err := s.Serve(nil); !errors.Is(err, ErrServerClosed) { t.Fatalf("serve after close: %v", err) }
}

func TestServeTwice(t *testing.T) {
    s, _ := startServer(t, Options{}, nil)
    if _, err := s.Listen(context.Background(), "127.0.0.1:0"); !errors.Is(err, ErrAlreadyServing) {
        t.Fatalf("expected ErrAlreadyServing, got %v", err)
    }
}

func TestHealthz(t *testing.T) {
    s, _ := startServer(t, Options{}, nil)
    hc := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
    resp, err := hc.Get("http://" + s.Addr().String() + "/healthz")
    if err != nil { t.Fatalf("get: %v", err) }
    defer resp.Body.Close()
    body, _ := io.ReadAll(resp.Body)
    if resp.StatusCode != http.StatusOK || string(body) != "ok" { t.Fatalf("healthz %d %q", resp.StatusCode, body) }
}

func TestCloseReleasesSocketsInAdmission(t *testing.T) {
    entered := make(chan struct{}, 1)
    gaveUp := make(chan error, 1)
    s, url := startServer(t, Options{}, func(s *Server) {
        s.Use(func(ctx context.Context, hs Handshake) error {
            entered <- struct{}{}
            <-ctx.Done()
            gaveUp <- ctx.Err()
            return ctx.Err()
        })
    })
    ws, _, err := websocket.DefaultDialer.Dial(url, nil)
    if err != nil { t.Fatalf("dial: %v", err) }
    defer ws.Close()
    select {
    case <-entered:
    case <-time.After(3 * time.Second):
        t.Fatalf("middleware not reached")
    }

    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := s.Close(ctx); err != nil { t.Fatalf("close: %v", err) }
    select {
    case err := <-gaveUp:
        if !errors.Is(err, context.Canceled) { t.Fatalf("middleware ctx err = %v", err) }
    default:
        t.Fatalf("middleware context was not cancelled by Close")
    }
    _ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
    if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
        t.Fatalf("expected going away for pending socket, got %v", err)
    }
    if st := s.Stats(); st.TotalAccepted != 0 || st.Rejected != 0 { t.Fatalf("stats %+v", st) }
}
