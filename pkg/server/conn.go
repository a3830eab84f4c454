package server

import (
    "errors"
    "net"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/gorilla/websocket"

    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-eventsock/pkg/observability/metrics"
    "github.com/amirimatin/go-eventsock/pkg/wire"
)

// Conn is one admitted client socket.
type Conn struct {
    id  string
    srv *Server
    ws  *websocket.Conn
    hs  Handshake

    wmu       sync.Mutex
    closeOnce sync.Once
    closed    chan struct{}
    reason    string
}

func newConn(s *Server, ws *websocket.Conn, hs Handshake) *Conn {
    return &Conn{id: uuid.NewString(), srv: s, ws: ws, hs: hs, closed: make(chan struct{})}
}

// ID returns the session id sent to the client in the connect frame.
func (c *Conn) ID() string { return c.id }

// Handshake returns the handshake the socket was admitted with.
func (c *Conn) Handshake() Handshake { return c.hs }

// Emit sends a named event with v encoded as JSON.
func (c *Conn) Emit(event string, v any) error {
    f, err := wire.NewEvent(event, v)
    if err != nil { return err }
    return c.write(f)
}

// Disconnect tells the client this is an intentional disconnect (the client
// will not reconnect) and closes the socket.
func (c *Conn) Disconnect() error {
    err := c.write(wire.Frame{Type: wire.TypeDisconnect})
    c.closeTransport(websocket.CloseNormalClosure, "server namespace disconnect")
    return err
}

func (c *Conn) write(f wire.Frame) error {
    select {
    case <-c.closed:
        return ErrServerClosed
    default:
    }
    b, err := wire.Encode(f)
    if err != nil { return err }
    c.wmu.Lock()
    defer c.wmu.Unlock()
    _ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
    return c.ws.WriteMessage(websocket.TextMessage, b)
}

// closeTransport sends a close frame and closes the underlying connection once.
func (c *Conn) closeTransport(code int, reason string) {
    c.closeOnce.Do(func() {
        c.reason = reason
        close(c.closed)
        _ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
        _ = c.ws.Close()
    })
}

func (c *Conn) pingLoop(every time.Duration) {
    t := time.NewTicker(every)
    defer t.Stop()
    for {
        select {
        case <-c.closed:
            return
        case <-t.C:
            if err := c.write(wire.Frame{Type: wire.TypePing}); err != nil {
                c.closeTransport(websocket.CloseInternalServerErr, "transport error")
                return
            }
        }
    }
}

// readLoop dispatches inbound frames until the socket ends and returns the
// disconnect reason.
func (c *Conn) readLoop(idle time.Duration) string {
    _ = c.ws.SetReadDeadline(time.Now().Add(idle))
    for {
        _, b, err := c.ws.ReadMessage()
        if err != nil {
            select {
            case <-c.closed:
                return c.reason
            default:
            }
            var ne net.Error
            if errors.As(err, &ne) && ne.Timeout() { return "ping timeout" }
            return "transport close"
        }
        _ = c.ws.SetReadDeadline(time.Now().Add(idle))
        f, err := wire.Decode(b)
        if err != nil {
            logutil.Warnf(c.srv.logger, "eventsock: socket %s sent bad frame: %v", c.id, err)
            continue
        }
        switch f.Type {
        case wire.TypePing:
            _ = c.write(wire.Frame{Type: wire.TypePong})
        case wire.TypeDisconnect:
            return "client namespace disconnect"
        case wire.TypeEvent:
            obsmetrics.ServerEventsReceived.WithLabelValues(f.Event).Inc()
            if h := c.srv.handler(f.Event); h != nil { h(c, f.Data) }
        }
    }
}
