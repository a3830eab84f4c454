// Package observer watches a client's connect transitions. It never drives
// reconnection; it only reacts to what the client reports.
package observer

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/amirimatin/go-eventsock/pkg/client"
    "github.com/amirimatin/go-eventsock/pkg/wire"
)

// ErrReconnectionTimeout matches every *ReconnectionTimeoutError.
var ErrReconnectionTimeout = errors.New("observer: reconnection timeout")

// ReconnectionTimeoutError reports a connect count that was not reached in time.
type ReconnectionTimeoutError struct {
    Want    int
    Got     int
    Elapsed time.Duration
    Err     error
}

func (e *ReconnectionTimeoutError) Error() string {
    return fmt.Sprintf("observer: waited %s for %d connects, saw %d: %v", e.Elapsed.Round(time.Millisecond), e.Want, e.Got, e.Err)
}

func (e *ReconnectionTimeoutError) Is(target error) bool { return target == ErrReconnectionTimeout }

func (e *ReconnectionTimeoutError) Unwrap() error { return e.Err }

// Conn is the part of *client.Client the observer needs.
type Conn interface {
    On(event string, h client.Handler) func()
    Connected() bool
}

type everyHandler struct {
    id uint64
    fn func(count int)
}

type Observer struct {
    conn Conn
    off  func()

    mu      sync.Mutex
    count   int
    next    []chan struct{}
    every   []everyHandler
    seq     uint64
    changed chan struct{}
    closed  bool
}

// New attaches an observer to conn. Attach before the client connects so the
// first connect is counted.
func New(conn Conn) *Observer {
    o := &Observer{conn: conn, changed: make(chan struct{})}
    o.off = conn.On(wire.EventConnect, o.onConnect)
    return o
}

func (o *Observer) onConnect(json.RawMessage) {
    o.mu.Lock()
    if o.closed { o.mu.Unlock(); return }
    o.count++
    n := o.count
    waiters := o.next
    o.next = nil
    every := append([]everyHandler(nil), o.every...)
    close(o.changed)
    o.changed = make(chan struct{})
    o.mu.Unlock()

    for _, w := range waiters { close(w) }
    for _, h := range every { h.fn(n) }
}

// WaitForNextConnect returns a channel closed on the next transition into
// the connected state, however many transitions came before.
func (o *Observer) WaitForNextConnect() <-chan struct{} {
    ch := make(chan struct{})
    o.mu.Lock()
    if !o.closed { o.next = append(o.next, ch) }
    o.mu.Unlock()
    return ch
}

// OnEveryConnect runs fn on every connect transition with the running count.
// The returned func unregisters it.
func (o *Observer) OnEveryConnect(fn func(count int)) func() {
    o.mu.Lock()
    o.seq++
    id := o.seq
    o.every = append(o.every, everyHandler{id: id, fn: fn})
    o.mu.Unlock()
    return func() {
        o.mu.Lock()
        defer o.mu.Unlock()
        for i, h := range o.every {
            if h.id == id {
                o.every = append(o.every[:i:i], o.every[i+1:]...)
                return
            }
        }
    }
}

// IsConnected is a point-in-time snapshot of transport connectivity.
func (o *Observer) IsConnected() bool { return o.conn.Connected() }

// Count returns how many connects were observed so far.
func (o *Observer) Count() int {
    o.mu.Lock()
    defer o.mu.Unlock()
    return o.count
}

// WaitForCount blocks until at least n connects were observed. When ctx ends
// first it returns a *ReconnectionTimeoutError.
func (o *Observer) WaitForCount(ctx context.Context, n int) error {
    start := time.Now()
    for {
        o.mu.Lock()
        got, changed := o.count, o.changed
        o.mu.Unlock()
        if got >= n { return nil }
        select {
        case <-changed:
        case <-ctx.Done():
            return &ReconnectionTimeoutError{Want: n, Got: o.Count(), Elapsed: time.Since(start), Err: ctx.Err()}
        }
    }
}

// Close detaches the observer from its client. Pending one-shot waits never
// fire afterwards.
func (o *Observer) Close() {
    o.mu.Lock()
    if o.closed { o.mu.Unlock(); return }
    o.closed = true
    o.next = nil
    o.every = nil
    o.mu.Unlock()
    o.off()
}
