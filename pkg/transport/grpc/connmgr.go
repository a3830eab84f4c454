package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"

    obsmetrics "github.com/amirimatin/go-eventsock/pkg/observability/metrics"
)

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// connPool caches management connections per address and evicts the ones
// that stayed unreferenced for longer than ttl.
type connPool struct {
    mu      sync.Mutex
    conns   map[string]*pooledConn
    ttl     time.Duration
    dial    dialFunc
    closing chan struct{}
    closed  bool
    wg      sync.WaitGroup
}

type pooledConn struct {
    cc       *grpc.ClientConn
    lastUsed time.Time
    ref      int
}

func newConnPool(ttl time.Duration, dial dialFunc) *connPool {
    if ttl <= 0 { ttl = 30 * time.Second }
    p := &connPool{ttl: ttl, dial: dial, conns: make(map[string]*pooledConn), closing: make(chan struct{})}
    p.wg.Add(1)
    go p.janitor()
    return p
}

// get returns a connection for target and a release func to call when done.
func (p *connPool) get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    p.mu.Lock()
    if p.closed { p.mu.Unlock(); return nil, func() {}, grpc.ErrClientConnClosing }
    if pc, ok := p.conns[target]; ok {
        pc.ref++
        pc.lastUsed = time.Now()
        p.mu.Unlock()
        obsmetrics.MgmtConnReuse.Inc()
        return pc.cc, func() { p.release(target) }, nil
    }
    p.mu.Unlock()

    cc, err := p.dial(ctx, target)
    if err != nil { return nil, func() {}, err }

    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed {
        _ = cc.Close()
        return nil, func() {}, grpc.ErrClientConnClosing
    }
    if existing, ok := p.conns[target]; ok {
        // lost the race; keep the first connection
        _ = cc.Close()
        existing.ref++
        existing.lastUsed = time.Now()
        obsmetrics.MgmtConnReuse.Inc()
        return existing.cc, func() { p.release(target) }, nil
    }
    p.conns[target] = &pooledConn{cc: cc, lastUsed: time.Now(), ref: 1}
    obsmetrics.MgmtConnDials.Inc()
    obsmetrics.MgmtConnActive.Inc()
    return cc, func() { p.release(target) }, nil
}

func (p *connPool) release(target string) {
    p.mu.Lock()
    if pc, ok := p.conns[target]; ok {
        if pc.ref > 0 { pc.ref-- }
        pc.lastUsed = time.Now()
    }
    p.mu.Unlock()
}

func (p *connPool) size() int {
    p.mu.Lock()
    defer p.mu.Unlock()
    return len(p.conns)
}

// close closes every cached connection and stops the janitor. Idempotent.
func (p *connPool) close() {
    p.mu.Lock()
    if p.closed { p.mu.Unlock(); return }
    p.closed = true
    close(p.closing)
    for k, pc := range p.conns {
        _ = pc.cc.Close()
        obsmetrics.MgmtConnActive.Dec()
        delete(p.conns, k)
    }
    p.mu.Unlock()
    p.wg.Wait()
}

func (p *connPool) evictIdle(now time.Time) {
    cutoff := now.Add(-p.ttl)
    p.mu.Lock()
    defer p.mu.Unlock()
    for addr, pc := range p.conns {
        if pc.ref == 0 && pc.lastUsed.Before(cutoff) {
            _ = pc.cc.Close()
            obsmetrics.MgmtConnEvictions.Inc()
            obsmetrics.MgmtConnActive.Dec()
            delete(p.conns, addr)
        }
    }
}

func (p *connPool) janitor() {
    defer p.wg.Done()
    ticker := time.NewTicker(p.ttl / 2)
    defer ticker.Stop()
    for {
        select {
        case <-p.closing:
            return
        case now := <-ticker.C:
            p.evictIdle(now)
        }
    }
}
