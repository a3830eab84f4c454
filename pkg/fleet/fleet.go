// Package fleet polls the management endpoints of many event nodes at once.
package fleet

import (
    "context"
    "encoding/json"
    "errors"
    "log"
    "sort"
    "sync"
    "time"

    "github.com/sony/gobreaker"
    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-eventsock/pkg/discovery"
    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    metrics "github.com/amirimatin/go-eventsock/pkg/observability/metrics"
    "github.com/amirimatin/go-eventsock/pkg/transport"
)

const (
    // DefaultLimit bounds concurrent status calls when Limit <= 0.
    DefaultLimit = 5
    // DefaultTripAfter is the number of consecutive failures that opens a
    // target's breaker.
    DefaultTripAfter = 3
    // DefaultOpenTimeout is how long an open breaker skips its target.
    DefaultOpenTimeout = 30 * time.Second
)

var ErrMissingDeps = errors.New("fleet: source and client are required")

// Result is the outcome of polling one target.
type Result struct {
    Addr      string          `json:"addr"`
    Status    json.RawMessage `json:"status,omitempty"`
    Error     string          `json:"error,omitempty"`
    Breaker   string          `json:"breaker"`
    ElapsedMS int64           `json:"elapsed_ms"`
}

// OK reports whether the target answered with a status payload.
func (r Result) OK() bool { return r.Error == "" }

// Poller fetches node status from every target its Source yields. A Poller
// keeps one circuit breaker per address across polls so that repeatedly
// unreachable nodes are skipped until their breaker half-opens.
type Poller struct {
    Source      discovery.Source
    Client      transport.MgmtClient
    Limit       int
    TripAfter   uint32
    OpenTimeout time.Duration
    Logger      *log.Logger

    mu       sync.Mutex
    breakers map[string]*gobreaker.CircuitBreaker
}

var errInvalidStatus = errors.New("fleet: invalid status payload")

func (p *Poller) breaker(addr string) *gobreaker.CircuitBreaker {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.breakers == nil { p.breakers = make(map[string]*gobreaker.CircuitBreaker) }
    if cb, ok := p.breakers[addr]; ok { return cb }
    trip := p.TripAfter
    if trip == 0 { trip = DefaultTripAfter }
    timeout := p.OpenTimeout
    if timeout <= 0 { timeout = DefaultOpenTimeout }
    logger := logutil.Or(p.Logger)
    cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
        Name:        addr,
        MaxRequests: 1,
        Timeout:     timeout,
        ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
        OnStateChange: func(name string, from, to gobreaker.State) {
            metrics.FleetBreakerTransitions.WithLabelValues(to.String()).Inc()
            logutil.Warnf(logger, "fleet: breaker %s %s -> %s", name, from, to)
        },
    })
    p.breakers[addr] = cb
    return cb
}

// Poll resolves targets and fetches the status of each with at most Limit
// calls in flight. Per-target failures are recorded in the Result and do not
// fail the poll; only discovery errors and context cancellation are
// returned. Results are sorted by Addr.
func (p *Poller) Poll(ctx context.Context) ([]Result, error) {
    if p.Source == nil || p.Client == nil { return nil, ErrMissingDeps }
    targets, err := p.Source.Targets(ctx)
    if err != nil { return nil, err }
    limit := p.Limit
    if limit <= 0 { limit = DefaultLimit }

    results := make([]Result, len(targets))
    grp, gctx := errgroup.WithContext(ctx)
    grp.SetLimit(limit)
    for i, addr := range targets {
        i, addr := i, addr
        grp.Go(func() error {
            results[i] = p.pollOne(gctx, addr)
            return nil
        })
    }
    _ = grp.Wait()
    if err := ctx.Err(); err != nil { return results, err }
    sort.Slice(results, func(i, j int) bool { return results[i].Addr < results[j].Addr })
    return results, nil
}

func (p *Poller) pollOne(ctx context.Context, addr string) Result {
    start := time.Now()
    cb := p.breaker(addr)
    r := Result{Addr: addr}
    out, err := cb.Execute(func() (interface{}, error) {
        b, err := p.Client.GetStatus(ctx, addr)
        if err != nil { return nil, err }
        if !json.Valid(b) { return nil, errInvalidStatus }
        return b, nil
    })
    switch {
    case err == nil:
        r.Status = json.RawMessage(out.([]byte))
        metrics.FleetPolls.WithLabelValues("ok").Inc()
    case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
        r.Error = err.Error()
        metrics.FleetPolls.WithLabelValues("open").Inc()
    default:
        r.Error = err.Error()
        metrics.FleetPolls.WithLabelValues("error").Inc()
    }
    r.Breaker = cb.State().String()
    r.ElapsedMS = time.Since(start).Milliseconds()
    return r
}

// Poll runs a single poll with a fresh Poller.
func Poll(ctx context.Context, src discovery.Source, cli transport.MgmtClient, limit int) ([]Result, error) {
    p := &Poller{Source: src, Client: cli, Limit: limit}
    return p.Poll(ctx)
}
