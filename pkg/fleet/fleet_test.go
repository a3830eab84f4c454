package fleet

import (
    "context"
    "encoding/json"
    "errors"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/amirimatin/go-eventsock/pkg/bootstrap"
    "github.com/amirimatin/go-eventsock/pkg/discovery"
    "github.com/amirimatin/go-eventsock/pkg/discovery/static"
    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    "github.com/amirimatin/go-eventsock/pkg/transport"
    "github.com/amirimatin/go-eventsock/pkg/transport/httpjson"
)

type stubClient struct {
    mu       sync.Mutex
    inflight int
    peak     int
    calls    atomic.Int32
    fail     map[string]error
    delay    time.Duration
}

func (s *stubClient) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    s.calls.Add(1)
    s.mu.Lock()
    s.inflight++
    if s.inflight > s.peak { s.peak = s.inflight }
    s.mu.Unlock()
    defer func() { s.mu.Lock(); s.inflight--; s.mu.Unlock() }()
    select {
    case <-time.After(s.delay):
    case <-ctx.Done():
        return nil, ctx.Err()
    }
    if err := s.fail[addr]; err != nil { return nil, err }
    return []byte(`{"addr":"` + addr + `"}`), nil
}

func (s *stubClient) Broadcast(context.Context, string, transport.BroadcastRequest) (transport.BroadcastResponse, error) {
    return transport.BroadcastResponse{}, errors.New("unused")
}

func (s *stubClient) Close() error { return nil }

func TestPollRecordsPerTargetErrors(t *testing.T) {
    cli := &stubClient{fail: map[string]error{"b:1": errors.New("boom")}}
    res, err := Poll(context.Background(), static.New("c:1", "a:1", "b:1"), cli, 2)
    if err != nil { t.Fatalf("poll: %v", err) }
    if len(res) != 3 { t.Fatalf("want 3 results, got %d", len(res)) }
    if res[0].Addr != "a:1" || res[1].Addr != "b:1" || res[2].Addr != "c:1" { t.Fatalf("unsorted: %+v", res) }
    if !res[0].OK() || res[1].OK() || res[1].Error != "boom" || !res[2].OK() { t.Fatalf("unexpected results: %+v", res) }
    var st map[string]string
    if err := json.Unmarshal(res[2].Status, &st); err != nil || st["addr"] != "c:1" { t.Fatalf("status payload: %s %v", res[2].Status, err) }
}

func TestPollRespectsLimit(t *testing.T) {
    cli := &stubClient{delay: 20 * time.Millisecond}
    src := static.New("a:1", "b:1", "c:1", "d:1", "e:1", "f:1")
    if _, err := Poll(context.Background(), src, cli, 2); err != nil { t.Fatalf("poll: %v", err) }
    if cli.calls.Load() != 6 { t.Fatalf("want 6 calls, got %d", cli.calls.Load()) }
    if cli.peak > 2 { t.Fatalf("limit exceeded: peak %d", cli.peak) }
}

func TestPollDiscoveryError(t *testing.T) {
    if _, err := Poll(context.Background(), static.New(), &stubClient{}, 0); !errors.Is(err, discovery.ErrNoTargets) {
        t.Fatalf("expected ErrNoTargets, got %v", err)
    }
    if _, err := Poll(context.Background(), nil, nil, 0); err == nil { t.Fatalf("expected error for nil args") }
}

func TestPollCanceled(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    cancel()
    cli := &stubClient{delay: time.Second}
    if _, err := Poll(ctx, static.New("a:1"), cli, 1); !errors.Is(err, context.Canceled) {
        t.Fatalf("expected context.Canceled, got %v", err)
    }
}

func TestPollLiveNodes(t *testing.T) {
    var addrs []string
    for i := 0; i < 2; i++ {
        n, err := bootstrap.Run(context.Background(), bootstrap.Config{MgmtAddr: "127.0.0.1:0", Logger: logutil.Discard()})
        if err != nil { t.Fatalf("run node: %v", err) }
        t.Cleanup(func() { _ = n.Close() })
        addrs = append(addrs, n.Mgmt.Addr())
    }
    cli := httpjson.NewClient(2 * time.Second)
    defer cli.Close()
    res, err := Poll(context.Background(), static.New(append(addrs, "127.0.0.1:1")...), cli, 0)
    if err != nil { t.Fatalf("poll: %v", err) }
    var ok, failed int
    for _, r := range res {
        if r.OK() {
            var st bootstrap.Status
            if err := json.Unmarshal(r.Status, &st); err != nil || st.URL == "" { t.Fatalf("status for %s: %s %v", r.Addr, r.Status, err) }
            ok++
        } else {
            failed++
        }
    }
    if ok != 2 || failed != 1 { t.Fatalf("want 2 ok and 1 failed, got %d/%d: %+v", ok, failed, res) }
}

func TestPollerBreakerOpensAfterConsecutiveFailures(t *testing.T) {
    cli := &stubClient{fail: map[string]error{"dead:1": errors.New("refused")}}
    p := &Poller{Source: static.New("dead:1", "live:1"), Client: cli, TripAfter: 2, OpenTimeout: time.Hour, Logger: logutil.Discard()}
    for i := 0; i < 2; i++ {
        if _, err := p.Poll(context.Background()); err != nil { t.Fatalf("poll %d: %v", i, err) }
    }
    before := cli.calls.Load()
    res, err := p.Poll(context.Background())
    if err != nil { t.Fatalf("poll: %v", err) }
    if got := cli.calls.Load() - before; got != 1 { t.Fatalf("open breaker should skip the dead target, got %d calls", got) }
    if res[0].Addr != "dead:1" || res[0].Breaker != "open" || res[0].OK() { t.Fatalf("dead target: %+v", res[0]) }
    if res[1].Addr != "live:1" || res[1].Breaker != "closed" || !res[1].OK() { t.Fatalf("live target: %+v", res[1]) }
}
