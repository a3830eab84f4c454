package dns

import (
    "context"
    "fmt"
    "log"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-eventsock/pkg/discovery"
    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
)

// DefaultPort is the management port assumed for A/AAAA answers.
const DefaultPort = 17070

// Options configures DNS-based discovery.
type Options struct {
    // Names are SRV records or hostnames to resolve, e.g.
    // "_eventsock._tcp.example.com" (SRV) or "events1.example.com" (A/AAAA).
    // Entries already in host:port form are passed through.
    Names []string
    // Port used for A/AAAA answers; defaults to DefaultPort.
    Port int
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
    // Resolver optionally overrides net.DefaultResolver.
    Resolver *net.Resolver
    Logger   *log.Logger
}

type source struct {
    opts   Options
    logger *log.Logger
    mu     sync.Mutex
    last   time.Time
    cache  []string
}

// New returns a DNS-backed Source that resolves SRV and A/AAAA names and
// caches results for the Refresh duration.
func New(opts Options) discovery.Source {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Port == 0 { opts.Port = DefaultPort }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &source{opts: opts, logger: logutil.Or(opts.Logger)}
}

func (d *source) Targets(ctx context.Context) ([]string, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
        return append([]string(nil), d.cache...), nil
    }
    res, err := d.resolveAll(ctx)
    if err != nil { return nil, err }
    d.cache, d.last = res, time.Now()
    return append([]string(nil), d.cache...), nil
}

func (d *source) resolveAll(ctx context.Context) ([]string, error) {
    seen := make(map[string]struct{})
    var out []string
    add := func(hp string) {
        if _, ok := seen[hp]; ok { return }
        seen[hp] = struct{}{}
        out = append(out, hp)
    }
    var lastErr error
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        if name == "" { continue }
        if _, _, err := net.SplitHostPort(name); err == nil {
            add(name)
            continue
        }
        if svc, proto, domain := parseSRVName(name); svc != "" {
            recs, err := d.lookupSRV(ctx, svc, proto, domain)
            if err == nil && len(recs) > 0 {
                for _, hp := range recs { add(hp) }
                continue
            }
            if err != nil { logutil.Warnf(d.logger, "discovery: srv %s: %v", name, err) }
        }
        hosts, err := d.lookupHost(ctx, name)
        if err != nil {
            logutil.Warnf(d.logger, "discovery: lookup %s: %v", name, err)
            lastErr = err
            continue
        }
        for _, hp := range hosts { add(hp) }
    }
    if len(out) == 0 {
        if lastErr != nil { return nil, fmt.Errorf("%w: %v", discovery.ErrNoTargets, lastErr) }
        return nil, discovery.ErrNoTargets
    }
    sort.Strings(out)
    return out, nil
}

func (d *source) lookupSRV(ctx context.Context, svc, proto, domain string) ([]string, error) {
    _, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil { return nil, err }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out, nil
}

func (d *source) lookupHost(ctx context.Context, host string) ([]string, error) {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil { return nil, err }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port))) }
    return out, nil
}

// parseSRVName splits "_service._proto.name"; anything else yields empty
// parts.
func parseSRVName(fqdn string) (service, proto, name string) {
    if !strings.HasPrefix(fqdn, "_") { return "", "", "" }
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[1], "_") { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
