package static

import (
    "context"
    "sort"
    "strings"

    "github.com/amirimatin/go-eventsock/pkg/discovery"
)

type staticTargets struct {
    targets []string
}

func (s *staticTargets) Targets(context.Context) ([]string, error) {
    if len(s.targets) == 0 { return nil, discovery.ErrNoTargets }
    return append([]string(nil), s.targets...), nil
}

// New returns a Source that always yields the given addresses.
func New(targets ...string) discovery.Source {
    return &staticTargets{targets: normalize(targets)}
}

// Parse converts a comma-separated list into addresses.
func Parse(csv string) []string {
    if csv == "" { return nil }
    return normalize(strings.Split(csv, ","))
}

func normalize(in []string) []string {
    seen := make(map[string]struct{}, len(in))
    out := make([]string, 0, len(in))
    for _, v := range in {
        v = strings.TrimSpace(v)
        if v == "" { continue }
        if _, ok := seen[v]; ok { continue }
        seen[v] = struct{}{}
        out = append(out, v)
    }
    sort.Strings(out)
    return out
}
