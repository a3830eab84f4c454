package file

import (
    "bufio"
    "context"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "gopkg.in/yaml.v3"

    "github.com/amirimatin/go-eventsock/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file (or glob) listing one address per line or
    // comma-separated; '#' starts a comment line. Files ending in .yaml or
    // .yml are read as a document with a "targets" list instead.
    Path string
    // Env names a variable whose CSV value overrides the file when set.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
}

type source struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Source {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &source{opts: opts}
}

func (s *source) Targets(context.Context) ([]string, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" { return dedupe(splitCSV(v)), nil }
    }
    if s.opts.Path == "" { return nil, discovery.ErrNoTargets }
    now := time.Now()
    if st, err := os.Stat(s.opts.Path); err == nil {
        if st.ModTime().After(s.mtime) || now.Sub(s.last) >= s.opts.Refresh {
            targets, err := loadFile(s.opts.Path)
            if err != nil { return nil, err }
            s.cache, s.last, s.mtime = targets, now, st.ModTime()
        }
        return s.result()
    }
    if now.Sub(s.last) < s.opts.Refresh && len(s.cache) > 0 { return s.result() }
    matches, err := filepath.Glob(s.opts.Path)
    if err != nil { return nil, fmt.Errorf("discovery: bad pattern %q: %w", s.opts.Path, err) }
    var all []string
    for _, m := range matches {
        targets, err := loadFile(m)
        if err != nil { return nil, err }
        all = append(all, targets...)
    }
    s.cache, s.last = dedupe(all), now
    return s.result()
}

func (s *source) result() ([]string, error) {
    if len(s.cache) == 0 { return nil, discovery.ErrNoTargets }
    return append([]string(nil), s.cache...), nil
}

type yamlTargets struct {
    Targets []string `yaml:"targets"`
}

func loadFile(path string) ([]string, error) {
    switch strings.ToLower(filepath.Ext(path)) {
    case ".yaml", ".yml":
        return loadYAML(path)
    }
    f, err := os.Open(path)
    if err != nil { return nil, fmt.Errorf("discovery: %w", err) }
    defer f.Close()
    var out []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        out = append(out, splitCSV(line)...)
    }
    if err := sc.Err(); err != nil { return nil, fmt.Errorf("discovery: read %s: %w", path, err) }
    return dedupe(out), nil
}

func loadYAML(path string) ([]string, error) {
    b, err := os.ReadFile(path)
    if err != nil { return nil, fmt.Errorf("discovery: %w", err) }
    var doc yamlTargets
    if err := yaml.Unmarshal(b, &doc); err != nil { return nil, fmt.Errorf("discovery: parse %s: %w", path, err) }
    var out []string
    for _, t := range doc.Targets { out = append(out, splitCSV(t)...) }
    return dedupe(out), nil
}

func splitCSV(s string) []string {
    var out []string
    for _, p := range strings.Split(s, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

func dedupe(in []string) []string {
    set := make(map[string]struct{}, len(in))
    out := make([]string, 0, len(in))
    for _, x := range in {
        if _, ok := set[x]; ok { continue }
        set[x] = struct{}{}
        out = append(out, x)
    }
    sort.Strings(out)
    return out
}
