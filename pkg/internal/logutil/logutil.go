package logutil

import (
    "encoding/json"
    "fmt"
    "log"
    "os"
    "sync/atomic"
    "time"
)

var jsonMode atomic.Bool

func init() {
    if os.Getenv("EVENTSOCK_LOG_JSON") == "1" || os.Getenv("EVENTSOCK_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

// Or returns l, or log.Default() when l is nil.
func Or(l *log.Logger) *log.Logger {
    if l == nil { return log.Default() }
    return l
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *log.Logger { return log.New(discard{}, "", 0) }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func SetJSON(enabled bool) { jsonMode.Store(enabled) }

func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

func logf(l *log.Logger, level, f string, args ...any) {
    l = Or(l)
    msg := fmt.Sprintf(f, args...)
    if jsonMode.Load() {
        evt := map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level,
            "msg":   msg,
        }
        b, _ := json.Marshal(evt)
        _ = l.Output(3, string(b))
        return
    }
    switch level {
    case "info":
        _ = l.Output(3, "INFO "+msg)
    case "warn":
        _ = l.Output(3, "WARN "+msg)
    default:
        _ = l.Output(3, "ERROR "+msg)
    }
}
