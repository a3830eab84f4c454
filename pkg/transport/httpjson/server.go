package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-eventsock/pkg/observability/metrics"
    "github.com/amirimatin/go-eventsock/pkg/observability/tracing"
    "github.com/amirimatin/go-eventsock/pkg/transport"
)

// Server is a small HTTP server exposing /status, /broadcast, /healthz and
// /metrics for an event node.
type Server struct {
    bind   string
    logger *log.Logger
    tlsCfg *tls.Config

    mu      sync.Mutex
    srv     *http.Server
    ln      net.Listener
    stopped chan struct{}
    served  chan struct{}
}

// NewServer binds to the given TCP address (e.g., ":17946") on Start.
func NewServer(bind string, logger *log.Logger) *Server {
    return &Server{bind: bind, logger: logutil.Or(logger)}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

func (s *Server) mux(h transport.Handlers) *http.ServeMux {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Status == nil { http.Error(w, "status not supported", http.StatusNotImplemented); return }
        obsmetrics.MgmtRequests.WithLabelValues("http", "status").Inc()
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := h.Status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/broadcast", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Broadcast == nil { http.Error(w, "broadcast not supported", http.StatusNotImplemented); return }
        var req transport.BroadcastRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        obsmetrics.MgmtRequests.WithLabelValues("http", "broadcast").Inc()
        ctx, end := tracing.StartSpan(r.Context(), "http.broadcast", "event", req.Event)
        defer end()
        resp, err := h.Broadcast(ctx, req)
        w.Header().Set("Content-Type", "application/json")
        if err != nil {
            if resp.Error == "" { resp.Error = err.Error() }
            w.WriteHeader(http.StatusInternalServerError)
        }
        _ = json.NewEncoder(w).Encode(resp)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    return mux
}

// Start binds the listener and serves in the background. The server is shut
// down when ctx is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    obsmetrics.Register()
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.srv != nil { return fmt.Errorf("httpjson: already started on %s", s.ln.Addr()) }
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: s.mux(h), ReadHeaderTimeout: 10 * time.Second}
    stopped, served := make(chan struct{}), make(chan struct{})
    s.srv, s.ln, s.stopped, s.served = srv, ln, stopped, served

    go func() {
        select {
        case <-ctx.Done():
            _ = s.Stop(context.Background())
        case <-stopped:
        }
    }()
    go func() {
        defer close(served)
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "httpjson: management listening at %s", ln.Addr())
    return nil
}

// Addr returns the bound address once started, else the configured bind.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout. Safe to call twice.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, stopped, served := s.srv, s.stopped, s.served
    s.srv, s.stopped, s.served = nil, nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    close(stopped)
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := srv.Shutdown(c)
    if err != nil { _ = srv.Close() }
    <-served
    return err
}

var _ transport.MgmtServer = (*Server)(nil)
