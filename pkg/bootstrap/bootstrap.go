// Package bootstrap assembles an event node (event server plus optional
// management endpoint) from a flat Config, for embedding and for the CLI.
package bootstrap

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    "github.com/amirimatin/go-eventsock/pkg/netaddr"
    tlsx "github.com/amirimatin/go-eventsock/pkg/security/tlsconfig"
    "github.com/amirimatin/go-eventsock/pkg/server"
    "github.com/amirimatin/go-eventsock/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-eventsock/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-eventsock/pkg/transport/httpjson"
    "github.com/amirimatin/go-eventsock/pkg/wire"
)

var ErrUnknownMgmtProto = errors.New("bootstrap: unknown management protocol")

// Config defines high-level inputs to assemble a node with sensible defaults.
type Config struct {
    // Event server
    Addr         string // e.g. ":7070"; default "127.0.0.1:0"
    Path         string
    PingInterval time.Duration
    PingTimeout  time.Duration
    Middleware   []server.Middleware
    // Setup registers event handlers on the server before it starts.
    Setup func(*server.Server)

    // Management API (status/broadcast/metrics); empty MgmtAddr disables it
    MgmtAddr  string
    MgmtProto string // "http" (default) or "grpc"

    // TLS (optional) for both the event server and the management API
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool
    // TLSReload re-reads the server key pair at most this often (0 = never)
    TLSReload     time.Duration

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger
}

// Node is a running event server with its management endpoint.
type Node struct {
    Events *server.Server
    Mgmt   transport.MgmtServer
    Addr   netaddr.ListenerAddress

    cfg    Config
    logger *log.Logger
    once   sync.Once
    err    error
}

// Status is the payload served at management /status.
type Status struct {
    URL   string       `json:"url"`
    Path  string       `json:"path"`
    TLS   bool         `json:"tls"`
    Stats server.Stats `json:"stats"`
}

func (c Config) tlsOptions() tlsx.Options {
    return tlsx.Options{Enable: c.TLSEnable, CAFile: c.TLSCA, CertFile: c.TLSCert, KeyFile: c.TLSKey, InsecureSkipVerify: c.TLSSkipVerify, ServerName: c.TLSServerName, Reload: c.TLSReload}
}

// Build assembles a Node from Config without starting it.
func Build(cfg Config) (*Node, error) {
    if cfg.Addr == "" { cfg.Addr = "127.0.0.1:0" }
    if cfg.Path == "" { cfg.Path = server.DefaultPath }
    logger := logutil.Or(cfg.Logger)
    srvTLS, err := cfg.tlsOptions().Server()
    if err != nil { return nil, err }

    events := server.New(server.Options{Path: cfg.Path, PingInterval: cfg.PingInterval, PingTimeout: cfg.PingTimeout, Logger: logger, TLS: srvTLS})
    for _, mw := range cfg.Middleware { events.Use(mw) }
    if cfg.Setup != nil { cfg.Setup(events) }

    n := &Node{Events: events, cfg: cfg, logger: logger}
    if cfg.MgmtAddr == "" { return n, nil }
    switch cfg.MgmtProto {
    case "grpc":
        s := mgmtgrpc.NewServer(cfg.MgmtAddr, logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        n.Mgmt = s
    case "", "http":
        s := httpjson.NewServer(cfg.MgmtAddr, logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        n.Mgmt = s
    default:
        return nil, fmt.Errorf("%w: %q", ErrUnknownMgmtProto, cfg.MgmtProto)
    }
    return n, nil
}

// Run builds and starts the node. The caller is responsible for calling
// Close when finished.
func Run(ctx context.Context, cfg Config) (*Node, error) {
    n, err := Build(cfg)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil { return nil, err }
    return n, nil
}

// Start binds the event server, then the management endpoint.
func (n *Node) Start(ctx context.Context) error {
    bound, err := n.Events.Listen(ctx, n.cfg.Addr)
    if err != nil { return err }
    addr, err := netaddr.Resolve(netaddr.Describe(bound))
    if err != nil {
        _ = n.Events.Close(context.Background())
        return err
    }
    if n.cfg.TLSEnable { addr.URL = "https" + strings.TrimPrefix(addr.URL, "http") }
    n.Addr = addr
    if n.Mgmt != nil {
        if err := n.Mgmt.Start(ctx, transport.Handlers{Status: n.Status, Broadcast: n.Broadcast}); err != nil {
            _ = n.Events.Close(context.Background())
            return fmt.Errorf("bootstrap: management: %w", err)
        }
    }
    logutil.Infof(n.logger, "bootstrap: node up at %s%s", n.Addr.URL, n.cfg.Path)
    return nil
}

// Status returns the JSON status document.
func (n *Node) Status(ctx context.Context) ([]byte, error) {
    return json.Marshal(Status{URL: n.Addr.URL, Path: n.cfg.Path, TLS: n.cfg.TLSEnable, Stats: n.Events.Stats()})
}

// Broadcast emits req to every connected socket.
func (n *Node) Broadcast(ctx context.Context, req transport.BroadcastRequest) (transport.BroadcastResponse, error) {
    if req.Event == "" { return transport.BroadcastResponse{}, wire.ErrMissingEvent }
    if wire.IsReserved(req.Event) { return transport.BroadcastResponse{}, fmt.Errorf("%w: %s", wire.ErrReservedEvent, req.Event) }
    var v any
    if len(req.Data) > 0 { v = req.Data }
    return transport.BroadcastResponse{Delivered: n.Events.Broadcast(req.Event, v)}, nil
}

// ClientTLS returns the client-side TLS config matching the node's settings,
// or nil when TLS is disabled.
func (c Config) ClientTLS() (*tls.Config, error) { return c.tlsOptions().Client() }

// Close stops the management endpoint and the event server. It is safe to
// call more than once.
func (n *Node) Close() error {
    n.once.Do(func() {
        ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        defer cancel()
        var errs []error
        if n.Mgmt != nil {
            if err := n.Mgmt.Stop(ctx); err != nil { errs = append(errs, err) }
        }
        if err := n.Events.Close(ctx); err != nil { errs = append(errs, err) }
        n.err = errors.Join(errs...)
    })
    return n.err
}
