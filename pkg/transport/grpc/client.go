package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-eventsock/pkg/observability/tracing"
    "github.com/amirimatin/go-eventsock/pkg/transport"
)

// Client calls the management service of remote nodes. Connections are
// pooled per address.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    mu     sync.Mutex
    pool   *connPool
    closed bool
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dial(_ context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype(codecName)),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.NewClient("passthrough:///"+target, opts...)
}

func (c *Client) conn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    c.mu.Lock()
    if c.closed { c.mu.Unlock(); return nil, func() {}, grpc.ErrClientConnClosing }
    if c.pool == nil { c.pool = newConnPool(30*time.Second, c.dial) }
    p := c.pool
    c.mu.Unlock()
    return p.get(ctx, addr)
}

// GetStatus fetches the raw JSON status of the node at addr.
func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cctx, end := tracing.StartSpan(cctx, "grpc.client.status", "addr", addr)
    defer end()
    cc, rel, err := c.conn(cctx, addr)
    if err != nil { return nil, err }
    defer rel()
    out := new(statusBlob)
    if err := cc.Invoke(cctx, methodGetStatus, &empty{}, out, grpc.WaitForReady(true)); err != nil { return nil, err }
    return out.Data, nil
}

// Broadcast asks the node at addr to emit req to all of its sockets.
func (c *Client) Broadcast(ctx context.Context, addr string, req transport.BroadcastRequest) (transport.BroadcastResponse, error) {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cctx, end := tracing.StartSpan(cctx, "grpc.client.broadcast", "addr", addr)
    defer end()
    var resp transport.BroadcastResponse
    cc, rel, err := c.conn(cctx, addr)
    if err != nil { return resp, err }
    defer rel()
    if err := cc.Invoke(cctx, methodBroadcast, &req, &resp, grpc.WaitForReady(true)); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

// Health queries grpc.health.v1 on addr for service ("" is the whole node).
func (c *Client) Health(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.conn(cctx, addr)
    if err != nil { return healthpb.HealthCheckResponse_UNKNOWN, err }
    defer rel()
    resp, err := healthpb.NewHealthClient(cc).Check(cctx, &healthpb.HealthCheckRequest{Service: service})
    if err != nil { return healthpb.HealthCheckResponse_UNKNOWN, err }
    return resp.GetStatus(), nil
}

// Close closes pooled connections.
func (c *Client) Close() error {
    c.mu.Lock()
    p := c.pool
    c.closed = true
    c.mu.Unlock()
    if p != nil { p.close() }
    return nil
}

var _ transport.MgmtClient = (*Client)(nil)
