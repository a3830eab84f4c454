package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/cenkalti/backoff/v4"

    "github.com/amirimatin/go-eventsock/pkg/observability/tracing"
    "github.com/amirimatin/go-eventsock/pkg/transport"
)

const maxAttempts = 3

// Client is a thin HTTP client for the management API. It supports optional
// TLS and retries failed calls up to three times with backoff.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) retry(ctx context.Context, op func() error) error {
    eb := backoff.NewExponentialBackOff()
    eb.InitialInterval = 100 * time.Millisecond
    eb.MaxInterval = 400 * time.Millisecond
    return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, maxAttempts-1), ctx))
}

// GetStatus fetches the raw JSON status of the node at addr (host:port).
func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    ctx, end := tracing.StartSpan(ctx, "http.client.status", "addr", addr)
    defer end()
    var out []byte
    err := c.retry(ctx, func() error {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
        if err != nil { return backoff.Permanent(err) }
        resp, err := c.httpc.Do(req)
        if err != nil { return err }
        defer resp.Body.Close()
        b, err := io.ReadAll(resp.Body)
        if err != nil { return err }
        if resp.StatusCode != http.StatusOK { return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b)) }
        out = b
        return nil
    })
    return out, err
}

// Broadcast asks the node at addr to emit req to all of its sockets.
func (c *Client) Broadcast(ctx context.Context, addr string, req transport.BroadcastRequest) (transport.BroadcastResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "http.client.broadcast", "addr", addr)
    defer end()
    var out transport.BroadcastResponse
    body, err := json.Marshal(req)
    if err != nil { return out, err }
    err = c.retry(ctx, func() error {
        httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, "/broadcast"), bytes.NewReader(body))
        if err != nil { return backoff.Permanent(err) }
        httpReq.Header.Set("Content-Type", "application/json")
        resp, err := c.httpc.Do(httpReq)
        if err != nil { return err }
        defer resp.Body.Close()
        b, _ := io.ReadAll(resp.Body)
        out = transport.BroadcastResponse{}
        _ = json.Unmarshal(b, &out)
        switch {
        case resp.StatusCode == http.StatusOK:
            return nil
        case out.Error != "":
            return backoff.Permanent(fmt.Errorf("broadcast: %s", out.Error))
        case resp.StatusCode < 500:
            return backoff.Permanent(fmt.Errorf("broadcast status %d: %s", resp.StatusCode, bytes.TrimSpace(b)))
        default:
            return fmt.Errorf("broadcast status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
        }
    })
    return out, err
}

// Close releases idle connections.
func (c *Client) Close() error {
    c.transport.CloseIdleConnections()
    return nil
}

var _ transport.MgmtClient = (*Client)(nil)
