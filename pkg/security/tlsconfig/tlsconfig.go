package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

var (
    ErrMissingKeyPair = errors.New("tls: server cert/key required when TLS enabled")
    ErrInvalidCA      = errors.New("tls: no certificates found in CA file")
)

// Options defines TLS inputs shared by the event server (wss), the event
// client and the management transports. A CA on the server side turns on
// client certificate verification (mTLS).
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
    // Reload, when positive, makes Server re-read CertFile/KeyFile on
    // handshake at most once per interval so certificates can be rotated
    // without restarting long-running nodes.
    Reload time.Duration
}

// Server returns a tls.Config for servers if enabled, otherwise nil.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, ErrMissingKeyPair }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, fmt.Errorf("tls: load server key pair: %w", err) }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if o.Reload > 0 {
        kp := &keyPair{certFile: o.CertFile, keyFile: o.KeyFile, ttl: o.Reload, cached: &cert, loaded: time.Now()}
        cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() }
    } else {
        cfg.Certificates = []tls.Certificate{cert}
    }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, MinVersion: tls.VersionTLS12} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, fmt.Errorf("tls: load client key pair: %w", err) }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// keyPair caches a certificate loaded from disk for ttl. A failed reload
// keeps serving the previous certificate.
type keyPair struct {
    certFile, keyFile string
    ttl               time.Duration

    mu     sync.Mutex
    cached *tls.Certificate
    loaded time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
    k.mu.Lock()
    defer k.mu.Unlock()
    if k.cached != nil && time.Since(k.loaded) < k.ttl { return k.cached, nil }
    cert, err := tls.LoadX509KeyPair(k.certFile, k.keyFile)
    if err != nil {
        if k.cached != nil { return k.cached, nil }
        return nil, fmt.Errorf("tls: reload server key pair: %w", err)
    }
    k.cached, k.loaded = &cert, time.Now()
    return k.cached, nil
}

func loadPool(path string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(path)
    if err != nil { return nil, fmt.Errorf("tls: read CA: %w", err) }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) { return nil, fmt.Errorf("%w: %s", ErrInvalidCA, path) }
    return pool, nil
}
