package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-eventsock/pkg/bootstrap"
    "github.com/amirimatin/go-eventsock/pkg/client"
    "github.com/amirimatin/go-eventsock/pkg/discovery"
    dnsdisc "github.com/amirimatin/go-eventsock/pkg/discovery/dns"
    filedisc "github.com/amirimatin/go-eventsock/pkg/discovery/file"
    "github.com/amirimatin/go-eventsock/pkg/discovery/static"
    "github.com/amirimatin/go-eventsock/pkg/fleet"
    "github.com/amirimatin/go-eventsock/pkg/harness/scenario"
    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-eventsock/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-eventsock/pkg/security/tlsconfig"
    "github.com/amirimatin/go-eventsock/pkg/server"
    "github.com/amirimatin/go-eventsock/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-eventsock/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-eventsock/pkg/transport/httpjson"
)

// AddAll attaches the node, harness and management subcommands to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewServeCmd())
    root.AddCommand(NewScenarioCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewBroadcastCmd())
    root.AddCommand(NewFleetCmd())
}

type tlsFlags struct {
    enable, skip              bool
    ca, cert, key, serverName string
}

func (f *tlsFlags) register(cmd *cobra.Command, role string) {
    cmd.Flags().BoolVar(&f.enable, "tls-enable", false, "enable TLS")
    cmd.Flags().StringVar(&f.ca, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&f.cert, "tls-cert", "", "path to "+role+" certificate (PEM)")
    cmd.Flags().StringVar(&f.key, "tls-key", "", "path to "+role+" private key (PEM)")
    cmd.Flags().BoolVar(&f.skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&f.serverName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *tlsFlags) options() tlsx.Options {
    return tlsx.Options{Enable: f.enable, CAFile: f.ca, CertFile: f.cert, KeyFile: f.key, InsecureSkipVerify: f.skip, ServerName: f.serverName}
}

func setupTracing(enable bool) func() {
    if !enable { return func() {} }
    shutdown, err := tracing.Setup(true)
    if err != nil {
        log.Printf("tracing setup error: %v", err)
        return func() {}
    }
    return func() { _ = shutdown(context.Background()) }
}

// NewServeCmd returns the "serve" command: an event node with an echo
// handler and an optional management endpoint.
func NewServeCmd() *cobra.Command {
    var (
        addr, path, mgmtAddr, mgmtProto string
        pingInterval, pingTimeout       time.Duration
        traceEnable, logJSON            bool
        tlsReload                       time.Duration
        tf                              tlsFlags
    )
    cmd := &cobra.Command{
        Use:   "serve",
        Short: "Run an event server",
        RunE: func(cmd *cobra.Command, args []string) error {
            if logJSON { logutil.SetJSON(true) }
            ctx, cancel := signalContext()
            defer cancel()
            defer setupTracing(traceEnable)()

            cfg := bootstrap.Config{
                Addr:          addr,
                Path:          path,
                PingInterval:  pingInterval,
                PingTimeout:   pingTimeout,
                MgmtAddr:      mgmtAddr,
                MgmtProto:     mgmtProto,
                TLSEnable:     tf.enable,
                TLSCA:         tf.ca,
                TLSCert:       tf.cert,
                TLSKey:        tf.key,
                TLSServerName: tf.serverName,
                TLSSkipVerify: tf.skip,
                TLSReload:     tlsReload,
                Logger:        log.Default(),
                Setup: func(s *server.Server) {
                    s.On("echo", func(c *server.Conn, data json.RawMessage) { _ = c.Emit("echo", data) })
                },
            }
            n, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer n.Close()

            fmt.Fprintf(cmd.OutOrStdout(), "event server at %s%s. Press Ctrl+C to exit.\n", n.Addr.URL, path)
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&addr, "addr", ":7070", "event server bind addr (host:port)")
    cmd.Flags().StringVar(&path, "path", server.DefaultPath, "socket endpoint path")
    cmd.Flags().DurationVar(&pingInterval, "ping-interval", server.DefaultPingInterval, "heartbeat interval")
    cmd.Flags().DurationVar(&pingTimeout, "ping-timeout", server.DefaultPingTimeout, "heartbeat timeout")
    cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17070", "management address (tcp); empty disables")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management protocol: http|grpc")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON log lines")
    cmd.Flags().DurationVar(&tlsReload, "tls-reload", 0, "re-read the server key pair at most this often (0 disables)")
    tf.register(cmd, "server")
    return cmd
}

// NewScenarioCmd returns the "scenario" command running the server-restart
// reconnection check.
func NewScenarioCmd() *cobra.Command {
    var (
        host                             string
        runs                             int
        connectTimeout, reconnectTimeout time.Duration
        delay, delayMax                  time.Duration
        traceEnable, verbose             bool
    )
    cmd := &cobra.Command{
        Use:   "scenario",
        Short: "Restart a server under a connected client and verify it reconnects",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := signalContext()
            defer cancel()
            defer setupTracing(traceEnable)()
            logger := logutil.Discard()
            if verbose { logger = log.Default() }
            cfg := scenario.Config{
                Host:             host,
                ConnectTimeout:   connectTimeout,
                ReconnectTimeout: reconnectTimeout,
                Logger:           logger,
                Client:           client.Options{ReconnectionDelay: delay, ReconnectionDelayMax: delayMax},
            }
            return runScenarios(ctx, cmd.OutOrStdout(), cfg, runs)
        },
    }
    cmd.Flags().StringVar(&host, "host", "127.0.0.1", "host the first server binds")
    cmd.Flags().IntVar(&runs, "runs", 1, "number of consecutive runs")
    cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", scenario.DefaultConnectTimeout, "first connect deadline")
    cmd.Flags().DurationVar(&reconnectTimeout, "reconnect-timeout", scenario.DefaultReconnectTimeout, "reconnection deadline")
    cmd.Flags().DurationVar(&delay, "reconnection-delay", 100*time.Millisecond, "initial client reconnection delay")
    cmd.Flags().DurationVar(&delayMax, "reconnection-delay-max", time.Second, "maximum client reconnection delay")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    cmd.Flags().BoolVar(&verbose, "verbose", false, "log harness progress")
    return cmd
}

// runScenarios runs cfg n times, writing one JSON report per line to w. It
// fails if any run failed.
func runScenarios(ctx context.Context, w io.Writer, cfg scenario.Config, n int) error {
    if n < 1 { n = 1 }
    enc := json.NewEncoder(w)
    failed := 0
    for i := 0; i < n; i++ {
        rep, err := scenario.New(cfg).Run(ctx)
        if err != nil { failed++ }
        if e := enc.Encode(rep); e != nil { return e }
        if ctx.Err() != nil { break }
    }
    if failed > 0 { return fmt.Errorf("scenario: %d of %d runs failed", failed, n) }
    return nil
}

func mgmtClient(proto string, timeout time.Duration, tf *tlsFlags) (transport.MgmtClient, error) {
    cliTLS, err := tf.options().Client()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    switch proto {
    case "grpc":
        c := mgmtgrpc.NewClient(timeout)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return c, nil
    case "", "http":
        c := httpjson.NewClient(timeout)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return c, nil
    default:
        return nil, fmt.Errorf("%w: %q", bootstrap.ErrUnknownMgmtProto, proto)
    }
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var (
        addr, mgmtProto string
        timeout         time.Duration
        tf              tlsFlags
    )
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            mc, err := mgmtClient(mgmtProto, timeout, &tf)
            if err != nil { return err }
            defer mc.Close()
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            data, err := mc.GetStatus(ctx, addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            out := cmd.OutOrStdout()
            _, _ = out.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { _, _ = out.Write([]byte("\n")) }
            return nil
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17070", "management address of a node (host:port)")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management protocol: http|grpc")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    tf.register(cmd, "client")
    return cmd
}

// NewBroadcastCmd returns the "broadcast" command.
func NewBroadcastCmd() *cobra.Command {
    var (
        addr, mgmtProto, event, data string
        timeout                      time.Duration
        tf                           tlsFlags
    )
    cmd := &cobra.Command{
        Use:   "broadcast",
        Short: "Emit an event to every socket connected to a node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if event == "" { return fmt.Errorf("missing required flag: --event") }
            req := transport.BroadcastRequest{Event: event}
            if data != "" {
                if !json.Valid([]byte(data)) { return fmt.Errorf("--data is not valid JSON") }
                req.Data = json.RawMessage(data)
            }
            mc, err := mgmtClient(mgmtProto, timeout, &tf)
            if err != nil { return err }
            defer mc.Close()
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            resp, err := mc.Broadcast(ctx, addr, req)
            if err != nil { return fmt.Errorf("broadcast error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17070", "management address of a node (host:port)")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management protocol: http|grpc")
    cmd.Flags().StringVar(&event, "event", "", "event name (required)")
    cmd.Flags().StringVar(&data, "data", "", "JSON payload")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    tf.register(cmd, "client")
    return cmd
}

type discoveryFlags struct {
    kind, targets, dnsNames, filePath, fileEnv string
    dnsPort                                    int
}

func (f *discoveryFlags) register(cmd *cobra.Command) {
    cmd.Flags().StringVar(&f.kind, "discovery", "static", "target discovery: static|dns|file")
    cmd.Flags().StringVar(&f.targets, "targets", "", "comma-separated management addresses (static)")
    cmd.Flags().StringVar(&f.dnsNames, "dns-names", "", "comma-separated SRV or host names (dns)")
    cmd.Flags().IntVar(&f.dnsPort, "dns-port", dnsdisc.DefaultPort, "management port for A/AAAA answers (dns)")
    cmd.Flags().StringVar(&f.filePath, "file-path", "", "targets file or glob, one address per line (file)")
    cmd.Flags().StringVar(&f.fileEnv, "file-env", "", "env var holding comma-separated addresses (file)")
}

func (f *discoveryFlags) source() (discovery.Source, error) {
    switch f.kind {
    case "", "static":
        return static.New(static.Parse(f.targets)...), nil
    case "dns":
        return dnsdisc.New(dnsdisc.Options{Names: static.Parse(f.dnsNames), Port: f.dnsPort}), nil
    case "file":
        return filedisc.New(filedisc.Options{Path: f.filePath, Env: f.fileEnv}), nil
    default:
        return nil, fmt.Errorf("unknown discovery %q", f.kind)
    }
}

// NewFleetCmd returns the "fleet" command: status of every discovered node,
// one JSON line per node.
func NewFleetCmd() *cobra.Command {
    var (
        mgmtProto string
        limit     int
        timeout   time.Duration
        strict    bool
        df        discoveryFlags
        tf        tlsFlags
    )
    cmd := &cobra.Command{
        Use:   "fleet",
        Short: "Poll the status of many nodes",
        RunE: func(cmd *cobra.Command, args []string) error {
            src, err := df.source()
            if err != nil { return err }
            mc, err := mgmtClient(mgmtProto, timeout, &tf)
            if err != nil { return err }
            defer mc.Close()
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            res, err := fleet.Poll(ctx, src, mc, limit)
            if err != nil { return fmt.Errorf("fleet error: %w", err) }
            enc := json.NewEncoder(cmd.OutOrStdout())
            down := 0
            for _, r := range res {
                if !r.OK() { down++ }
                if err := enc.Encode(r); err != nil { return err }
            }
            if strict && down > 0 { return fmt.Errorf("fleet: %d of %d nodes unreachable", down, len(res)) }
            return nil
        },
    }
    df.register(cmd)
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management protocol: http|grpc")
    cmd.Flags().IntVar(&limit, "limit", fleet.DefaultLimit, "concurrent status calls")
    cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "overall poll timeout")
    cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero if any node is unreachable")
    tf.register(cmd, "client")
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
