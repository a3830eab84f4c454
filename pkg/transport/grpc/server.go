package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "log"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-eventsock/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-eventsock/pkg/observability/metrics"
    "github.com/amirimatin/go-eventsock/pkg/observability/tracing"
    "github.com/amirimatin/go-eventsock/pkg/transport"
)

const (
    serviceName     = "eventsock.v1.Management"
    methodGetStatus = "/" + serviceName + "/GetStatus"
    methodBroadcast = "/" + serviceName + "/Broadcast"
)

// Server implements transport.MgmtServer over gRPC using a JSON codec, next
// to the standard grpc.health.v1 service.
type Server struct {
    bind   string
    tlsCfg *tls.Config
    logger *log.Logger

    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
    // stopped is closed by Stop; served is closed when Serve returns.
    stopped chan struct{}
    served  chan struct{}
}

func NewServer(bind string, logger *log.Logger) *Server {
    return &Server{bind: bind, logger: logutil.Or(logger)}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type statusBlob struct {
    Data []byte `json:"data"`
}

// managementServer defines the methods exposed by the service.
type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    Broadcast(ctx context.Context, in *transport.BroadcastRequest) (*transport.BroadcastResponse, error)
}

type mgmtImpl struct{ h transport.Handlers }

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    if m.h.Status == nil { return nil, status.Error(codes.Unimplemented, "status not supported") }
    obsmetrics.MgmtRequests.WithLabelValues("grpc", "status").Inc()
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.h.Status(ctx)
    if err != nil { return nil, status.Errorf(codes.Internal, "status: %v", err) }
    return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) Broadcast(ctx context.Context, in *transport.BroadcastRequest) (*transport.BroadcastResponse, error) {
    if in == nil { in = &transport.BroadcastRequest{} }
    if m.h.Broadcast == nil { return &transport.BroadcastResponse{Error: "broadcast not supported"}, nil }
    obsmetrics.MgmtRequests.WithLabelValues("grpc", "broadcast").Inc()
    ctx, end := tracing.StartSpan(ctx, "grpc.broadcast", "event", in.Event)
    defer end()
    out, err := m.h.Broadcast(ctx, *in)
    if err != nil && out.Error == "" { out.Error = err.Error() }
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var managementServiceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: getStatusHandler},
        {MethodName: "Broadcast", Handler: broadcastHandler},
    },
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).GetStatus(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStatus}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(managementServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func broadcastHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(transport.BroadcastRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Broadcast(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodBroadcast}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(managementServer).Broadcast(ctx, req.(*transport.BroadcastRequest))
    }
    return interceptor(ctx, in, info, handler)
}

// Start binds and serves in the background; the server stops when ctx is
// canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    obsmetrics.Register()
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.srv != nil { return errors.New("grpc: management server already started") }
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    hs := health.NewServer()
    healthpb.RegisterHealthServer(srv, hs)
    srv.RegisterService(&managementServiceDesc, &mgmtImpl{h: h})
    hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
    hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
    stopped, served := make(chan struct{}), make(chan struct{})
    s.lis, s.srv, s.health = lis, srv, hs
    s.stopped, s.served = stopped, served

    go func() {
        select {
        case <-ctx.Done():
            _ = s.Stop(context.Background())
        case <-stopped:
        }
    }()
    go func() {
        defer close(served)
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            logutil.Errorf(s.logger, "grpc: management serve: %v", err)
        }
    }()
    logutil.Infof(s.logger, "grpc: management listening at %s", lis.Addr())
    return nil
}

// Addr returns the bound address once started, else the configured bind.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop flips health to NOT_SERVING and stops gracefully, forcing the stop
// when ctx ends first. Safe to call twice.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, hs, stopped, served := s.srv, s.health, s.stopped, s.served
    s.srv, s.health, s.stopped, s.served = nil, nil, nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    close(stopped)
    hs.Shutdown()
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    select {
    case <-ch:
    case <-c.Done():
        srv.Stop()
        <-ch
    }
    <-served
    return nil
}

var _ transport.MgmtServer = (*Server)(nil)
