package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    ServerConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "eventsock",
        Subsystem: "server",
        Name:      "connections_active",
        Help:      "Number of sockets currently connected to event servers in this process",
    })
    ServerConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "server",
        Name:      "connections_total",
        Help:      "Total number of accepted socket connections",
    })
    ServerAdmissionRejected = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "server",
        Name:      "admission_rejected_total",
        Help:      "Total number of connection attempts vetoed by middleware",
    })
    ServerEventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "server",
        Name:      "events_received_total",
        Help:      "Total number of events received from clients",
    }, []string{"event"})

    ClientConnects = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "client",
        Name:      "connects_total",
        Help:      "Total number of successful client connections (initial and reconnections)",
    })
    ClientReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "client",
        Name:      "reconnect_attempts_total",
        Help:      "Total number of client reconnection attempts",
    })
    ClientDisconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "client",
        Name:      "disconnects_total",
        Help:      "Total number of client disconnections by reason",
    }, []string{"reason"})

    HarnessBindRetries = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "harness",
        Name:      "bind_retries_total",
        Help:      "Total number of rebind attempts that hit an address still in use",
    })
    HarnessScenarios = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "harness",
        Name:      "scenarios_total",
        Help:      "Total number of reconnection scenarios run by result",
    }, []string{"result"})

    // Management gRPC client connection pool
    MgmtConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "mgmt",
        Name:      "grpc_conn_dials_total",
        Help:      "Total number of management gRPC client dials",
    })
    MgmtConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "mgmt",
        Name:      "grpc_conn_reuse_total",
        Help:      "Total number of times a pooled management connection was reused",
    })
    MgmtConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "mgmt",
        Name:      "grpc_conn_evictions_total",
        Help:      "Total number of idle management connections evicted",
    })
    MgmtConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "eventsock",
        Subsystem: "mgmt",
        Name:      "grpc_conn_active",
        Help:      "Number of pooled management gRPC connections",
    })
    MgmtRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "mgmt",
        Name:      "requests_total",
        Help:      "Total number of management requests served by protocol and operation",
    }, []string{"proto", "op"})

    FleetPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "fleet",
        Name:      "target_polls_total",
        Help:      "Total number of fleet status calls by result (ok, error, open)",
    }, []string{"result"})
    FleetBreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "eventsock",
        Subsystem: "fleet",
        Name:      "breaker_transitions_total",
        Help:      "Total number of per-target circuit breaker state changes",
    }, []string{"to"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ServerConnectionsActive)
        prometheus.MustRegister(ServerConnectionsTotal)
        prometheus.MustRegister(ServerAdmissionRejected)
        prometheus.MustRegister(ServerEventsReceived)
        prometheus.MustRegister(ClientConnects)
        prometheus.MustRegister(ClientReconnectAttempts)
        prometheus.MustRegister(ClientDisconnects)
        prometheus.MustRegister(HarnessBindRetries)
        prometheus.MustRegister(HarnessScenarios)
        prometheus.MustRegister(MgmtConnDials)
        prometheus.MustRegister(MgmtConnReuse)
        prometheus.MustRegister(MgmtConnEvictions)
        prometheus.MustRegister(MgmtConnActive)
        prometheus.MustRegister(MgmtRequests)
        prometheus.MustRegister(FleetPolls)
        prometheus.MustRegister(FleetBreakerTransitions)
    })
}
