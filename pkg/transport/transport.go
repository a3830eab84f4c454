// Package transport defines the management surface of an event node: a
// status snapshot and a broadcast hook, served over HTTP/JSON or gRPC.
package transport

import (
    "context"
    "encoding/json"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
type StatusFunc func(ctx context.Context) ([]byte, error)

// BroadcastRequest asks the node to emit Event with Data to every connected
// socket.
type BroadcastRequest struct {
    Event string          `json:"event"`
    Data  json.RawMessage `json:"data,omitempty"`
}

// BroadcastResponse reports how many sockets the event was written to.
type BroadcastResponse struct {
    Delivered int    `json:"delivered"`
    Error     string `json:"error,omitempty"`
}

// BroadcastFunc handles broadcast requests. A nil BroadcastFunc disables the
// operation.
type BroadcastFunc func(ctx context.Context, req BroadcastRequest) (BroadcastResponse, error)

// Handlers bundles the callbacks a MgmtServer dispatches to.
type Handlers struct {
    Status    StatusFunc
    Broadcast BroadcastFunc
}

// MgmtServer exposes the management endpoints of a node.
type MgmtServer interface {
    Start(ctx context.Context, h Handlers) error
    // Addr returns the bound address once started, else the configured one.
    Addr() string
    Stop(ctx context.Context) error
}

// MgmtClient calls the management endpoints of a node at addr.
type MgmtClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    Broadcast(ctx context.Context, addr string, req BroadcastRequest) (BroadcastResponse, error)
    Close() error
}
