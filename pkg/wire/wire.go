// Package wire defines the JSON frames exchanged by event servers and
// clients over a websocket text stream.
package wire

import (
    "encoding/json"
    "errors"
    "fmt"
)

type FrameType string

const (
    // TypeConnect is sent by the server once admission succeeded.
    TypeConnect      FrameType = "connect"
    // TypeConnectError is sent by the server when middleware vetoed the
    // connection; Data carries the message as a JSON string.
    TypeConnectError FrameType = "connect_error"
    TypeEvent        FrameType = "event"
    TypePing         FrameType = "ping"
    TypePong         FrameType = "pong"
    // TypeDisconnect is an explicit, intentional disconnect by either side.
    TypeDisconnect   FrameType = "disconnect"
)

// Client-side reserved event names. Applications cannot emit them.
const (
    EventConnect          = "connect"
    EventDisconnect       = "disconnect"
    EventConnectError     = "connect_error"
    EventReconnectAttempt = "reconnect_attempt"
    EventReconnect        = "reconnect"
    EventReconnectFailed  = "reconnect_failed"
)

var (
    ErrUnknownFrame  = errors.New("wire: unknown frame type")
    ErrMissingEvent  = errors.New("wire: event frame without name")
    ErrReservedEvent = errors.New("wire: reserved event name")
)

// Frame is a single message on the socket. Only fields relevant to Type are
// populated.
type Frame struct {
    Type  FrameType       `json:"type"`
    Event string          `json:"event,omitempty"`
    Data  json.RawMessage `json:"data,omitempty"`
    // connect only
    SID          string `json:"sid,omitempty"`
    PingInterval int64  `json:"pingInterval,omitempty"` // milliseconds
    PingTimeout  int64  `json:"pingTimeout,omitempty"`  // milliseconds
}

// IsReserved reports whether name is one of the client lifecycle events.
func IsReserved(name string) bool {
    switch name {
    case EventConnect, EventDisconnect, EventConnectError, EventReconnectAttempt, EventReconnect, EventReconnectFailed:
        return true
    }
    return false
}

// NewEvent builds an event frame carrying v encoded as JSON.
func NewEvent(name string, v any) (Frame, error) {
    if name == "" { return Frame{}, ErrMissingEvent }
    if IsReserved(name) { return Frame{}, fmt.Errorf("%w: %s", ErrReservedEvent, name) }
    f := Frame{Type: TypeEvent, Event: name}
    if v != nil {
        b, err := json.Marshal(v)
        if err != nil { return Frame{}, fmt.Errorf("wire: encode %s payload: %w", name, err) }
        f.Data = b
    }
    return f, nil
}

// NewConnectError builds a connect_error frame carrying msg.
func NewConnectError(msg string) Frame {
    b, _ := json.Marshal(msg)
    return Frame{Type: TypeConnectError, Data: b}
}

// Encode validates and marshals f.
func Encode(f Frame) ([]byte, error) {
    if err := f.validate(); err != nil { return nil, err }
    return json.Marshal(f)
}

// Decode unmarshals and validates a frame.
func Decode(b []byte) (Frame, error) {
    var f Frame
    if err := json.Unmarshal(b, &f); err != nil { return Frame{}, fmt.Errorf("wire: decode: %w", err) }
    if err := f.validate(); err != nil { return Frame{}, err }
    return f, nil
}

// Message returns Data decoded as a JSON string, or the raw bytes when Data
// is not a string.
func (f Frame) Message() string {
    var s string
    if err := json.Unmarshal(f.Data, &s); err == nil { return s }
    return string(f.Data)
}

func (f Frame) validate() error {
    switch f.Type {
    case TypeConnect, TypeConnectError, TypePing, TypePong, TypeDisconnect:
        return nil
    case TypeEvent:
        if f.Event == "" { return ErrMissingEvent }
        return nil
    default:
        return fmt.Errorf("%w: %q", ErrUnknownFrame, string(f.Type))
    }
}
