package grpc

import (
    "encoding/json"

    "google.golang.org/grpc/encoding"
)

// codecName is the content subtype management calls are sent with.
const codecName = "json"

// jsonCodec carries management messages as plain JSON so the service can be
// described by hand without protobuf codegen.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                    { return codecName }

func init() { encoding.RegisterCodec(jsonCodec{}) }
