package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype of every pool service. Clients
// select it with grpc.CallContentSubtype(codecName), so requests travel as
// application/grpc+json.
const codecName = "json"

// jsonCodec carries plain Go structs over gRPC. Amounts marshal as raw
// base-10 strings and addresses as 0x hex, same as the NATS wire format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
