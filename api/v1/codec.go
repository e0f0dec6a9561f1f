package v1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content-subtype used by TransformService calls.
const CodecName = "json"

// jsonCodec encodes plain Go structs as JSON and falls back to the binary
// protobuf format for proto messages, so one subtype serves both.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

func init() { encoding.RegisterCodec(jsonCodec{}) }

// CallOption selects the JSON codec for a client call.
func CallOption() grpc.CallOption { return grpc.CallContentSubtype(CodecName) }
