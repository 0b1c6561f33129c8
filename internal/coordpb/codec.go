package coordpb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the coordinator/worker gRPC service carry the plain Go
// structs of messages.go without a .proto-generated message type.
// Protobuf's default codec requires proto.Message; this module cannot
// run protoc, so it registers a JSON codec instead. The client selects
// it through its call content-subtype (see internal/coordinator), and
// the server, which sets no codec option, answers with the registered
// codec that content-subtype names.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return Name }

// Name is the codec name the client's call content-subtype carries; the
// server resolves it from the registered codecs.
const Name = "coordpb-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
