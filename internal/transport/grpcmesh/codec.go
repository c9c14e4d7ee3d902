package grpcmesh

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// rawFrame is the only message type the Mesh service ever exchanges: a
// single opaque byte slice. Collective and one-sided operations encode
// their arguments into it themselves (internal/transport/grpcmesh/wire.go)
// rather than relying on generated protobuf types, the same raw-bytes
// codec trick the reference module's grpc-proxy package uses to forward
// arbitrary method calls without knowing their schema.
type rawFrame struct {
	data []byte
}

// rawCodec implements encoding.Codec (google.golang.org/grpc/encoding)
// over rawFrame, skipping protobuf marshaling entirely: Marshal/Unmarshal
// just move the byte slice in and out, so the wire format is exactly what
// wire.go decided to put in rawFrame.data.
type rawCodec struct{}

func (rawCodec) Name() string { return "blobcr-raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("grpcmesh: rawCodec cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("grpcmesh: rawCodec cannot unmarshal into %T", v)
	}
	f.data = append([]byte(nil), data...)
	return nil
}
