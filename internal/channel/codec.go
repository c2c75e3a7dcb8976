package channel

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype of channel calls.
const codecName = "msgpack"

type codec struct{}

func (codec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (codec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (codec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(codec{})
}
