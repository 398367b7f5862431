package transport

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// CodecName is registered with gRPC as the content subtype
const CodecName = "msgpack"

var msgpackHandle codec.MsgpackHandle

// MsgpackCodec implements the gRPC encoding.Codec interface
type MsgpackCodec struct{}

// Marshal encodes v with msgpack
func (MsgpackCodec) Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &msgpackHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return buf, nil
}

// Unmarshal decodes data into v
func (MsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	if err := codec.NewDecoderBytes(data, &msgpackHandle).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}

// Name returns the codec name
func (MsgpackCodec) Name() string {
	return CodecName
}

// roundTrip copies a request the way the wire would
func roundTrip(req *Request) (*Request, error) {
	var c MsgpackCodec
	data, err := c.Marshal(req)
	if err != nil {
		return nil, err
	}
	out := &Request{}
	if err := c.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
