package grpcstream

import (
	"encoding/json"
	"fmt"
)

// codecName is sent as the content-subtype: application/grpc+json.
const codecName = "json"

// frame is an undecoded message body. Receiving into a frame never fails,
// so a malformed envelope can be skipped without ending the RPC.
type frame []byte

// jsonCodec marshals requests as JSON and hands inbound bodies back raw.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	switch f := v.(type) {
	case frame:
		return f, nil
	case *frame:
		return *f, nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	switch f := v.(type) {
	case *frame:
		*f = append((*f)[:0], data...)
		return nil
	case nil:
		return fmt.Errorf("grpcstream: unmarshal into nil")
	}
	return json.Unmarshal(data, v)
}
