// Package codec encodes replication envelopes as MessagePack.
package codec

import (
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/danl5/golobby/pkg/model"
)

// Handle returns the MessagePack handle used on the wire.
func Handle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	// decode strings as strings, not []byte
	h.RawToString = true
	return h
}

// Encode encodes an envelope.
func Encode(env model.Envelope) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, Handle()).Encode(env); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// Decode decodes an envelope previously produced by Encode.
func Decode(raw []byte) (model.Envelope, error) {
	var env model.Envelope
	if len(raw) == 0 {
		return env, fmt.Errorf("decode envelope: empty payload")
	}
	if err := codec.NewDecoderBytes(raw, Handle()).Decode(&env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
