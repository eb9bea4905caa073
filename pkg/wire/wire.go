// Package wire frames protobuf-encoded messages on byte streams.
//
// Every frame is a uvarint length followed by that many bytes. Message bodies
// are built with protowire so no generated code is required.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrame bounds a single frame read from the network.
const DefaultMaxFrame = 8 << 20

// ErrFrameTooLarge is returned when a peer announces a frame above the limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes payload prefixed by its uvarint length.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+binary.MaxVarintLen64)
	buf = protowire.AppendVarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. limit <= 0 uses DefaultMaxFrame.
func ReadFrame(r *bufio.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxFrame
	}

	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(limit) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, limit)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return payload, nil
}

// Field is one decoded top-level field of a message.
type Field struct {
	Num    protowire.Number
	Varint uint64
	Bytes  []byte
}

// Fields decodes the varint and length-delimited fields of msg. Unknown wire
// types are skipped.
func Fields(msg []byte) ([]Field, error) {
	var fields []Field
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return nil, fmt.Errorf("failed to decode tag: %w", protowire.ParseError(n))
		}
		msg = msg[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(msg)
			if m < 0 {
				return nil, fmt.Errorf("failed to decode field %d: %w", num, protowire.ParseError(m))
			}
			fields = append(fields, Field{Num: num, Varint: v})
			msg = msg[m:]
		case protowire.BytesType:
			b, m := protowire.ConsumeBytes(msg)
			if m < 0 {
				return nil, fmt.Errorf("failed to decode field %d: %w", num, protowire.ParseError(m))
			}
			fields = append(fields, Field{Num: num, Bytes: b})
			msg = msg[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, msg)
			if m < 0 {
				return nil, fmt.Errorf("failed to skip field %d: %w", num, protowire.ParseError(m))
			}
			msg = msg[m:]
		}
	}
	return fields, nil
}

// AppendVarintField appends a varint field.
func AppendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBytesField appends a length-delimited field.
func AppendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendStringField appends a string field.
func AppendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
