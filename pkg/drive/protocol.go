package drive

import (
	"fmt"

	"driveshare/pkg/storage"
	"driveshare/pkg/wire"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message kinds exchanged on a replication stream.
const (
	msgHave uint64 = iota + 1
	msgRequest
	msgRecord
	msgWant
	msgBlock
	msgNoBlock
)

const (
	fieldKind protowire.Number = iota + 1
	fieldLength
	fieldSeq
	fieldRecord
	fieldCID
	fieldData
)

const (
	recordSeq protowire.Number = iota + 1
	recordPath
	recordCID
	recordLength
	recordDeleted
	recordSignature
)

type message struct {
	kind   uint64
	length uint64
	seq    uint64
	record *storage.Record
	cid    string
	data   []byte
}

func (m message) marshal() []byte {
	b := wire.AppendVarintField(nil, fieldKind, m.kind)
	if m.length > 0 {
		b = wire.AppendVarintField(b, fieldLength, m.length)
	}
	if m.seq > 0 {
		b = wire.AppendVarintField(b, fieldSeq, m.seq)
	}
	if m.record != nil {
		b = wire.AppendBytesField(b, fieldRecord, marshalRecord(*m.record, true))
	}
	if m.cid != "" {
		b = wire.AppendStringField(b, fieldCID, m.cid)
	}
	if m.data != nil {
		b = wire.AppendBytesField(b, fieldData, m.data)
	}
	return b
}

func unmarshalMessage(b []byte) (message, error) {
	var m message
	fields, err := wire.Fields(b)
	if err != nil {
		return m, err
	}
	for _, f := range fields {
		switch f.Num {
		case fieldKind:
			m.kind = f.Varint
		case fieldLength:
			m.length = f.Varint
		case fieldSeq:
			m.seq = f.Varint
		case fieldRecord:
			rec, err := unmarshalRecord(f.Bytes)
			if err != nil {
				return m, err
			}
			m.record = &rec
		case fieldCID:
			m.cid = string(f.Bytes)
		case fieldData:
			m.data = append([]byte{}, f.Bytes...)
		}
	}
	if m.kind < msgHave || m.kind > msgNoBlock {
		return m, fmt.Errorf("unknown message kind %d", m.kind)
	}
	return m, nil
}

// marshalRecord encodes rec. Without the signature the output is the exact
// byte string that gets signed.
func marshalRecord(rec storage.Record, withSignature bool) []byte {
	b := wire.AppendVarintField(nil, recordSeq, rec.Seq)
	b = wire.AppendStringField(b, recordPath, rec.Path)
	b = wire.AppendStringField(b, recordCID, rec.BlobCID)
	b = wire.AppendVarintField(b, recordLength, uint64(rec.Length))
	if rec.Deleted {
		b = wire.AppendVarintField(b, recordDeleted, 1)
	}
	if withSignature {
		b = wire.AppendBytesField(b, recordSignature, rec.Signature)
	}
	return b
}

func unmarshalRecord(b []byte) (storage.Record, error) {
	var rec storage.Record
	fields, err := wire.Fields(b)
	if err != nil {
		return rec, fmt.Errorf("failed to decode record: %w", err)
	}
	for _, f := range fields {
		switch f.Num {
		case recordSeq:
			rec.Seq = f.Varint
		case recordPath:
			rec.Path = string(f.Bytes)
		case recordCID:
			rec.BlobCID = string(f.Bytes)
		case recordLength:
			rec.Length = int64(f.Varint)
		case recordDeleted:
			rec.Deleted = f.Varint != 0
		case recordSignature:
			rec.Signature = append([]byte{}, f.Bytes...)
		}
	}
	return rec, nil
}
