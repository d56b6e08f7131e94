package graph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// #region record-layout
// RecordSize is the size of an encoded Connection.
const RecordSize = 64

// RecordVersion is the current Connection record layout.
//
//	[0]      version
//	[1]      tier
//	[2]      confidence
//	[3]      activations
//	[4:8]    rigidity (float32 bits)
//	[8:16]   id
//	[16:24]  source
//	[24:32]  target
//	[32:36]  connection version
//	[36:64]  reserved, zero
const RecordVersion byte = 1

var (
	ErrShortRecord   = errors.New("graph: short record")
	ErrRecordVersion = errors.New("graph: unknown record version")
)

// #endregion record-layout

// #region encode
// Encode writes c into a fixed-size record, field by field.
func Encode(c Connection) [RecordSize]byte {
	var buf [RecordSize]byte
	buf[0] = RecordVersion
	buf[1] = byte(c.Tier)
	buf[2] = c.Confidence
	buf[3] = c.Activations
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(c.Rigidity))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(c.ID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(c.Source))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(c.Target))
	binary.LittleEndian.PutUint32(buf[32:36], c.Version)
	return buf
}

// #endregion encode

// #region decode
// Decode reads a Connection from the first RecordSize bytes of b.
func Decode(b []byte) (Connection, error) {
	if len(b) < RecordSize {
		return Connection{}, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(b))
	}
	if b[0] != RecordVersion {
		return Connection{}, fmt.Errorf("%w: %d", ErrRecordVersion, b[0])
	}
	return Connection{
		Tier:        Tier(b[1]),
		Confidence:  b[2],
		Activations: b[3],
		Rigidity:    math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
		ID:          ConnID(binary.LittleEndian.Uint64(b[8:16])),
		Source:      NodeID(binary.LittleEndian.Uint64(b[16:24])),
		Target:      NodeID(binary.LittleEndian.Uint64(b[24:32])),
		Version:     binary.LittleEndian.Uint32(b[32:36]),
	}, nil
}

// #endregion decode
