package experience

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region record-layout
// RecordSize is the size of an encoded Entry.
const RecordSize = 128

// RecordVersion is the current Entry record layout.
//
//	[0]       version
//	[1]       path
//	[2]       outcome
//	[3]       1 if the entry had metadata (metadata itself is not encoded)
//	[4:8]     action
//	[8:16]    seq
//	[16:24]   timestamp
//	[24:32]   state hash
//	[32:40]   receipt
//	[40:44]   reward (float32 bits)
//	[44:60]   appraisal slots (float32 bits)
//	[60:64]   state flags
//	[64:96]   state coordinates (int32 each)
//	[96:128]  reserved, zero
const RecordVersion byte = 1

// #endregion record-layout

// #region encode
// Encode writes e into a fixed-size record.
func Encode(e Entry) [RecordSize]byte {
	var buf [RecordSize]byte
	le := binary.LittleEndian
	buf[0] = RecordVersion
	buf[1] = byte(e.Path)
	buf[2] = byte(e.Outcome)
	if e.Meta != nil {
		buf[3] = 1
	}
	le.PutUint32(buf[4:8], uint32(e.Action))
	le.PutUint64(buf[8:16], e.Seq)
	le.PutUint64(buf[16:24], uint64(e.Timestamp))
	le.PutUint64(buf[24:32], e.StateHash)
	le.PutUint64(buf[32:40], e.Receipt)
	le.PutUint32(buf[40:44], math.Float32bits(e.Reward))
	for i, a := range e.Appraisals {
		off := 44 + 4*i
		le.PutUint32(buf[off:off+4], math.Float32bits(a))
	}
	le.PutUint32(buf[60:64], uint32(e.State.Flags))
	for i, c := range e.State.Coords {
		off := 64 + 4*i
		le.PutUint32(buf[off:off+4], uint32(c))
	}
	return buf
}

// #endregion encode

// #region decode
// Decode reads an Entry from the first RecordSize bytes of b. Meta is always
// nil; HasMeta reports whether the writer had any.
func Decode(b []byte) (Entry, error) {
	if len(b) < RecordSize {
		return Entry{}, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(b))
	}
	if b[0] != RecordVersion {
		return Entry{}, fmt.Errorf("%w: %d", ErrRecordVersion, b[0])
	}
	le := binary.LittleEndian
	e := Entry{
		Path:      Path(b[1]),
		Outcome:   Outcome(b[2]),
		Action:    action.ID(le.Uint32(b[4:8])),
		Seq:       le.Uint64(b[8:16]),
		Timestamp: int64(le.Uint64(b[16:24])),
		StateHash: le.Uint64(b[24:32]),
		Receipt:   le.Uint64(b[32:40]),
		Reward:    math.Float32frombits(le.Uint32(b[40:44])),
	}
	for i := range e.Appraisals {
		off := 44 + 4*i
		e.Appraisals[i] = math.Float32frombits(le.Uint32(b[off : off+4]))
	}
	e.State.Flags = state.Flags(le.Uint32(b[60:64]))
	for i := range e.State.Coords {
		off := 64 + 4*i
		e.State.Coords[i] = state.Fixed(int32(le.Uint32(b[off : off+4])))
	}
	return e, nil
}

// HasMeta reports whether an encoded record was written with metadata.
func HasMeta(b []byte) bool {
	return len(b) >= RecordSize && b[3] == 1
}

// #endregion decode
