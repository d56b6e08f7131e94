package state

import (
	"encoding/binary"
	"fmt"
)

// #region record-layout
// RecordSize is the size of an encoded Token.
const RecordSize = 64

// RecordVersion is the current Token record layout.
//
//	[0]      version
//	[1:4]    reserved
//	[4:8]    flags (little endian)
//	[8:40]   8 x int32 coordinates (little endian)
//	[40:64]  reserved, zero
const RecordVersion byte = 1

// #endregion record-layout

// #region encode
// Encode writes t into a fixed-size record, field by field.
func Encode(t Token) [RecordSize]byte {
	var buf [RecordSize]byte
	buf[0] = RecordVersion
	binary.LittleEndian.PutUint32(buf[4:8], uint32(t.Flags))
	for i, c := range t.Coords {
		binary.LittleEndian.PutUint32(buf[8+i*4:], uint32(c))
	}
	return buf
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (t Token) MarshalBinary() ([]byte, error) {
	buf := Encode(t)
	return buf[:], nil
}

// #endregion encode

// #region decode
// Decode reads a Token from the first RecordSize bytes of b.
func Decode(b []byte) (Token, error) {
	if len(b) < RecordSize {
		return Token{}, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(b))
	}
	if b[0] != RecordVersion {
		return Token{}, fmt.Errorf("%w: %d", ErrRecordVersion, b[0])
	}
	var t Token
	t.Flags = Flags(binary.LittleEndian.Uint32(b[4:8]))
	for i := range t.Coords {
		t.Coords[i] = Fixed(int32(binary.LittleEndian.Uint32(b[8+i*4:])))
	}
	return t, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *Token) UnmarshalBinary(b []byte) error {
	dec, err := Decode(b)
	if err != nil {
		return err
	}
	*t = dec
	return nil
}

// #endregion decode
