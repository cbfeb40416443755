package btm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// KeyPartType names one component of a (possibly composite) B+-tree key.
type KeyPartType uint8

const (
	KeyPartInt KeyPartType = iota
	KeyPartVarString
)

// KeyPart describes one component of a KeyDescriptor: its storage type and
// sort direction.
type KeyPart struct {
	Type       KeyPartType
	Descending bool
}

// KeyDescriptor names the parts of a multi-part key, in order. key_compare
// walks the parts left to right, the first non-equal part deciding the
// comparison — a lexicographic composite-key order.
type KeyDescriptor struct {
	Parts []KeyPart
}

// KeyValue is one concrete key: one value per part of its KeyDescriptor.
// IntVal is used for KeyPartInt parts, StrVal for KeyPartVarString parts.
type KeyValue struct {
	IntVal []int32
	StrVal []string
}

// CompareResult mirrors the spec's three-way key_compare result.
type CompareResult int

const (
	Less CompareResult = iota - 1
	Equal
	Greater
)

// Compare implements key_compare: walk parts left to right, the first
// non-equal part decides, applying that part's sort direction.
func (d KeyDescriptor) Compare(a, b KeyValue) CompareResult {
	intIdx, strIdx := 0, 0
	for _, part := range d.Parts {
		var c CompareResult
		switch part.Type {
		case KeyPartInt:
			av, bv := a.IntVal[intIdx], b.IntVal[intIdx]
			intIdx++
			switch {
			case av < bv:
				c = Less
			case av > bv:
				c = Greater
			default:
				c = Equal
			}
		case KeyPartVarString:
			av, bv := a.StrVal[strIdx], b.StrVal[strIdx]
			strIdx++
			switch {
			case av < bv:
				c = Less
			case av > bv:
				c = Greater
			default:
				c = Equal
			}
		}
		if part.Descending {
			c = -c
		}
		if c != Equal {
			return c
		}
	}
	return Equal
}

// Encode produces the on-page byte representation of a key: each INT part
// as 4 bytes big-endian (so byte-wise comparison agrees with numeric order
// for non-negative values, which helps diagnostics/debugging; negative
// values sort after positive ones byte-wise, and Compare is what callers must use for
// correctness since descending parts and VARSTRING parts aren't
// byte-comparable that way), each VARSTRING part as a uint16 length prefix
// followed by its bytes.
func (d KeyDescriptor) Encode(k KeyValue) []byte {
	var buf bytes.Buffer
	intIdx, strIdx := 0, 0
	for _, part := range d.Parts {
		switch part.Type {
		case KeyPartInt:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(k.IntVal[intIdx]))
			intIdx++
			buf.Write(b[:])
		case KeyPartVarString:
			s := k.StrVal[strIdx]
			strIdx++
			var lb [2]byte
			binary.BigEndian.PutUint16(lb[:], uint16(len(s)))
			buf.Write(lb[:])
			buf.WriteString(s)
		}
	}
	return buf.Bytes()
}

// Decode is Encode's inverse.
func (d KeyDescriptor) Decode(raw []byte) (KeyValue, int, error) {
	var kv KeyValue
	off := 0
	for _, part := range d.Parts {
		switch part.Type {
		case KeyPartInt:
			if off+4 > len(raw) {
				return KeyValue{}, 0, fmt.Errorf("%w: truncated int part", ErrBadKey)
			}
			kv.IntVal = append(kv.IntVal, int32(binary.BigEndian.Uint32(raw[off:off+4])))
			off += 4
		case KeyPartVarString:
			if off+2 > len(raw) {
				return KeyValue{}, 0, fmt.Errorf("%w: truncated varstring length", ErrBadKey)
			}
			n := int(binary.BigEndian.Uint16(raw[off : off+2]))
			off += 2
			if off+n > len(raw) {
				return KeyValue{}, 0, fmt.Errorf("%w: truncated varstring body", ErrBadKey)
			}
			kv.StrVal = append(kv.StrVal, string(raw[off:off+n]))
			off += n
		}
	}
	return kv, off, nil
}
