// Package field implements typed extraction of wire values from byte
// spans per a field descriptor (component C3 of the bridge pipeline).
package field

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Type is the tagged variant of wire field types. Multi-byte numerics
// are little-endian on the wire.
type Type uint8

const (
	U8 Type = iota
	U16
	U32
	U64
	I8
	I16
	I32
	I64
	F32
	F64
	Bytes
)

// typeNames maps Type to its catalog-descriptor spelling.
var typeNames = [...]string{
	U8: "u8", U16: "u16", U32: "u32", U64: "u64",
	I8: "i8", I16: "i16", I32: "i32", I64: "i64",
	F32: "f32", F64: "f64", Bytes: "bytes",
}

// String returns the catalog-descriptor spelling of the type.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// ParseType maps a catalog-descriptor type name to a Type.
func ParseType(s string) (Type, bool) {
	for i, name := range typeNames {
		if name == s {
			return Type(i), true
		}
	}
	return 0, false
}

// WireSize returns the number of bytes Type occupies on the wire.
// For Bytes, length is the field's declared length.
func WireSize(t Type, length int) int {
	switch t {
	case U8, I8:
		return 1
	case U16, I16:
		return 2
	case U32, I32, F32:
		return 4
	case U64, I64, F64:
		return 8
	case Bytes:
		return length
	default:
		return 0
	}
}

// Value is a tagged extracted value. Equality is by Type plus content;
// two Values with different Types are never equal (Equal).
type Value struct {
	Type  Type
	U     uint64
	I     int64
	F     float64
	Bytes []byte
}

// Equal reports whether v and other carry the same tag and content.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case U8, U16, U32, U64:
		return v.U == other.U
	case I8, I16, I32, I64:
		return v.I == other.I
	case F32, F64:
		return v.F == other.F
	case Bytes:
		if len(v.Bytes) != len(other.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != other.Bytes[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders the value per spec: hex+decimal for unsigned
// integers, plain decimal for signed, six significant figures for
// floats, space-separated uppercase hex for byte sequences.
func (v Value) String() string {
	switch v.Type {
	case U8, U16, U32, U64:
		return fmt.Sprintf("0x%X (%d)", v.U, v.U)
	case I8, I16, I32, I64:
		return fmt.Sprintf("%d", v.I)
	case F32, F64:
		return fmt.Sprintf("%.6g", v.F)
	case Bytes:
		var b strings.Builder
		b.WriteString("bytes[")
		for i, by := range v.Bytes {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%02X", by)
		}
		b.WriteByte(']')
		return b.String()
	default:
		return "<invalid>"
	}
}

// ValueU returns an unsigned Value of the given type.
func ValueU(t Type, u uint64) Value { return Value{Type: t, U: u} }

// ValueI returns a signed Value of the given type.
func ValueI(t Type, i int64) Value { return Value{Type: t, I: i} }

// ValueF returns a floating-point Value of the given type.
func ValueF(t Type, f float64) Value { return Value{Type: t, F: f} }

// ValueBytes returns a Bytes-typed Value.
func ValueBytes(b []byte) Value { return Value{Type: Bytes, Bytes: b} }

// Extract decodes a typed value from span per desc. The caller must
// ensure span is at least WireSize(t, length) bytes long; a short
// span is a caller bug, not a runtime outcome this function signals
// (spec.md C3 precondition).
func Extract(t Type, span []byte, length int) Value {
	switch t {
	case U8:
		return ValueU(t, uint64(span[0]))
	case U16:
		return ValueU(t, uint64(binary.LittleEndian.Uint16(span)))
	case U32:
		return ValueU(t, uint64(binary.LittleEndian.Uint32(span)))
	case U64:
		return ValueU(t, binary.LittleEndian.Uint64(span))
	case I8:
		return ValueI(t, int64(int8(span[0])))
	case I16:
		return ValueI(t, int64(int16(binary.LittleEndian.Uint16(span))))
	case I32:
		return ValueI(t, int64(int32(binary.LittleEndian.Uint32(span))))
	case I64:
		return ValueI(t, int64(binary.LittleEndian.Uint64(span)))
	case F32:
		return ValueF(t, float64(math.Float32frombits(binary.LittleEndian.Uint32(span))))
	case F64:
		return ValueF(t, math.Float64frombits(binary.LittleEndian.Uint64(span)))
	case Bytes:
		out := make([]byte, length)
		copy(out, span[:length])
		return ValueBytes(out)
	default:
		return Value{}
	}
}
