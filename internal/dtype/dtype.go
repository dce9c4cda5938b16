// Package dtype describes the element types a normalization buffer can hold
// and how they are packed into device memory.
package dtype

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DataType identifies the numeric type of a tensor element.
type DataType int

const (
	Undef DataType = iota
	F32
	BF16
	F16
)

// Size returns the number of bytes one element occupies.
func (dt DataType) Size() int {
	switch dt {
	case F32:
		return 4
	case BF16, F16:
		return 2
	default:
		return 0
	}
}

// String returns the short name used in build options and flags.
func (dt DataType) String() string {
	switch dt {
	case F32:
		return "f32"
	case BF16:
		return "bf16"
	case F16:
		return "f16"
	default:
		return "undef"
	}
}

// Parse converts a flag value such as "f32" or "bfloat16" into a DataType.
func Parse(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "fp32":
		return F32, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "f16", "float16", "fp16", "half":
		return F16, nil
	default:
		return Undef, fmt.Errorf("unknown data type %q (expected f32, bf16 or f16)", s)
	}
}

// Load reads element idx of a little-endian buffer and widens it to float32.
func (dt DataType) Load(b []byte, idx int) float32 {
	switch dt {
	case F32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b[idx*4:]))
	case BF16:
		return BF16ToFloat32(binary.LittleEndian.Uint16(b[idx*2:]))
	case F16:
		return float16.Frombits(binary.LittleEndian.Uint16(b[idx*2:])).Float32()
	default:
		panic(fmt.Sprintf("dtype: load from %s buffer", dt))
	}
}

// Store narrows v to the element type and writes it at element idx.
func (dt DataType) Store(b []byte, idx int, v float32) {
	switch dt {
	case F32:
		binary.LittleEndian.PutUint32(b[idx*4:], math.Float32bits(v))
	case BF16:
		binary.LittleEndian.PutUint16(b[idx*2:], Float32ToBF16(v))
	case F16:
		binary.LittleEndian.PutUint16(b[idx*2:], float16.Fromfloat32(v).Bits())
	default:
		panic(fmt.Sprintf("dtype: store to %s buffer", dt))
	}
}

// Float32ToBF16 rounds v to the nearest bfloat16, ties to even.
func Float32ToBF16(v float32) uint16 {
	bits := math.Float32bits(v)
	if math.IsNaN(float64(v)) {
		// keep NaN quiet after truncation
		return uint16(bits>>16) | 0x40
	}
	bias := uint32(0x7fff) + (bits>>16)&1
	return uint16((bits + bias) >> 16)
}

// BF16ToFloat32 widens a bfloat16 bit pattern.
func BF16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}
