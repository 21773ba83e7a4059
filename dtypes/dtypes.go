// Package dtypes defines the scalar kinds that can be given as typed kernel arguments.
package dtypes

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType of a scalar kernel argument.
type DType int

const (
	// Invalid represents an invalid (or not set) dtype.
	Invalid DType = iota

	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
)

var dtypeNames = []string{"Invalid", "Bool", "Int8", "Int16", "Int32", "Int64", "Uint8", "Uint16", "Uint32", "Uint64",
	"Float16", "Float32", "Float64"}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype >= 0 && int(dtype) < len(dtypeNames) {
		return dtypeNames[dtype]
	}
	return fmt.Sprintf("DType(%d)", int(dtype))
}

// Size returns the number of bytes of the dtype, as passed to a kernel.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// MapOfNames to their dtypes. It includes also aliases, and lower-case versions of the names.
var MapOfNames = map[string]DType{
	"F16": Float16,
	"F32": Float32,
	"F64": Float64,
	"S8":  Int8,
	"S16": Int16,
	"S32": Int32,
	"S64": Int64,
	"U8":  Uint8,
	"U16": Uint16,
	"U32": Uint32,
	"U64": Uint64,
	"int": Int64,
}

func init() {
	for ii, name := range dtypeNames[1:] {
		MapOfNames[name] = DType(ii + 1)
	}
	for name, dtype := range MapOfNames {
		MapOfNames[strings.ToLower(name)] = dtype
	}
}

// Supported lists the Go types that can be given as scalar kernel arguments.
type Supported interface {
	bool | float16.Float16 | float32 | float64 | int | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	return FromAny(t)
}

// FromAny introspects the underlying type of any and returns the corresponding DType.
// Go's int is mapped to Int64. Unknown types return Invalid.
func FromAny(value any) DType {
	switch value.(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int, int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return Invalid
}

// ToBytes encodes the scalar in the native byte order, the way kernels read their arguments.
func ToBytes[T Supported](value T) []byte {
	var b []byte
	switch v := any(value).(type) {
	case bool:
		if v {
			return []byte{1}
		}
		return []byte{0}
	case int8:
		return []byte{byte(v)}
	case uint8:
		return []byte{v}
	case int16:
		b = binary.NativeEndian.AppendUint16(b, uint16(v))
	case uint16:
		b = binary.NativeEndian.AppendUint16(b, v)
	case float16.Float16:
		b = binary.NativeEndian.AppendUint16(b, v.Bits())
	case int32:
		b = binary.NativeEndian.AppendUint32(b, uint32(v))
	case uint32:
		b = binary.NativeEndian.AppendUint32(b, v)
	case float32:
		b = binary.NativeEndian.AppendUint32(b, math.Float32bits(v))
	case int:
		b = binary.NativeEndian.AppendUint64(b, uint64(v))
	case int64:
		b = binary.NativeEndian.AppendUint64(b, uint64(v))
	case uint64:
		b = binary.NativeEndian.AppendUint64(b, v)
	case float64:
		b = binary.NativeEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b
}
