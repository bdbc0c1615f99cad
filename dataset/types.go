package dataset

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// DataType represents the element type of a Dat
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
)

// Numeric is the set of element types a Dat can hold
type Numeric interface {
	~float32 | ~float64 | ~int32 | ~int64
}

// SizeOfType returns the size in bytes of a data type
func SizeOfType(dt DataType) int {
	switch dt {
	case Float32, INT32:
		return 4
	case Float64, INT64:
		return 8
	default:
		return 0
	}
}

// String returns the C-style name used in dat declarations
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float"
	case Float64:
		return "double"
	case INT32:
		return "int"
	case INT64:
		return "long"
	default:
		return "unknown"
	}
}

// Valid reports whether dt is one of the supported element types
func (dt DataType) Valid() bool {
	return SizeOfType(dt) > 0
}

// TypeOf returns the DataType for T
func TypeOf[T Numeric]() DataType {
	var sample T
	switch any(sample).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case int32:
		return INT32
	case int64:
		return INT64
	}
	// Named types built on the base kinds fall through the type switch
	switch unsafe.Sizeof(sample) {
	case 4:
		if T(1)/T(2) == 0 {
			return INT32
		}
		return Float32
	default:
		if T(1)/T(2) == 0 {
			return INT64
		}
		return Float64
	}
}

// AddInto adds src to dst element-wise, both holding packed values of dt.
// This is the increment capability resolved once per Dat at declaration.
func (dt DataType) AddInto(dst, src []byte) {
	switch dt {
	case Float32:
		addInto(AsSlice[float32](dst), AsSlice[float32](src))
	case Float64:
		addInto(AsSlice[float64](dst), AsSlice[float64](src))
	case INT32:
		addInto(AsSlice[int32](dst), AsSlice[int32](src))
	case INT64:
		addInto(AsSlice[int64](dst), AsSlice[int64](src))
	}
}

func addInto[T Numeric](dst, src []T) {
	for i := range src {
		dst[i] += src[i]
	}
}

// Format renders element i of a packed buffer, used for diagnostics only
func (dt DataType) Format(b []byte, i int) float64 {
	switch dt {
	case Float32:
		return float64(math.Float32frombits(binary.NativeEndian.Uint32(b[4*i:])))
	case Float64:
		return math.Float64frombits(binary.NativeEndian.Uint64(b[8*i:]))
	case INT32:
		return float64(int32(binary.NativeEndian.Uint32(b[4*i:])))
	case INT64:
		return float64(int64(binary.NativeEndian.Uint64(b[8*i:])))
	}
	return math.NaN()
}

// AsSlice reinterprets a packed byte image as a []T without copying.
// The byte slice must come from this package's aligned allocator or from
// another []T.
func AsSlice[T Numeric](b []byte) []T {
	var sample T
	n := len(b) / int(unsafe.Sizeof(sample))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// AsBytes exposes the byte image of vals without copying
func AsBytes[T Numeric](vals []T) []byte {
	if len(vals) == 0 {
		return nil
	}
	var sample T
	return unsafe.Slice((*byte)(unsafe.Pointer(&vals[0])), len(vals)*int(unsafe.Sizeof(sample)))
}

// AlignedBytes allocates n bytes backed by 8-byte words so every Numeric view
// of the result is naturally aligned
func AlignedBytes(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)[:n]
}
