// Package dtype describes the sample types of raster measurements.
//
// A Dtype can be spelled either as a NumPy name ("int16", "float32") or as a
// NumPy array protocol type string ("<i2", "<f4"). The type string consists
// of 3 parts:
//   - One character describing the byteorder of the data:
//     "<": little-endian; ">": big-endian; "|": not-relevant
//   - One character code giving the basic type of the array:
//     "b": boolean, "i": integer, "u": unsigned integer, "f": floating point
//   - An integer specifying the number of bytes the type uses.
package dtype

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Dtype is a fixed-size numeric sample type.
type Dtype struct {
	ByteOrder ByteOrder
	BasicType BasicType
	ByteSize  int
}

var (
	_ json.Unmarshaler = (*Dtype)(nil)
	_ json.Marshaler   = (*Dtype)(nil)
)

// Common sample types, little-endian where byte order matters.
var (
	Bool    = Dtype{BONotRelevant, BTBoolean, 1}
	Int8    = Dtype{BONotRelevant, BTInteger, 1}
	Uint8   = Dtype{BONotRelevant, BTUnsigned, 1}
	Int16   = Dtype{BOLittleEndian, BTInteger, 2}
	Uint16  = Dtype{BOLittleEndian, BTUnsigned, 2}
	Int32   = Dtype{BOLittleEndian, BTInteger, 4}
	Uint32  = Dtype{BOLittleEndian, BTUnsigned, 4}
	Int64   = Dtype{BOLittleEndian, BTInteger, 8}
	Uint64  = Dtype{BOLittleEndian, BTUnsigned, 8}
	Float32 = Dtype{BOLittleEndian, BTFloatingPoint, 4}
	Float64 = Dtype{BOLittleEndian, BTFloatingPoint, 8}
)

var byName = map[string]Dtype{
	"bool":    Bool,
	"int8":    Int8,
	"uint8":   Uint8,
	"int16":   Int16,
	"uint16":  Uint16,
	"int32":   Int32,
	"uint32":  Uint32,
	"int64":   Int64,
	"uint64":  Uint64,
	"float32": Float32,
	"float64": Float64,
}

// Parse reads a NumPy type name or an array protocol type string.
func Parse(s string) (Dtype, error) {
	if dt, ok := byName[strings.ToLower(strings.TrimSpace(s))]; ok {
		return dt, nil
	}
	return ParseTypestr(s)
}

// MustParse is like Parse but panics on error. Use for literals only.
func MustParse(s string) Dtype {
	dt, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return dt
}

// ParseTypestr reads an array protocol type string such as "<i2".
func ParseTypestr(s string) (dt Dtype, err error) {
	// bug in python implementation uses HTML escape sequences when serializaing JSON
	s = strings.Replace(s, "&lt;", "<", 1)
	s = strings.Replace(s, "&gt;", ">", 1)

	if len(s) < 3 {
		return dt, fmt.Errorf("invalid Dtype string. %q is too short", s)
	}

	boByte, s := s[0], s[1:]
	dt.ByteOrder, err = ParseByteOrder(rune(boByte))
	if err != nil {
		return dt, err
	}

	typeByte, s := s[0], s[1:]
	dt.BasicType, err = ParseBasicType(rune(typeByte))
	if err != nil {
		return dt, err
	}

	size, err := strconv.ParseInt(s, 10, 0)
	if err != nil {
		return dt, err
	}
	dt.ByteSize = int(size)

	if !dt.valid() {
		return dt, fmt.Errorf("unsupported Dtype %q", dt.String())
	}
	return dt, nil
}

func (dt Dtype) valid() bool {
	switch dt.BasicType {
	case BTBoolean:
		return dt.ByteSize == 1
	case BTInteger, BTUnsigned:
		return dt.ByteSize == 1 || dt.ByteSize == 2 || dt.ByteSize == 4 || dt.ByteSize == 8
	case BTFloatingPoint:
		return dt.ByteSize == 4 || dt.ByteSize == 8
	}
	return false
}

// String returns the array protocol type string.
func (dt Dtype) String() string {
	return fmt.Sprintf("%s%s%d", string(dt.ByteOrder), string(dt.BasicType), dt.ByteSize)
}

// Name returns the NumPy name of the type, e.g. "int16".
func (dt Dtype) Name() string {
	if dt.BasicType == BTBoolean {
		return "bool"
	}
	return fmt.Sprintf("%s%d", dt.BasicType.Human(), dt.ByteSize*8)
}

// Equal reports whether two types describe the same samples, ignoring byte order.
func (dt Dtype) Equal(o Dtype) bool {
	return dt.BasicType == o.BasicType && dt.ByteSize == o.ByteSize
}

func (dt Dtype) MarshalJSON() ([]byte, error) {
	return []byte(`"` + dt.String() + `"`), nil
}

func (dt *Dtype) UnmarshalJSON(d []byte) error {
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return err
	}
	t, err := Parse(s)
	if err != nil {
		return err
	}

	*dt = t
	return nil
}

// IsInteger reports whether the type holds signed or unsigned integers.
func (dt Dtype) IsInteger() bool {
	return dt.BasicType == BTInteger || dt.BasicType == BTUnsigned
}

// IsUnsigned reports whether the type holds unsigned integers.
func (dt Dtype) IsUnsigned() bool { return dt.BasicType == BTUnsigned }

// IsFloat reports whether the type is floating point.
func (dt Dtype) IsFloat() bool { return dt.BasicType == BTFloatingPoint }

// Range returns the smallest and largest values representable by the type.
func (dt Dtype) Range() (lo, hi float64) {
	switch dt.BasicType {
	case BTBoolean:
		return 0, 1
	case BTUnsigned:
		return 0, math.Exp2(float64(dt.ByteSize*8)) - 1
	case BTInteger:
		half := math.Exp2(float64(dt.ByteSize*8 - 1))
		return -half, half - 1
	case BTFloatingPoint:
		if dt.ByteSize == 4 {
			return -math.MaxFloat32, math.MaxFloat32
		}
	}
	return -math.MaxFloat64, math.MaxFloat64
}

// Cast converts v to the nearest value the type can hold, following
// numpy astype: fractions truncate toward zero and out of range values
// saturate. NaN becomes fill for non floating point types.
func (dt Dtype) Cast(v, fill float64) float64 {
	switch dt.BasicType {
	case BTFloatingPoint:
		if dt.ByteSize == 4 {
			return float64(float32(v))
		}
		return v
	case BTBoolean:
		if math.IsNaN(v) {
			return fill
		}
		if v != 0 {
			return 1
		}
		return 0
	}
	if math.IsNaN(v) {
		return fill
	}
	lo, hi := dt.Range()
	v = math.Trunc(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Order returns the binary byte order of the type. Single byte types
// and types with no relevant order are read as little-endian.
func (dt Dtype) Order() binary.ByteOrder {
	if dt.ByteOrder == BOBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Put encodes v, already cast, into the first ByteSize bytes of b.
func (dt Dtype) Put(b []byte, v float64) {
	bo := dt.Order()
	switch dt.BasicType {
	case BTFloatingPoint:
		if dt.ByteSize == 4 {
			bo.PutUint32(b, math.Float32bits(float32(v)))
		} else {
			bo.PutUint64(b, math.Float64bits(v))
		}
	case BTUnsigned, BTBoolean:
		u := uint64(v)
		switch dt.ByteSize {
		case 1:
			b[0] = byte(u)
		case 2:
			bo.PutUint16(b, uint16(u))
		case 4:
			bo.PutUint32(b, uint32(u))
		case 8:
			bo.PutUint64(b, u)
		}
	case BTInteger:
		i := int64(v)
		switch dt.ByteSize {
		case 1:
			b[0] = byte(int8(i))
		case 2:
			bo.PutUint16(b, uint16(int16(i)))
		case 4:
			bo.PutUint32(b, uint32(int32(i)))
		case 8:
			bo.PutUint64(b, uint64(i))
		}
	}
}

// Get decodes one sample from the first ByteSize bytes of b.
func (dt Dtype) Get(b []byte) float64 {
	bo := dt.Order()
	switch dt.BasicType {
	case BTFloatingPoint:
		if dt.ByteSize == 4 {
			return float64(math.Float32frombits(bo.Uint32(b)))
		}
		return math.Float64frombits(bo.Uint64(b))
	case BTUnsigned, BTBoolean:
		switch dt.ByteSize {
		case 1:
			return float64(b[0])
		case 2:
			return float64(bo.Uint16(b))
		case 4:
			return float64(bo.Uint32(b))
		default:
			return float64(bo.Uint64(b))
		}
	default:
		switch dt.ByteSize {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(bo.Uint16(b)))
		case 4:
			return float64(int32(bo.Uint32(b)))
		default:
			return float64(int64(bo.Uint64(b)))
		}
	}
}

// Encode casts and encodes values into a new byte slice.
func (dt Dtype) Encode(values []float64, fill float64) []byte {
	out := make([]byte, len(values)*dt.ByteSize)
	for i, v := range values {
		dt.Put(out[i*dt.ByteSize:], dt.Cast(v, fill))
	}
	return out
}

// Decode reads len(b)/ByteSize samples.
func (dt Dtype) Decode(b []byte) []float64 {
	n := len(b) / dt.ByteSize
	out := make([]float64, n)
	for i := range out {
		out[i] = dt.Get(b[i*dt.ByteSize:])
	}
	return out
}

type ByteOrder rune

func ParseByteOrder(r rune) (ByteOrder, error) {
	o := ByteOrder(r)
	if _, ok := byteOrders[o]; !ok {
		return o, fmt.Errorf("unsupported byte order format: %q", r)
	}
	return o, nil
}

const (
	BONotRelevant  ByteOrder = '|'
	BOLittleEndian ByteOrder = '<'
	BOBigEndian    ByteOrder = '>'
)

var byteOrders = map[ByteOrder]struct{}{
	BONotRelevant:  {},
	BOLittleEndian: {},
	BOBigEndian:    {},
}

type BasicType rune

func ParseBasicType(r rune) (BasicType, error) {
	t := BasicType(r)
	if _, ok := supportedBasicTypes[t]; !ok {
		return t, fmt.Errorf("unsupported basic type: %q", r)
	}
	return t, nil
}

func (bt BasicType) Human() string {
	return supportedBasicTypes[bt]
}

const (
	BTBoolean       BasicType = 'b'
	BTInteger       BasicType = 'i'
	BTUnsigned      BasicType = 'u'
	BTFloatingPoint BasicType = 'f'
)

var supportedBasicTypes = map[BasicType]string{
	BTBoolean:       "bool",
	BTInteger:       "int",
	BTUnsigned:      "uint",
	BTFloatingPoint: "float",
}
