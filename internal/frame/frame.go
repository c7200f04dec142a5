// Package frame defines the value types moved through the transport core:
// a Frame is one timestamped image sample, a Schema fixes the shape and
// element type a stream accepts.
package frame

import (
	"fmt"
	"time"
)

// Dtype identifies the element type of a raw payload.
type Dtype uint8

const (
	DtypeInvalid Dtype = iota
	DtypeUint8
	DtypeInt8
	DtypeUint16
	DtypeInt16
	DtypeUint32
	DtypeInt32
	DtypeUint64
	DtypeInt64
	DtypeFloat32
	DtypeFloat64
)

var dtypeNames = map[Dtype]string{
	DtypeUint8:   "uint8",
	DtypeInt8:    "int8",
	DtypeUint16:  "uint16",
	DtypeInt16:   "int16",
	DtypeUint32:  "uint32",
	DtypeInt32:   "int32",
	DtypeUint64:  "uint64",
	DtypeInt64:   "int64",
	DtypeFloat32: "float32",
	DtypeFloat64: "float64",
}

var dtypeSizes = map[Dtype]int{
	DtypeUint8:   1,
	DtypeInt8:    1,
	DtypeUint16:  2,
	DtypeInt16:   2,
	DtypeUint32:  4,
	DtypeInt32:   4,
	DtypeUint64:  8,
	DtypeInt64:   8,
	DtypeFloat32: 4,
	DtypeFloat64: 8,
}

func (d Dtype) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Size returns the element size in bytes, or 0 for an unknown dtype.
func (d Dtype) Size() int {
	return dtypeSizes[d]
}

// Valid reports whether d is a known element type.
func (d Dtype) Valid() bool {
	_, ok := dtypeSizes[d]
	return ok
}

// ParseDtype converts a dtype name (the numpy scalar spelling) to a Dtype.
func ParseDtype(s string) (Dtype, error) {
	for d, name := range dtypeNames {
		if name == s {
			return d, nil
		}
	}
	return DtypeInvalid, fmt.Errorf("unknown dtype %q", s)
}

// Encoding identifies how the payload bytes are to be interpreted.
type Encoding uint8

const (
	// EncodingRaw means payload is the tensor bytes themselves;
	// its length must equal product(shape) x element size.
	EncodingRaw Encoding = iota
	EncodingPNG
	EncodingJPEG
)

func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingPNG:
		return "png"
	case EncodingJPEG:
		return "jpeg"
	}
	return fmt.Sprintf("encoding(%d)", uint8(e))
}

// Valid reports whether e is a known encoding tag.
func (e Encoding) Valid() bool {
	return e == EncodingRaw || e == EncodingPNG || e == EncodingJPEG
}

// Metadata carries producer-supplied per-frame hints (layer name, colormap,
// contrast limits, memory order, ...). Values are scalars or strings;
// the core round-trips them untouched.
type Metadata map[string]interface{}

// Schema is the shape/dtype contract fixed when a stream is opened.
type Schema struct {
	Shape []int
	Dtype Dtype
}

// Equal reports whether two schemas declare the same shape and dtype.
func (s Schema) Equal(o Schema) bool {
	if s.Dtype != o.Dtype || len(s.Shape) != len(o.Shape) {
		return false
	}
	for i, d := range s.Shape {
		if o.Shape[i] != d {
			return false
		}
	}
	return true
}

// Validate checks that the schema has at least one dimension, every
// dimension is positive and the dtype is known.
func (s Schema) Validate() error {
	if len(s.Shape) == 0 {
		return fmt.Errorf("schema has no dimensions")
	}
	for i, d := range s.Shape {
		if d <= 0 {
			return fmt.Errorf("schema dimension %d is %d, must be positive", i, d)
		}
	}
	if !s.Dtype.Valid() {
		return fmt.Errorf("schema dtype %s is not valid", s.Dtype)
	}
	return nil
}

// ElemCount returns product(shape).
func (s Schema) ElemCount() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

func (s Schema) String() string {
	return fmt.Sprintf("%v %s", s.Shape, s.Dtype)
}

// Frame is one image sample on a stream.
type Frame struct {
	StreamID  string
	Seq       uint64
	Timestamp time.Time
	Shape     []int
	Dtype     Dtype
	Encoding  Encoding
	Payload   []byte
	Meta      Metadata
}

// Schema returns the frame's shape/dtype pair.
func (f *Frame) Schema() Schema {
	return Schema{Shape: f.Shape, Dtype: f.Dtype}
}

// Validate checks internal consistency: a well-formed schema and, for raw
// payloads, a payload length matching shape x element size.
func (f *Frame) Validate() error {
	if f.StreamID == "" {
		return fmt.Errorf("frame has empty stream id")
	}
	sc := f.Schema()
	if err := sc.Validate(); err != nil {
		return err
	}
	if !f.Encoding.Valid() {
		return fmt.Errorf("unknown encoding tag %d", uint8(f.Encoding))
	}
	if f.Encoding == EncodingRaw {
		want := sc.ElemCount() * f.Dtype.Size()
		if len(f.Payload) != want {
			return fmt.Errorf("payload is %d bytes, shape %v %s requires %d", len(f.Payload), f.Shape, f.Dtype, want)
		}
	}
	return nil
}
