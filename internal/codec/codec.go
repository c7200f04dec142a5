// Package codec implements the wire format: the message envelope shared by
// control and data messages, and the self-describing frame encoding carried
// in data messages. Decode needs no schema knowledge beyond what the header
// declares; stream-level validation happens at publish time.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/framecast/framecast/internal/frame"
)

// ErrMalformedFrame is wrapped by every decode failure.
var ErrMalformedFrame = errors.New("malformed frame")

// Kind tags the envelope payload.
type Kind uint8

const (
	KindData    Kind = 0x01
	KindControl Kind = 0x02
)

const (
	frameMagic   uint16 = 0xF5CA
	frameVersion uint8  = 1

	// maxNDim bounds header size; napari layers rarely exceed 5 axes.
	maxNDim = 16

	envelopeHeaderLen = 5
	fixedHeaderLen    = 24 // magic..timestamp, before dims
	trailerLenFields  = 8  // metaLen + payloadLen
)

// EncodeEnvelope wraps body in the wire envelope {kind, length, body}.
func EncodeEnvelope(k Kind, body []byte) []byte {
	out := make([]byte, envelopeHeaderLen+len(body))
	out[0] = byte(k)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[envelopeHeaderLen:], body)
	return out
}

// DecodeEnvelope splits a wire message into kind and body.
func DecodeEnvelope(b []byte) (Kind, []byte, error) {
	if len(b) < envelopeHeaderLen {
		return 0, nil, fmt.Errorf("%w: envelope truncated at %d bytes", ErrMalformedFrame, len(b))
	}
	k := Kind(b[0])
	if k != KindData && k != KindControl {
		return 0, nil, fmt.Errorf("%w: unknown envelope kind 0x%02x", ErrMalformedFrame, b[0])
	}
	n := binary.BigEndian.Uint32(b[1:5])
	body := b[envelopeHeaderLen:]
	if uint32(len(body)) != n {
		return 0, nil, fmt.Errorf("%w: envelope declares %d body bytes, got %d", ErrMalformedFrame, n, len(body))
	}
	return k, body, nil
}

// EncodeFrame serializes f into the data-message wire format.
func EncodeFrame(f *frame.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(f.Shape) > maxNDim {
		return nil, fmt.Errorf("%w: %d dimensions exceeds limit %d", ErrMalformedFrame, len(f.Shape), maxNDim)
	}
	if len(f.StreamID) > 0xFFFF {
		return nil, fmt.Errorf("%w: stream id of %d bytes", ErrMalformedFrame, len(f.StreamID))
	}

	var meta []byte
	if len(f.Meta) > 0 {
		var err error
		meta, err = msgpack.Marshal(f.Meta)
		if err != nil {
			return nil, fmt.Errorf("%w: encode metadata: %v", ErrMalformedFrame, err)
		}
	}

	ndim := len(f.Shape)
	size := fixedHeaderLen + 4*ndim + trailerLenFields + len(f.StreamID) + len(meta) + len(f.Payload)
	out := make([]byte, size)

	binary.BigEndian.PutUint16(out[0:2], frameMagic)
	out[2] = frameVersion
	out[3] = byte(f.Dtype)
	out[4] = byte(f.Encoding)
	out[5] = byte(ndim)
	binary.BigEndian.PutUint16(out[6:8], uint16(len(f.StreamID)))
	binary.BigEndian.PutUint64(out[8:16], f.Seq)
	binary.BigEndian.PutUint64(out[16:24], uint64(f.Timestamp.UnixNano()))
	off := fixedHeaderLen
	for _, d := range f.Shape {
		binary.BigEndian.PutUint32(out[off:off+4], uint32(d))
		off += 4
	}
	binary.BigEndian.PutUint32(out[off:off+4], uint32(len(meta)))
	binary.BigEndian.PutUint32(out[off+4:off+8], uint32(len(f.Payload)))
	off += trailerLenFields
	off += copy(out[off:], f.StreamID)
	off += copy(out[off:], meta)
	copy(out[off:], f.Payload)
	return out, nil
}

// DecodeFrame parses a data-message body back into a Frame.
func DecodeFrame(b []byte) (*frame.Frame, error) {
	if len(b) < fixedHeaderLen+trailerLenFields {
		return nil, fmt.Errorf("%w: header truncated at %d bytes", ErrMalformedFrame, len(b))
	}
	if m := binary.BigEndian.Uint16(b[0:2]); m != frameMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%04x", ErrMalformedFrame, m)
	}
	if v := b[2]; v != frameVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, v)
	}
	dtype := frame.Dtype(b[3])
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: unknown dtype tag %d", ErrMalformedFrame, b[3])
	}
	enc := frame.Encoding(b[4])
	if !enc.Valid() {
		return nil, fmt.Errorf("%w: unknown encoding tag %d", ErrMalformedFrame, b[4])
	}
	ndim := int(b[5])
	if ndim == 0 || ndim > maxNDim {
		return nil, fmt.Errorf("%w: %d dimensions", ErrMalformedFrame, ndim)
	}
	idLen := int(binary.BigEndian.Uint16(b[6:8]))
	seq := binary.BigEndian.Uint64(b[8:16])
	ts := int64(binary.BigEndian.Uint64(b[16:24]))

	headerLen := fixedHeaderLen + 4*ndim + trailerLenFields
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: header truncated at %d bytes", ErrMalformedFrame, len(b))
	}
	shape := make([]int, ndim)
	off := fixedHeaderLen
	for i := range shape {
		d := binary.BigEndian.Uint32(b[off : off+4])
		if d == 0 {
			return nil, fmt.Errorf("%w: zero dimension %d", ErrMalformedFrame, i)
		}
		shape[i] = int(d)
		off += 4
	}
	metaLen := int(binary.BigEndian.Uint32(b[off : off+4]))
	payloadLen := int(binary.BigEndian.Uint32(b[off+4 : off+8]))
	off += trailerLenFields

	if len(b) != headerLen+idLen+metaLen+payloadLen {
		return nil, fmt.Errorf("%w: declared %d bytes, got %d", ErrMalformedFrame, headerLen+idLen+metaLen+payloadLen, len(b))
	}
	if idLen == 0 {
		return nil, fmt.Errorf("%w: empty stream id", ErrMalformedFrame)
	}

	f := &frame.Frame{
		StreamID:  string(b[off : off+idLen]),
		Seq:       seq,
		Timestamp: time.Unix(0, ts),
		Shape:     shape,
		Dtype:     dtype,
		Encoding:  enc,
	}
	off += idLen
	if metaLen > 0 {
		meta := frame.Metadata{}
		if err := msgpack.Unmarshal(b[off:off+metaLen], &meta); err != nil {
			return nil, fmt.Errorf("%w: decode metadata: %v", ErrMalformedFrame, err)
		}
		f.Meta = meta
	}
	off += metaLen
	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, b[off:])

	if enc == frame.EncodingRaw {
		want := f.Schema().ElemCount() * dtype.Size()
		if payloadLen != want {
			return nil, fmt.Errorf("%w: payload is %d bytes, shape %v %s requires %d", ErrMalformedFrame, payloadLen, shape, dtype, want)
		}
	}
	return f, nil
}
