package codec

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/framecast/framecast/internal/frame"
)

func testFrame() *frame.Frame {
	payload := make([]byte, 2*3*4) // [2,3] float32
	for i := range payload {
		payload[i] = byte(i)
	}
	return &frame.Frame{
		StreamID:  "cam0",
		Seq:       7,
		Timestamp: time.Unix(1700000000, 123456789),
		Shape:     []int{2, 3},
		Dtype:     frame.DtypeFloat32,
		Encoding:  frame.EncodingRaw,
		Payload:   payload,
		Meta: frame.Metadata{
			"name":      "cam0",
			"colormap":  "gray",
			"order":     "C",
			"opacity":   0.8,
			"is_labels": false,
		},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := testFrame()
	b, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.StreamID != f.StreamID || got.Seq != f.Seq {
		t.Fatalf("identity mismatch: %q seq %d", got.StreamID, got.Seq)
	}
	if !got.Timestamp.Equal(f.Timestamp) {
		t.Fatalf("timestamp %v != %v", got.Timestamp, f.Timestamp)
	}
	if !reflect.DeepEqual(got.Shape, f.Shape) || got.Dtype != f.Dtype || got.Encoding != f.Encoding {
		t.Fatalf("schema mismatch: %v %s %s", got.Shape, got.Dtype, got.Encoding)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch")
	}
	for k, want := range f.Meta {
		if got.Meta[k] != want {
			t.Fatalf("meta[%q] = %v, want %v", k, got.Meta[k], want)
		}
	}
}

func TestFrameRoundTripNoMeta(t *testing.T) {
	f := testFrame()
	f.Meta = nil
	b, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeFrame(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Meta != nil {
		t.Fatalf("expected nil meta, got %v", got.Meta)
	}
}

func TestEncodeRejectsBadPayloadLength(t *testing.T) {
	f := testFrame()
	f.Payload = f.Payload[:5]
	if _, err := EncodeFrame(f); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := EncodeFrame(testFrame())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cases := map[string][]byte{
		"empty":         nil,
		"truncated":     valid[:10],
		"trailing junk": append(append([]byte{}, valid...), 0),
	}

	badMagic := append([]byte{}, valid...)
	badMagic[0] ^= 0xFF
	cases["bad magic"] = badMagic

	badVersion := append([]byte{}, valid...)
	badVersion[2] = 99
	cases["bad version"] = badVersion

	badDtype := append([]byte{}, valid...)
	badDtype[3] = 200
	cases["unknown dtype"] = badDtype

	badEncoding := append([]byte{}, valid...)
	badEncoding[4] = 200
	cases["unknown encoding"] = badEncoding

	// same byte layout, but uint8 elements no longer match the payload size
	sizeMismatch := append([]byte{}, valid...)
	sizeMismatch[3] = byte(frame.DtypeUint8)
	cases["payload size mismatch"] = sizeMismatch

	for name, b := range cases {
		if _, err := DecodeFrame(b); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	body := []byte(`{"type":"ack"}`)
	msg := EncodeEnvelope(KindControl, body)
	kind, got, err := DecodeEnvelope(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kind != KindControl || !bytes.Equal(got, body) {
		t.Fatalf("kind %d body %q", kind, got)
	}
}

func TestEnvelopeMalformed(t *testing.T) {
	if _, _, err := DecodeEnvelope([]byte{1, 0}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("short envelope: %v", err)
	}
	if _, _, err := DecodeEnvelope([]byte{9, 0, 0, 0, 0}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("unknown kind: %v", err)
	}
	msg := EncodeEnvelope(KindData, []byte("abc"))
	if _, _, err := DecodeEnvelope(msg[:len(msg)-1]); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("length mismatch: %v", err)
	}
}
