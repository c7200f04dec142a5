package ingest

// Control message bodies. Every control body is a small JSON record tagged
// by "type"; data bodies use the binary frame codec instead.

type controlEnvelope struct {
	Type string `json:"type"`
}

// OpenStreamMessage is the handshake a producer must send first.
type OpenStreamMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
	Shape    []int  `json:"shape"`
	Dtype    string `json:"dtype"`
	Capacity int    `json:"capacity,omitempty"`
}

// CloseStreamMessage announces stream teardown in either direction.
type CloseStreamMessage struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason"`
}

// AckMessage reports per-frame accept/reject back to the producer.
type AckMessage struct {
	Type   string `json:"type"`
	Seq    uint64 `json:"sequence_number"`
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
}

// ErrorMessage reports a connection-level failure before closing.
type ErrorMessage struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

const (
	typeOpenStream  = "open_stream"
	typeCloseStream = "close_stream"
	typeAck         = "ack"
	typeError       = "error"

	statusOK    = "ok"
	statusError = "error"

	codeMalformedFrame = "malformed_frame"
	codeRejectedFrame  = "rejected_frame"
	codeSchemaConflict = "schema_conflict"
	codeTooManyErrors  = "too_many_errors"
	codeWrongStream    = "wrong_stream"
	codeBadHandshake   = "bad_handshake"
)
