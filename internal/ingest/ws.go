// Package ingest accepts producer connections and feeds decoded frames into
// the stream registry. Each connection runs its own state machine
// (AwaitingHandshake -> Streaming -> Closed) in its own goroutine; failure
// of one connection never affects another.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/framecast/framecast/internal/codec"
	"github.com/framecast/framecast/internal/frame"
	"github.com/framecast/framecast/internal/logx"
	"github.com/framecast/framecast/internal/metrics"
	"github.com/framecast/framecast/internal/registry"
	"github.com/framecast/framecast/internal/ring"
)

// Config holds the per-connection tunables.
type Config struct {
	// IdleTimeout closes a connection after this long without a message.
	IdleTimeout time.Duration
	// DefaultCapacity is used when the handshake declares none.
	DefaultCapacity int
	// ErrorThreshold closes the connection after this many consecutive
	// frame errors.
	ErrorThreshold int
}

type connState int

const (
	stateAwaitingHandshake connState = iota
	stateStreaming
	stateClosed
)

type conn struct {
	id  string
	ws  *websocket.Conn
	reg *registry.Registry
	cfg Config

	sendCh chan []byte
	done   chan struct{}

	state    connState
	stream   *registry.Stream
	errCount int
}

// WSHandler returns the HTTP handler producers connect to.
func WSHandler(reg *registry.Registry, cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		c := &conn{
			id:     uuid.NewString(),
			ws:     ws,
			reg:    reg,
			cfg:    cfg,
			state:  stateAwaitingHandshake,
			sendCh: make(chan []byte, 32),
			done:   make(chan struct{}),
		}
		metrics.ConnectionOpened()
		defer metrics.ConnectionClosed()
		c.serve(r.Context())
	}
}

func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		c.state = stateClosed
		if c.stream != nil {
			c.reg.DetachProducer(c.stream.ID, c.id)
		}
		close(c.done)
		_ = c.ws.Close(websocket.StatusNormalClosure, "closing")
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-c.sendCh:
				if err := c.ws.Write(ctx, websocket.MessageBinary, msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	log := logx.Log.With().Str("conn_id", c.id).Logger()

	if err := c.handshake(ctx); err != nil {
		log.Warn().Err(err).Msg("handshake failed")
		return
	}
	log = log.With().Str("stream_id", c.stream.ID).Logger()
	log.Info().Str("schema", c.stream.Schema().String()).Msg("producer attached")

	c.state = stateStreaming
	for c.state == stateStreaming {
		data, err := c.read(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Info().Msg("producer idle, closing")
				c.closeWith(websocket.StatusGoingAway, "idle timeout")
			} else {
				log.Debug().Err(err).Msg("producer disconnected")
			}
			return
		}
		kind, body, err := codec.DecodeEnvelope(data)
		if err != nil {
			metrics.RecordFrameRejected(c.stream.ID, codeMalformedFrame)
			c.frameError(0, codeMalformedFrame)
			continue
		}
		switch kind {
		case codec.KindData:
			c.handleData(body, log)
		case codec.KindControl:
			if c.handleControl(body, log) {
				return
			}
		}
	}
}

// handshake runs the AwaitingHandshake state: exactly one open_stream control
// message is accepted; anything else closes the connection without creating
// a stream.
func (c *conn) handshake(ctx context.Context) error {
	data, err := c.read(ctx)
	if err != nil {
		return err
	}
	kind, body, err := codec.DecodeEnvelope(data)
	if err != nil {
		c.refuse(codeBadHandshake, "unparseable envelope")
		return err
	}
	if kind != codec.KindControl {
		c.refuse(codeBadHandshake, "expected open_stream control message")
		return errors.New("first message was not control")
	}
	var env controlEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type != typeOpenStream {
		c.refuse(codeBadHandshake, "expected open_stream control message")
		return errors.New("first message was not open_stream")
	}
	var open OpenStreamMessage
	if err := json.Unmarshal(body, &open); err != nil {
		c.refuse(codeBadHandshake, "unparseable open_stream")
		return err
	}
	if open.StreamID == "" || len(open.Shape) == 0 || open.Dtype == "" {
		c.refuse(codeBadHandshake, "open_stream missing stream_id, shape or dtype")
		return errors.New("incomplete open_stream")
	}
	dtype, err := frame.ParseDtype(open.Dtype)
	if err != nil {
		c.refuse(codeBadHandshake, err.Error())
		return err
	}
	capacity := open.Capacity
	if capacity <= 0 {
		capacity = c.cfg.DefaultCapacity
	}
	schema := frame.Schema{Shape: open.Shape, Dtype: dtype}
	stream, err := c.reg.Open(open.StreamID, schema, capacity, c.id, func(reason string) {
		c.onStreamClosed(open.StreamID, reason)
	})
	if err != nil {
		if errors.Is(err, registry.ErrSchemaConflict) {
			c.refuse(codeSchemaConflict, err.Error())
		} else {
			c.refuse(codeBadHandshake, err.Error())
		}
		return err
	}
	c.stream = stream
	return nil
}

func (c *conn) handleData(body []byte, log zerolog.Logger) {
	f, err := codec.DecodeFrame(body)
	if err != nil {
		log.Debug().Err(err).Msg("frame dropped")
		metrics.RecordFrameRejected(c.stream.ID, codeMalformedFrame)
		c.frameError(0, codeMalformedFrame)
		return
	}
	if f.StreamID != c.stream.ID {
		metrics.RecordFrameRejected(c.stream.ID, codeWrongStream)
		c.frameError(f.Seq, codeWrongStream)
		return
	}
	if err := c.stream.Publish(f); err != nil {
		if errors.Is(err, ring.ErrClosed) {
			c.closeWith(websocket.StatusNormalClosure, "stream closed")
			c.state = stateClosed
			return
		}
		log.Debug().Err(err).Uint64("seq", f.Seq).Msg("frame rejected")
		metrics.RecordFrameRejected(c.stream.ID, codeRejectedFrame)
		c.frameError(f.Seq, codeRejectedFrame)
		return
	}
	c.errCount = 0
	metrics.RecordFrameReceived(c.stream.ID, len(f.Payload))
	c.sendControl(AckMessage{Type: typeAck, Seq: f.Seq, Status: statusOK})
}

// handleControl returns true when the connection should exit its loop.
func (c *conn) handleControl(body []byte, log zerolog.Logger) bool {
	var env controlEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.frameError(0, codeMalformedFrame)
		return false
	}
	switch env.Type {
	case typeCloseStream:
		log.Info().Msg("producer closed stream")
		c.reg.DetachProducer(c.stream.ID, c.id)
		c.stream = nil
		c.closeWith(websocket.StatusNormalClosure, "stream closed by producer")
		c.state = stateClosed
		return true
	default:
		// unknown control types are ignored for forward compatibility
		return false
	}
}

// frameError counts a frame-level failure, answers with an error ack and
// closes the connection once the consecutive-error threshold is exceeded.
func (c *conn) frameError(seq uint64, code string) {
	c.errCount++
	c.sendControl(AckMessage{Type: typeAck, Seq: seq, Status: statusError, Code: code})
	if c.cfg.ErrorThreshold > 0 && c.errCount >= c.cfg.ErrorThreshold {
		c.sendControl(ErrorMessage{Type: typeError, Code: codeTooManyErrors, Detail: "consecutive error threshold exceeded"})
		c.closeWith(websocket.StatusPolicyViolation, "too many errors")
		c.state = stateClosed
	}
}

// refuse answers a failed handshake with an error control message and closes.
func (c *conn) refuse(code, detail string) {
	c.sendControl(ErrorMessage{Type: typeError, Code: code, Detail: detail})
	c.closeWith(websocket.StatusPolicyViolation, code)
}

// onStreamClosed is invoked by the registry (no locks held) when the stream
// this connection publishes to is torn down. It runs on the closing
// goroutine, so the stream id is captured at registration rather than read
// from connection state owned by the serve goroutine.
func (c *conn) onStreamClosed(streamID, reason string) {
	c.sendControl(CloseStreamMessage{Type: typeCloseStream, StreamID: streamID, Reason: reason})
	c.closeWith(websocket.StatusNormalClosure, reason)
}

func (c *conn) sendControl(msg interface{}) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	out := codec.EncodeEnvelope(codec.KindControl, b)
	select {
	case c.sendCh <- out:
	case <-c.done:
	default:
		// a producer that never drains its control channel loses acks,
		// not frames
	}
}

// closeWith lets queued control messages flush, then sends the close frame.
func (c *conn) closeWith(status websocket.StatusCode, reason string) {
	for i := 0; i < 40 && len(c.sendCh) > 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	_ = c.ws.Close(status, reason)
}

// read waits for the next message, bounded by the idle timeout.
func (c *conn) read(ctx context.Context) ([]byte, error) {
	if c.cfg.IdleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.IdleTimeout)
		defer cancel()
	}
	_, data, err := c.ws.Read(ctx)
	return data, err
}
