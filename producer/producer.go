// Package producer is the client SDK an application uses to push image
// frames into a running framecast server. A Client owns one connection
// carrying one stream; sends are fire-and-forget with acks reported
// asynchronously, mirroring the lossy live-visualization contract on the
// server side.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/framecast/framecast/internal/codec"
	"github.com/framecast/framecast/internal/frame"
)

var (
	// ErrChannelClosed means the connection is gone; no further send
	// succeeds.
	ErrChannelClosed = errors.New("channel closed")
	// ErrStreamOpen means OpenStream was already called on this client.
	ErrStreamOpen = errors.New("stream already open")
)

// Ack is the server's asynchronous per-frame response.
type Ack struct {
	Seq  uint64
	OK   bool
	Code string
}

// Client is one producer connection to the server.
type Client struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	sendCh chan []byte
	acks   chan Ack

	once sync.Once

	mu      sync.Mutex
	stream  *Stream
	lastErr error
}

// Dial connects to the server's websocket endpoint,
// e.g. ws://127.0.0.1:5556/api/streams/connect.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:     ws,
		ctx:    cctx,
		cancel: cancel,
		sendCh: make(chan []byte, 32),
		acks:   make(chan Ack, 64),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// OpenStream declares the stream this connection will publish. The
// declaration is sent immediately; a schema conflict or malformed handshake
// surfaces as a connection close (see Err) rather than a synchronous error,
// matching the fire-and-forget send path.
func (c *Client) OpenStream(ctx context.Context, id string, shape []int, dtype frame.Dtype, capacity int) (*Stream, error) {
	c.mu.Lock()
	if c.stream != nil {
		c.mu.Unlock()
		return nil, ErrStreamOpen
	}
	s := &Stream{c: c, id: id, shape: shape, dtype: dtype}
	c.stream = s
	c.mu.Unlock()

	msg, err := json.Marshal(struct {
		Type     string `json:"type"`
		StreamID string `json:"stream_id"`
		Shape    []int  `json:"shape"`
		Dtype    string `json:"dtype"`
		Capacity int    `json:"capacity,omitempty"`
	}{Type: "open_stream", StreamID: id, Shape: shape, Dtype: dtype.String(), Capacity: capacity})
	if err == nil {
		err = c.enqueue(ctx, codec.EncodeEnvelope(codec.KindControl, msg))
	}
	if err != nil {
		c.mu.Lock()
		c.stream = nil
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Acks exposes the server's per-frame responses. The channel is never
// closed; stale acks are dropped when the consumer lags.
func (c *Client) Acks() <-chan Ack { return c.acks }

// Err returns the reason the connection terminated, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Close shuts the connection down. Idempotent; sends fail with
// ErrChannelClosed afterwards.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "closing")
	})
	return nil
}

func (c *Client) enqueue(ctx context.Context, msg []byte) error {
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.sendCh:
			if err := c.ws.Write(c.ctx, websocket.MessageBinary, msg); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.fail(err)
			return
		}
		kind, body, err := codec.DecodeEnvelope(data)
		if err != nil || kind != codec.KindControl {
			continue
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			continue
		}
		switch env.Type {
		case "ack":
			var m struct {
				Seq    uint64 `json:"sequence_number"`
				Status string `json:"status"`
				Code   string `json:"code"`
			}
			if err := json.Unmarshal(body, &m); err == nil {
				select {
				case c.acks <- Ack{Seq: m.Seq, OK: m.Status == "ok", Code: m.Code}:
				default:
				}
			}
		case "error":
			var m struct {
				Code   string `json:"code"`
				Detail string `json:"detail"`
			}
			if err := json.Unmarshal(body, &m); err == nil {
				c.fail(fmt.Errorf("server error %s: %s", m.Code, m.Detail))
			}
		case "close_stream":
			var m struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(body, &m); err == nil {
				c.fail(fmt.Errorf("stream closed by server: %s", m.Reason))
			}
			_ = c.Close()
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.mu.Unlock()
	c.cancel()
}

// Stream is the handle Send publishes through. Sequence numbers are
// assigned monotonically per stream.
type Stream struct {
	c     *Client
	id    string
	shape []int
	dtype frame.Dtype
	seq   atomic.Uint64
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Send publishes one raw payload with the next sequence number and the
// current time. Meta carries viewer hints (name, colormap, order, ...).
func (s *Stream) Send(ctx context.Context, payload []byte, meta frame.Metadata) error {
	f := &frame.Frame{
		StreamID:  s.id,
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Shape:     s.shape,
		Dtype:     s.dtype,
		Encoding:  frame.EncodingRaw,
		Payload:   payload,
		Meta:      meta,
	}
	return s.SendFrame(ctx, f)
}

// SendFrame publishes a caller-built frame. The caller owns sequence
// numbering when using this entry point.
func (s *Stream) SendFrame(ctx context.Context, f *frame.Frame) error {
	b, err := codec.EncodeFrame(f)
	if err != nil {
		return err
	}
	return s.c.enqueue(ctx, codec.EncodeEnvelope(codec.KindData, b))
}

// CloseStream tells the server this producer is done with the stream and
// closes the connection.
func (s *Stream) CloseStream(ctx context.Context, reason string) error {
	msg, err := json.Marshal(struct {
		Type     string `json:"type"`
		StreamID string `json:"stream_id"`
		Reason   string `json:"reason"`
	}{Type: "close_stream", StreamID: s.id, Reason: reason})
	if err != nil {
		return err
	}
	if err := s.c.enqueue(ctx, codec.EncodeEnvelope(codec.KindControl, msg)); err != nil {
		return err
	}
	// let the writer flush the close message before tearing down
	for i := 0; i < 40 && len(s.c.sendCh) > 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	return s.c.Close()
}
