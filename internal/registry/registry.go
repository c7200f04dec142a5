// Package registry holds the process-wide table of live streams. One
// explicitly owned Registry instance maps stream ids to their slot store and
// attached endpoints; operations on different ids never contend and
// operations on the same id are mutually exclusive. There is no hidden
// singleton: the instance is created in main and passed by reference.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/framecast/framecast/internal/frame"
	"github.com/framecast/framecast/internal/logx"
	"github.com/framecast/framecast/internal/ring"
)

var (
	// ErrSchemaConflict means a stream was re-opened with a different
	// shape/dtype than its first open declared.
	ErrSchemaConflict = errors.New("schema conflict")
	// ErrNotFound means no stream with that id is live.
	ErrNotFound = errors.New("stream not found")
	// ErrClosed means the stream is being torn down.
	ErrClosed = errors.New("stream closed")
)

// CloseFunc is invoked (without any registry lock held) when a stream a
// producer connection is attached to gets closed, so the connection can
// forward a close_stream control message to its peer.
type CloseFunc func(reason string)

// Observer is notified of stream lifecycle transitions. The delivery side
// registers one to attach consumers to streams as they appear.
type Observer interface {
	StreamOpened(s *Stream)
}

// Stream is one named, schema-fixed channel of frames plus its buffer and
// currently attached endpoints.
type Stream struct {
	ID        string
	Capacity  int
	CreatedAt time.Time

	buf *ring.Buffer

	mu        sync.Mutex
	producers map[string]CloseFunc
	consumers map[string]*Consumer
	closed    bool
	idleSince time.Time // zero while any endpoint is attached
}

// Buffer returns the stream's slot store.
func (s *Stream) Buffer() *ring.Buffer { return s.buf }

// Schema returns the schema fixed at open.
func (s *Stream) Schema() frame.Schema { return s.buf.Schema() }

// Publish validates and commits one frame to the stream's buffer.
func (s *Stream) Publish(f *frame.Frame) error {
	return s.buf.Publish(f)
}

func (s *Stream) counts() (producers, consumers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.producers), len(s.consumers)
}

// Consumer is one attached consumer's view of a stream: the buffer, a
// wake-up channel signalled on publish and a channel that yields the close
// reason exactly once.
type Consumer struct {
	ID string

	stream  *Stream
	passive bool
	notify  <-chan struct{}
	closed  chan string
	once    sync.Once
	detach  func()
}

// StreamID returns the id of the stream this consumer is attached to.
func (c *Consumer) StreamID() string { return c.stream.ID }

// Buffer returns the stream's slot store for Latest/Since reads.
func (c *Consumer) Buffer() *ring.Buffer { return c.stream.buf }

// Notify is signalled after each publish. Signals coalesce.
func (c *Consumer) Notify() <-chan struct{} { return c.notify }

// Closed yields the close reason when the stream is torn down.
func (c *Consumer) Closed() <-chan string { return c.closed }

// Close detaches the consumer. Idempotent.
func (c *Consumer) Close() {
	c.once.Do(c.detach)
}

// Registry is the stream table.
type Registry struct {
	mu        sync.RWMutex
	streams   map[string]*Stream
	grace     time.Duration
	observers []Observer
}

// New creates an empty registry. Streams left with no attached producers and
// no attached consumers are garbage collected by Sweep after grace.
func New(grace time.Duration) *Registry {
	return &Registry{streams: make(map[string]*Stream), grace: grace}
}

// AddObserver registers o for stream-opened notifications. Must be called
// before serving traffic.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Open creates the stream or, when it already exists with an identical
// schema, attaches another producer to it. A differing schema fails with
// ErrSchemaConflict and leaves the existing stream untouched. onClose is
// called when the stream is closed while the producer is still attached.
func (r *Registry) Open(id string, schema frame.Schema, capacity int, producerID string, onClose CloseFunc) (*Stream, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	s, exists := r.streams[id]
	var obs []Observer
	if !exists {
		buf, err := ring.New(schema, capacity)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		s = &Stream{
			ID:        id,
			Capacity:  capacity,
			CreatedAt: time.Now(),
			buf:       buf,
			producers: make(map[string]CloseFunc),
			consumers: make(map[string]*Consumer),
		}
		r.streams[id] = s
		obs = append(obs, r.observers...)
	}
	r.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if exists && !s.Schema().Equal(schema) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: stream %q declares %s, producer offered %s", ErrSchemaConflict, id, s.Schema(), schema)
	}
	s.producers[producerID] = onClose
	s.idleSince = time.Time{}
	s.mu.Unlock()

	if !exists {
		logx.Log.Info().Str("stream_id", id).Str("schema", schema.String()).Int("capacity", capacity).Msg("stream opened")
	}
	for _, o := range obs {
		o.StreamOpened(s)
	}
	return s, nil
}

// Get returns the live stream with the given id.
func (r *Registry) Get(id string) (*Stream, bool) {
	r.mu.RLock()
	s, ok := r.streams[id]
	r.mu.RUnlock()
	return s, ok
}

// AttachConsumer attaches a consumer to an existing stream.
func (r *Registry) AttachConsumer(id string) (*Consumer, error) {
	r.mu.RLock()
	s, ok := r.streams[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return AttachTo(s)
}

// AttachTo attaches a consumer to a stream handle directly, bypassing the
// name lookup. Used by observers that already hold the handle.
func AttachTo(s *Stream) (*Consumer, error) {
	return attach(s, false)
}

// AttachPassive attaches a consumer that does not keep the stream alive: a
// stream whose producers are all gone is still collected by Sweep while
// passive consumers watch it. The built-in delivery manager attaches this
// way so it never pins an abandoned stream.
func AttachPassive(s *Stream) (*Consumer, error) {
	return attach(s, true)
}

func attach(s *Stream, passive bool) (*Consumer, error) {
	c := &Consumer{
		ID:      uuid.NewString(),
		stream:  s,
		passive: passive,
		closed:  make(chan string, 1),
	}
	c.notify = s.buf.Subscribe(c.ID)
	c.detach = func() {
		s.buf.Unsubscribe(c.ID)
		s.mu.Lock()
		delete(s.consumers, c.ID)
		s.markIdleLocked()
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.buf.Unsubscribe(c.ID)
		return nil, ErrClosed
	}
	s.consumers[c.ID] = c
	if !passive {
		s.idleSince = time.Time{}
	}
	s.mu.Unlock()
	return c, nil
}

// DetachProducer removes a producer from the stream. The stream stays alive
// for the grace period so a restarted producer can re-attach.
func (r *Registry) DetachProducer(id, producerID string) {
	r.mu.RLock()
	s, ok := r.streams[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.producers, producerID)
	s.markIdleLocked()
	s.mu.Unlock()
}

// markIdleLocked stamps the idle clock when the last producer or active
// consumer detaches. Passive consumers do not count. Caller holds s.mu.
func (s *Stream) markIdleLocked() {
	if len(s.producers) > 0 || !s.idleSince.IsZero() {
		return
	}
	for _, c := range s.consumers {
		if !c.passive {
			return
		}
	}
	s.idleSince = time.Now()
}

// Close tears a stream down: every attached producer connection gets its
// CloseFunc invoked, every consumer gets the reason on its Closed channel,
// and the buffer rejects further publishes. In-flight publishes and reads
// complete first; callbacks run with no lock held.
func (r *Registry) Close(id, reason string) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	closers := make([]CloseFunc, 0, len(s.producers))
	for _, fn := range s.producers {
		if fn != nil {
			closers = append(closers, fn)
		}
	}
	consumers := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.producers = make(map[string]CloseFunc)
	s.consumers = make(map[string]*Consumer)
	s.mu.Unlock()

	s.buf.Close()
	for _, fn := range closers {
		fn(reason)
	}
	for _, c := range consumers {
		s.buf.Unsubscribe(c.ID)
		select {
		case c.closed <- reason:
		default:
		}
	}
	logx.Log.Info().Str("stream_id", id).Str("reason", reason).Msg("stream closed")
}

// CloseAll closes every stream, for process teardown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Close(id, reason)
	}
}

// Sweep closes streams that have had no producers and no consumers for
// longer than the grace period. Run periodically; avoids leaking streams
// abandoned by crashed producers.
func (r *Registry) Sweep(now time.Time) {
	r.mu.RLock()
	var stale []string
	for id, s := range r.streams {
		s.mu.Lock()
		idle := !s.idleSince.IsZero() && now.Sub(s.idleSince) > r.grace
		s.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range stale {
		r.Close(id, "abandoned")
	}
}

// StreamStatus is one row of the status surface.
type StreamStatus struct {
	ID        string    `json:"id"`
	Shape     []int     `json:"shape"`
	Dtype     string    `json:"dtype"`
	Capacity  int       `json:"capacity"`
	Buffered  int       `json:"buffered"`
	LastSeq   uint64    `json:"last_seq"`
	Producers int       `json:"producers"`
	Consumers int       `json:"consumers"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot reports every live stream for the status endpoint.
func (r *Registry) Snapshot() []StreamStatus {
	r.mu.RLock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.RUnlock()

	out := make([]StreamStatus, 0, len(streams))
	for _, s := range streams {
		p, c := s.counts()
		sc := s.Schema()
		out = append(out, StreamStatus{
			ID:        s.ID,
			Shape:     sc.Shape,
			Dtype:     sc.Dtype.String(),
			Capacity:  s.Capacity,
			Buffered:  s.buf.Len(),
			LastSeq:   s.buf.LastSeq(),
			Producers: p,
			Consumers: c,
			CreatedAt: s.CreatedAt,
		})
	}
	return out
}
