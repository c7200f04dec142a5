// Package ring implements the per-stream slot store: a bounded buffer of the
// most recent frames with an overwrite-on-full eviction policy. Producers are
// never blocked; when the buffer is full the oldest slot is dropped. Latency
// beats completeness for live visualization, so the freshest frame wins.
package ring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/framecast/framecast/internal/frame"
)

var (
	// ErrStaleFrame rejects a publish whose sequence number is not beyond
	// the last accepted one.
	ErrStaleFrame = errors.New("stale frame")
	// ErrSchemaMismatch rejects a publish whose shape/dtype differ from the
	// stream's declared schema.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrClosed rejects any publish after Close.
	ErrClosed = errors.New("buffer closed")
)

// Buffer holds at most capacity frames for one stream, oldest evicted first.
// Slot writes are pointer swaps of fully-built frames, so readers never
// observe a partially written frame. All methods are safe for concurrent use
// and none of them blocks on anything but the internal mutex.
type Buffer struct {
	mu      sync.Mutex
	schema  frame.Schema
	slots   []*frame.Frame
	head    int // index of the oldest occupied slot
	size    int
	lastSeq uint64
	closed  bool
	subs    map[string]chan struct{}
}

// New creates a buffer for the given schema. Capacity must be positive.
func New(schema frame.Schema, capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity %d, must be positive", capacity)
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{
		schema: schema,
		slots:  make([]*frame.Frame, capacity),
		subs:   make(map[string]chan struct{}),
	}, nil
}

// Schema returns the declared schema.
func (b *Buffer) Schema() frame.Schema { return b.schema }

// Capacity returns the maximum number of buffered frames.
func (b *Buffer) Capacity() int { return len(b.slots) }

// Publish commits f to the next slot. It fails with ErrSchemaMismatch or
// ErrStaleFrame without mutating the buffer, and never blocks the producer:
// a full buffer evicts its oldest slot instead.
func (b *Buffer) Publish(f *frame.Frame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !f.Schema().Equal(b.schema) {
		b.mu.Unlock()
		return fmt.Errorf("%w: frame %s, stream declares %s", ErrSchemaMismatch, f.Schema(), b.schema)
	}
	if f.Seq <= b.lastSeq {
		b.mu.Unlock()
		return fmt.Errorf("%w: seq %d, last accepted %d", ErrStaleFrame, f.Seq, b.lastSeq)
	}
	if b.size == len(b.slots) {
		// evict oldest
		b.slots[b.head] = nil
		b.head = (b.head + 1) % len(b.slots)
		b.size--
	}
	b.slots[(b.head+b.size)%len(b.slots)] = f
	b.size++
	b.lastSeq = f.Seq
	b.mu.Unlock()

	b.notify()
	return nil
}

// Latest returns the most recently published frame, or nil when empty.
func (b *Buffer) Latest() *frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return nil
	}
	return b.slots[(b.head+b.size-1)%len(b.slots)]
}

// Since returns retained frames with sequence numbers greater than seq,
// oldest first. Frames evicted beyond capacity are gone; use OldestSeq to
// detect the gap.
func (b *Buffer) Since(seq uint64) []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*frame.Frame
	for i := 0; i < b.size; i++ {
		f := b.slots[(b.head+i)%len(b.slots)]
		if f.Seq > seq {
			out = append(out, f)
		}
	}
	return out
}

// OldestSeq returns the sequence number of the oldest retained frame.
// ok is false when the buffer is empty.
func (b *Buffer) OldestSeq() (seq uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return 0, false
	}
	return b.slots[b.head].Seq, true
}

// LastSeq returns the highest accepted sequence number, 0 before any publish.
func (b *Buffer) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// Len returns the number of retained frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Subscribe registers a wake-up channel signalled after each publish.
// The channel has a one-slot mailbox; coalesced signals are expected and the
// subscriber re-reads the buffer on each wake-up.
func (b *Buffer) Subscribe(id string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a wake-up channel.
func (b *Buffer) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Close marks the buffer closed. In-flight reads complete; subsequent
// publishes fail with ErrClosed. Subscribers get one final wake-up.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.notify()
}

// Closed reports whether Close was called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Buffer) notify() {
	b.mu.Lock()
	chans := make([]chan struct{}, 0, len(b.subs))
	for _, ch := range b.subs {
		chans = append(chans, ch)
	}
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
