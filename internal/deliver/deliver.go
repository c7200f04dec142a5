// Package deliver runs the consumer side: one loop per attached stream that
// forwards new frames to the viewer collaborator. The viewer is a narrow
// interface; the core never touches rendering state and never calls the
// viewer while holding a lock, so a slow viewer cannot stall producers.
package deliver

import (
	"context"
	"sync"
	"time"

	"github.com/framecast/framecast/internal/frame"
	"github.com/framecast/framecast/internal/logx"
	"github.com/framecast/framecast/internal/metrics"
	"github.com/framecast/framecast/internal/registry"
)

// Viewer is implemented by the external visualization collaborator. It only
// ever sees well-formed notifications, never a raw fault.
type Viewer interface {
	// OnFrame hands over one frame; called in non-decreasing sequence
	// order per stream.
	OnFrame(streamID string, f *frame.Frame)
	// OnFramesDropped reports frames evicted before delivery. Dropped
	// frames are never resurrected.
	OnFramesDropped(streamID string, estimate uint64)
	// OnStreamClosed reports stream teardown with its reason.
	OnStreamClosed(streamID string, reason string)
}

// Loop forwards frames from one consumer handle to the viewer. It wakes on
// publish notifications and additionally polls at the configured interval.
type Loop struct {
	consumer *registry.Consumer
	viewer   Viewer
	interval time.Duration

	cursor uint64 // last delivered sequence number, 0 = none yet
}

// NewLoop creates a delivery loop over an attached consumer.
func NewLoop(c *registry.Consumer, v Viewer, interval time.Duration) *Loop {
	return &Loop{consumer: c, viewer: v, interval: interval}
}

// Run blocks until ctx is done or the stream closes. The consumer is
// detached on exit.
func (l *Loop) Run(ctx context.Context) {
	defer l.consumer.Close()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.consumer.Notify():
			l.tick()
		case <-ticker.C:
			l.tick()
		case reason := <-l.consumer.Closed():
			// drain what the buffer still holds, then report closure
			l.tick()
			l.viewer.OnStreamClosed(l.consumer.StreamID(), reason)
			return
		}
	}
}

// tick delivers everything newer than the cursor, oldest first. A cursor
// older than the oldest retained frame means frames were evicted between
// ticks; the gap is reported as an estimate and the cursor jumps forward.
func (l *Loop) tick() {
	buf := l.consumer.Buffer()
	frames := buf.Since(l.cursor)
	if len(frames) == 0 {
		return
	}
	streamID := l.consumer.StreamID()
	if l.cursor > 0 && frames[0].Seq > l.cursor+1 {
		dropped := frames[0].Seq - l.cursor - 1
		metrics.RecordFramesDropped(streamID, dropped)
		logx.Log.Debug().Str("stream_id", streamID).Uint64("dropped", dropped).Msg("frames evicted before delivery")
		l.viewer.OnFramesDropped(streamID, dropped)
	}
	for _, f := range frames {
		l.viewer.OnFrame(streamID, f)
		l.cursor = f.Seq
	}
	metrics.RecordFramesDelivered(streamID, len(frames))
}

// Manager attaches a delivery loop to every stream the registry opens.
// Register it as a registry observer before serving traffic.
type Manager struct {
	viewer   Viewer
	interval time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager delivering to v.
func NewManager(v Viewer, interval time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{viewer: v, interval: interval, ctx: ctx, cancel: cancel}
}

// StreamOpened implements registry.Observer: it attaches a consumer to the
// new stream and starts its delivery loop.
func (m *Manager) StreamOpened(s *registry.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.ctx.Done():
		return
	default:
	}
	c, err := m.attach(s)
	if err != nil {
		logx.Log.Warn().Err(err).Str("stream_id", s.ID).Msg("consumer attach failed")
		return
	}
	loop := NewLoop(c, m.viewer, m.interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		loop.Run(m.ctx)
	}()
}

func (m *Manager) attach(s *registry.Stream) (*registry.Consumer, error) {
	// the stream was just opened; attach by handle rather than id so a
	// racing Close cannot swap in a different stream under the same name.
	// Passive so the delivery loop never keeps an abandoned stream from
	// being collected.
	return registry.AttachPassive(s)
}

// Stop cancels every delivery loop and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}
