package deliver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/framecast/framecast/internal/frame"
	"github.com/framecast/framecast/internal/registry"
)

var testSchema = frame.Schema{Shape: []int{64, 64}, Dtype: frame.DtypeUint8}

func mkFrame(seq uint64) *frame.Frame {
	return &frame.Frame{
		StreamID: "cam0",
		Seq:      seq,
		Shape:    []int{64, 64},
		Dtype:    frame.DtypeUint8,
		Encoding: frame.EncodingRaw,
		Payload:  make([]byte, 64*64),
	}
}

type recordViewer struct {
	mu      sync.Mutex
	frames  []uint64
	dropped []uint64
	closed  []string
}

func (v *recordViewer) OnFrame(streamID string, f *frame.Frame) {
	v.mu.Lock()
	v.frames = append(v.frames, f.Seq)
	v.mu.Unlock()
}

func (v *recordViewer) OnFramesDropped(streamID string, estimate uint64) {
	v.mu.Lock()
	v.dropped = append(v.dropped, estimate)
	v.mu.Unlock()
}

func (v *recordViewer) OnStreamClosed(streamID, reason string) {
	v.mu.Lock()
	v.closed = append(v.closed, reason)
	v.mu.Unlock()
}

func (v *recordViewer) snapshot() ([]uint64, []uint64, []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]uint64{}, v.frames...), append([]uint64{}, v.dropped...), append([]string{}, v.closed...)
}

func setup(t *testing.T, capacity int) (*registry.Registry, *registry.Stream, *registry.Consumer) {
	t.Helper()
	r := registry.New(time.Minute)
	s, err := r.Open("cam0", testSchema, capacity, "p1", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c, err := registry.AttachTo(s)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return r, s, c
}

func TestTickDeliversInOrder(t *testing.T) {
	_, s, c := setup(t, 8)
	v := &recordViewer{}
	l := NewLoop(c, v, time.Second)

	for seq := uint64(1); seq <= 3; seq++ {
		if err := s.Publish(mkFrame(seq)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	l.tick()
	frames, dropped, _ := v.snapshot()
	if len(frames) != 3 || frames[0] != 1 || frames[2] != 3 {
		t.Fatalf("delivered %v", frames)
	}
	if len(dropped) != 0 {
		t.Fatalf("unexpected drop report %v", dropped)
	}

	// nothing new: tick is a no-op
	l.tick()
	frames, _, _ = v.snapshot()
	if len(frames) != 3 {
		t.Fatalf("re-delivered frames: %v", frames)
	}
}

func TestTickReportsGap(t *testing.T) {
	_, s, c := setup(t, 2)
	v := &recordViewer{}
	l := NewLoop(c, v, time.Second)

	// deliver 1..2, cursor lands on 2
	for seq := uint64(1); seq <= 2; seq++ {
		if err := s.Publish(mkFrame(seq)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	l.tick()

	// 3..6 overwrite; capacity 2 retains only 5..6
	for seq := uint64(3); seq <= 6; seq++ {
		if err := s.Publish(mkFrame(seq)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	l.tick()

	frames, dropped, _ := v.snapshot()
	if len(dropped) != 1 || dropped[0] != 2 {
		t.Fatalf("drop estimates %v, want [2]", dropped)
	}
	want := []uint64{1, 2, 5, 6}
	if len(frames) != len(want) {
		t.Fatalf("delivered %v, want %v", frames, want)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("delivered %v, want %v", frames, want)
		}
	}
}

func TestNoGapReportBeforeFirstDelivery(t *testing.T) {
	_, s, c := setup(t, 2)
	v := &recordViewer{}
	l := NewLoop(c, v, time.Second)

	// frames evicted before the consumer ever delivered anything
	for seq := uint64(1); seq <= 5; seq++ {
		if err := s.Publish(mkFrame(seq)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	l.tick()
	frames, dropped, _ := v.snapshot()
	if len(dropped) != 0 {
		t.Fatalf("drop report with no prior delivery: %v", dropped)
	}
	if len(frames) != 2 || frames[0] != 4 {
		t.Fatalf("delivered %v, want [4 5]", frames)
	}
}

func TestRunDeliversAndReportsClose(t *testing.T) {
	r, s, c := setup(t, 8)
	v := &recordViewer{}
	l := NewLoop(c, v, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	if err := s.Publish(mkFrame(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool {
		frames, _, _ := v.snapshot()
		return len(frames) == 1
	})

	r.Close("cam0", "test over")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit on stream close")
	}
	_, _, closed := v.snapshot()
	if len(closed) != 1 || closed[0] != "test over" {
		t.Fatalf("close notifications %v", closed)
	}
}

func TestManagerAttachesToNewStreams(t *testing.T) {
	r := registry.New(time.Minute)
	v := &recordViewer{}
	m := NewManager(v, 10*time.Millisecond)
	r.AddObserver(m)
	defer m.Stop()

	s, err := r.Open("cam0", testSchema, 8, "p1", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Publish(mkFrame(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool {
		frames, _, _ := v.snapshot()
		return len(frames) == 1
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
