package ring

import (
	"errors"
	"sync"
	"testing"

	"github.com/framecast/framecast/internal/frame"
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

func mustBuffer(t *testing.T, capacity int) *Buffer {
	t.Helper()
	b, err := New(testSchema, capacity)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	return b
}

func TestOverwriteOnFull(t *testing.T) {
	b := mustBuffer(t, 4)
	for seq := uint64(1); seq <= 6; seq++ {
		if err := b.Publish(mkFrame(seq)); err != nil {
			t.Fatalf("publish %d: %v", seq, err)
		}
	}
	got := b.Since(0)
	want := []uint64{3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("since(0) returned %d frames, want %d", len(got), len(want))
	}
	for i, f := range got {
		if f.Seq != want[i] {
			t.Fatalf("since(0)[%d].Seq = %d, want %d", i, f.Seq, want[i])
		}
	}
	if latest := b.Latest(); latest == nil || latest.Seq != 6 {
		t.Fatalf("latest = %v, want seq 6", latest)
	}
}

func TestStaleRejected(t *testing.T) {
	b := mustBuffer(t, 4)
	if err := b.Publish(mkFrame(5)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, seq := range []uint64{5, 3} {
		if err := b.Publish(mkFrame(seq)); !errors.Is(err, ErrStaleFrame) {
			t.Fatalf("seq %d: expected ErrStaleFrame, got %v", seq, err)
		}
	}
	if b.Len() != 1 || b.Latest().Seq != 5 {
		t.Fatalf("buffer mutated by rejected publish")
	}
}

func TestSchemaMismatchRejected(t *testing.T) {
	b := mustBuffer(t, 4)
	f := mkFrame(1)
	f.Dtype = frame.DtypeUint16
	f.Payload = make([]byte, 64*64*2)
	if err := b.Publish(f); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("buffer mutated by rejected publish")
	}
}

func TestSinceBounds(t *testing.T) {
	b := mustBuffer(t, 4)
	for seq := uint64(1); seq <= 4; seq++ {
		if err := b.Publish(mkFrame(seq)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got := b.Since(2)
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("since(2) = %v", seqs(got))
	}
	if got := b.Since(4); len(got) != 0 {
		t.Fatalf("since(4) = %v, want empty", seqs(got))
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := mustBuffer(t, 8)
	const workers = 4
	const perWorker = 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// distinct sequence numbers; racing publishes with
				// lower numbers are legitimately rejected as stale
				_ = b.Publish(mkFrame(uint64(w*perWorker + i + 1)))
			}
		}(w)
	}
	wg.Wait()

	got := b.Since(0)
	if len(got) == 0 || len(got) > b.Capacity() {
		t.Fatalf("retained %d frames, capacity %d", len(got), b.Capacity())
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("ordering violated: %v", seqs(got))
		}
	}
	if b.LastSeq() != got[len(got)-1].Seq {
		t.Fatalf("last seq %d, newest retained %d", b.LastSeq(), got[len(got)-1].Seq)
	}
}

func TestNotify(t *testing.T) {
	b := mustBuffer(t, 4)
	ch := b.Subscribe("c1")
	if err := b.Publish(mkFrame(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatalf("no wake-up after publish")
	}
	b.Unsubscribe("c1")
}

func TestClosedRejectsPublish(t *testing.T) {
	b := mustBuffer(t, 4)
	if err := b.Publish(mkFrame(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	b.Close()
	if err := b.Publish(mkFrame(2)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// reads still complete after close
	if b.Latest() == nil || len(b.Since(0)) != 1 {
		t.Fatalf("reads failed after close")
	}
}

func seqs(frames []*frame.Frame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.Seq
	}
	return out
}
