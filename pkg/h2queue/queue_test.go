package h2queue

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mediastream/gohttpstream/pkg/constants"
)

// syncWriter serializes writes and records each one as a separate slice so
// a test can assert both ordering and framing.
type syncWriter struct {
	mu     sync.Mutex
	writes [][]byte
	fail   error
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return 0, w.fail
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	w.writes = append(w.writes, cp)
	return len(p), nil
}

func (w *syncWriter) all() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []byte
	for _, f := range w.writes {
		out = append(out, f...)
	}
	return out
}

func (w *syncWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func waitForCount(t *testing.T, w *syncWriter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d writes, got %d", n, w.count())
}

func TestQueueWritesPrefaceBeforeAnyFrame(t *testing.T) {
	w := &syncWriter{}
	q := New(w, []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"), nil)
	defer q.Close()

	if err := q.Enqueue(false, []byte("frame1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForCount(t, w, 2)
	if got := string(w.writes[0]); got != "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n" {
		t.Fatalf("first write = %q, want the client preface", got)
	}
}

func TestQueueDrainsPriorityBeforeNormal(t *testing.T) {
	w := &syncWriter{}
	q := New(w, nil, nil)
	defer q.Close()

	// Hold the lock window tight: enqueue normal first, then priority,
	// before the worker has a chance to drain either.
	q.mu.Lock()
	q.normal = append(q.normal, []byte("normal"))
	q.priority = append(q.priority, []byte("priority"))
	q.mu.Unlock()
	q.cond.Signal()

	waitForCount(t, w, 2)
	if string(w.writes[0]) != "priority" {
		t.Fatalf("first drained frame = %q, want priority lane drained first", w.writes[0])
	}
	if string(w.writes[1]) != "normal" {
		t.Fatalf("second drained frame = %q, want normal lane second", w.writes[1])
	}
}

func TestQueueEnqueueAtomicJoinsFramesContiguously(t *testing.T) {
	w := &syncWriter{}
	q := New(w, nil, nil)
	defer q.Close()

	if err := q.EnqueueAtomic([][]byte{[]byte("HEAD"), []byte("CONT1"), []byte("CONT2")}); err != nil {
		t.Fatalf("EnqueueAtomic: %v", err)
	}
	waitForCount(t, w, 1)
	if got := string(w.writes[0]); got != "HEADCONT1CONT2" {
		t.Fatalf("joined frame = %q, want the three fragments concatenated as one write", got)
	}
}

func TestQueueRejectsOverCapEnqueue(t *testing.T) {
	w := &syncWriter{}
	q := New(w, nil, nil)
	defer q.Close()

	huge := make([]byte, constants.H2QueueMaxBytes+1)
	if err := q.Enqueue(false, huge); err == nil {
		t.Error("expected Enqueue to reject a frame exceeding the back-pressure cap")
	}
}

func TestQueueMarksFailedAndReportsErrorOnWriteFailure(t *testing.T) {
	w := &syncWriter{fail: errors.New("broken pipe")}
	var gotErr error
	var mu sync.Mutex
	done := make(chan struct{})
	q := New(w, nil, func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
		close(done)
	})
	defer q.Close()

	if err := q.Enqueue(false, []byte("frame")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onFail callback")
	}

	mu.Lock()
	err := gotErr
	mu.Unlock()
	if err == nil {
		t.Fatal("expected onFail to receive a non-nil error")
	}

	failed, ferr := q.Failed()
	if !failed || ferr == nil {
		t.Fatalf("Failed() = (%v, %v), want (true, non-nil)", failed, ferr)
	}

	if err := q.Enqueue(false, []byte("too late")); err == nil {
		t.Error("expected Enqueue after a write failure to be rejected")
	}
}

func TestQueueCloseDrainsPendingThenStops(t *testing.T) {
	w := &syncWriter{}
	q := New(w, nil, nil)

	if err := q.Enqueue(false, []byte("x")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Close()

	if got := w.all(); !bytes.Contains(got, []byte("x")) {
		t.Fatalf("expected Close to wait for pending frames to drain, got %q", got)
	}
	if err := q.Enqueue(false, []byte("y")); err == nil {
		t.Error("expected Enqueue after Close to be rejected")
	}
}
