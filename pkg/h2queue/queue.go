// Package h2queue implements the HTTP/2 output queue: a background
// worker draining a priority+normal frame FIFO onto the connection's TLS
// session, with back-pressure and asynchronous-failure handling. A
// dedicated send worker means a blocking TLS write never stalls header
// parsing on the receive side.
package h2queue

import (
	"io"
	"sync"

	"github.com/mediastream/gohttpstream/pkg/constants"
	"github.com/mediastream/gohttpstream/pkg/errors"
)

// Queue drains two FIFOs, priority (PING/PONG, WINDOW_UPDATE) and normal
// (HEADERS, DATA, SETTINGS, SETTINGS_ACK, RST_STREAM, GOAWAY), onto w via
// a single background send worker.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	w io.Writer

	priority [][]byte
	normal   [][]byte
	size     int

	closing bool
	failed  bool
	failErr error

	onFail func(error)

	wg sync.WaitGroup
}

// New creates a queue writing frames to w and starts its send worker. If
// clientPreface is non-nil, it is written before any queued frame.
func New(w io.Writer, clientPreface []byte, onFail func(error)) *Queue {
	q := &Queue{w: w, onFail: onFail}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(1)
	go q.run(clientPreface)
	return q
}

// Enqueue appends frame to the priority or normal lane. Frames exceeding
// the H2QueueMaxBytes back-pressure cap, or submitted after Close/failure,
// are rejected and freed immediately; the cap guards against adversarial
// PINGs piling up memory.
func (q *Queue) Enqueue(priority bool, frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failed {
		return q.failErr
	}
	if q.closing {
		return errors.NewIOError("enqueue after close", nil)
	}
	if q.size+len(frame) > constants.H2QueueMaxBytes {
		return errors.NewIOError("output queue back-pressure limit exceeded", nil)
	}

	if priority {
		q.priority = append(q.priority, frame)
	} else {
		q.normal = append(q.normal, frame)
	}
	q.size += len(frame)
	q.cond.Signal()
	return nil
}

// EnqueueAtomic enqueues several frames as one contiguous unit in the
// normal lane (used for a HEADERS + CONTINUATION sequence, which must
// never be interleaved with other frames).
func (q *Queue) EnqueueAtomic(frames [][]byte) error {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	joined := make([]byte, 0, total)
	for _, f := range frames {
		joined = append(joined, f...)
	}
	return q.Enqueue(false, joined)
}

// Close sets the closing flag, wakes the worker, and waits for it to
// drain and exit. Frames already queued are still written before the
// worker exits.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closing = true
	q.cond.Signal()
	q.mu.Unlock()
	q.wg.Wait()
}

// Failed reports whether the queue has entered its failed state, and the
// error that caused it.
func (q *Queue) Failed() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed, q.failErr
}

func (q *Queue) run(clientPreface []byte) {
	defer q.wg.Done()

	if clientPreface != nil {
		if _, err := q.w.Write(clientPreface); err != nil {
			q.markFailed(errors.NewIOError("writing HTTP/2 preface", err))
			return
		}
	}

	for {
		q.mu.Lock()
		for len(q.priority) == 0 && len(q.normal) == 0 && !q.closing {
			q.cond.Wait()
		}
		if q.closing && len(q.priority) == 0 && len(q.normal) == 0 {
			q.mu.Unlock()
			return
		}
		var frame []byte
		if len(q.priority) > 0 {
			frame = q.priority[0]
			q.priority = q.priority[1:]
		} else {
			frame = q.normal[0]
			q.normal = q.normal[1:]
		}
		q.size -= len(frame)
		q.mu.Unlock()

		if _, err := q.w.Write(frame); err != nil {
			q.markFailed(errors.NewIOError("writing HTTP/2 frame", err))
			return
		}
	}
}

func (q *Queue) markFailed(err error) {
	q.mu.Lock()
	q.failed = true
	q.failErr = err
	q.priority = nil
	q.normal = nil
	q.size = 0
	q.mu.Unlock()
	if q.onFail != nil {
		q.onFail(err)
	}
}
