package cpu

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/djeday123/gosolve/backend"
)

// Storage is a host memory buffer. Implements backend.Storage.
type Storage struct {
	data   []byte
	device backend.Device
}

func Alloc(byteLen int) *Storage {
	return &Storage{data: make([]byte, byteLen), device: backend.CPU0}
}

func (s *Storage) Device() backend.Device { return s.device }
func (s *Storage) Bytes() []byte          { return s.data }
func (s *Storage) ByteLen() int           { return len(s.data) }
func (s *Storage) Free()                  { s.data = nil }

func (s *Storage) Ptr() unsafe.Pointer {
	if len(s.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&s.data[0])
}

var errStreamDestroyed = errors.New("cpu: stream destroyed")

// queue is one in-order execution lane backed by a single worker
// goroutine, mirroring the issue-order guarantee of a hardware stream.
// The first failing operation poisons the lane; later operations are
// skipped and Sync reports that first error.
//
// closeMu guards the channel itself: senders hold the read side across
// the send, Destroy holds the write side across the close, so a Destroy
// racing an enqueue can never hit a closed channel.
type queue struct {
	jobs chan job

	closeMu sync.RWMutex
	closed  bool

	errMu sync.Mutex
	err   error
}

type job struct {
	fn   func() error
	done chan struct{}
}

func newQueue() *queue {
	q := &queue{jobs: make(chan job, 64)}
	go q.run()
	return q
}

func (q *queue) run() {
	for j := range q.jobs {
		if j.fn != nil {
			q.errMu.Lock()
			failed := q.err != nil
			q.errMu.Unlock()
			if !failed {
				if err := j.fn(); err != nil {
					q.errMu.Lock()
					q.err = err
					q.errMu.Unlock()
				}
			}
		}
		if j.done != nil {
			close(j.done)
		}
	}
}

// enqueue issues fn on the lane and returns immediately.
func (q *queue) enqueue(fn func() error) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return errStreamDestroyed
	}
	q.jobs <- job{fn: fn}
	return nil
}

// Sync drains the lane and returns the first error it hit.
func (q *queue) Sync() error {
	q.closeMu.RLock()
	if q.closed {
		q.closeMu.RUnlock()
		q.errMu.Lock()
		defer q.errMu.Unlock()
		return q.err
	}
	done := make(chan struct{})
	q.jobs <- job{done: done}
	q.closeMu.RUnlock()

	<-done

	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

// Destroy stops the worker. Pending work is abandoned.
func (q *queue) Destroy() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}
