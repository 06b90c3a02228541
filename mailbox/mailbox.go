// Package mailbox provides a single consumer message queue.
//
// Messages are delivered one at a time, in the order they were posted, to the
// handler passed to Loop. The handler returns true to keep receiving and false
// to stop the loop, so handlers never run concurrently with each other and the
// state they touch needs no locks.
package mailbox

import (
	"context"
	"sync"
	"sync/atomic"

	"git.tatikoma.dev/corpix/shelf/errors"
)

var (
	ErrClosed  = errors.New("mailbox is closed")
	ErrRunning = errors.New("mailbox loop is already running")
)

type (
	void = struct{}

	// Handler processes one message and decides whether the loop continues.
	Handler[M any] func(msg M) (loop bool)

	Mailbox[M any] struct {
		mu      sync.Mutex
		queue   []M
		closed  bool
		notify  chan void
		closeCh chan void
		running atomic.Bool
	}
)

// Post enqueues msg. It never blocks.
func (m *Mailbox[M]) Post(msg M) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.queue = append(m.queue, msg)

	select {
	case m.notify <- void{}:
	default: // consumer already woken up
	}
	return nil
}

func (m *Mailbox[M]) pop() (M, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var msg M
	if len(m.queue) == 0 {
		return msg, false
	}
	msg = m.queue[0]
	var zero M
	m.queue[0] = zero
	m.queue = m.queue[1:]
	return msg, true
}

// Loop delivers messages to h until h returns false, the mailbox is closed
// or ctx is done. Only one loop may run at a time.
func (m *Mailbox[M]) Loop(ctx context.Context, h Handler[M]) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer m.running.Store(false)

	for {
		for {
			select {
			case <-m.closeCh:
				return nil
			default:
			}

			msg, ok := m.pop()
			if !ok {
				break
			}
			if !h(msg) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-m.closeCh:
			return nil
		case <-m.notify:
		}
	}
}

// Close stops the running loop and rejects further posts.
// Messages still queued are dropped. Close is idempotent.
func (m *Mailbox[M]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.closeCh)
}

func (m *Mailbox[M]) Closed() <-chan void { return m.closeCh }

func (m *Mailbox[M]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func New[M any]() *Mailbox[M] {
	return &Mailbox[M]{
		notify:  make(chan void, 1),
		closeCh: make(chan void),
	}
}
