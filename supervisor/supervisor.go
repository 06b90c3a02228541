// Package supervisor runs a group of long living goroutines which live and
// die together: the first failure, or the return of any strong task, cancels
// the rest of the group.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
)

const errorsBacklog = 16

type void = struct{}

type Group struct {
	context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	running int
	drained bool
	drain   chan void
	errs    chan error
}

func (g *Group) DrainCh() <-chan void   { return g.drain }
func (g *Group) ErrorsCh() <-chan error { return g.errs }

// Run starts j in its own goroutine unless the group is already canceled.
func (g *Group) Run(j Job, opts ...TaskOption) {
	task := newTask(j, opts...)

	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.Done():
		log.Debug().Str("task", task.name).Msg("supervisor is done, skipping task")
		return
	default:
	}
	g.running++
	go g.runTask(task)
}

func (g *Group) runTask(task *Task) {
	defer g.finish()

	err := g.call(task)
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		e := Error{Err: err, name: task.name}
		select {
		case g.errs <- e:
		default:
			log.Error().Err(e).Msg("supervisor error backlog is full")
		}
		g.cancel(e)
	case !task.weak:
		g.cancel(Returned{name: task.name})
	}
}

func (g *Group) call(task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("%v", r)
			}
		}
	}()
	return task.fn(g)
}

func (g *Group) finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running--
	g.tryDrain()
}

// tryDrain must be called with mu held.
func (g *Group) tryDrain() {
	if g.drained || g.running > 0 || g.Err() == nil {
		return
	}
	g.drained = true
	close(g.drain)
}

func (g *Group) Cancel() {
	g.cancel(ErrCanceled)
}

// Wait blocks until every task of the group exited or ctx is done.
// It returns the error of the first failed task, if any.
func (g *Group) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-g.drain:
		var e Error
		if errors.As(context.Cause(g), &e) {
			return e
		}
		return nil
	}
}

func New(ctx context.Context) *Group {
	ctx, cancel := context.WithCancelCause(ctx)
	g := &Group{
		Context: ctx,
		cancel:  cancel,
		drain:   make(chan void),
		errs:    make(chan error, errorsBacklog),
	}
	context.AfterFunc(ctx, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.tryDrain()
	})
	return g
}
