package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
	"git.tatikoma.dev/corpix/shelf/message"
)

const (
	DefaultSendTimeout    = 5 * time.Second
	DefaultDisposeTimeout = 5 * time.Second
)

type handleOptions struct {
	sendTimeout    time.Duration
	disposeTimeout time.Duration
	logger         log.Logger
}

type HandleOption func(*handleOptions)

func WithSendTimeout(d time.Duration) HandleOption {
	return func(o *handleOptions) {
		o.sendTimeout = d
	}
}

func WithDisposeTimeout(d time.Duration) HandleOption {
	return func(o *handleOptions) {
		o.disposeTimeout = d
	}
}

func WithLogger(l log.Logger) HandleOption {
	return func(o *handleOptions) {
		o.logger = l
	}
}

// Handle is the supervisor side proxy of a single worker.
//
// A handle is spawned once, bound once when the worker announces its endpoint,
// and disposed at most once (further Dispose calls do nothing).
type Handle struct {
	id      uuid.UUID
	name    string
	spawner Spawner
	dialer  Dialer
	opts    handleOptions
	log     log.Logger

	mu       sync.Mutex
	proc     Process
	ch       Channel
	endpoint Endpoint
	disposed bool
}

func (h *Handle) ID() uuid.UUID { return h.id }
func (h *Handle) Name() string  { return h.name }

// Spawn starts the worker process without waiting for it to become ready.
func (h *Handle) Spawn(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return ErrDisposed
	}
	if h.proc != nil {
		panic("worker: handle spawned twice")
	}

	proc, err := h.spawner.Spawn(ctx, h.name)
	if err != nil {
		return SpawnError{Name: h.name, Err: err}
	}
	h.proc = proc

	h.log.Debug().Int("pid", proc.Pid()).Msg("worker spawned")
	return nil
}

// BindEndpoint opens the channel to the worker.
// It must be called exactly once and only after Spawn.
func (h *Handle) BindEndpoint(address string, endpointID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return ErrDisposed
	}
	if h.proc == nil {
		panic("worker: endpoint bound before spawn")
	}
	if h.ch != nil {
		panic("worker: endpoint bound twice")
	}

	ep := Endpoint{Address: address, ID: endpointID}
	ch, err := h.dialer.Dial(address, endpointID)
	if err != nil {
		return errors.Wrapf(err, "failed to open channel to %s", ep)
	}
	h.ch = ch
	h.endpoint = ep

	h.log.Debug().Stringer("endpoint", ep).Msg("worker endpoint bound")
	return nil
}

func (h *Handle) Bound() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ch != nil
}

func (h *Handle) Endpoint() (Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoint, h.ch != nil
}

// Send forwards a command to the worker, waiting at most for the configured
// send timeout. It fails fast with ErrNotBound until the endpoint is known.
func (h *Handle) Send(ctx context.Context, m message.Message) error {
	h.mu.Lock()
	ch, disposed := h.ch, h.disposed
	h.mu.Unlock()

	switch {
	case disposed:
		return ErrDisposed
	case ch == nil:
		return ErrNotBound
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.sendTimeout)
	defer cancel()

	err := ch.Send(ctx, m)
	if err != nil {
		return errors.Wrapf(err, "failed to send %s", m.Kind())
	}
	return nil
}

// RequestUnload asks the worker to shut down. Completion is reported by the
// worker later with a WorkerUnloaded notification.
func (h *Handle) RequestUnload(ctx context.Context) error {
	return h.Send(ctx, message.UnloadService{Name: h.name})
}

// Dispose closes the channel and kills the worker process.
// It is safe to call any number of times, from any goroutine.
func (h *Handle) Dispose() {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	ch, proc := h.ch, h.proc
	h.ch, h.proc = nil, nil
	h.mu.Unlock()

	if ch != nil {
		errors.Log(ch.Close(), "failed to close channel of worker %s", h.id)
	}
	if proc == nil {
		return
	}

	errors.Log(proc.Kill(), "failed to kill worker %s", h.id)
	select {
	case <-proc.Done():
		h.log.Debug().Int("pid", proc.Pid()).Msg("worker disposed")
	case <-time.After(h.opts.disposeTimeout):
		h.log.Warn().
			Int("pid", proc.Pid()).
			Str("timeout", h.opts.disposeTimeout.String()).
			Msg("worker did not exit after kill")
	}
}

func (h *Handle) Disposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

func NewHandle(name string, spawner Spawner, dialer Dialer, options ...HandleOption) *Handle {
	opts := handleOptions{
		sendTimeout:    DefaultSendTimeout,
		disposeTimeout: DefaultDisposeTimeout,
		logger:         *log.DefaultLogger,
	}
	for _, option := range options {
		option(&opts)
	}

	id := uuid.New()
	return &Handle{
		id:      id,
		name:    name,
		spawner: spawner,
		dialer:  dialer,
		opts:    opts,
		log: log.Service(opts.logger, name).
			With().
			Str(log.FieldWorker, id.String()).
			Logger(),
	}
}
