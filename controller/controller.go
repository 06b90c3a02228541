// Package controller drives the lifecycle of one out of process service.
//
// All state of a Controller is owned by its mailbox loop. Public methods are
// marshalled onto the loop and wait for it to run them, worker notifications
// are posted to the same loop, so the two never interleave.
package controller

import (
	"context"
	"sync"
	"sync/atomic"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
	"git.tatikoma.dev/corpix/shelf/mailbox"
	"git.tatikoma.dev/corpix/shelf/message"
	"git.tatikoma.dev/corpix/shelf/metrics"
	"git.tatikoma.dev/corpix/shelf/worker"
)

var ErrNotNotification = errors.New("controller accepts only worker notifications")

type (
	void = struct{}

	// Publisher delivers events to the coordinator, it must not block.
	Publisher interface {
		Publish(m message.Message)
	}

	Metrics interface {
		Transition(service string, state string)
		Command(service string, kind message.Kind, result string)
		Live(service string, live bool)
	}

	// item is either a notification from the worker or a public call.
	item struct {
		note message.Message
		call func()
		done chan void
	}

	options struct {
		ctx           context.Context
		logger        log.Logger
		metrics       Metrics
		handleOptions []worker.HandleOption
	}

	Option func(*options)
)

func WithContext(ctx context.Context) Option {
	return func(o *options) {
		o.ctx = ctx
	}
}

func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithHandleOptions(opts ...worker.HandleOption) Option {
	return func(o *options) {
		o.handleOptions = append(o.handleOptions, opts...)
	}
}

type Controller struct {
	name    string
	spawner worker.Spawner
	dialer  worker.Dialer
	publish Publisher
	metrics Metrics
	opts    options
	log     log.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	mailbox  *mailbox.Mailbox[item]
	loopDone chan void
	dispose  sync.Once
	current  atomic.Uint32

	// owned by the loop
	handle *worker.Handle
	state  State
}

func (c *Controller) Name() string { return c.name }

// State returns the last state set by the loop.
func (c *Controller) State() State { return State(c.current.Load()) }

// Deliver posts a worker notification to the controller loop.
func (c *Controller) Deliver(m message.Message) error {
	if !message.IsNotification(m.Kind()) {
		return errors.Wrapf(ErrNotNotification, "got %s", m.Kind())
	}
	return c.mailbox.Post(item{note: m})
}

// Create spawns a new worker. It is a no-op while a worker is live.
func (c *Controller) Create() {
	c.log.Debug().Msg("create")
	c.exec(c.create)
}

func (c *Controller) Start() {
	c.log.Debug().Msg("start")
	c.exec(func() { c.send(message.StartService{Name: c.name}) })
}

func (c *Controller) Stop() {
	c.log.Debug().Msg("stop")
	c.exec(func() { c.send(message.StopService{Name: c.name}) })
}

func (c *Controller) Pause() {
	c.log.Debug().Msg("pause")
	c.exec(func() { c.send(message.PauseService{Name: c.name}) })
}

func (c *Controller) Continue() {
	c.log.Debug().Msg("continue")
	c.exec(func() { c.send(message.ContinueService{Name: c.name}) })
}

// Unload asks the worker to shut down. The handle is released only when the
// worker confirms with WorkerUnloaded, or when the channel turns out broken.
func (c *Controller) Unload() {
	c.log.Debug().Msg("unloading")
	c.exec(c.unload)
}

// Dispose forcibly releases the worker and stops the controller loop.
// It is idempotent and safe to call concurrently.
func (c *Controller) Dispose() {
	c.dispose.Do(func() {
		ok := c.exec(func() {
			c.release()
			c.setState(StateDisposed)
		})
		c.mailbox.Close()
		c.cancel()
		<-c.loopDone

		if !ok { // loop was gone, nothing else touches the handle now
			c.release()
			c.setState(StateDisposed)
		}
		c.log.Debug().Msg("disposed")
	})
}

// exec runs fn on the loop and waits for it, it reports false when the loop
// is not running anymore. It must not be called from the loop itself.
func (c *Controller) exec(fn func()) bool {
	done := make(chan void)
	err := c.mailbox.Post(item{call: fn, done: done})
	if err != nil {
		c.log.Debug().Err(err).Msg("controller is disposed, ignoring call")
		return false
	}
	select {
	case <-done:
		return true
	case <-c.loopDone:
		return false
	}
}

func (c *Controller) run() {
	defer close(c.loopDone)
	err := c.mailbox.Loop(c.ctx, c.receive)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error().Err(err).Msg("controller loop stopped")
	}
}

func (c *Controller) receive(it item) bool {
	if it.call != nil {
		defer close(it.done)
		it.call()
		return true
	}

	switch m := it.note.(type) {
	case message.WorkerCreated:
		c.created(m)
	case message.WorkerUnloaded:
		c.unloaded(m)
	default:
		c.log.Warn().Stringer("kind", it.note.Kind()).Msg("unexpected notification, ignoring")
	}
	return true
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().
		Stringer("from", c.state).
		Stringer("to", s).
		Msg("state changed")
	c.state = s
	c.current.Store(uint32(s))
	c.metrics.Transition(c.name, s.String())
}

func (c *Controller) create() {
	if c.handle != nil {
		c.log.Warn().
			Stringer("state", c.state).
			Str(log.FieldWorker, c.handle.ID().String()).
			Msg("worker is still live, ignoring create")
		return
	}

	h := worker.NewHandle(c.name, c.spawner, c.dialer,
		append([]worker.HandleOption{worker.WithLogger(c.opts.logger)}, c.opts.handleOptions...)...,
	)
	err := h.Spawn(c.ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("cannot create worker")
		h.Dispose()
		c.setState(StateUncreated)
		c.publish.Publish(message.Fault(c.name, err))
		return
	}

	c.handle = h
	c.metrics.Live(c.name, true)
	c.setState(StateCreated)
}

func (c *Controller) created(m message.WorkerCreated) {
	if c.handle == nil {
		c.log.Warn().
			Str("address", m.Address).
			Str("endpoint", m.EndpointID).
			Msg("worker announced readiness but none is live, ignoring")
		return
	}
	if c.handle.Bound() {
		c.log.Warn().
			Str("address", m.Address).
			Str("endpoint", m.EndpointID).
			Msg("worker announced readiness twice, ignoring")
		return
	}

	c.log.Debug().
		Str("address", m.Address).
		Str("endpoint", m.EndpointID).
		Msg("worker created")

	err := c.handle.BindEndpoint(m.Address, m.EndpointID)
	if err != nil {
		c.log.Error().Err(err).Msg("cannot bind worker endpoint, treating worker as unloaded")
		c.forceUnloaded()
		return
	}
	c.setState(StateBound)
}

func (c *Controller) send(m message.Message) {
	if c.handle == nil {
		c.log.Warn().
			Stringer("kind", m.Kind()).
			Msg("unable to send service message, no live worker")
		c.metrics.Command(c.name, m.Kind(), metrics.ResultStale)
		return
	}

	err := c.handle.Send(c.ctx, m)
	switch {
	case err == nil:
		c.metrics.Command(c.name, m.Kind(), metrics.ResultSent)
	case errors.Is(err, worker.ErrChannelBroken):
		c.log.Error().Err(err).Msg("failed to send to worker, channel is broken")
		c.metrics.Command(c.name, m.Kind(), metrics.ResultBroken)
		c.forceUnloaded()
	case errors.Is(err, worker.ErrNotBound):
		c.log.Warn().
			Stringer("kind", m.Kind()).
			Msg("worker has not announced its endpoint yet, dropping message")
		c.metrics.Command(c.name, m.Kind(), metrics.ResultUnbound)
	default:
		c.log.Error().Err(err).Stringer("kind", m.Kind()).Msg("failed to send to worker")
		c.metrics.Command(c.name, m.Kind(), metrics.ResultFailed)
	}
}

func (c *Controller) unload() {
	c.publish.Publish(message.WorkerUnloading{Name: c.name})

	if c.handle == nil {
		c.setState(StateUnloaded)
		c.publish.Publish(message.WorkerUnloaded{Name: c.name})
		c.log.Warn().Msg("was already unloaded")
		return
	}

	err := c.handle.RequestUnload(c.ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to request unload, forcing worker down")
		c.metrics.Command(c.name, message.KindUnloadService, metrics.ResultFailed)
		c.forceUnloaded()
		return
	}
	c.metrics.Command(c.name, message.KindUnloadService, metrics.ResultSent)
	c.setState(StateUnloading)
}

// unloaded releases the live worker and republishes its confirmation. A
// confirmation without a live worker is dropped, so a forced unload racing the
// worker never yields a second WorkerUnloaded.
func (c *Controller) unloaded(m message.WorkerUnloaded) {
	if c.handle == nil {
		c.log.Warn().Msg("worker reported unloaded but none is live, ignoring")
		return
	}

	c.release()
	c.setState(StateUnloaded)
	c.log.Debug().Msg("unloaded")
	c.publish.Publish(m)
}

// forceUnloaded retires the worker without its confirmation.
func (c *Controller) forceUnloaded() {
	c.release()
	c.setState(StateUnloaded)
	c.publish.Publish(message.WorkerUnloaded{Name: c.name})
}

func (c *Controller) release() {
	if c.handle == nil {
		return
	}
	c.handle.Dispose()
	c.handle = nil
	c.metrics.Live(c.name, false)
}

type nopMetrics struct{}

func (nopMetrics) Transition(string, string)            {}
func (nopMetrics) Command(string, message.Kind, string) {}
func (nopMetrics) Live(string, bool)                    {}

// New creates a controller and starts its loop. The publisher is shared and
// is not closed by the controller.
func New(name string, spawner worker.Spawner, dialer worker.Dialer, publisher Publisher, opts ...Option) *Controller {
	o := options{
		ctx:     context.Background(),
		logger:  *log.DefaultLogger,
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(o.ctx)
	c := &Controller{
		name:     name,
		spawner:  spawner,
		dialer:   dialer,
		publish:  publisher,
		metrics:  o.metrics,
		opts:     o,
		log:      log.Service(o.logger, name),
		ctx:      ctx,
		cancel:   cancel,
		mailbox:  mailbox.New[item](),
		loopDone: make(chan void),
	}
	go c.run()
	return c
}

var _ Metrics = new(metrics.Collector)
