// Package host is a minimal coordinator of one supervised service. It serves
// the inbox workers report to, owns the controller, keeps the journal and
// metrics fed with controller events and reloads the worker when its
// executable changes.
package host

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"git.tatikoma.dev/corpix/shelf/controller"
	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/journal"
	"git.tatikoma.dev/corpix/shelf/log"
	"git.tatikoma.dev/corpix/shelf/message"
	"git.tatikoma.dev/corpix/shelf/metrics"
	"git.tatikoma.dev/corpix/shelf/publish"
	"git.tatikoma.dev/corpix/shelf/rpc"
	"git.tatikoma.dev/corpix/shelf/supervisor"
	"git.tatikoma.dev/corpix/shelf/watcher"
	"git.tatikoma.dev/corpix/shelf/worker"
)

const (
	eventsBacklog = 64
	notesBacklog  = 16
)

type void = struct{}

type Option func(*Host)

// WithSpawner replaces the exec based spawner.
func WithSpawner(s worker.Spawner) Option {
	return func(h *Host) {
		h.spawner = s
	}
}

type Host struct {
	cfg     *Config
	watcher *watcher.Watcher
	spawner worker.Spawner
	log     log.Logger

	stream    *publish.Stream
	inbox     *rpc.Inbox
	collector *metrics.Collector
	journal   *journal.Journal

	mu          sync.Mutex
	ctrl        *controller.Controller
	metricsAddr net.Addr

	notes  chan message.Message
	reload chan void
}

func (h *Host) Name() string  { return "host" }
func (h *Host) Enabled() bool { return true }

// InboxTarget is the grpc target workers report to.
func (h *Host) InboxTarget() string {
	return rpc.Target(h.cfg.SocketDir, InboxSocket)
}

func (h *Host) Stream() *publish.Stream { return h.stream }

// Controller returns nil until Run started.
func (h *Host) Controller() *controller.Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctrl
}

// MetricsAddr returns nil until the metrics endpoint is listening.
func (h *Host) MetricsAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metricsAddr
}

// Signal reloads the worker on SIGUSR1.
func (h *Host) Signal(sig os.Signal) {
	if sig == syscall.SIGUSR1 {
		h.Reload()
	}
}

// Reload asks the host to unload the worker and create a new one.
func (h *Host) Reload() {
	select {
	case h.reload <- void{}:
	default:
	}
}

func (h *Host) Close() error { return nil }

// Deliver forwards worker notifications to the controller and lets the host
// react to them after the controller did.
func (h *Host) Deliver(m message.Message) error {
	ctrl := h.Controller()
	if ctrl == nil {
		return errors.Errorf("service %q is not running", h.cfg.Name)
	}
	err := ctrl.Deliver(m)
	if err != nil {
		return err
	}
	select {
	case h.notes <- m:
	default:
		h.log.Warn().Stringer("kind", m.Kind()).Msg("host notification backlog is full")
	}
	return nil
}

func (h *Host) Run(ctx context.Context, ready *sync.WaitGroup) error {
	var err error
	if h.cfg.Journal != "" {
		h.journal, err = journal.Open(h.cfg.Journal)
		if err != nil {
			return err
		}
		defer errors.LogCallErr(h.journal.Close, "failed to close journal")
	}

	err = os.MkdirAll(h.cfg.SocketDir, 0o700)
	if err != nil {
		return errors.Wrapf(err, "failed to create socket directory %q", h.cfg.SocketDir)
	}
	path := filepath.Join(h.cfg.SocketDir, InboxSocket)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove stale inbox socket %q", path)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %q", path)
	}

	sup := supervisor.New(ctx)
	srv := rpc.NewServer(log.Component("inbox"))
	rpc.RegisterInboxServer(srv, h.inbox)
	sup.Run(func(context.Context) error {
		return srv.Serve(lis)
	}, supervisor.TaskName("inbox"))

	var httpSrv *http.Server
	if h.cfg.Metrics != "" {
		httpSrv, err = h.serveMetrics(sup)
		if err != nil {
			srv.Stop()
			return err
		}
	}

	events := make(chan message.Message, eventsBacklog)
	h.stream.Subscribe(events, publish.NewSubscription(
		message.KindWorkerUnloaded,
		message.KindWorkerFault,
	), h.cfg.Name)
	defer h.stream.Unsubscribe(events, h.cfg.Name)
	unsubscribe := h.pumps(sup)

	// the controller outlives sup so it can still unload the worker on shutdown
	opts := []controller.Option{
		controller.WithLogger(log.Component("controller")),
		controller.WithHandleOptions(
			worker.WithSendTimeout(h.cfg.SendTimeout),
			worker.WithDisposeTimeout(h.cfg.UnloadTimeout),
		),
	}
	if h.collector != nil {
		opts = append(opts, controller.WithMetrics(h.collector))
	}
	ctrl := controller.New(h.cfg.Name, h.spawner, rpc.Dialer{Logger: h.log}, h.stream, opts...)
	h.mu.Lock()
	h.ctrl = ctrl
	h.mu.Unlock()
	h.inbox.Register(h.cfg.Name, h)

	if h.cfg.Reload && h.watcher != nil {
		id, err := h.watcher.Watch(h.cfg.Worker.Path,
			watcher.Debounce(h.cfg.ReloadDelay)(func(ev watcher.Event) {
				h.log.Info().Str("path", ev.Name).Msg("worker executable changed, reloading")
				h.Reload()
			}),
			watcher.ModifyFilter(),
		)
		if err != nil {
			h.log.Warn().Err(err).Msg("failed to watch worker executable, reload on change is disabled")
		} else {
			defer errors.LogCallErr(func() error { return h.watcher.Unwatch(id) }, "failed to unwatch worker executable")
		}
	}

	sup.Run(func(ctx context.Context) error {
		defer srv.Stop()
		if httpSrv != nil {
			defer errors.LogCallErr(func() error {
				ctx, cancel := context.WithTimeout(context.Background(), h.cfg.UnloadTimeout)
				defer cancel()
				return httpSrv.Shutdown(ctx)
			}, "failed to shutdown metrics server")
		}
		defer unsubscribe()
		h.loop(ctx, ctrl, events)
		h.shutdown(ctrl, events)
		return nil
	}, supervisor.TaskName("coordinator"))

	if ready != nil {
		ready.Done()
	}
	return sup.Wait(context.Background())
}

func (h *Host) serveMetrics(sup *supervisor.Group) (*http.Server, error) {
	lis, err := net.Listen("tcp", h.cfg.Metrics)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %q", h.cfg.Metrics)
	}
	h.mu.Lock()
	h.metricsAddr = lis.Addr()
	h.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/metrics", h.collector.Handler())
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	sup.Run(func(context.Context) error {
		err := httpSrv.Serve(lis)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}, supervisor.TaskName("metrics"), supervisor.TaskWeak())

	h.log.Info().Stringer("addr", lis.Addr()).Msg("serving metrics")
	return httpSrv, nil
}

// pumps subscribes the journal and the metrics collector to the event stream,
// the returned func detaches them.
func (h *Host) pumps(sup *supervisor.Group) func() {
	var chans []chan message.Message
	pump := func(name string, fn func(message.Message) error) {
		ch := make(chan message.Message, eventsBacklog)
		sub := publish.NewSubscription()
		h.stream.Subscribe(ch, sub)
		chans = append(chans, ch)
		sup.Run(func(context.Context) error {
			err := h.stream.Pump(ch, sub, fn)
			if err != nil {
				h.log.Error().Err(err).Str("consumer", name).Msg("event consumer failed")
			}
			return nil
		}, supervisor.TaskName(name), supervisor.TaskWeak())
	}
	if h.journal != nil {
		pump("journal", h.journal.Observe)
	}
	if h.collector != nil {
		pump("events", h.collector.Observe)
	}

	return func() {
		for _, ch := range chans {
			h.stream.Unsubscribe(ch)
			close(ch)
		}
	}
}

// loop applies the coordinator policy until ctx is done: start the worker
// once it is bound when autostart is on, and recreate it after reload. A
// reload whose confirmation does not arrive within the unload timeout asks
// for the unload again, which forces the worker down once its channel broke.
func (h *Host) loop(ctx context.Context, ctrl *controller.Controller, events <-chan message.Message) {
	var (
		reloading bool
		deadline  <-chan time.Time
	)

	ctrl.Create()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-h.notes:
			if m.Kind() == message.KindWorkerCreated && h.cfg.Autostart {
				ctrl.Start()
			}
		case <-h.reload:
			if reloading {
				continue
			}
			reloading = true
			deadline = time.After(h.cfg.UnloadTimeout)
			ctrl.Stop()
			ctrl.Unload()
		case <-deadline:
			h.log.Warn().
				Stringer("timeout", h.cfg.UnloadTimeout).
				Stringer("state", ctrl.State()).
				Msg("worker did not confirm unload in time, requesting again")
			deadline = time.After(h.cfg.UnloadTimeout)
			ctrl.Unload()
		case m := <-events:
			switch v := m.(type) {
			case message.WorkerUnloaded:
				if reloading {
					reloading, deadline = false, nil
					ctrl.Create()
				}
			case message.WorkerFault:
				reloading, deadline = false, nil
				h.log.Error().Str("cause", v.Cause).Msg("worker fault")
			}
		}
	}
}

func (h *Host) shutdown(ctrl *controller.Controller, events <-chan message.Message) {
	h.log.Info().Msg("unloading service")
	defer h.inbox.Unregister(h.cfg.Name)
	defer ctrl.Dispose()

	if !ctrl.State().Live() {
		return
	}
	ctrl.Stop()
	ctrl.Unload()

	timeout := time.NewTimer(h.cfg.UnloadTimeout)
	defer timeout.Stop()
	for {
		select {
		case m := <-events:
			if m.Kind() == message.KindWorkerUnloaded {
				return
			}
		case <-timeout.C:
			h.log.Warn().
				Stringer("timeout", h.cfg.UnloadTimeout).
				Msg("worker did not unload in time, disposing")
			return
		}
	}
}

func New(cfg *Config, w *watcher.Watcher, opts ...Option) *Host {
	h := &Host{
		cfg:     cfg,
		watcher: w,
		log:     log.Service(log.Component("host"), cfg.Name),
		stream:  publish.NewStream("events"),
		inbox:   rpc.NewInbox(),
		notes:   make(chan message.Message, notesBacklog),
		reload:  make(chan void, 1),
	}
	h.spawner = &worker.ExecSpawner{
		Path:      cfg.Worker.Path,
		Args:      cfg.Worker.Args,
		Env:       cfg.Worker.Env,
		Inbox:     h.InboxTarget(),
		SocketDir: cfg.SocketDir,
	}
	if cfg.Metrics != "" {
		h.collector = metrics.New(metrics.DefaultNamespace)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ rpc.Sink = new(Host)
