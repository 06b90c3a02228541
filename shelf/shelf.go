// Package shelf is the runtime of the isolated worker process. It serves the
// commands of the supervisor on a unix socket and reports its lifecycle to the
// supervisor inbox.
package shelf

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
	"git.tatikoma.dev/corpix/shelf/message"
	"git.tatikoma.dev/corpix/shelf/rpc"
)

const (
	DefaultNotifyTimeout = 5 * time.Second
	SocketSuffix         = ".sock"
)

var ErrNameMismatch = errors.New("command addressed to another service")

type void = struct{}

type State uint8

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Service is the payload hosted by the worker process.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Continue(ctx context.Context) error
}

type Config struct {
	Name          string        `yaml:"name"`
	Inbox         string        `yaml:"inbox"`
	SocketDir     string        `yaml:"socket_dir"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// FromFile loads c from a yaml document. Command line flags take precedence
// over the file, so defaults and validation are left to the caller.
func (c *Config) FromFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}
	return errors.Wrap(yaml.Unmarshal(buf, c), "failed to parse config file")
}

func (c *Config) Default() {
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.SocketDir == "" {
		c.SocketDir = os.TempDir()
	}
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("service name is required")
	}
	if c.Inbox == "" {
		return errors.New("inbox target is required")
	}
	return nil
}

type Worker struct {
	cfg Config
	svc Service
	log log.Logger

	mu         sync.Mutex
	state      State
	endpoint   string
	unload     chan void
	unloadOnce sync.Once
}

func (w *Worker) Name() string  { return w.cfg.Name }
func (w *Worker) Enabled() bool { return true }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Endpoint returns the socket file name, it is empty until Run listens.
func (w *Worker) Endpoint() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.endpoint
}

func (w *Worker) Signal(sig os.Signal) {
	w.log.Info().
		Str("signal", sig.String()).
		Stringer("state", w.State()).
		Msg("worker status")
}

func (w *Worker) Close() error { return nil }

func (w *Worker) Command(ctx context.Context, e *message.Envelope) (*message.Ack, error) {
	m, err := message.FromEnvelope(e)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if !message.IsCommand(m.Kind()) {
		return nil, status.Errorf(codes.InvalidArgument, "worker does not accept %s", m.Kind())
	}
	if m.Service() != w.cfg.Name {
		return nil, status.Errorf(codes.NotFound, "%s: %q", ErrNameMismatch, m.Service())
	}

	if m.Kind() == message.KindUnloadService {
		w.log.Info().Msg("unload requested")
		w.unloadOnce.Do(func() { close(w.unload) })
		return &message.Ack{}, nil
	}

	err = w.apply(ctx, m.Kind())
	if err != nil {
		return nil, errors.RpcCodeCtx(ctx, err, codes.Internal, "failed to %s", m.Kind())
	}
	return &message.Ack{}, nil
}

// apply runs the service hook of a command and moves the local state.
// Commands which do not apply to the current state are logged and ignored.
func (w *Worker) apply(ctx context.Context, kind message.Kind) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		from = w.state
		to   State
		hook func(context.Context) error
	)
	switch {
	case kind == message.KindStartService && from == StateStopped:
		to, hook = StateRunning, w.svc.Start
	case kind == message.KindStopService && from != StateStopped:
		to, hook = StateStopped, w.svc.Stop
	case kind == message.KindPauseService && from == StateRunning:
		to, hook = StatePaused, w.svc.Pause
	case kind == message.KindContinueService && from == StatePaused:
		to, hook = StateRunning, w.svc.Continue
	default:
		w.log.Warn().
			Stringer("kind", kind).
			Stringer("state", from).
			Msg("command does not apply to current state, ignoring")
		return nil
	}

	err := hook(ctx)
	if err != nil {
		return err
	}
	w.state = to
	w.log.Debug().
		Stringer("from", from).
		Stringer("to", to).
		Msg("state changed")
	return nil
}

// Run listens on a fresh socket, announces it to the inbox and serves commands
// until the supervisor requests an unload or ctx is done. ready is released
// once the supervisor accepted the announcement.
func (w *Worker) Run(ctx context.Context, ready *sync.WaitGroup) error {
	err := os.MkdirAll(w.cfg.SocketDir, 0o700)
	if err != nil {
		return errors.Wrapf(err, "failed to create socket directory %q", w.cfg.SocketDir)
	}

	endpoint := uuid.NewString() + SocketSuffix
	path := filepath.Join(w.cfg.SocketDir, endpoint)
	lis, err := net.Listen("unix", path)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %q", path)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.log.Warn().Err(err).Str("path", path).Msg("failed to remove socket")
		}
	}()

	w.mu.Lock()
	w.endpoint = endpoint
	w.mu.Unlock()

	srv := rpc.NewServer(w.log)
	rpc.RegisterWorkerServer(srv, w)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(lis)
	}()
	defer srv.Stop()

	inbox, err := rpc.DialInbox(w.log, w.cfg.Inbox)
	if err != nil {
		return err
	}
	defer errors.LogCallErr(inbox.Close, "failed to close inbox client")

	err = w.notify(inbox, message.WorkerCreated{
		Name:       w.cfg.Name,
		Address:    w.cfg.SocketDir,
		EndpointID: endpoint,
	})
	if err != nil {
		return err
	}
	if ready != nil {
		ready.Done()
	}
	w.log.Info().Str("endpoint", path).Msg("worker created")

	select {
	case <-w.unload:
	case <-ctx.Done():
		w.log.Warn().Msg("worker is shutting down without unload request")
	case err := <-serveErr:
		return errors.Wrap(err, "worker server stopped")
	}

	w.shutdown()
	srv.GracefulStop()

	return w.notify(inbox, message.WorkerUnloaded{Name: w.cfg.Name})
}

func (w *Worker) shutdown() {
	if w.State() == StateStopped {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.NotifyTimeout)
	defer cancel()
	err := w.apply(ctx, message.KindStopService)
	errors.Log(err, "failed to stop service")
}

func (w *Worker) notify(inbox *rpc.InboxClient, m message.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.NotifyTimeout)
	defer cancel()
	err := inbox.Notify(ctx, m)
	if err != nil {
		return errors.Wrapf(err, "failed to notify supervisor with %s", m.Kind())
	}
	return nil
}

func New(cfg Config, svc Service) *Worker {
	cfg.Default()
	if svc == nil {
		svc = Idle{}
	}
	return &Worker{
		cfg:    cfg,
		svc:    svc,
		log:    log.Service(log.Component("shelf"), cfg.Name),
		unload: make(chan void),
	}
}

// Idle is a service without payload, it only reports the commands it gets.
type Idle struct{}

func (Idle) Start(ctx context.Context) error {
	log.Ctx(ctx).Info().Msg("service started")
	return nil
}

func (Idle) Stop(ctx context.Context) error {
	log.Ctx(ctx).Info().Msg("service stopped")
	return nil
}

func (Idle) Pause(ctx context.Context) error {
	log.Ctx(ctx).Info().Msg("service paused")
	return nil
}

func (Idle) Continue(ctx context.Context) error {
	log.Ctx(ctx).Info().Msg("service continued")
	return nil
}

var _ rpc.WorkerServer = new(Worker)
