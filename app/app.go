// Package app runs the services of an executable under one supervisor behind
// an urfave/cli command line. Configuration comes from an optional yaml file
// and is then overridden by the flags of the executable.
package app

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
	"git.tatikoma.dev/corpix/shelf/supervisor"
)

const DefaultStopTimeout = 10 * time.Second

type (
	void = struct{}

	Context = cli.Context
	Super   = *supervisor.Group

	Config interface {
		FromFile(path string) error
		Default()
		Validate() error
	}

	// Application is implemented by executables, usually by embedding *App
	// and replacing the methods they need.
	Application[C Config] interface {
		Flags() Flags
		Override(ctx *Context, c C) error
		Services(c C) Services
		Notify(sig Signal)
	}

	Service interface {
		Name() string
		Enabled() bool
		Run(ctx context.Context, ready *sync.WaitGroup) error
		Signal(sig os.Signal)
		Close() error
	}
	Services = []Service

	App[C Config] struct {
		*Runtime
		Config C

		self        Application[C]
		services    Services
		ready       sync.WaitGroup
		stopTimeout time.Duration
	}
)

func (*App[C]) Override(*Context, C) error { return nil }

func (*App[C]) Services(C) Services { return nil }

// Notify forwards sig to every running service.
func (a *App[C]) Notify(sig Signal) {
	for _, srv := range a.services {
		srv.Signal(sig)
	}
}

// Init binds the command line of r to the application.
func (a *App[C]) Init(r *Runtime) {
	r.Cli.Flags = a.self.Flags()
	r.Cli.Before = a.configure
	r.Cli.Action = a.run
}

func (a *App[C]) configure(ctx *Context) error {
	switch {
	case ctx.Bool(FlagDebug):
		log.SetLevel(log.TraceLevel)
	case ctx.Bool(FlagVerbose):
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	c := newConfig[C]()
	if path := ctx.Path(FlagConfig); path != "" {
		log.Info().Str("config", path).Msg("loading config")
		err := c.FromFile(path)
		if err != nil {
			return errors.Wrapf(err, "failed to load config from %q", path)
		}
	}

	err := a.self.Override(ctx, c)
	if err != nil {
		return err
	}
	c.Default()
	err = c.Validate()
	if err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	a.Config = c
	return nil
}

func newConfig[C Config]() C {
	var c C
	typ := reflect.TypeOf((*C)(nil)).Elem()
	if typ.Kind() == reflect.Pointer {
		c = reflect.New(typ.Elem()).Interface().(C)
	}
	return c
}

func (a *App[C]) run(ctx *Context) error {
	a.Super.Run(func(ctx context.Context) error {
		a.Watcher.Run(ctx)
		return nil
	}, supervisor.TaskName("watcher"), supervisor.TaskWeak())

	for _, srv := range a.self.Services(a.Config) {
		if !srv.Enabled() {
			continue
		}
		a.services = append(a.services, srv)
		a.ready.Add(1)
		a.Super.Run(func(context.Context) error {
			return a.runService(srv)
		}, supervisor.TaskName(srv.Name()))
	}

	go func() {
		a.ready.Wait()
		log.Info().Int("services", len(a.services)).Msg("ready")
	}()

	return a.watchdog()
}

func (a *App[C]) runService(srv Service) error {
	l := log.Component(srv.Name())
	ctx := l.WithContext(a.Super)

	l.Info().Msg("running")
	defer l.Warn().Msg("stopped")
	defer errors.LogCallErrCtx(ctx, srv.Close, "failed to close service")

	return srv.Run(ctx, &a.ready)
}

// Exec parses args and runs the application until its services stop.
func (a *App[C]) Exec(args []string) error {
	return a.Runtime.Run(args)
}

func (a *App[C]) Close() error {
	return a.Watcher.Close()
}

// New creates an App on r, self receives the application callbacks.
// The caller invokes Init once self is fully constructed.
func New[C Config](r *Runtime, self Application[C]) *App[C] {
	return &App[C]{
		Runtime:     r,
		self:        self,
		stopTimeout: DefaultStopTimeout,
	}
}

func Error(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
