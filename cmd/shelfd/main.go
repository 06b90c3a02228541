package main

import (
	"context"
	"os"

	"git.tatikoma.dev/corpix/shelf/app"
	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/host"
)

const (
	FlagName      = "name"
	FlagWorker    = "worker"
	FlagSocketDir = "socket-dir"
	FlagJournal   = "journal"
	FlagMetrics   = "metrics"
	FlagReload    = "reload"
	FlagAutostart = "autostart"
)

type Shelfd struct {
	*app.App[*host.Config]
}

func (s *Shelfd) Flags() app.Flags {
	return append(s.App.Flags(),
		&app.StringFlag{
			Name:  FlagName,
			Usage: "name of the supervised service",
		},
		&app.PathFlag{
			Name:  FlagWorker,
			Usage: "worker executable",
		},
		&app.PathFlag{
			Name:  FlagSocketDir,
			Usage: "directory of the inbox and worker sockets",
		},
		&app.StringFlag{
			Name:  FlagJournal,
			Usage: "sqlite dsn of the event journal",
		},
		&app.StringFlag{
			Name:  FlagMetrics,
			Usage: "listen address of the prometheus endpoint",
		},
		&app.BoolFlag{
			Name:  FlagReload,
			Usage: "recreate the worker when its executable changes",
		},
		&app.BoolFlag{
			Name:  FlagAutostart,
			Usage: "start the service once the worker is ready",
		},
	)
}

// Override applies flags which were set explicitly on top of the config file.
func (*Shelfd) Override(ctx *app.Context, c *host.Config) error {
	if ctx.IsSet(FlagName) {
		c.Name = ctx.String(FlagName)
	}
	if ctx.IsSet(FlagWorker) {
		c.Worker.Path = ctx.Path(FlagWorker)
	}
	if ctx.IsSet(FlagSocketDir) {
		c.SocketDir = ctx.Path(FlagSocketDir)
	}
	if ctx.IsSet(FlagJournal) {
		c.Journal = ctx.String(FlagJournal)
	}
	if ctx.IsSet(FlagMetrics) {
		c.Metrics = ctx.String(FlagMetrics)
	}
	if ctx.IsSet(FlagReload) {
		c.Reload = ctx.Bool(FlagReload)
	}
	if ctx.IsSet(FlagAutostart) {
		c.Autostart = ctx.Bool(FlagAutostart)
	}
	if args := ctx.Args().Slice(); len(args) > 0 {
		c.Worker.Args = args
	}
	return nil
}

func (s *Shelfd) Services(c *host.Config) app.Services {
	return app.Services{host.New(c, s.Watcher)}
}

func main() {
	r, err := app.NewRuntime(context.Background(), "shelfd", "supervise an isolated service worker")
	if err != nil {
		app.Error(err)
	}

	s := &Shelfd{}
	s.App = app.New[*host.Config](r, s)
	s.Init(r)
	defer errors.LogCallErr(s.Close, "failed to close application")

	err = s.Exec(os.Args)
	if err != nil {
		app.Error(err)
	}
}
