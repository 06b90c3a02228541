package main

import (
	"context"
	"os"

	"git.tatikoma.dev/corpix/shelf/app"
	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/shelf"
	"git.tatikoma.dev/corpix/shelf/worker"
)

type Shelf struct {
	*app.App[*shelf.Config]
}

func (s *Shelf) Flags() app.Flags {
	return append(s.App.Flags(),
		&app.StringFlag{
			Name:  worker.FlagName,
			Usage: "name of the hosted service",
		},
		&app.StringFlag{
			Name:  worker.FlagInbox,
			Usage: "grpc target of the supervisor inbox",
		},
		&app.PathFlag{
			Name:  worker.FlagSocketDir,
			Usage: "directory of the command socket",
		},
	)
}

func (*Shelf) Override(ctx *app.Context, c *shelf.Config) error {
	if ctx.IsSet(worker.FlagName) {
		c.Name = ctx.String(worker.FlagName)
	}
	if ctx.IsSet(worker.FlagInbox) {
		c.Inbox = ctx.String(worker.FlagInbox)
	}
	if ctx.IsSet(worker.FlagSocketDir) {
		c.SocketDir = ctx.Path(worker.FlagSocketDir)
	}
	return nil
}

func (*Shelf) Services(c *shelf.Config) app.Services {
	return app.Services{shelf.New(*c, shelf.Idle{})}
}

func main() {
	r, err := app.NewRuntime(context.Background(), "shelf", "isolated service worker")
	if err != nil {
		app.Error(err)
	}

	s := &Shelf{}
	s.App = app.New[*shelf.Config](r, s)
	s.Init(r)
	defer errors.LogCallErr(s.Close, "failed to close application")

	err = s.Exec(os.Args)
	if err != nil {
		app.Error(err)
	}
}
