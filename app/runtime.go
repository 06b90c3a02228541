package app

import (
	"context"

	"github.com/urfave/cli/v2"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/supervisor"
	"git.tatikoma.dev/corpix/shelf/watcher"
)

// Runtime holds what every service of an executable shares.
type Runtime struct {
	Super   Super
	Cli     *cli.App
	Watcher *watcher.Watcher
}

func NewRuntime(ctx context.Context, name string, usage string) (*Runtime, error) {
	w, err := watcher.New()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	c := cli.NewApp()
	c.Name = name
	c.Usage = usage
	return &Runtime{
		Cli:     c,
		Super:   supervisor.New(ctx),
		Watcher: w,
	}, nil
}

func (r *Runtime) Run(args []string) error {
	return r.Cli.RunContext(r.Super, args)
}
