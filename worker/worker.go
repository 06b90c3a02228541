// Package worker owns the lifecycle of one isolated worker process and the
// channel used to send it commands.
package worker

import (
	"context"
	"fmt"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/message"
)

var (
	// ErrChannelBroken is returned by Send when the peer side is gone,
	// either because the worker crashed or because it was torn down.
	ErrChannelBroken = errors.New("worker channel is broken")
	ErrNotBound      = errors.New("worker endpoint is not bound")
	ErrDisposed      = errors.New("worker handle is disposed")
)

type (
	void = struct{}

	// Process is a running isolated worker.
	Process interface {
		Pid() int
		// Kill forcibly terminates the process, it is not an error to kill
		// a process which already exited.
		Kill() error
		Done() <-chan void
	}

	Spawner interface {
		Spawn(ctx context.Context, name string) (Process, error)
	}

	// Channel carries commands to a worker.
	// Send must return an error wrapping ErrChannelBroken when the peer is gone.
	Channel interface {
		Send(ctx context.Context, m message.Message) error
		Close() error
	}

	Dialer interface {
		Dial(address string, endpointID string) (Channel, error)
	}

	Endpoint struct {
		Address string
		ID      string
	}

	SpawnError struct {
		Name string
		Err  error
	}
)

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s", e.Address, e.ID)
}

func (e SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn worker %q: %s", e.Name, e.Err)
}

func (e SpawnError) Unwrap() error {
	return e.Err
}
