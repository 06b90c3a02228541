package worker

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
)

// Flags passed to every worker executable started by ExecSpawner.
const (
	FlagName      = "name"
	FlagInbox     = "inbox"
	FlagSocketDir = "socket-dir"
)

// ExecSpawner starts workers as child processes of the supervisor.
type ExecSpawner struct {
	Path      string
	Args      []string
	Env       []string
	Inbox     string
	SocketDir string
	Stdout    io.Writer
	Stderr    io.Writer
}

func (s *ExecSpawner) Spawn(ctx context.Context, name string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Path == "" {
		return nil, errors.New("worker executable path is not configured")
	}

	args := []string{
		"--" + FlagName, name,
		"--" + FlagInbox, s.Inbox,
		"--" + FlagSocketDir, s.SocketDir,
	}
	args = append(args, s.Args...)

	// not bound to ctx: the worker outlives the call which spawned it
	cmd := exec.Command(s.Path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	err := cmd.Start()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start %q", s.Path)
	}

	p := &execProcess{
		cmd:  cmd,
		done: make(chan void),
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan void
	once sync.Once
	err  error
}

func (p *execProcess) wait() {
	defer close(p.done)
	p.err = p.cmd.Wait()
	log.Debug().
		Int("pid", p.Pid()).
		AnErr("exit", p.err).
		Msg("worker process exited")
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan void { return p.done }

func (p *execProcess) Kill() error {
	var err error
	p.once.Do(func() {
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}
