package app

import (
	"context"
	"os"
	"os/signal"
	"time"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/log"
)

// watchdog waits for the supervisor to drain. Stop signals cancel it, a
// second stop signal or the stop timeout abandons the services.
func (a *App[C]) watchdog() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, Signals()...)
	defer signal.Stop(sigCh)

	exit := make(chan error, 1)
	go func() {
		exit <- a.Super.Wait(context.Background())
	}()

	var (
		canceled = a.Super.Done()
		deadline <-chan time.Time
	)
	stopping := func(reason string) {
		log.Warn().
			Str("reason", reason).
			Stringer("timeout", a.stopTimeout).
			Msg("stopping services")
		canceled = nil
		deadline = time.After(a.stopTimeout)
	}

	for {
		select {
		case err := <-exit:
			return err
		case <-canceled:
			stopping("supervisor canceled")
		case <-deadline:
			return errors.Errorf("services did not stop in %s", a.stopTimeout)
		case sig := <-sigCh:
			group, _ := GroupOf(sig)
			log.Info().
				Stringer("signal", sig).
				Stringer("group", group).
				Msg("received signal")

			switch {
			case group == SignalGroupNotify:
				a.self.Notify(sig)
			case deadline != nil:
				return errors.Errorf("forced exit on %s", sig)
			default:
				a.Super.Cancel()
				stopping(sig.String())
			}
		}
	}
}
