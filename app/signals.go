package app

import (
	"os"
	"syscall"
)

type (
	Signal      = os.Signal
	SignalGroup uint8
)

const (
	// SignalGroupStop cancels the supervisor.
	SignalGroupStop SignalGroup = iota
	// SignalGroupNotify is forwarded to the services, the host reloads its
	// worker on it.
	SignalGroupNotify
)

var signalGroups = map[Signal]SignalGroup{
	syscall.SIGINT:  SignalGroupStop,
	syscall.SIGTERM: SignalGroupStop,
	syscall.SIGUSR1: SignalGroupNotify,
}

func (g SignalGroup) String() string {
	switch g {
	case SignalGroupStop:
		return "stop"
	case SignalGroupNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// GroupOf reports the group sig belongs to.
func GroupOf(sig Signal) (SignalGroup, bool) {
	g, ok := signalGroups[sig]
	return g, ok
}

// Signals lists every handled signal.
func Signals() []Signal {
	sigs := make([]Signal, 0, len(signalGroups))
	for sig := range signalGroups {
		sigs = append(sigs, sig)
	}
	return sigs
}
