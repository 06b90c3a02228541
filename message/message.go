// Package message defines the closed set of values exchanged between the
// supervisor, the isolated worker and the coordinator.
//
// Every message carries the controller name for correlation and nothing else
// that would tie it to a particular process, so values may be copied freely and
// sent across the isolation boundary.
package message

import (
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindWorkerCreated
	KindWorkerUnloaded
	KindStartService
	KindStopService
	KindPauseService
	KindContinueService
	KindUnloadService
	KindWorkerUnloading
	KindWorkerFault
)

var kindNames = [...]string{
	KindUnknown:         "unknown",
	KindWorkerCreated:   "worker_created",
	KindWorkerUnloaded:  "worker_unloaded",
	KindStartService:    "start_service",
	KindStopService:     "stop_service",
	KindPauseService:    "pause_service",
	KindContinueService: "continue_service",
	KindUnloadService:   "unload_service",
	KindWorkerUnloading: "worker_unloading",
	KindWorkerFault:     "worker_fault",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Bit returns k as a bitmap flag suitable for subscription filters.
func (k Kind) Bit() uint32 {
	return 1 << uint32(k)
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s && Kind(k) != KindUnknown {
			return Kind(k), nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Message is implemented only by the types of this package.
type Message interface {
	Kind() Kind
	Service() string
	sealed()
}

type (
	// WorkerCreated is announced by the worker once its endpoint accepts commands.
	// Address names the socket directory, EndpointID the socket inside it.
	WorkerCreated struct {
		Name       string
		Address    string
		EndpointID string
	}
	WorkerUnloaded struct {
		Name string
	}
	StartService struct {
		Name string
	}
	StopService struct {
		Name string
	}
	PauseService struct {
		Name string
	}
	ContinueService struct {
		Name string
	}
	UnloadService struct {
		Name string
	}
	WorkerUnloading struct {
		Name string
	}
	WorkerFault struct {
		Name  string
		Cause string
	}
)

func (WorkerCreated) Kind() Kind   { return KindWorkerCreated }
func (WorkerUnloaded) Kind() Kind  { return KindWorkerUnloaded }
func (StartService) Kind() Kind    { return KindStartService }
func (StopService) Kind() Kind     { return KindStopService }
func (PauseService) Kind() Kind    { return KindPauseService }
func (ContinueService) Kind() Kind { return KindContinueService }
func (UnloadService) Kind() Kind   { return KindUnloadService }
func (WorkerUnloading) Kind() Kind { return KindWorkerUnloading }
func (WorkerFault) Kind() Kind     { return KindWorkerFault }

func (m WorkerCreated) Service() string   { return m.Name }
func (m WorkerUnloaded) Service() string  { return m.Name }
func (m StartService) Service() string    { return m.Name }
func (m StopService) Service() string     { return m.Name }
func (m PauseService) Service() string    { return m.Name }
func (m ContinueService) Service() string { return m.Name }
func (m UnloadService) Service() string   { return m.Name }
func (m WorkerUnloading) Service() string { return m.Name }
func (m WorkerFault) Service() string     { return m.Name }

func (WorkerCreated) sealed()   {}
func (WorkerUnloaded) sealed()  {}
func (StartService) sealed()    {}
func (StopService) sealed()     {}
func (PauseService) sealed()    {}
func (ContinueService) sealed() {}
func (UnloadService) sealed()   {}
func (WorkerUnloading) sealed() {}
func (WorkerFault) sealed()     {}

// Fault builds a WorkerFault from an error.
func Fault(name string, cause error) WorkerFault {
	m := WorkerFault{Name: name}
	if cause != nil {
		m.Cause = cause.Error()
	}
	return m
}

// IsCommand reports whether k is sent from the supervisor to the worker.
func IsCommand(k Kind) bool {
	switch k {
	case KindStartService, KindStopService, KindPauseService, KindContinueService, KindUnloadService:
		return true
	default:
		return false
	}
}

// IsNotification reports whether k is sent from the worker to the supervisor.
func IsNotification(k Kind) bool {
	return k == KindWorkerCreated || k == KindWorkerUnloaded
}
