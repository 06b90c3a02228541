package message

import (
	"fmt"
	"strings"

	"git.tatikoma.dev/corpix/shelf/errors"
)

var (
	ErrUnknownKind = errors.New("unknown message kind")
	ErrNoName      = errors.New("message has no service name")
)

// Envelope is the serialized shape of a Message.
type Envelope struct {
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	Address    string `json:"address,omitempty"`
	EndpointID string `json:"endpoint_id,omitempty"`
	Cause      string `json:"cause,omitempty"`
}

// Ack acknowledges receipt of an Envelope, not its processing.
type Ack struct{}

func (e *Envelope) Default() {
	e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
	e.Name = strings.TrimSpace(e.Name)
}

func (e *Envelope) Validate() error {
	if _, err := ParseKind(e.Kind); err != nil {
		return err
	}
	if e.Name == "" {
		return ErrNoName
	}
	return nil
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.Name)
}

func ToEnvelope(m Message) *Envelope {
	e := &Envelope{
		Kind: m.Kind().String(),
		Name: m.Service(),
	}
	switch v := m.(type) {
	case WorkerCreated:
		e.Address = v.Address
		e.EndpointID = v.EndpointID
	case WorkerFault:
		e.Cause = v.Cause
	}
	return e
}

func FromEnvelope(e *Envelope) (Message, error) {
	k, err := ParseKind(e.Kind)
	if err != nil {
		return nil, err
	}

	switch k {
	case KindWorkerCreated:
		return WorkerCreated{Name: e.Name, Address: e.Address, EndpointID: e.EndpointID}, nil
	case KindWorkerUnloaded:
		return WorkerUnloaded{Name: e.Name}, nil
	case KindStartService:
		return StartService{Name: e.Name}, nil
	case KindStopService:
		return StopService{Name: e.Name}, nil
	case KindPauseService:
		return PauseService{Name: e.Name}, nil
	case KindContinueService:
		return ContinueService{Name: e.Name}, nil
	case KindUnloadService:
		return UnloadService{Name: e.Name}, nil
	case KindWorkerUnloading:
		return WorkerUnloading{Name: e.Name}, nil
	case KindWorkerFault:
		return WorkerFault{Name: e.Name, Cause: e.Cause}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
}
