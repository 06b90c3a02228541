package controller

import (
	"fmt"
)

type State uint32

const (
	StateUncreated State = iota
	StateCreated
	StateBound
	StateUnloading
	StateUnloaded
	StateDisposed
)

var stateNames = [...]string{
	StateUncreated: "uncreated",
	StateCreated:   "created",
	StateBound:     "bound",
	StateUnloading: "unloading",
	StateUnloaded:  "unloaded",
	StateDisposed:  "disposed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Live reports whether a worker handle exists in state s.
func (s State) Live() bool {
	switch s {
	case StateCreated, StateBound, StateUnloading:
		return true
	default:
		return false
	}
}
