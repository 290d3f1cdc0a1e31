// Package finitestate tracks the lifecycle of long-running render components.
package finitestate

import (
	"context"
	"log/slog"
	"time"

	"github.com/robbyt/go-fsm"
)

const (
	StatusNew       = fsm.StatusNew
	StatusBooting   = fsm.StatusBooting
	StatusRunning   = fsm.StatusRunning
	StatusReloading = fsm.StatusReloading
	StatusStopping  = fsm.StatusStopping
	StatusStopped   = fsm.StatusStopped
	StatusError     = fsm.StatusError
	StatusUnknown   = fsm.StatusUnknown
)

// TypicalTransitions is the transition table used by the renderer.
var TypicalTransitions = fsm.TypicalTransitions

type SubscriberOption = fsm.SubscriberOption

var WithSyncTimeout = fsm.WithSyncTimeout

// stateChanTimeout bounds how long a transition waits on a slow subscriber.
const stateChanTimeout = 5 * time.Second

// Machine is the subset of the state machine the renderer depends on.
type Machine interface {
	// Transition moves the machine to state, failing on a disallowed transition.
	Transition(state string) error

	// TransitionIfCurrentState moves to newState only when the machine is in currentState.
	TransitionIfCurrentState(currentState, newState string) error

	// GetState returns the current state.
	GetState() string

	// GetStateChan emits the current state, then every change, until ctx is canceled.
	GetStateChan(ctx context.Context) <-chan string

	GetStateChanWithOptions(ctx context.Context, opts ...SubscriberOption) <-chan string
}

// RenderFSM delivers every state change to subscribers instead of dropping
// changes a subscriber has not read yet.
type RenderFSM struct {
	*fsm.Machine
}

func (m *RenderFSM) GetStateChan(ctx context.Context) <-chan string {
	return m.GetStateChanWithOptions(ctx, WithSyncTimeout(stateChanTimeout))
}

// New creates a machine in StatusNew that logs transitions to handler.
func New(handler slog.Handler) (Machine, error) {
	machine, err := fsm.New(handler, StatusNew, TypicalTransitions)
	if err != nil {
		return nil, err
	}
	return &RenderFSM{Machine: machine}, nil
}
