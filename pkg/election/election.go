// Package election decides which node of the current membership is the master.
//
// The master is the smallest node id of the membership. Every node applies the same rule to
// the same membership, so all nodes agree without a voting round as long as the group
// transport delivers membership changes to every member in the same order.
package election

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
	"golang.org/x/exp/slices"

	"github.com/danl5/golobby/pkg/model"
)

const transitionBuffer = 16

func NewElection(logger *slog.Logger) (*Election, error) {
	if logger == nil {
		return nil, fmt.Errorf("new election, logger is nil")
	}

	e := &Election{
		logger:      logger.With("component", "election"),
		transitions: make(chan model.StateTransition, transitionBuffer),
	}
	e.initializeFsm()
	return e, nil
}

// Election holds the master state of this node
type Election struct {
	// mu guards state and fsm together
	mu sync.RWMutex
	// state is the last computed master pair
	state model.MasterState
	// fsm tracks the role of this node
	fsm *fsm.FSM

	// transitions is used to transmit role transitions
	transitions chan model.StateTransition
	logger      *slog.Logger
}

// Evaluate applies a membership to the master state.
// The master is the smallest id of members; an empty membership clears the state.
func (e *Election) Evaluate(members []string, self string) {
	if len(members) == 0 {
		e.ResetMaster()
		return
	}

	sorted := slices.Clone(members)
	slices.Sort(sorted)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = model.MasterState{
		MasterID: sorted[0],
		IsMaster: sorted[0] == self,
	}
	if e.state.IsMaster {
		e.fire(model.EventElected)
	} else {
		e.fire(model.EventFollow)
	}

	e.logger.Info("election evaluated",
		"members", sorted, "master", e.state.MasterID, "self", self, "is_master", e.state.IsMaster)
}

// ResetMaster clears the master state.
func (e *Election) ResetMaster() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = model.MasterState{}
	e.fire(model.EventIsolate)
	e.logger.Info("master state cleared")
}

// IsMaster reports whether this node is the master.
func (e *Election) IsMaster() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.IsMaster
}

// CurrentMasterID returns the id of the master, empty when unknown.
func (e *Election) CurrentMasterID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.MasterID
}

// State returns the master pair as one consistent value.
func (e *Election) State() model.MasterState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Role returns the current role of this node.
func (e *Election) Role() model.NodeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return model.NodeState(e.fsm.Current())
}

// Transitions returns the channel of role transitions.
func (e *Election) Transitions() <-chan model.StateTransition {
	return e.transitions
}

// Visualize returns a visualization of the role state machine in Graphviz format.
func (e *Election) Visualize() string {
	return fsm.Visualize(e.fsm)
}

// fire must be called with mu held
func (e *Election) fire(ev model.NodeEvent) {
	err := e.fsm.Event(context.Background(), ev.String())
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		// role unchanged
		return
	}
	e.logger.Error("error role transition", "current state", e.fsm.Current(), "event", ev.String(), "error", err.Error())
}

func (e *Election) publish(state, srcState model.NodeState, transType model.TransitionType) {
	st := model.StateTransition{
		State:    state,
		SrcState: srcState,
		Type:     transType,
		MasterID: e.state.MasterID,
	}
	select {
	case e.transitions <- st:
	default:
		e.logger.Warn("transition channel is full, drop transition", "type", transType.String(), "state", state)
	}
}

func (e *Election) enterState(_ context.Context, ev *fsm.Event) {
	e.publish(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
}

func (e *Election) leaveState(_ context.Context, ev *fsm.Event) {
	e.publish(model.NodeState(ev.Src), model.NodeState(ev.Dst), model.TransitionTypeLeave)
}

// initializeFsm initializes the role state machine, every role is reachable from every role
func (e *Election) initializeFsm() {
	all := []string{
		model.NodeStateMaster.String(),
		model.NodeStateFollower.String(),
		model.NodeStateIsolated.String(),
	}
	e.fsm = fsm.NewFSM(
		model.NodeStateIsolated.String(),
		fsm.Events{
			{Name: model.EventElected.String(), Src: all, Dst: model.NodeStateMaster.String()},
			{Name: model.EventFollow.String(), Src: all, Dst: model.NodeStateFollower.String()},
			{Name: model.EventIsolate.String(), Src: all, Dst: model.NodeStateIsolated.String()},
		},
		fsm.Callbacks{
			"enter_state": e.enterState,
			"leave_state": e.leaveState,
		},
	)
}
