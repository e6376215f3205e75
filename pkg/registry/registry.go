// Package registry holds the local copy of the replicated player lobby.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"
	"golang.org/x/exp/slices"

	"github.com/danl5/golobby/pkg/model"
)

const (
	// MaxPlayers is the capacity of the lobby
	MaxPlayers = 4
	// MinPlayers is the number of players required to start a game
	MinPlayers = 2
)

var (
	ErrInvalidPlayer     = errors.New("player name and callback are required")
	ErrLobbyStarted      = errors.New("lobby is started")
	ErrLobbyFull         = errors.New("lobby is full")
	ErrDuplicateName     = errors.New("player name already registered")
	ErrDuplicateCallback = errors.New("callback already registered")
	ErrPlayerNotFound    = errors.New("player not found")
)

// Registry maps player names to callback addresses.
// A single mutex covers the players, the callback index and the lobby state.
type Registry struct {
	mu        sync.Mutex
	players   map[string]string
	callbacks map[string]string
	lobby     *fsm.FSM
}

func New() *Registry {
	return &Registry{
		players:   map[string]string{},
		callbacks: map[string]string{},
		lobby: fsm.NewFSM(
			model.LobbyOpen.String(),
			fsm.Events{
				{
					Name: model.LobbyEventStart.String(),
					Src:  []string{model.LobbyOpen.String(), model.LobbyStarted.String()},
					Dst:  model.LobbyStarted.String(),
				},
				{
					Name: model.LobbyEventReset.String(),
					Src:  []string{model.LobbyOpen.String(), model.LobbyStarted.String()},
					Dst:  model.LobbyOpen.String(),
				},
			},
			fsm.Callbacks{},
		),
	}
}

// Add registers a player.
func (r *Registry) Add(name, callback string) error {
	if name == "" || callback == "" {
		return ErrInvalidPlayer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.startedLocked():
		return ErrLobbyStarted
	case len(r.players) >= MaxPlayers:
		return ErrLobbyFull
	}
	if _, ok := r.players[name]; ok {
		return ErrDuplicateName
	}
	if _, ok := r.callbacks[callback]; ok {
		return ErrDuplicateCallback
	}

	r.players[name] = callback
	r.callbacks[callback] = name
	return nil
}

// Remove unregisters a player.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.startedLocked() {
		return ErrLobbyStarted
	}
	callback, ok := r.players[name]
	if !ok {
		return ErrPlayerNotFound
	}
	delete(r.players, name)
	delete(r.callbacks, callback)
	return nil
}

// ReplaceAll overwrites the players with a replicated snapshot.
// The sender already enforced the lobby invariants, they are not checked again.
func (r *Registry) ReplaceAll(players map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.players = make(map[string]string, len(players))
	r.callbacks = make(map[string]string, len(players))
	for name, callback := range players {
		r.players[name] = callback
		r.callbacks[callback] = name
	}
}

// Snapshot returns a copy of the players.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.players))
	for name, callback := range r.players {
		out[name] = callback
	}
	return out
}

// List returns the sorted player names.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.players))
	for name := range r.players {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// TrySatisfyStart reports whether enough players are registered to start.
// The lobby state is left alone; it changes when the start message is applied.
func (r *Registry) TrySatisfyStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players) >= MinPlayers
}

// MarkStarted closes the lobby.
func (r *Registry) MarkStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fire(model.LobbyEventStart)
}

func (r *Registry) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedLocked()
}

// State returns the lobby state.
func (r *Registry) State() model.LobbyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.LobbyState(r.lobby.Current())
}

// Reset removes every player and opens the lobby.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.players = map[string]string{}
	r.callbacks = map[string]string{}
	r.fire(model.LobbyEventReset)
}

// Visualize returns a visualization of the lobby state machine in Graphviz format.
func (r *Registry) Visualize() string {
	return fsm.Visualize(r.lobby)
}

func (r *Registry) startedLocked() bool {
	return r.lobby.Is(model.LobbyStarted.String())
}

func (r *Registry) fire(ev model.LobbyEvent) {
	// both events are defined for every state, the only possible error is a no-op transition
	_ = r.lobby.Event(context.Background(), ev.String())
}
