// Package lobby holds the request flow of the lobby: master check, registry update, replication.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/danl5/golobby/pkg/coordinator"
	"github.com/danl5/golobby/pkg/model"
)

var (
	ErrAlreadyStarted   = errors.New("game is already running")
	ErrNotEnoughPlayers = errors.New("not enough players to start the game")
)

// NotMasterError is returned when the request has to be served by another node.
// Location is empty when the master address is unknown.
type NotMasterError struct {
	MasterID string
	Location string
	Err      error
}

func (e *NotMasterError) Error() string {
	if e.MasterID == "" {
		return "no master is known"
	}
	if e.Location == "" {
		return fmt.Sprintf("node %s is the master, address unknown", e.MasterID)
	}
	return fmt.Sprintf("node %s at %s is the master", e.MasterID, e.Location)
}

func (e *NotMasterError) Unwrap() error {
	return e.Err
}

// Notifier tells the players that the game starts.
type Notifier interface {
	NotifyStart(ctx context.Context, players map[string]string) error
}

// Status is the local view of a node.
type Status struct {
	NodeID   string           `json:"node_id"`
	MasterID string           `json:"master_id"`
	IsMaster bool             `json:"is_master"`
	Role     model.NodeState  `json:"role"`
	Lobby    model.LobbyState `json:"lobby"`
	Players  []string         `json:"players"`
}

func NewService(coord *coordinator.Coordinator, notifier Notifier, logger *slog.Logger) (*Service, error) {
	if coord == nil || notifier == nil {
		return nil, fmt.Errorf("new lobby service, missing coordinator or notifier")
	}
	if logger == nil {
		return nil, fmt.Errorf("new lobby service, logger is nil")
	}
	return &Service{
		coord:    coord,
		notifier: notifier,
		logger:   logger.With("component", "lobby"),
	}, nil
}

type Service struct {
	// mu serializes the mutations of the master, a start holds it while players are notified
	mu       sync.Mutex
	coord    *coordinator.Coordinator
	notifier Notifier
	logger   *slog.Logger
}

// Register adds a player on the master and replicates the registry.
func (s *Service) Register(name, callback string) error {
	if err := s.ensureMaster(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.coord.Registry().Add(name, callback); err != nil {
		s.logger.Info("registration rejected", "player", name, "reason", err.Error())
		return err
	}
	s.logger.Info("player registered", "player", name)
	_ = s.coord.Replicate()
	return nil
}

// Unregister removes a player on the master and replicates the registry.
func (s *Service) Unregister(name string) error {
	if err := s.ensureMaster(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.coord.Registry().Remove(name); err != nil {
		s.logger.Info("unregistration rejected", "player", name, "reason", err.Error())
		return err
	}
	s.logger.Info("player removed", "player", name)
	_ = s.coord.Replicate()
	return nil
}

// List returns the sorted player names.
func (s *Service) List() ([]string, error) {
	if err := s.ensureMaster(); err != nil {
		return nil, err
	}
	return s.coord.Registry().List(), nil
}

// StartGame notifies every player and closes the lobby.
// When a player cannot be notified the lobby stays open and unchanged.
// Registrations wait until the players were notified.
func (s *Service) StartGame(ctx context.Context) error {
	if err := s.ensureMaster(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := s.coord.Registry()
	if reg.IsStarted() {
		return ErrAlreadyStarted
	}
	if !reg.TrySatisfyStart() {
		return ErrNotEnoughPlayers
	}

	if err := s.notifier.NotifyStart(ctx, reg.Snapshot()); err != nil {
		s.logger.Error("game start aborted", "error", err.Error())
		return err
	}
	reg.MarkStarted()
	_ = s.coord.BroadcastStart()
	s.logger.Info("game started", "players", reg.Size())
	return nil
}

// FinishGame resets the lobby on every node.
func (s *Service) FinishGame() error {
	if err := s.ensureMaster(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coord.Registry().Reset()
	_ = s.coord.BroadcastReset()
	s.logger.Info("lobby reset")
	return nil
}

// Status reports the local view, it is served by every node.
func (s *Service) Status() Status {
	state := s.coord.MasterState()
	reg := s.coord.Registry()
	return Status{
		NodeID:   s.coord.Self(),
		MasterID: state.MasterID,
		IsMaster: state.IsMaster,
		Role:     s.coord.Role(),
		Lobby:    reg.State(),
		Players:  reg.List(),
	}
}

func (s *Service) ensureMaster() error {
	if s.coord.IsMaster() {
		return nil
	}
	masterID := s.coord.CurrentMasterID()
	location, err := s.coord.MasterLocation()
	if err != nil {
		s.logger.Warn("master location unknown", "master", masterID, "error", err.Error())
	}
	return &NotMasterError{MasterID: masterID, Location: location, Err: err}
}
