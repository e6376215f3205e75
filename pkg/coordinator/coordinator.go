// Package coordinator applies group events to the election and the player registry.
//
// Membership changes and replication messages arrive on one ordered stream and are
// processed by a single goroutine. Correctness depends on the transport delivering that
// stream to every member in the same total order; there is no lock shared between the
// election and the registry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/exp/slices"

	"github.com/danl5/golobby/pkg/election"
	"github.com/danl5/golobby/pkg/model"
	"github.com/danl5/golobby/pkg/registry"
)

var (
	ErrNoMaster    = errors.New("no master is known")
	ErrUnknownNode = errors.New("node is not in the node table")
)

func NewCoordinator(
	self string,
	trans model.Transport,
	elect *election.Election,
	reg *registry.Registry,
	locations map[string]string,
	logger *slog.Logger) (*Coordinator, error) {
	if self == "" {
		return nil, fmt.Errorf("new coordinator, node id is empty")
	}
	if trans == nil || elect == nil || reg == nil {
		return nil, fmt.Errorf("new coordinator, missing transport, election or registry")
	}
	if logger == nil {
		return nil, fmt.Errorf("new coordinator, logger is nil")
	}

	table := make(map[string]string, len(locations))
	for id, addr := range locations {
		table[id] = addr
	}
	return &Coordinator{
		self:      self,
		transport: trans,
		election:  elect,
		registry:  reg,
		locations: table,
		logger:    logger.With("component", "coordinator"),
	}, nil
}

type Coordinator struct {
	// self is the logical id of this node
	self string
	// transport is the group transport
	transport model.Transport
	election  *election.Election
	registry  *registry.Registry
	// locations maps node ids to request handler addresses, fixed at startup
	locations map[string]string

	logger *slog.Logger
}

// Run processes the transport event stream until ctx is done or the stream is closed.
func (c *Coordinator) Run(ctx context.Context) error {
	events := c.transport.Events()
	c.logger.Info("coordinator started", "node", c.self)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped", "reason", ctx.Err().Error())
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.logger.Info("group event stream is closed")
				return nil
			}
			c.HandleEvent(ev)
		}
	}
}

// HandleEvent dispatches one group event.
func (c *Coordinator) HandleEvent(ev model.GroupEvent) {
	switch e := ev.(type) {
	case *model.Delivery:
		c.HandleDelivery(e)
	case *model.MembershipChange:
		c.HandleMembership(e)
	default:
		c.logger.Error("unknown group event, drop it", "type", fmt.Sprintf("%T", ev))
	}
}

// HandleDelivery decodes a delivered envelope and applies it.
func (c *Coordinator) HandleDelivery(d *model.Delivery) {
	msg, err := d.Envelope.Message()
	if err != nil {
		c.logger.Error("failed to decode message, drop it",
			"sender", d.Sender, "id", d.Envelope.ID, "error", err.Error())
		return
	}
	c.HandleMessage(msg, d.Sender)
}

// HandleMessage applies a replication message to the registry.
func (c *Coordinator) HandleMessage(msg model.Message, sender string) {
	switch m := msg.(type) {
	case *model.SnapshotMessage:
		c.registry.ReplaceAll(m.Players)
		c.logger.Info("player registry updated from master", "sender", sender, "players", len(m.Players))
	case *model.ResetMessage:
		c.registry.Reset()
		c.logger.Info("lobby reset received from master", "sender", sender)
	case *model.StartMessage:
		c.registry.MarkStarted()
		c.logger.Info("game start received from master", "sender", sender)
	default:
		c.logger.Error("unknown message kind, drop it", "sender", sender, "type", fmt.Sprintf("%T", msg))
	}
}

// HandleMembership applies a membership change.
//
// When this node was master under the previous membership and a node joined, the registry
// is handed over (snapshot, then start if the lobby is started) before the master is
// evaluated for the new membership.
func (c *Coordinator) HandleMembership(change *model.MembershipChange) {
	if len(change.Members) == 0 {
		c.election.ResetMaster()
		c.logger.Warn("membership is empty, master state cleared")
		return
	}

	ids := make([]string, 0, len(change.Members))
	for _, raw := range change.Members {
		ids = append(ids, model.MemberID(raw))
	}
	slices.Sort(ids)

	if c.election.IsMaster() && change.CausedByJoin {
		c.logger.Info("snapshot handover to joining node", "joined", model.MemberID(change.Joined))
		_ = c.Replicate()
		if c.registry.IsStarted() {
			_ = c.BroadcastStart()
		}
	}

	c.election.Evaluate(ids, c.self)
}

// Replicate broadcasts a snapshot of the registry.
func (c *Coordinator) Replicate() error {
	return c.send(&model.SnapshotMessage{Players: c.registry.Snapshot()})
}

// BroadcastReset broadcasts a lobby reset.
func (c *Coordinator) BroadcastReset() error {
	return c.send(&model.ResetMessage{})
}

// BroadcastStart broadcasts the game start.
func (c *Coordinator) BroadcastStart() error {
	return c.send(&model.StartMessage{})
}

// send is best effort, local state is never rolled back on failure
func (c *Coordinator) send(msg model.Message) error {
	if err := c.transport.Send(msg); err != nil {
		c.logger.Error("failed to broadcast", "kind", msg.Kind().String(), "error", err.Error())
		return err
	}
	c.logger.Debug("broadcast", "kind", msg.Kind().String())
	return nil
}

func (c *Coordinator) IsMaster() bool {
	return c.election.IsMaster()
}

func (c *Coordinator) CurrentMasterID() string {
	return c.election.CurrentMasterID()
}

// MasterState returns the master pair as one consistent value.
func (c *Coordinator) MasterState() model.MasterState {
	return c.election.State()
}

// Role returns the election role of this node.
func (c *Coordinator) Role() model.NodeState {
	return c.election.Role()
}

// MasterLocation returns the request handler address of the current master.
func (c *Coordinator) MasterLocation() (string, error) {
	id := c.election.CurrentMasterID()
	if id == "" {
		return "", ErrNoMaster
	}
	addr, ok := c.locations[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return addr, nil
}

// Self returns the node id of this node.
func (c *Coordinator) Self() string {
	return c.self
}

// Registry returns the local player registry.
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}
