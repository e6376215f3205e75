// Package memory implements an in-process group transport.
//
// A Hub sequences every join, leave and broadcast under one lock and appends the resulting
// events to the queue of every member, so all members observe the same total order. This is
// the delivery guarantee the coordinator depends on; the package is used by tests and by
// single-process clusters.
package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/danl5/golobby/pkg/codec"
	"github.com/danl5/golobby/pkg/model"
	"github.com/danl5/golobby/pkg/transport/queue"
)

var (
	ErrNotConnected     = errors.New("transport is not connected")
	ErrAlreadyConnected = errors.New("transport is already connected")
	ErrNotJoined        = errors.New("transport has not joined a group")
	ErrAlreadyJoined    = errors.New("transport already joined a group")
)

// Hub connects the transports of one process.
type Hub struct {
	mu sync.Mutex
	// groups holds the members of every group in join order
	groups map[string][]*Transport
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		return nil, fmt.Errorf("new hub, logger is nil")
	}
	return &Hub{
		groups: map[string][]*Transport{},
		logger: logger.With("component", "memory hub"),
	}, nil
}

// NewTransport creates a transport attached to the hub.
func (h *Hub) NewTransport() *Transport {
	return &Transport{hub: h, queue: queue.New()}
}

// Members returns the raw member names of a group in join order.
func (h *Hub) Members(group string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.namesLocked(group)
}

func (h *Hub) namesLocked(group string) []string {
	names := make([]string, 0, len(h.groups[group]))
	for _, t := range h.groups[group] {
		names = append(names, t.name)
	}
	return names
}

func (h *Hub) join(t *Transport, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if slices.ContainsFunc(h.namesLocked(group), func(n string) bool { return n == t.name }) {
		return fmt.Errorf("member %s already in group %s", t.name, group)
	}
	h.groups[group] = append(h.groups[group], t)
	names := h.namesLocked(group)
	for _, m := range h.groups[group] {
		m.queue.Push(&model.MembershipChange{
			Members:      slices.Clone(names),
			CausedByJoin: true,
			Joined:       t.name,
		})
	}
	h.logger.Debug("member joined", "group", group, "member", t.name, "members", names)
	return nil
}

func (h *Hub) leave(t *Transport, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.groups[group]
	idx := slices.Index(members, t)
	if idx < 0 {
		return
	}
	h.groups[group] = slices.Delete(members, idx, idx+1)
	names := h.namesLocked(group)
	for _, m := range h.groups[group] {
		m.queue.Push(&model.MembershipChange{Members: slices.Clone(names)})
	}
	// the leaving member sees itself disconnected
	t.queue.Push(&model.MembershipChange{})
	t.queue.Close()
	h.logger.Debug("member left", "group", group, "member", t.name, "members", names)
}

func (h *Hub) broadcast(sender *Transport, group string, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range h.groups[group] {
		if m == sender {
			continue
		}
		// every receiver decodes its own copy
		env, err := codec.Decode(raw)
		if err != nil {
			h.logger.Error("failed to decode message, drop it", "receiver", m.name, "error", err.Error())
			continue
		}
		m.queue.Push(&model.Delivery{Sender: sender.name, Envelope: env})
	}
}

// Transport is one member of a Hub.
type Transport struct {
	hub   *Hub
	queue *queue.Queue

	mu     sync.Mutex
	nodeID string
	name   string
	group  string
}

var _ model.Transport = &Transport{}

// Connect registers the node id; host is used to build the member name.
func (t *Transport) Connect(host string, _ int, nodeID string, _ model.TransportConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nodeID != "" {
		return ErrAlreadyConnected
	}
	if nodeID == "" {
		return errors.New("node id is required")
	}
	t.nodeID = nodeID
	t.name = model.PrivateName(nodeID, host)
	return nil
}

func (t *Transport) Join(group string) error {
	t.mu.Lock()
	if t.nodeID == "" {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.group != "" {
		t.mu.Unlock()
		return ErrAlreadyJoined
	}
	t.group = group
	t.mu.Unlock()

	if err := t.hub.join(t, group); err != nil {
		t.mu.Lock()
		t.group = ""
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Transport) Send(msg model.Message) error {
	t.mu.Lock()
	group, nodeID := t.group, t.nodeID
	t.mu.Unlock()
	if group == "" {
		return ErrNotJoined
	}

	raw, err := codec.Encode(model.NewEnvelope(msg, group, nodeID))
	if err != nil {
		return err
	}
	t.hub.broadcast(t, group, raw)
	return nil
}

func (t *Transport) Events() <-chan model.GroupEvent {
	return t.queue.Out()
}

func (t *Transport) Leave() error {
	t.mu.Lock()
	group := t.group
	t.group = ""
	t.mu.Unlock()
	if group == "" {
		return ErrNotJoined
	}

	t.hub.leave(t, group)
	return nil
}
