package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrUnknownMessageKind is returned for an envelope whose kind is not part of the protocol
	ErrUnknownMessageKind = errors.New("unknown message kind")
)

// MessageKind tags the replication messages on the wire
type MessageKind string

const (
	// KindSnapshot carries the full player registry
	KindSnapshot MessageKind = "snapshot"
	// KindReset clears the lobby
	KindReset MessageKind = "reset"
	// KindStart closes the lobby
	KindStart MessageKind = "start"
)

func (k MessageKind) String() string {
	return string(k)
}

// Message is a replication message sent by the master to the group.
// The set of implementations is closed: *SnapshotMessage, *ResetMessage, *StartMessage.
type Message interface {
	Kind() MessageKind
	isMessage()
}

// SnapshotMessage replaces the registry of every receiver
type SnapshotMessage struct {
	Players map[string]string
}

func (*SnapshotMessage) Kind() MessageKind { return KindSnapshot }
func (*SnapshotMessage) isMessage()        {}

// ResetMessage resets the lobby of every receiver
type ResetMessage struct{}

func (*ResetMessage) Kind() MessageKind { return KindReset }
func (*ResetMessage) isMessage()        {}

// StartMessage marks the lobby of every receiver as started
type StartMessage struct{}

func (*StartMessage) Kind() MessageKind { return KindStart }
func (*StartMessage) isMessage()        {}

var _ Message = &SnapshotMessage{}
var _ Message = &ResetMessage{}
var _ Message = &StartMessage{}

// Envelope is the wire form of a Message.
type Envelope struct {
	// ID identifies one broadcast, used for tracing
	ID string `json:"id" mapstructure:"id"`
	// Group is the group the envelope was sent to
	Group string `json:"group" mapstructure:"group"`
	// Sender is the node id of the sender
	Sender string `json:"sender" mapstructure:"sender"`
	// Kind is the message kind
	Kind MessageKind `json:"kind" mapstructure:"kind"`
	// Players is only set for snapshot messages
	Players map[string]string `json:"players,omitempty" mapstructure:"players"`
}

// NewEnvelope wraps msg for sending to group.
func NewEnvelope(msg Message, group, sender string) Envelope {
	env := Envelope{
		ID:     uuid.NewString(),
		Group:  group,
		Sender: sender,
		Kind:   msg.Kind(),
	}
	if s, ok := msg.(*SnapshotMessage); ok {
		env.Players = make(map[string]string, len(s.Players))
		for name, callback := range s.Players {
			env.Players[name] = callback
		}
	}
	return env
}

// Message converts the envelope back to a Message.
func (e Envelope) Message() (Message, error) {
	switch e.Kind {
	case KindSnapshot:
		players := make(map[string]string, len(e.Players))
		for name, callback := range e.Players {
			players[name] = callback
		}
		return &SnapshotMessage{Players: players}, nil
	case KindReset:
		return &ResetMessage{}, nil
	case KindStart:
		return &StartMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageKind, e.Kind)
	}
}
