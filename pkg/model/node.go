package model

import (
	"errors"
	"strings"
)

// NodeState represents the role of a node in the lobby cluster.
type NodeState string

const (
	// NodeStateMaster the node is the smallest id of the current membership
	NodeStateMaster NodeState = "master"
	// NodeStateFollower the node is a member but not the master
	NodeStateFollower NodeState = "follower"
	// NodeStateIsolated the node sees no membership at all
	NodeStateIsolated NodeState = "isolated"
)

func (n NodeState) String() string {
	return string(n)
}

// Node represents a node instance
type Node struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

func (n *Node) Validate() error {
	if n.ID == "" {
		return errors.New("node ID is required")
	}
	if n.Address == "" {
		return errors.New("node address is required")
	}
	return nil
}

// MasterState is the pair computed by the election, always read and written together.
type MasterState struct {
	IsMaster bool   `json:"is_master"`
	MasterID string `json:"master_id"`
}

// MemberID extracts the logical node id from a raw group member name.
// Private group names look like "#node1#daemon-host"; anything else is returned as is.
func MemberID(raw string) string {
	if !strings.HasPrefix(raw, "#") {
		return raw
	}
	for _, part := range strings.Split(raw, "#") {
		if part != "" {
			return part
		}
	}
	return raw
}

// PrivateName builds the raw member name used by transports for a node id.
func PrivateName(nodeID, host string) string {
	return "#" + nodeID + "#" + host
}
