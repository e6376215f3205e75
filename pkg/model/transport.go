package model

// GroupEvent is one item of the ordered stream delivered by a group transport.
// The set of implementations is closed: *Delivery, *MembershipChange.
type GroupEvent interface {
	isGroupEvent()
}

// Delivery is an application message received from the group
type Delivery struct {
	// Sender is the raw member name of the sender
	Sender string
	// Envelope is the decoded message
	Envelope Envelope
}

func (*Delivery) isGroupEvent() {}

// MembershipChange is a view change of the group
type MembershipChange struct {
	// Members holds the raw names of all current members, empty when this node is disconnected
	Members []string
	// CausedByJoin is true when the change was caused by a member joining
	CausedByJoin bool
	// Joined is the raw name of the joining member, if any
	Joined string
}

func (*MembershipChange) isGroupEvent() {}

var _ GroupEvent = &Delivery{}
var _ GroupEvent = &MembershipChange{}

// Transport interface definition that a group communication provider needs to implement.
//
// Implementations must deliver membership changes and messages to every member in one
// total order consistent with send order (virtual synchrony). The election is only correct
// under that guarantee.
type Transport interface {
	// Connect connects to the group service as nodeID.
	Connect(host string, port int, nodeID string, config TransportConfig) error
	// Join joins the named group, the first membership change follows on Events.
	Join(group string) error
	// Send multicasts msg to the group, the sender does not receive its own message.
	Send(msg Message) error
	// Events returns the ordered stream of deliveries and membership changes.
	Events() <-chan GroupEvent
	// Leave leaves the group. An empty membership change is emitted and the stream is closed.
	Leave() error
}

// TransportConfig is an interface representing the contract for a configuration object
// that can be validated.
type TransportConfig interface {
	Validate() error
}
