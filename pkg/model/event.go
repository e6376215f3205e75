package model

// NodeEvent represents the events that drive the election role FSM
type NodeEvent string

const (
	// EventElected the node became the smallest id of the membership
	EventElected NodeEvent = "elected"
	// EventFollow another node is the master
	EventFollow NodeEvent = "follow"
	// EventIsolate the membership became empty
	EventIsolate NodeEvent = "isolate"
)

func (n NodeEvent) String() string {
	return string(n)
}

// LobbyState is the lifecycle state of the player lobby.
type LobbyState string

const (
	// LobbyOpen players may register and unregister
	LobbyOpen LobbyState = "open"
	// LobbyStarted a game is running, the lobby is closed
	LobbyStarted LobbyState = "started"
)

func (l LobbyState) String() string {
	return string(l)
}

// LobbyEvent drives the lobby lifecycle FSM
type LobbyEvent string

const (
	// LobbyEventStart closes the lobby
	LobbyEventStart LobbyEvent = "start"
	// LobbyEventReset clears the lobby and opens it again
	LobbyEventReset LobbyEvent = "reset"
)

func (l LobbyEvent) String() string {
	return string(l)
}
