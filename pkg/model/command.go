package model

// CommandCode identifies a request between transport peers.
type CommandCode uint

const (
	// CommandDeliver carries an Envelope to a peer
	CommandDeliver CommandCode = iota
	// CommandLeave announces that the sender leaves the group
	CommandLeave
	// CommandProbe asks a peer whether it is a member of a group
	CommandProbe
)

func (c CommandCode) String() string {
	switch c {
	case CommandDeliver:
		return "deliver"
	case CommandLeave:
		return "leave"
	case CommandProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// Header is a common structure for both requests and responses.
type Header struct {
	// Node field, which represents the information of a node
	Node Node `json:"node" mapstructure:"node"`
}

// Request represents a structure for the requests.
type Request struct {
	Header `mapstructure:",squash"`
	// CommandCode is the command code.
	CommandCode CommandCode `json:"command_code"`
	// Command is the actual request payload.
	Command any `json:"command"`
}

// Response defines a structure for responses.
type Response struct {
	Header `mapstructure:",squash"`
	// Ok reports whether the peer accepted the command.
	Ok bool `json:"ok"`
	// Message holds the reason when Ok is false.
	Message string `json:"message,omitempty"`
}

// CommandHandler represents a function that handles command requests and returns responses.
type CommandHandler func(request *Request, response *Response) error
