package common

// ResultMessage is the plain text body returned by the lobby endpoints
type ResultMessage string

const (
	// Registered the player was added to the lobby
	Registered ResultMessage = `Registered`
	// RegistrationFailed the lobby is full or started, or the name or callback is taken
	RegistrationFailed ResultMessage = `Registration failed`
	// BadRequest the request body is not a valid player
	BadRequest ResultMessage = `Bad request`
	// Removed the player was removed from the lobby
	Removed ResultMessage = `Removed`
	// NotFound the player is not registered
	NotFound ResultMessage = `Not found`
	// LobbyClosed the lobby does not accept changes while a game is running
	LobbyClosed ResultMessage = `Lobby is closed, a game is running`
	// GameStarted every player was notified and the lobby is closed
	GameStarted ResultMessage = `Game started. All clients notified.`
	// NotEnoughPlayers the lobby holds fewer players than required
	NotEnoughPlayers ResultMessage = `Game cannot be started. Not enough players.`
	// AlreadyRunning a game is running already
	AlreadyRunning ResultMessage = `Game cannot be started. Game is already running.`
	// LobbyReset the lobby was cleared
	LobbyReset ResultMessage = `Lobby reset`
	// NoMaster no node can serve the request right now
	NoMaster ResultMessage = `No master available`
)

func (m ResultMessage) String() string {
	return string(m)
}

// ClientUnreachable is the body returned when a start notification failed.
func ClientUnreachable(player string) string {
	return "Game start aborted. Client '" + player + "' is unreachable."
}
