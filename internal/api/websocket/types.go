package websocket

const (
	TypeJoin         = "join"               // Join is a login request carrying username and room
	TypeIntroduction = "introduction"       // Introduction bootstraps a new participant with its id and its peers
	TypePositions    = "positions"          // Positions is a snapshot of every participant's spatial state
	TypeJoined       = "participant-joined" // Joined announces a new participant to the others
	TypeLeft         = "participant-left"   // Left announces a departed participant to the others
	TypeMove         = "move"               // Move updates the sender's position and rotation
	TypeSignal       = "signal"             // Signal is an opaque negotiation envelope relayed between two participants
	TypeData         = "data"               // Data is an opaque payload relayed to all other participants
)
