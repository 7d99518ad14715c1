package websocket

import "encoding/json"

type Message struct {
	Type string `json:"type"`
}

// State is the publicly visible spatial state of one participant
type State struct {
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"`
	Username string     `json:"username,omitempty"`
}

// Join is sent by a client to claim a username and room before activation
type Join struct {
	Message
	Username string `json:"username"`
	Room     string `json:"room,omitempty"`
}

func NewJoin(username string, room string) *Join {
	return &Join{
		Message:  Message{Type: TypeJoin},
		Username: username,
		Room:     room,
	}
}

// Introduction bootstraps a new participant: its own id, the ids of the other
// participants it should negotiate towards, and the ICE servers to use
type Introduction struct {
	Message
	ID         string   `json:"id"`
	Peers      []string `json:"peers"`
	ICEServers []string `json:"iceServers,omitempty"`
}

func NewIntroduction(id string, peers []string, iceServers []string) *Introduction {
	return &Introduction{
		Message:    Message{Type: TypeIntroduction},
		ID:         id,
		Peers:      peers,
		ICEServers: iceServers,
	}
}

// Positions is the full-state snapshot pushed on every broadcast tick and once
// directly after the introduction
type Positions struct {
	Message
	Participants map[string]State `json:"participants"`
}

func NewPositions(participants map[string]State) *Positions {
	return &Positions{
		Message:      Message{Type: TypePositions},
		Participants: participants,
	}
}

// Joined notifies the existing participants of a new one
type Joined struct {
	Message
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

func NewJoined(id string, username string) *Joined {
	return &Joined{
		Message:  Message{Type: TypeJoined},
		ID:       id,
		Username: username,
	}
}

// Left notifies the remaining participants of a departed one
type Left struct {
	Message
	ID string `json:"id"`
}

func NewLeft(id string) *Left {
	return &Left{
		Message: Message{Type: TypeLeft},
		ID:      id,
	}
}

// Move replaces the sender's last known position and rotation
type Move struct {
	Message
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"`
}

func NewMove(position [3]float64, rotation [4]float64) *Move {
	return &Move{
		Message:  Message{Type: TypeMove},
		Position: position,
		Rotation: rotation,
	}
}

// Signal carries an opaque negotiation payload from one participant to
// another; the relay never parses Payload
type Signal struct {
	Message
	To      string          `json:"to"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

func NewSignal(to string, from string, payload []byte) *Signal {
	return &Signal{
		Message: Message{Type: TypeSignal},
		To:      to,
		From:    from,
		Payload: payload,
	}
}

// Data carries an opaque payload relayed to every other participant on the
// same channel
type Data struct {
	Message
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

func NewData(from string, payload []byte) *Data {
	return &Data{
		Message: Message{Type: TypeData},
		From:    from,
		Payload: payload,
	}
}
