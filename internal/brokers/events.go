package brokers

import "context"

// Event is one message fanned out to the connection write loops. An empty To
// means broadcast; a non-empty To addresses exactly one participant. Room
// scopes broadcasts when room scoping is enabled. Subscribers skip events
// whose From matches their own id.
type Event struct {
	From string `json:"from"`
	To   string `json:"to"`
	Room string `json:"room"`
	P    []byte `json:"p"`
}

type EventsBroker interface {
	Open(ctx context.Context, brokerURL string) error
	SubscribeToEvents(ctx context.Context, errs chan error) (events chan Event, close func() error)
	PublishEvent(ctx context.Context, event Event) error
	Close() error
}
