package process

import (
	"context"

	"github.com/teivah/broadcast"
	"github.com/vspaced/vspace/internal/brokers"
)

// EventsBroker fans events out to every subscribed connection within this
// process.
type EventsBroker struct {
	events *broadcast.Relay[brokers.Event]
}

func NewEventsBroker() *EventsBroker {
	return &EventsBroker{
		events: broadcast.NewRelay[brokers.Event](),
	}
}

func (b *EventsBroker) Open(ctx context.Context, brokerURL string) error {
	return nil
}

func (b *EventsBroker) SubscribeToEvents(ctx context.Context, errs chan error) (chan brokers.Event, func() error) {
	events := make(chan brokers.Event)

	l := b.events.Listener(1)
	rawEvents := l.Ch()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-rawEvents:
				events <- event
			}
		}
	}()

	return events, func() error {
		l.Close()

		return nil
	}
}

func (b *EventsBroker) PublishEvent(ctx context.Context, event brokers.Event) error {
	b.events.Broadcast(event)

	return nil
}

func (b *EventsBroker) Close() error {
	b.events.Close()

	return nil
}
