package vspsgl

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/friendsofgo/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	websocketapi "github.com/vspaced/vspace/internal/api/websocket"
	"github.com/vspaced/vspace/internal/brokers"
	"github.com/vspaced/vspace/internal/brokers/process"
	"github.com/vspaced/vspace/internal/registry"
	"github.com/vspaced/vspace/internal/scheduler"
)

var (
	errMissingLogin = errors.New("missing login")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

const (
	// Room participants land in when room scoping is on but no room was given
	defaultRoom = "lobby"
)

type connection struct {
	conn   *websocket.Conn
	closer chan struct{}
}

type SignalerConfig struct {
	Heartbeat    time.Duration    // Time to wait for heartbeats
	Tick         time.Duration    // Period between positions broadcasts
	Ticks        <-chan time.Time // External tick source; overrides Tick when set
	RoomScoped   bool             // Scope discovery and broadcasts to rooms
	RequireLogin bool             // Require an explicit join message before activation
	ICEServers   []string         // ICE servers passed through to new participants
	StaticDir    string           // Directory to serve on non-WebSocket requests

	OnConnect    func(id string, room string)
	OnDisconnect func(id string, room string, err interface{})
}

// Signaler tracks connected participants, relays opaque negotiation envelopes
// between them and pushes positional snapshots to everyone at a fixed cadence.
type Signaler struct {
	laddr    string
	registry *registry.Registry
	config   *SignalerConfig
	ctx      context.Context

	errs            chan error
	connectionsLock sync.Mutex
	connections     map[string]connection
	broker          brokers.EventsBroker
	lis             net.Listener
	srv             *http.Server
}

func NewSignaler(
	laddr string,
	reg *registry.Registry,
	config *SignalerConfig,
	ctx context.Context,
) *Signaler {
	if config == nil {
		config = &SignalerConfig{}
	}

	if config.Heartbeat <= 0 {
		config.Heartbeat = time.Second * 10
	}

	if config.Tick <= 0 {
		config.Tick = time.Millisecond * 100
	}

	if reg == nil {
		reg = registry.NewRegistry()
	}

	return &Signaler{
		laddr:    laddr,
		registry: reg,
		config:   config,
		ctx:      ctx,

		errs: make(chan error),
	}
}

func (s *Signaler) Open() error {
	log.Trace().Msg("Opening signaler")

	lis, err := net.Listen("tcp", s.laddr)
	if err != nil {
		return errors.Wrap(err, "could not listen")
	}
	s.lis = lis

	s.broker = process.NewEventsBroker()
	if err := s.broker.Open(s.ctx, ""); err != nil {
		return err
	}

	s.srv = &http.Server{Addr: lis.Addr().String()}

	s.connections = map[string]connection{}

	var static http.Handler
	if strings.TrimSpace(s.config.StaticDir) != "" {
		static = http.FileServer(http.Dir(s.config.StaticDir))
	}

	s.srv.Handler = http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			if static != nil {
				static.ServeHTTP(rw, r)

				return
			}

			rw.WriteHeader(http.StatusNotFound)

			return
		}

		id := uuid.New().String()
		room := ""
		if s.config.RoomScoped {
			room = r.URL.Query().Get("room")
			if strings.TrimSpace(room) == "" {
				room = defaultRoom
			}
		}

		defer func() {
			err := recover()

			switch err := err.(type) {
			case nil:
				log.Debug().
					Str("id", id).
					Msg("Closed connection for client")
			case error:
				log.Debug().
					Err(err).
					Str("id", id).
					Msg("Closed connection for client")
			default:
				log.Debug().
					Interface("error", err).
					Str("id", id).
					Msg("Closed connection for client")
			}

			if s.config.OnDisconnect != nil {
				s.config.OnDisconnect(id, room, err)
			}
		}()

		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			panic(err)
		}

		defer func() {
			// Cleanup must be safe even if the introduction never completed
			if _, err := s.registry.Unregister(id); err == nil {
				p, err := json.Marshal(websocketapi.NewLeft(id))
				if err != nil {
					panic(err)
				}

				if err := s.broker.PublishEvent(s.ctx, brokers.Event{
					From: id,
					Room: room,
					P:    p,
				}); err != nil {
					panic(err)
				}
			}

			s.connectionsLock.Lock()
			delete(s.connections, id)
			s.connectionsLock.Unlock()

			log.Debug().
				Str("id", id).
				Str("room", room).
				Msg("Disconnected from client")

			if err := conn.Close(); err != nil {
				log.Debug().
					Err(err).
					Str("id", id).
					Msg("Could not close connection")
			}
		}()

		if err := conn.SetReadDeadline(time.Now().Add(s.config.Heartbeat)); err != nil {
			panic(err)
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.config.Heartbeat))
		})

		username := ""
		if s.config.RequireLogin {
			// The connection stays unregistered until it introduces itself
			_, p, err := conn.ReadMessage()
			if err != nil {
				panic(err)
			}

			var join websocketapi.Join
			if err := json.Unmarshal(p, &join); err != nil {
				panic(err)
			}

			if join.Type != websocketapi.TypeJoin || strings.TrimSpace(join.Username) == "" {
				panic(errMissingLogin)
			}

			username = join.Username
			if s.config.RoomScoped && strings.TrimSpace(join.Room) != "" {
				room = join.Room
			}
		}

		peers := s.registry.IDs(room)

		s.registry.Register(registry.Participant{
			ID:       id,
			Username: username,
			Room:     room,
			Position: registry.DefaultPosition,
			Rotation: registry.DefaultRotation,
		})

		closer := make(chan struct{})

		s.connectionsLock.Lock()
		s.connections[id] = connection{
			conn:   conn,
			closer: closer,
		}
		s.connectionsLock.Unlock()

		log.Debug().
			Str("id", id).
			Str("room", room).
			Msg("Connected from client")

		if s.config.OnConnect != nil {
			s.config.OnConnect(id, room)
		}

		// Introduce the new participant: its own id, its peers and the ICE
		// servers, followed by an immediate snapshot so it can render the
		// others without waiting for the next tick
		introduction, err := json.Marshal(websocketapi.NewIntroduction(id, peers, s.config.ICEServers))
		if err != nil {
			panic(err)
		}

		if err := conn.WriteMessage(websocket.TextMessage, introduction); err != nil {
			panic(err)
		}

		snapshot, err := json.Marshal(websocketapi.NewPositions(s.publicSnapshot(room)))
		if err != nil {
			panic(err)
		}

		if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
			panic(err)
		}

		joined, err := json.Marshal(websocketapi.NewJoined(id, username))
		if err != nil {
			panic(err)
		}

		if err := s.broker.PublishEvent(s.ctx, brokers.Event{
			From: id,
			Room: room,
			P:    joined,
		}); err != nil {
			panic(err)
		}

		pings := time.NewTicker(s.config.Heartbeat / 2)
		defer pings.Stop()

		errs := make(chan error)
		go func() {
			for {
				_, p, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
						errs <- err

						return
					}

					errs <- nil

					return
				}

				if err := s.handleMessage(id, room, p); err != nil {
					errs <- err

					return
				}
			}
		}()

		events, closeEvents := s.broker.SubscribeToEvents(s.ctx, errs)
		defer func() {
			if err := closeEvents(); err != nil {
				panic(err)
			}
		}()

		for {
			select {
			case <-closer:
				return
			case err := <-errs:
				if err == nil {
					return
				}

				panic(err)
			case event := <-events:
				// Never echo an event back to its originator
				if event.From == id {
					continue
				}

				if event.To != "" && event.To != id {
					continue
				}

				if event.Room != room {
					continue
				}

				if err := conn.WriteMessage(websocket.TextMessage, event.P); err != nil {
					panic(err)
				}

				if err := conn.SetWriteDeadline(time.Now().Add(s.config.Heartbeat)); err != nil {
					panic(err)
				}
			case <-pings.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					panic(err)
				}

				if err := conn.SetWriteDeadline(time.Now().Add(s.config.Heartbeat)); err != nil {
					panic(err)
				}
			}
		}
	})

	task := scheduler.Every(s.config.Tick, s.broadcastPositions)
	if s.config.Ticks != nil {
		task = scheduler.Driven(s.config.Ticks, s.broadcastPositions)
	}
	go task.Run(s.ctx)

	go func() {
		if err := s.srv.Serve(s.lis); err != nil {
			if err == http.ErrServerClosed {
				close(s.errs)

				return
			}

			s.errs <- err

			return
		}
	}()

	return nil
}

// Addr returns the address the signaler is listening on.
func (s *Signaler) Addr() net.Addr {
	return s.lis.Addr()
}

// handleMessage dispatches one message received from a participant. Malformed
// or misaddressed messages are dropped and logged, never answered; the
// returned error is only hit when the broker itself fails.
func (s *Signaler) handleMessage(id string, room string, p []byte) error {
	var message websocketapi.Message
	if err := json.Unmarshal(p, &message); err != nil {
		log.Debug().
			Err(err).
			Str("id", id).
			Msg("Could not unmarshal message, skipping")

		return nil
	}

	switch message.Type {
	case websocketapi.TypeMove:
		var move websocketapi.Move
		if err := json.Unmarshal(p, &move); err != nil {
			log.Debug().
				Err(err).
				Str("id", id).
				Msg("Could not unmarshal move, skipping")

			return nil
		}

		if err := s.registry.UpdateState(id, move.Position, move.Rotation); err != nil {
			// Benign race between a disconnect and an in-flight move
			log.Debug().
				Str("id", id).
				Msg("Dropping move for unregistered participant")
		}
	case websocketapi.TypeSignal:
		var signal websocketapi.Signal
		if err := json.Unmarshal(p, &signal); err != nil {
			log.Debug().
				Err(err).
				Str("id", id).
				Msg("Could not unmarshal signal, skipping")

			return nil
		}

		if strings.TrimSpace(signal.To) == "" {
			log.Debug().
				Str("id", id).
				Msg("Dropping signal without destination")

			return nil
		}

		if !s.registry.Has(signal.To) {
			log.Debug().
				Str("id", id).
				Str("to", signal.To).
				Msg("Dropping signal for unknown destination")

			return nil
		}

		if s.config.RoomScoped {
			destinationRoom, err := s.registry.Room(signal.To)
			if err != nil || destinationRoom != room {
				log.Debug().
					Str("id", id).
					Str("to", signal.To).
					Msg("Dropping signal across rooms")

				return nil
			}
		}

		// The sender cannot spoof its identity
		signal.From = id

		forwarded, err := json.Marshal(&signal)
		if err != nil {
			return err
		}

		return s.broker.PublishEvent(s.ctx, brokers.Event{
			From: id,
			To:   signal.To,
			Room: room,
			P:    forwarded,
		})
	case websocketapi.TypeData:
		var data websocketapi.Data
		if err := json.Unmarshal(p, &data); err != nil {
			log.Debug().
				Err(err).
				Str("id", id).
				Msg("Could not unmarshal data, skipping")

			return nil
		}

		data.From = id

		forwarded, err := json.Marshal(&data)
		if err != nil {
			return err
		}

		return s.broker.PublishEvent(s.ctx, brokers.Event{
			From: id,
			Room: room,
			P:    forwarded,
		})
	case websocketapi.TypeJoin:
		log.Debug().
			Str("id", id).
			Msg("Ignoring join from already active participant")
	default:
		log.Debug().
			Str("id", id).
			Str("messageType", message.Type).
			Msg("Unknown message type, skipping")
	}

	return nil
}

// broadcastPositions takes a fresh registry snapshot and pushes it to every
// participant; it runs once per tick, independently of move arrival.
func (s *Signaler) broadcastPositions() {
	rooms := []string{""}
	if s.config.RoomScoped {
		rooms = s.registry.Rooms()
	}

	for _, room := range rooms {
		p, err := json.Marshal(websocketapi.NewPositions(s.publicSnapshot(room)))
		if err != nil {
			log.Error().
				Err(err).
				Msg("Could not marshal positions")

			continue
		}

		if err := s.broker.PublishEvent(s.ctx, brokers.Event{
			Room: room,
			P:    p,
		}); err != nil {
			log.Error().
				Err(err).
				Msg("Could not publish positions")
		}
	}
}

func (s *Signaler) publicSnapshot(room string) map[string]websocketapi.State {
	snapshot := s.registry.Snapshot(room)

	participants := make(map[string]websocketapi.State, len(snapshot))
	for id, participant := range snapshot {
		participants[id] = websocketapi.State{
			Position: participant.Position,
			Rotation: participant.Rotation,
			Username: participant.Username,
		}
	}

	return participants
}

func (s *Signaler) Close() error {
	log.Trace().Msg("Closing signaler")

	s.connectionsLock.Lock()
	for id, connection := range s.connections {
		close(connection.closer)

		delete(s.connections, id)
	}
	s.connectionsLock.Unlock()

	if err := s.broker.Close(); err != nil {
		if err != context.Canceled {
			return err
		}
	}

	if err := s.srv.Shutdown(s.ctx); err != nil {
		if err != context.Canceled {
			return err
		}
	}

	return nil
}

func (s *Signaler) Wait() error {
	for err := range s.errs {
		if err != nil {
			return err
		}
	}

	return nil
}
