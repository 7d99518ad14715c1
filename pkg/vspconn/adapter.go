package vspconn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
	websocketapi "github.com/vspaced/vspace/internal/api/websocket"
)

var (
	ErrInvalidTURNServerAddr  = errors.New("invalid TURN server address")     // The specified TURN server address is invalid
	ErrMissingTURNCredentials = errors.New("missing TURN server credentials") // The specified TURN server is missing credentials
)

const (
	dataChannelName = "vspace"

	kindOffer     = "offer"
	kindAnswer    = "answer"
	kindCandidate = "candidate"
)

// exchange is the negotiation payload two adapters agree on between
// themselves; the relay forwards it verbatim and never parses it
type exchange struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type peer struct {
	conn       *webrtc.PeerConnection
	candidates chan webrtc.ICECandidateInit
	channel    *webrtc.DataChannel
}

// Peer is a connected remote participant
type Peer struct {
	PeerID string             // ID of the peer
	Conn   io.ReadWriteCloser // Detached data channel to send/receive on
}

// State is one participant's spatial state as pushed by the relay
type State struct {
	Position [3]float64 `json:"position"`
	Rotation [4]float64 `json:"rotation"`
	Username string     `json:"username,omitempty"`
}

// AdapterConfig configures the adapter
type AdapterConfig struct {
	Timeout             time.Duration // Time to wait before retrying to connect to the relay
	Username            string        // Username to claim on login-requiring relays
	Room                string        // Room to join on room-scoped relays
	ForceRelay          bool          // Whether to block P2P connections
	OnSignalerReconnect func()        // Handler to be called when the adapter has reconnected to the relay
}

// Adapter is the headless counterpart of the browser client: it performs the
// join/introduction handshake, negotiates one WebRTC data channel per peer
// through opaque signal envelopes and surfaces positions snapshots.
type Adapter struct {
	signaler string
	ice      []string
	config   *AdapterConfig
	ctx      context.Context

	cancel    context.CancelFunc
	done      bool
	doneSync  sync.Mutex
	lines     chan []byte
	peers     chan *Peer
	positions chan map[string]State

	api *webrtc.API
}

// NewAdapter creates the adapter
func NewAdapter(
	signaler string,
	ice []string,
	config *AdapterConfig,
	ctx context.Context,
) *Adapter {
	ictx, cancel := context.WithCancel(ctx)

	if config == nil {
		config = &AdapterConfig{}
	}

	if config.Timeout <= 0 {
		config.Timeout = time.Second * 10
	}

	return &Adapter{
		signaler: signaler,
		ice:      ice,
		config:   config,
		ctx:      ictx,

		cancel:    cancel,
		lines:     make(chan []byte),
		peers:     make(chan *Peer),
		positions: make(chan map[string]State),
	}
}

func (a *Adapter) sendLine(line []byte) {
	select {
	case <-a.ctx.Done():
	case a.lines <- line:
	}
}

// parseICEServers parses STUN addresses and user:credential@addr TURN
// addresses into a server list for the WebRTC API.
func parseICEServers(addrs []string) ([]webrtc.ICEServer, error) {
	iceServers := []webrtc.ICEServer{}
	for _, ice := range addrs {
		// Skip empty server configs
		if strings.TrimSpace(ice) == "" {
			continue
		}

		if strings.Contains(ice, "stun:") {
			iceServers = append(iceServers, webrtc.ICEServer{
				URLs: []string{ice},
			})

			continue
		}

		addrParts := strings.Split(ice, "@")
		if len(addrParts) < 2 {
			return nil, ErrInvalidTURNServerAddr
		}

		authParts := strings.Split(addrParts[0], ":")
		if len(authParts) < 2 {
			return nil, ErrMissingTURNCredentials
		}

		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:           []string{addrParts[1]},
			Username:       authParts[0],
			Credential:     authParts[1],
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	return iceServers, nil
}

// Open connects the adapter to the relay. It returns a channel on which the
// id the relay assigned is sent, once per (re-)connection.
func (a *Adapter) Open() (chan string, error) {
	ids := make(chan string)

	iceServers, err := parseICEServers(a.ice)
	if err != nil {
		return ids, err
	}

	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()
	a.api = webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	transportPolicy := webrtc.ICETransportPolicyAll
	if a.config.ForceRelay {
		transportPolicy = webrtc.ICETransportPolicyRelay
	}

	configuration := webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: transportPolicy,
	}

	go func() {
		for {
			a.doneSync.Lock()
			done := a.done
			a.doneSync.Unlock()
			if done {
				return
			}

			func() {
				id := ""
				peers := map[string]*peer{}
				var peerLock sync.Mutex

				defer func() {
					if err := recover(); err != nil {
						log.Debug().
							Interface("error", err).
							Str("signaler", a.signaler).
							Msg("Closed connection to relay")
					}

					log.Debug().
						Str("signaler", a.signaler).
						Dur("timeout", a.config.Timeout).
						Msg("Reconnecting to relay")

					time.Sleep(a.config.Timeout)

					if a.config.OnSignalerReconnect != nil {
						a.config.OnSignalerReconnect()
					}
				}()

				dialCtx, cancel := context.WithTimeout(a.ctx, a.config.Timeout)
				defer cancel()

				conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.signaler, nil)
				if err != nil {
					panic(err)
				}

				defer func() {
					if err := conn.Close(); err != nil {
						log.Debug().
							Err(err).
							Str("signaler", a.signaler).
							Msg("Could not close connection to relay")
					}

					peerLock.Lock()
					defer peerLock.Unlock()
					for _, p := range peers {
						if err := p.conn.Close(); err != nil {
							log.Debug().
								Err(err).
								Msg("Could not close peer connection")
						}

						close(p.candidates)
					}
				}()

				log.Debug().
					Str("signaler", a.signaler).
					Msg("Connected to relay")

				inputs := make(chan []byte)
				errs := make(chan error)
				go func() {
					defer func() {
						close(inputs)
						close(errs)
					}()

					for {
						_, p, err := conn.ReadMessage()
						if err != nil {
							errs <- err

							return
						}

						inputs <- p
					}
				}()

				if strings.TrimSpace(a.config.Username) != "" {
					p, err := json.Marshal(websocketapi.NewJoin(a.config.Username, a.config.Room))
					if err != nil {
						panic(err)
					}

					go a.sendLine(p)
				}

				for {
					select {
					case <-a.ctx.Done():
						panic(a.ctx.Err())
					case err := <-errs:
						panic(err)
					case line := <-a.lines:
						if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
							panic(err)
						}
					case input := <-inputs:
						var message websocketapi.Message
						if err := json.Unmarshal(input, &message); err != nil {
							log.Debug().
								Str("signaler", a.signaler).
								Msg("Could not unmarshal message from relay, continuing")

							continue
						}

						switch message.Type {
						case websocketapi.TypeIntroduction:
							var introduction websocketapi.Introduction
							if err := json.Unmarshal(input, &introduction); err != nil {
								log.Debug().
									Str("signaler", a.signaler).
									Msg("Could not unmarshal introduction from relay, continuing")

								continue
							}

							id = introduction.ID

							log.Debug().
								Str("signaler", a.signaler).
								Str("id", id).
								Msg("Received introduction from relay")

							ids <- id

							// The newcomer initiates towards every
							// participant it was introduced to; they answer
							for _, peerID := range introduction.Peers {
								a.offerPeer(id, peerID, configuration, peers, &peerLock)
							}
						case websocketapi.TypeJoined:
							// The joining participant will send us an offer
							var joined websocketapi.Joined
							if err := json.Unmarshal(input, &joined); err != nil {
								continue
							}

							log.Debug().
								Str("signaler", a.signaler).
								Str("peerID", joined.ID).
								Msg("Participant joined")
						case websocketapi.TypeLeft:
							var left websocketapi.Left
							if err := json.Unmarshal(input, &left); err != nil {
								continue
							}

							peerLock.Lock()
							p, ok := peers[left.ID]
							if ok {
								if err := p.conn.Close(); err != nil {
									log.Debug().
										Err(err).
										Str("peerID", left.ID).
										Msg("Could not close peer connection")
								}

								close(p.candidates)

								delete(peers, left.ID)
							}
							peerLock.Unlock()

							log.Debug().
								Str("signaler", a.signaler).
								Str("peerID", left.ID).
								Msg("Participant left")
						case websocketapi.TypePositions:
							var positions websocketapi.Positions
							if err := json.Unmarshal(input, &positions); err != nil {
								continue
							}

							participants := make(map[string]State, len(positions.Participants))
							for pid, state := range positions.Participants {
								participants[pid] = State{
									Position: state.Position,
									Rotation: state.Rotation,
									Username: state.Username,
								}
							}

							// Snapshots are droppable; never block the loop
							select {
							case a.positions <- participants:
							default:
							}
						case websocketapi.TypeSignal:
							var signal websocketapi.Signal
							if err := json.Unmarshal(input, &signal); err != nil {
								log.Debug().
									Str("signaler", a.signaler).
									Msg("Could not unmarshal signal from relay, continuing")

								continue
							}

							var x exchange
							if err := json.Unmarshal(signal.Payload, &x); err != nil {
								log.Debug().
									Str("signaler", a.signaler).
									Str("peerID", signal.From).
									Msg("Could not unmarshal exchange from peer, continuing")

								continue
							}

							switch x.Kind {
							case kindOffer:
								a.answerPeer(id, signal.From, x.Payload, configuration, peers, &peerLock)
							case kindAnswer:
								peerLock.Lock()
								p, ok := peers[signal.From]
								peerLock.Unlock()
								if !ok {
									log.Debug().
										Str("peerID", signal.From).
										Msg("Could not find peer for answer, continuing")

									continue
								}

								var sdp webrtc.SessionDescription
								if err := json.Unmarshal(x.Payload, &sdp); err != nil {
									continue
								}

								if err := p.conn.SetRemoteDescription(sdp); err != nil {
									panic(err)
								}

								go drainCandidates(p, signal.From)
							case kindCandidate:
								peerLock.Lock()
								p, ok := peers[signal.From]
								peerLock.Unlock()
								if !ok {
									log.Debug().
										Str("peerID", signal.From).
										Msg("Could not find peer for ICE candidate, continuing")

									continue
								}

								var candidate string
								if err := json.Unmarshal(x.Payload, &candidate); err != nil {
									continue
								}

								go func() {
									defer func() {
										// Candidates for an already closed peer are dropped
										recover()
									}()

									p.candidates <- webrtc.ICECandidateInit{Candidate: candidate}
								}()
							default:
								log.Debug().
									Str("kind", x.Kind).
									Msg("Unknown exchange kind, continuing")
							}
						}
					}
				}
			}()
		}
	}()

	return ids, nil
}

// offerPeer creates an outgoing peer connection and sends an offer envelope.
func (a *Adapter) offerPeer(
	id string,
	peerID string,
	configuration webrtc.Configuration,
	peers map[string]*peer,
	peerLock *sync.Mutex,
) {
	c, err := a.api.NewPeerConnection(configuration)
	if err != nil {
		panic(err)
	}

	a.watchDisconnects(c, peerID, peers, peerLock)
	a.forwardCandidates(c, id, peerID)

	dc, err := c.CreateDataChannel(dataChannelName, nil)
	if err != nil {
		panic(err)
	}

	pr := &peer{c, make(chan webrtc.ICECandidateInit), dc}

	dc.OnOpen(func() {
		log.Debug().
			Str("peerID", peerID).
			Msg("Connected to peer")

		channel, err := dc.Detach()
		if err != nil {
			panic(err)
		}

		a.peers <- &Peer{peerID, channel}
	})

	offer, err := c.CreateOffer(nil)
	if err != nil {
		panic(err)
	}

	if err := c.SetLocalDescription(offer); err != nil {
		panic(err)
	}

	peerLock.Lock()
	peers[peerID] = pr
	peerLock.Unlock()

	a.signalExchange(id, peerID, kindOffer, offer)
}

// answerPeer creates the receiving side of a peer connection and sends an
// answer envelope.
func (a *Adapter) answerPeer(
	id string,
	peerID string,
	payload json.RawMessage,
	configuration webrtc.Configuration,
	peers map[string]*peer,
	peerLock *sync.Mutex,
) {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sdp); err != nil {
		log.Debug().
			Str("peerID", peerID).
			Msg("Could not unmarshal SDP from peer, continuing")

		return
	}

	c, err := a.api.NewPeerConnection(configuration)
	if err != nil {
		panic(err)
	}

	a.watchDisconnects(c, peerID, peers, peerLock)
	a.forwardCandidates(c, id, peerID)

	c.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			log.Debug().
				Str("peerID", peerID).
				Msg("Connected to peer")

			channel, err := dc.Detach()
			if err != nil {
				panic(err)
			}

			peerLock.Lock()
			if p, ok := peers[peerID]; ok {
				p.channel = dc
			}
			peerLock.Unlock()

			a.peers <- &Peer{peerID, channel}
		})
	})

	if err := c.SetRemoteDescription(sdp); err != nil {
		panic(err)
	}

	answer, err := c.CreateAnswer(nil)
	if err != nil {
		panic(err)
	}

	if err := c.SetLocalDescription(answer); err != nil {
		panic(err)
	}

	pr := &peer{c, make(chan webrtc.ICECandidateInit), nil}

	peerLock.Lock()
	peers[peerID] = pr
	peerLock.Unlock()

	go drainCandidates(pr, peerID)

	a.signalExchange(id, peerID, kindAnswer, answer)
}

// drainCandidates applies queued remote ICE candidates once the remote
// description is in place.
func drainCandidates(p *peer, peerID string) {
	for candidate := range p.candidates {
		if err := p.conn.AddICECandidate(candidate); err != nil {
			log.Debug().
				Err(err).
				Str("peerID", peerID).
				Msg("Could not add ICE candidate from peer")

			return
		}

		log.Debug().
			Str("peerID", peerID).
			Msg("Added ICE candidate from peer")
	}
}

func (a *Adapter) watchDisconnects(
	c *webrtc.PeerConnection,
	peerID string,
	peers map[string]*peer,
	peerLock *sync.Mutex,
) {
	c.OnConnectionStateChange(func(pcs webrtc.PeerConnectionState) {
		if pcs == webrtc.PeerConnectionStateDisconnected {
			log.Debug().
				Str("peerID", peerID).
				Msg("Disconnected from peer")

			peerLock.Lock()
			defer peerLock.Unlock()

			p, ok := peers[peerID]
			if !ok {
				return
			}

			if err := p.conn.Close(); err != nil {
				log.Debug().
					Err(err).
					Str("peerID", peerID).
					Msg("Could not close peer connection")
			}

			close(p.candidates)

			delete(peers, peerID)
		}
	})
}

func (a *Adapter) forwardCandidates(c *webrtc.PeerConnection, id string, peerID string) {
	c.OnICECandidate(func(i *webrtc.ICECandidate) {
		if i != nil {
			a.signalExchange(id, peerID, kindCandidate, i.ToJSON().Candidate)
		}
	})
}

// signalExchange wraps a negotiation payload into an opaque signal envelope
// and sends it to the relay.
func (a *Adapter) signalExchange(id string, to string, kind string, payload interface{}) {
	pj, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}

	xj, err := json.Marshal(exchange{Kind: kind, Payload: pj})
	if err != nil {
		panic(err)
	}

	p, err := json.Marshal(websocketapi.NewSignal(to, id, xj))
	if err != nil {
		panic(err)
	}

	go a.sendLine(p)
}

// SendMove updates this participant's position and rotation on the relay.
func (a *Adapter) SendMove(position [3]float64, rotation [4]float64) error {
	p, err := json.Marshal(websocketapi.NewMove(position, rotation))
	if err != nil {
		return err
	}

	a.sendLine(p)

	return nil
}

// SendData relays an opaque payload to every other participant.
func (a *Adapter) SendData(payload []byte) error {
	p, err := json.Marshal(websocketapi.NewData("", payload))
	if err != nil {
		return err
	}

	a.sendLine(p)

	return nil
}

// Accept returns the channel on which freshly connected peers are surfaced.
func (a *Adapter) Accept() chan *Peer {
	return a.peers
}

// Positions returns the channel on which snapshot pushes are surfaced;
// snapshots arriving while the consumer is busy are dropped.
func (a *Adapter) Positions() chan map[string]State {
	return a.positions
}

func (a *Adapter) Close() error {
	log.Trace().Msg("Closing adapter")

	a.doneSync.Lock()
	a.done = true
	a.doneSync.Unlock()

	a.cancel()

	return nil
}
