package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound = errors.New("participant not found")
)

var (
	// DefaultPosition is where a participant spawns before its first move
	DefaultPosition = [3]float64{0, 0.5, 0}
	// DefaultRotation is the identity quaternion (XYZW)
	DefaultRotation = [4]float64{0, 0, 0, 1}
)

// Participant is one connected end-user session
type Participant struct {
	ID       string
	Username string
	Room     string
	Position [3]float64
	Rotation [4]float64
}

// Registry is the single source of truth for who is connected; an entry
// exists if and only if its connection is open. It is the only piece of
// shared mutable state in the relay, so every operation is serialized behind
// one mutex.
type Registry struct {
	lock         sync.Mutex
	participants map[string]*Participant
}

func NewRegistry() *Registry {
	return &Registry{
		participants: map[string]*Participant{},
	}
}

// Register inserts a participant. A duplicate id cannot occur as long as the
// transport assigns unique identities per open connection; if it does occur
// the later registration wins.
func (r *Registry) Register(participant Participant) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.participants[participant.ID]; exists {
		log.Warn().
			Str("id", participant.ID).
			Msg("Overwriting already registered participant")
	}

	r.participants[participant.ID] = &participant
}

// Unregister removes and returns a participant. Callers must tolerate
// ErrNotFound, e.g. when a disconnect fires after an error already triggered
// cleanup.
func (r *Registry) Unregister(id string) (Participant, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	participant, ok := r.participants[id]
	if !ok {
		return Participant{}, ErrNotFound
	}

	delete(r.participants, id)

	return *participant, nil
}

// UpdateState replaces a participant's position and rotation. ErrNotFound
// marks the benign race where a move arrives after cleanup.
func (r *Registry) UpdateState(id string, position [3]float64, rotation [4]float64) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	participant, ok := r.participants[id]
	if !ok {
		return ErrNotFound
	}

	participant.Position = position
	participant.Rotation = rotation

	return nil
}

// Has reports whether a participant is currently registered.
func (r *Registry) Has(id string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	_, ok := r.participants[id]

	return ok
}

// Room returns the room a participant is registered in.
func (r *Registry) Room(id string) (string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	participant, ok := r.participants[id]
	if !ok {
		return "", ErrNotFound
	}

	return participant.Room, nil
}

// Snapshot returns a copy of the current state of all participants,
// restricted to one room if room is not empty.
func (r *Registry) Snapshot(room string) map[string]Participant {
	r.lock.Lock()
	defer r.lock.Unlock()

	snapshot := map[string]Participant{}
	for id, participant := range r.participants {
		if room != "" && participant.Room != room {
			continue
		}

		snapshot[id] = *participant
	}

	return snapshot
}

// IDs returns the ids of all participants, restricted to one room if room is
// not empty.
func (r *Registry) IDs(room string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	ids := []string{}
	for id, participant := range r.participants {
		if room != "" && participant.Room != room {
			continue
		}

		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Rooms returns the distinct rooms with at least one participant.
func (r *Registry) Rooms() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	seen := map[string]struct{}{}
	rooms := []string{}
	for _, participant := range r.participants {
		if _, ok := seen[participant.Room]; ok {
			continue
		}

		seen[participant.Room] = struct{}{}
		rooms = append(rooms, participant.Room)
	}

	sort.Strings(rooms)

	return rooms
}

// Len returns the number of registered participants.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.participants)
}
