package registry

import (
	"errors"
	"testing"
)

func TestRegistrationInvariant(t *testing.T) {
	r := NewRegistry()

	r.Register(Participant{ID: "a", Position: DefaultPosition, Rotation: DefaultRotation})
	r.Register(Participant{ID: "b", Position: DefaultPosition, Rotation: DefaultRotation})
	r.Register(Participant{ID: "c", Position: DefaultPosition, Rotation: DefaultRotation})

	if _, err := r.Unregister("b"); err != nil {
		t.Fatalf("expected unregister to succeed, got %v", err)
	}

	ids := r.IDs("")
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Fatalf("expected ids [a c], got %v", ids)
	}

	if _, err := r.Unregister("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double unregister, got %v", err)
	}

	if _, err := r.Unregister("a"); err != nil {
		t.Fatalf("expected unregister to succeed, got %v", err)
	}
	if _, err := r.Unregister("c"); err != nil {
		t.Fatalf("expected unregister to succeed, got %v", err)
	}

	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d entries", r.Len())
	}
}

func TestRegisterDuplicateOverwrites(t *testing.T) {
	r := NewRegistry()

	r.Register(Participant{ID: "a", Username: "first"})
	r.Register(Participant{ID: "a", Username: "second"})

	if r.Len() != 1 {
		t.Fatalf("expected one entry, got %d", r.Len())
	}

	snapshot := r.Snapshot("")
	if snapshot["a"].Username != "second" {
		t.Fatalf("expected later registration to win, got %q", snapshot["a"].Username)
	}
}

func TestUpdateState(t *testing.T) {
	r := NewRegistry()

	r.Register(Participant{ID: "a", Position: DefaultPosition, Rotation: DefaultRotation})
	r.Register(Participant{ID: "b", Position: DefaultPosition, Rotation: DefaultRotation})

	if err := r.UpdateState("a", [3]float64{1, 2, 3}, [4]float64{0, 1, 0, 0}); err != nil {
		t.Fatalf("expected update to succeed, got %v", err)
	}

	snapshot := r.Snapshot("")
	if snapshot["a"].Position != [3]float64{1, 2, 3} {
		t.Fatalf("expected updated position, got %v", snapshot["a"].Position)
	}
	if snapshot["a"].Rotation != [4]float64{0, 1, 0, 0} {
		t.Fatalf("expected updated rotation, got %v", snapshot["a"].Rotation)
	}

	if err := r.UpdateState("gone", [3]float64{9, 9, 9}, DefaultRotation); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}

	// The other entries must be unaffected by the dropped update
	snapshot = r.Snapshot("")
	if snapshot["b"].Position != DefaultPosition {
		t.Fatalf("expected default position for b, got %v", snapshot["b"].Position)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry()

	r.Register(Participant{ID: "a", Position: DefaultPosition, Rotation: DefaultRotation})

	snapshot := r.Snapshot("")
	entry := snapshot["a"]
	entry.Position = [3]float64{9, 9, 9}
	snapshot["a"] = entry

	if r.Snapshot("")["a"].Position != DefaultPosition {
		t.Fatal("expected registry state to be isolated from snapshot mutation")
	}
}

func TestRoomFilters(t *testing.T) {
	r := NewRegistry()

	r.Register(Participant{ID: "a", Room: "red"})
	r.Register(Participant{ID: "b", Room: "blue"})
	r.Register(Participant{ID: "c", Room: "red"})

	if ids := r.IDs("red"); len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Fatalf("expected ids [a c] in red, got %v", ids)
	}

	snapshot := r.Snapshot("blue")
	if len(snapshot) != 1 {
		t.Fatalf("expected one entry in blue, got %d", len(snapshot))
	}
	if _, ok := snapshot["b"]; !ok {
		t.Fatal("expected b in blue snapshot")
	}

	if rooms := r.Rooms(); len(rooms) != 2 || rooms[0] != "blue" || rooms[1] != "red" {
		t.Fatalf("expected rooms [blue red], got %v", rooms)
	}

	// An empty filter returns everyone
	if len(r.Snapshot("")) != 3 {
		t.Fatal("expected full snapshot without a room filter")
	}
}

func TestRoom(t *testing.T) {
	r := NewRegistry()

	r.Register(Participant{ID: "a", Room: "red"})

	room, err := r.Room("a")
	if err != nil {
		t.Fatalf("expected room lookup to succeed, got %v", err)
	}
	if room != "red" {
		t.Fatalf("expected room red, got %q", room)
	}

	if _, err := r.Room("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}
