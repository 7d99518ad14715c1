package vspconn

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
)

func TestParseICEServers(t *testing.T) {
	t.Run("STUNPassthrough", func(t *testing.T) {
		servers, err := parseICEServers([]string{"stun:stun.l.google.com:19302"})
		if err != nil {
			t.Fatalf("could not parse servers: %v", err)
		}

		if len(servers) != 1 {
			t.Fatalf("expected one server, got %d", len(servers))
		}
		if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
			t.Fatalf("expected the STUN address to pass through, got %v", servers[0].URLs)
		}
		if servers[0].Username != "" {
			t.Fatalf("expected no credentials for STUN, got %q", servers[0].Username)
		}
	})

	t.Run("TURNWithCredentials", func(t *testing.T) {
		servers, err := parseICEServers([]string{"user:pass@turn:turn.example.com:3478"})
		if err != nil {
			t.Fatalf("could not parse servers: %v", err)
		}

		if len(servers) != 1 {
			t.Fatalf("expected one server, got %d", len(servers))
		}
		if servers[0].URLs[0] != "turn:turn.example.com:3478" {
			t.Fatalf("expected the TURN address without credentials, got %v", servers[0].URLs)
		}
		if servers[0].Username != "user" || servers[0].Credential != "pass" {
			t.Fatalf("expected the credentials to be split off, got %q/%v", servers[0].Username, servers[0].Credential)
		}
		if servers[0].CredentialType != webrtc.ICECredentialTypePassword {
			t.Fatalf("expected password credentials, got %v", servers[0].CredentialType)
		}
	})

	t.Run("TURNWithoutAddr", func(t *testing.T) {
		if _, err := parseICEServers([]string{"turn:turn.example.com:3478"}); !errors.Is(err, ErrInvalidTURNServerAddr) {
			t.Fatalf("expected ErrInvalidTURNServerAddr, got %v", err)
		}
	})

	t.Run("TURNWithoutCredentials", func(t *testing.T) {
		if _, err := parseICEServers([]string{"user@turn:turn.example.com:3478"}); !errors.Is(err, ErrMissingTURNCredentials) {
			t.Fatalf("expected ErrMissingTURNCredentials, got %v", err)
		}
	})

	t.Run("SkipsEmptyEntries", func(t *testing.T) {
		servers, err := parseICEServers([]string{"", "  ", "stun:stun.example.com:3478"})
		if err != nil {
			t.Fatalf("could not parse servers: %v", err)
		}

		if len(servers) != 1 {
			t.Fatalf("expected the empty entries to be skipped, got %d servers", len(servers))
		}
	})
}
