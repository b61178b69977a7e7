package realtime

import (
	"sync"
	"testing"

	v1 "marketchat/shared/contracts/realtime/v1"
)

// recordingSink captures everything delivered to one connection.
type recordingSink struct {
	mu   sync.Mutex
	envs []v1.Envelope
	full bool
}

func (s *recordingSink) Deliver(env v1.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.envs = append(s.envs, env)
	return true
}

func (s *recordingSink) all() []v1.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1.Envelope(nil), s.envs...)
}

func (s *recordingSink) ofType(typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range s.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.envs = nil
	s.mu.Unlock()
}

// decodeOnly asserts exactly one envelope of typ was received and decodes it.
func decodeOnly[T any](t *testing.T, s *recordingSink, typ string) T {
	t.Helper()
	got := s.ofType(typ)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 %s, got %d (all: %v)", typ, len(got), types(s.all()))
	}
	var p T
	if err := got[0].Decode(&p); err != nil {
		t.Fatalf("decode %s: %v", typ, err)
	}
	return p
}

func types(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}
