package usecase

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"conductor-ai/internal/domain"
)

var builderAgent = &domain.AgentConfig{Role: "builder", Model: "m1"}

func newTestRegistry(t *testing.T, cfg SessionRegistryConfig) (*SessionRegistry, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := NewSessionRegistry(cfg, nil, discardLogger())
	r.now = func() time.Time { return now }
	return r, &now
}

func TestSessionRegistryGetOrCreateReuses(t *testing.T) {
	r, _ := newTestRegistry(t, SessionRegistryConfig{})

	s1 := r.GetOrCreate("u1", "c1", "builder", builderAgent)
	s2 := r.GetOrCreate("u1", "c1", "builder", builderAgent)
	if s1 != s2 {
		t.Fatal("same key should return the same session")
	}
	if s1.Status() != domain.SessionActive {
		t.Errorf("new session status = %s, want active", s1.Status())
	}
	if len(s1.History()) != 0 {
		t.Error("new session should have empty history")
	}
}

func TestSessionRegistryMultipleRolesPerConversation(t *testing.T) {
	r, _ := newTestRegistry(t, SessionRegistryConfig{})

	b := r.GetOrCreate("u1", "c1", "builder", builderAgent)
	v := r.GetOrCreate("u1", "c1", "reviewer", &domain.AgentConfig{Role: "reviewer"})
	r.GetOrCreate("u1", "c2", "builder", builderAgent)
	r.GetOrCreate("u2", "c1", "builder", builderAgent)

	if b == v {
		t.Fatal("different roles must get different sessions")
	}
	active := r.ListActive("u1", "c1")
	if len(active) != 2 {
		t.Fatalf("ListActive = %d sessions, want 2", len(active))
	}
	if active[0].Key.Role != "builder" || active[1].Key.Role != "reviewer" {
		t.Errorf("roles = %s,%s", active[0].Key.Role, active[1].Key.Role)
	}
	if r.Count() != 4 {
		t.Errorf("Count = %d, want 4", r.Count())
	}
}

func TestSessionHistoryCapFIFO(t *testing.T) {
	r, now := newTestRegistry(t, SessionRegistryConfig{HistoryCap: 50})
	s := r.GetOrCreate("u1", "c1", "builder", builderAgent)

	for i := 0; i < 60; i++ {
		s.appendHistory(*now,
			domain.HistoryEntry{Role: domain.HistoryUser, Text: fmt.Sprintf("q%d", i)},
			domain.HistoryEntry{Role: domain.HistoryAssistant, Text: fmt.Sprintf("a%d", i)},
		)
		if n := len(s.History()); n > 50 {
			t.Fatalf("history length %d exceeds cap", n)
		}
	}

	h := s.History()
	if len(h) != 50 {
		t.Fatalf("history length = %d, want 50", len(h))
	}
	// 120 entries written, oldest 70 evicted: first kept is q35.
	if h[0].Text != "q35" || h[49].Text != "a59" {
		t.Errorf("history window = %q..%q, want q35..a59", h[0].Text, h[49].Text)
	}
}

func TestSessionRegistryCancelIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, SessionRegistryConfig{})
	s := r.GetOrCreate("u1", "c1", "builder", builderAgent)
	key := s.Key()

	if !r.Cancel(key) {
		t.Fatal("first cancel should transition")
	}
	if r.Cancel(key) {
		t.Error("second cancel should be a no-op")
	}
	select {
	case <-s.Done():
	default:
		t.Error("session context should be cancelled")
	}
	if s.Status() != domain.SessionCancelled {
		t.Errorf("status = %s, want cancelled", s.Status())
	}

	// Still registered for inspection, but not listed as live.
	got, err := r.Get(key)
	if err != nil || got != s {
		t.Fatalf("cancelled session should stay registered: %v", err)
	}
	if n := len(r.ListActive("u1", "c1")); n != 0 {
		t.Errorf("ListActive = %d, want 0", n)
	}

	// A new run replaces the cancelled session.
	fresh := r.GetOrCreate("u1", "c1", "builder", builderAgent)
	if fresh == s {
		t.Error("GetOrCreate should not reuse a cancelled session")
	}
}

func TestSessionRegistryCancelUnknown(t *testing.T) {
	r, _ := newTestRegistry(t, SessionRegistryConfig{})
	if r.Cancel(domain.SessionKey{ActorID: "x", ConversationID: "y", Role: "z"}) {
		t.Error("cancel of unknown key should report false")
	}
}

func TestSessionRegistryReapRespectsTTL(t *testing.T) {
	r, now := newTestRegistry(t, SessionRegistryConfig{TTL: time.Hour})
	s := r.GetOrCreate("u1", "c1", "builder", builderAgent)

	*now = now.Add(59 * time.Minute)
	if n := r.Reap(); n != 0 {
		t.Fatalf("Reap before TTL removed %d", n)
	}

	*now = now.Add(2 * time.Minute)
	if n := r.Reap(); n != 1 {
		t.Fatalf("Reap after TTL removed %d, want 1", n)
	}
	if s.Status() != domain.SessionExpired {
		t.Errorf("status = %s, want expired", s.Status())
	}
	if _, err := r.Get(s.Key()); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionRegistryReapSkipsInFlight(t *testing.T) {
	r, now := newTestRegistry(t, SessionRegistryConfig{TTL: time.Hour})
	key := domain.SessionKey{ActorID: "u1", ConversationID: "c1", Role: "builder"}
	s := r.acquire(key, builderAgent)

	*now = now.Add(3 * time.Hour)
	if n := r.Reap(); n != 0 {
		t.Fatalf("Reap removed %d in-flight sessions", n)
	}
	if s.Status() != domain.SessionActive {
		t.Errorf("status = %s, want active", s.Status())
	}

	r.release(s)
	if s.Status() != domain.SessionIdle {
		t.Errorf("status after release = %s, want idle", s.Status())
	}
	// release touched lastActivity, so the TTL restarts.
	if n := r.Reap(); n != 0 {
		t.Fatalf("Reap right after release removed %d", n)
	}
	*now = now.Add(61 * time.Minute)
	if n := r.Reap(); n != 1 {
		t.Fatalf("Reap removed %d, want 1", n)
	}
}

func TestSessionRegistryEnd(t *testing.T) {
	r, _ := newTestRegistry(t, SessionRegistryConfig{})
	s := r.GetOrCreate("u1", "c1", "builder", builderAgent)
	if !r.End(s.Key()) {
		t.Fatal("End should report true")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
	if r.End(s.Key()) {
		t.Error("second End should report false")
	}
}

func TestSessionRegistryConcurrentGetOrCreate(t *testing.T) {
	r, _ := newTestRegistry(t, SessionRegistryConfig{})

	var wg sync.WaitGroup
	got := make([]*Session, 50)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.GetOrCreate("u1", "c1", "builder", builderAgent)
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatal("concurrent GetOrCreate produced two sessions for one key")
		}
	}
}
