package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"conductor-ai/internal/domain"
)

// Session defaults.
const (
	DefaultHistoryCap   = 50
	DefaultSessionTTL   = time.Hour
	DefaultReapInterval = 5 * time.Minute
)

// Session is the record of one role-bound conversation thread. Its fields are
// mutated only by SessionRegistry and the orchestrator in this package; other
// packages read it through accessors or a SessionSummary.
type Session struct {
	mu           sync.RWMutex
	id           string
	key          domain.SessionKey
	agent        *domain.AgentConfig
	history      []domain.HistoryEntry
	historyCap   int
	status       domain.SessionStatus
	createdAt    time.Time
	lastActivity time.Time
	inFlight     int
	resumeHandle string

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(key domain.SessionKey, agent *domain.AgentConfig, historyCap int, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:           generateULID(now),
		key:          key,
		agent:        agent,
		history:      make([]domain.HistoryEntry, 0),
		historyCap:   historyCap,
		status:       domain.SessionActive,
		createdAt:    now,
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Key() domain.SessionKey     { return s.key }
func (s *Session) Agent() *domain.AgentConfig { return s.agent }

// Done is closed when the session is cancelled, ended or expired.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Status returns the lifecycle state.
func (s *Session) Status() domain.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// History returns a copy of the message history.
func (s *Session) History() []domain.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.HistoryEntry, len(s.history))
	copy(cp, s.history)
	return cp
}

// LastActivity returns the time of the last chunk or completion.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// InFlight returns the number of executions currently running on the session.
func (s *Session) InFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFlight
}

// ResumeHandle returns the last backend resumption handle, if any.
func (s *Session) ResumeHandle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumeHandle
}

// Summary returns a read-only snapshot.
func (s *Session) Summary() domain.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.SessionSummary{
		ID:           s.id,
		Key:          s.key,
		Status:       s.status,
		HistoryLen:   len(s.history),
		InFlight:     s.inFlight,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// appendHistory adds entries in order, evicting the oldest beyond the cap.
func (s *Session) appendHistory(now time.Time, entries ...domain.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		s.history = append(s.history, e)
	}
	if over := len(s.history) - s.historyCap; over > 0 {
		// Copy down so the evicted prefix is released.
		n := copy(s.history, s.history[over:])
		clear(s.history[n:])
		s.history = s.history[:n]
	}
	s.lastActivity = now
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) setResumeHandle(h string) {
	if h == "" {
		return
	}
	s.mu.Lock()
	s.resumeHandle = h
	s.mu.Unlock()
}

// live reports whether the session can accept new work.
func (s *Session) live() bool {
	st := s.Status()
	return st == domain.SessionActive || st == domain.SessionIdle
}

// SessionRegistryConfig configures a SessionRegistry.
type SessionRegistryConfig struct {
	TTL        time.Duration
	HistoryCap int
}

type convKey struct {
	actor string
	conv  string
}

// SessionRegistry owns every Session, keyed (actor, conversation) → role → Session.
// Several roles may run at once in one conversation; a role has at most one
// live session per conversation.
type SessionRegistry struct {
	mu         sync.RWMutex
	sessions   map[convKey]map[string]*Session
	ttl        time.Duration
	historyCap int
	bus        domain.EventBus // may be nil
	logger     *slog.Logger
	now        func() time.Time // for testing
}

// NewSessionRegistry creates a registry. bus may be nil.
func NewSessionRegistry(cfg SessionRegistryConfig, bus domain.EventBus, logger *slog.Logger) *SessionRegistry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	return &SessionRegistry{
		sessions:   make(map[convKey]map[string]*Session),
		ttl:        cfg.TTL,
		historyCap: cfg.HistoryCap,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
	}
}

// GetOrCreate returns the live session for the exact key, reusing its history,
// or installs a new Active session with empty history.
func (r *SessionRegistry) GetOrCreate(actorID, conversationID, role string, agent *domain.AgentConfig) *Session {
	s, _ := r.getOrCreate(domain.SessionKey{ActorID: actorID, ConversationID: conversationID, Role: role}, agent, false)
	return s
}

// acquire is GetOrCreate plus an in-flight increment done under the registry
// lock, so the reaper can never observe the session between lookup and use.
func (r *SessionRegistry) acquire(key domain.SessionKey, agent *domain.AgentConfig) *Session {
	s, _ := r.getOrCreate(key, agent, true)
	return s
}

func (r *SessionRegistry) getOrCreate(key domain.SessionKey, agent *domain.AgentConfig, inFlight bool) (*Session, bool) {
	ck := convKey{actor: key.ActorID, conv: key.ConversationID}

	r.mu.Lock()
	roles, ok := r.sessions[ck]
	if !ok {
		roles = make(map[string]*Session)
		r.sessions[ck] = roles
	}

	s, ok := roles[key.Role]
	created := false
	if !ok || !s.live() {
		s = newSession(key, agent, r.historyCap, r.now())
		roles[key.Role] = s
		created = true
	}
	if inFlight {
		s.mu.Lock()
		s.inFlight++
		s.status = domain.SessionActive
		s.mu.Unlock()
	}
	r.mu.Unlock()

	if created {
		r.logger.Debug("session created", "session_id", s.id, "key", key.String())
		r.publish(domain.EventSessionCreated, s)
	}
	return s, created
}

// release ends one execution on s.
func (r *SessionRegistry) release(s *Session) {
	now := r.now()
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.lastActivity = now
	if s.inFlight == 0 && s.status == domain.SessionActive {
		s.status = domain.SessionIdle
	}
	s.mu.Unlock()
}

// Get returns the session registered under key, whatever its status.
func (r *SessionRegistry) Get(key domain.SessionKey) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[convKey{key.ActorID, key.ConversationID}][key.Role]; ok {
		return s, nil
	}
	return nil, domain.NewDomainError("SessionRegistry.Get", domain.ErrSessionNotFound, key.String())
}

// ListActive returns summaries of the live sessions of one conversation, sorted by role.
func (r *SessionRegistry) ListActive(actorID, conversationID string) []domain.SessionSummary {
	r.mu.RLock()
	roles := r.sessions[convKey{actorID, conversationID}]
	list := make([]*Session, 0, len(roles))
	for _, s := range roles {
		list = append(list, s)
	}
	r.mu.RUnlock()

	out := make([]domain.SessionSummary, 0, len(list))
	for _, s := range list {
		if s.live() {
			out = append(out, s.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Role < out[j].Key.Role })
	return out
}

// All returns summaries of every registered session, including cancelled ones.
func (r *SessionRegistry) All() []domain.SessionSummary {
	r.mu.RLock()
	var list []*Session
	for _, roles := range r.sessions {
		for _, s := range roles {
			list = append(list, s)
		}
	}
	r.mu.RUnlock()

	out := make([]domain.SessionSummary, 0, len(list))
	for _, s := range list {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Cancel fires the session's cancellation and marks it Cancelled. The session
// stays registered so its state can still be inspected. It reports whether
// this call performed the transition; cancelling twice is a no-op.
func (r *SessionRegistry) Cancel(key domain.SessionKey) bool {
	s, err := r.Get(key)
	if err != nil {
		return false
	}

	s.mu.Lock()
	if !(s.status == domain.SessionActive || s.status == domain.SessionIdle) {
		s.mu.Unlock()
		return false
	}
	s.status = domain.SessionCancelled
	s.lastActivity = r.now()
	s.mu.Unlock()

	s.cancel()
	r.logger.Info("session cancelled", "session_id", s.id, "key", key.String())
	r.publish(domain.EventSessionCancelled, s)
	return true
}

// End cancels the session and removes it from the registry.
func (r *SessionRegistry) End(key domain.SessionKey) bool {
	ck := convKey{key.ActorID, key.ConversationID}
	r.mu.Lock()
	s, ok := r.sessions[ck][key.Role]
	if ok {
		r.removeLocked(ck, key.Role)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel()
	return true
}

// Reap expires and removes every session idle longer than the TTL. Sessions
// with an execution in flight are never reaped.
func (r *SessionRegistry) Reap() int {
	now := r.now()
	cutoff := now.Add(-r.ttl)

	isStale := func(s *Session) bool {
		return s.inFlight == 0 && s.lastActivity.Before(cutoff)
	}

	// Phase 1: identify candidates under read lock.
	r.mu.RLock()
	var candidates []*Session
	for _, roles := range r.sessions {
		for _, s := range roles {
			s.mu.RLock()
			stale := isStale(s)
			s.mu.RUnlock()
			if stale {
				candidates = append(candidates, s)
			}
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	// Phase 2: re-check and remove under write lock. acquire() increments
	// in-flight under this same lock, so the re-check is authoritative.
	var reaped []*Session
	r.mu.Lock()
	for _, s := range candidates {
		ck := convKey{s.key.ActorID, s.key.ConversationID}
		if r.sessions[ck][s.key.Role] != s {
			continue
		}
		s.mu.Lock()
		if isStale(s) {
			s.status = domain.SessionExpired
			r.removeLocked(ck, s.key.Role)
			reaped = append(reaped, s)
		}
		s.mu.Unlock()
	}
	r.mu.Unlock()

	// Phase 3: release resources and notify outside the lock.
	for _, s := range reaped {
		s.cancel()
		r.logger.Debug("session expired", "session_id", s.id, "key", s.key.String())
		r.publish(domain.EventSessionExpired, s)
	}
	return len(reaped)
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, roles := range r.sessions {
		n += len(roles)
	}
	return n
}

func (r *SessionRegistry) removeLocked(ck convKey, role string) {
	roles := r.sessions[ck]
	delete(roles, role)
	if len(roles) == 0 {
		delete(r.sessions, ck)
	}
}

func (r *SessionRegistry) publish(t domain.EventType, s *Session) {
	if r.bus == nil {
		return
	}
	payload, _ := json.Marshal(s.Summary())
	r.bus.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: r.now(),
		SessionID: s.id,
		ActorID:   s.key.ActorID,
		Payload:   payload,
	})
}
