package session

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// ManagerConfig parameterizes the process-wide session registry.
type ManagerConfig struct {
	// Launcher spawns engine processes.
	Launcher Launcher
	// Kinds is the set of animator kinds accepted by Create.
	Kinds []string
	// Options apply to every created session.
	Options Options
}

// Manager is the single process-wide mapping from session id to Session.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	creating map[string]struct{}
}

// NewManager creates an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		creating: make(map[string]struct{}),
	}
}

// Create validates the request and builds a new session. The id is reserved
// for the whole handshake so concurrent creates with the same id collide
// instead of racing.
func (m *Manager) Create(ctx context.Context, id, sourceRef, kind string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if !m.knownKind(kind) {
		return nil, newError(ErrInvalidInput, "unknown animator kind %q", kind)
	}
	if err := validateSourceRef(sourceRef); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, newError(ErrAlreadyExists, "session %s already exists", id)
	}
	if _, ok := m.creating[id]; ok {
		m.mu.Unlock()
		return nil, newError(ErrAlreadyExists, "session %s is being created", id)
	}
	m.creating[id] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.creating, id)
		m.mu.Unlock()
	}()

	s, err := Create(ctx, id, sourceRef, kind, m.cfg.Launcher, m.cfg.Options)
	if err != nil {
		slog.Warn("session create failed",
			"session_id", id,
			"kind", kind,
			"error", err,
		)
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, newError(ErrNotFound, "session %s not found", id)
	}
	return s, nil
}

// Delete removes a session from the registry and closes it.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return newError(ErrNotFound, "session %s not found", id)
	}
	return s.Close()
}

// IDs returns the ids of all live sessions, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every session concurrently and empties the registry.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if len(sessions) == 0 {
		return
	}

	slog.Info("closing all sessions", "count", len(sessions))

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}

func (m *Manager) knownKind(kind string) bool {
	for _, k := range m.cfg.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// validateSourceRef rejects obviously bad motion sources before an engine
// is spawned for them. Path-like references must exist; scheme-style
// references (such as "chain:24") are validated by the animator itself.
func validateSourceRef(sourceRef string) error {
	if sourceRef == "" {
		return newError(ErrInvalidInput, "motion source reference is empty")
	}
	if strings.Contains(sourceRef, ":") {
		return nil
	}
	if _, err := os.Stat(sourceRef); err != nil {
		return newError(ErrInvalidInput, "motion source %q not found", sourceRef)
	}
	return nil
}
