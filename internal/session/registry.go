// ABOUTME: Process-wide registry of running interactive sessions, one per kind
// ABOUTME: Enforces device ownership and purges sessions on terminal status

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Registry errors.
var (
	ErrAlreadyRunning = errors.New("a session of this kind is already running")
	ErrNotFound       = errors.New("session not found")
	ErrNotOwner       = errors.New("session is owned by another device")
)

// CurrentInfo is what a "current" query reports. SessionID and Step detail
// are included only for the owner; everyone else just learns that something
// is running.
type CurrentInfo struct {
	Running   bool   `json:"running"`
	Owned     bool   `json:"owned,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Registry tracks running sessions keyed by id, with at most one running
// session per kind process-wide. All access goes through one mutex; no
// module-level state exists.
type Registry struct {
	mu     sync.Mutex
	byID   map[string]*Session
	byKind map[string]*Session
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for the default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:   make(map[string]*Session),
		byKind: make(map[string]*Session),
		logger: logger.With("component", "sessions"),
	}
}

// Start launches a flow of the given kind owned by the requesting device
// (empty owner means ownerless). It returns the new session and its first
// step, or ErrAlreadyRunning if a session of that kind is active. If the
// flow completes without yielding a step the session is purged before
// returning and the result is Done.
func (r *Registry) Start(ctx context.Context, kind, owner string, flow Flow) (*Session, *NextResult, error) {
	r.mu.Lock()
	if existing, ok := r.byKind[kind]; ok && !existing.Done() {
		r.mu.Unlock()
		return nil, nil, ErrAlreadyRunning
	}
	s := newSession(kind, owner, flow)
	r.byID[s.ID] = s
	r.byKind[kind] = s
	r.mu.Unlock()

	r.logger.Info("session started", "kind", kind, "session_id", s.ID, "owned", owner != "")

	res, err := s.Next(ctx, nil)
	if err != nil {
		// The caller went away before the first step; the flow keeps its
		// slot and a later next() call picks it up.
		return s, nil, err
	}
	if res.Done {
		r.Purge(s.ID)
	}
	return s, res, nil
}

// Advance delivers an answer to a session on behalf of a device. Purging on
// a terminal result is the registry's final act for the session, so a
// finished session cannot be re-queried.
func (r *Registry) Advance(ctx context.Context, id, deviceID string, answer any) (*NextResult, error) {
	s, err := r.authorized(id, deviceID)
	if err != nil {
		return nil, err
	}
	res, err := s.Next(ctx, answer)
	if err != nil {
		return nil, err
	}
	if res.Done {
		r.Purge(id)
	}
	return res, nil
}

// Current describes the running session of a kind from the perspective of
// the given device.
func (r *Registry) Current(kind, deviceID string) CurrentInfo {
	r.mu.Lock()
	s, ok := r.byKind[kind]
	r.mu.Unlock()

	if !ok || s.Done() {
		return CurrentInfo{}
	}
	if s.Owner != "" && s.Owner != deviceID {
		return CurrentInfo{Running: true}
	}
	return CurrentInfo{Running: true, Owned: true, SessionID: s.ID}
}

// Cancel cancels a session by id. Only the owner may cancel. Cancelling a
// session that is already gone is not an error; it reports cancelled=false.
func (r *Registry) Cancel(id, deviceID string) (bool, error) {
	s, err := r.authorized(id, deviceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.Cancel()
	r.Purge(id)
	r.logger.Info("session cancelled", "kind", s.Kind, "session_id", id)
	return true, nil
}

// CancelCurrent cancels the running session of a kind, if any.
func (r *Registry) CancelCurrent(kind, deviceID string) (bool, error) {
	r.mu.Lock()
	s, ok := r.byKind[kind]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return r.Cancel(s.ID, deviceID)
}

// Purge removes a session from the registry. The session's goroutine is
// expected to be finished or finishing.
func (r *Registry) Purge(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if r.byKind[s.Kind] == s {
		delete(r.byKind, s.Kind)
	}
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// Close cancels every running session. Used on gateway shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.byID = make(map[string]*Session)
	r.byKind = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
}

// authorized looks up a session and checks the caller's device identity
// against its owner. Ownerless sessions accept any caller.
func (r *Registry) authorized(id, deviceID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.byID[id]
	r.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if s.Owner != "" && s.Owner != deviceID {
		return nil, ErrNotOwner
	}
	return s, nil
}
