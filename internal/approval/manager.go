// ABOUTME: Workflow approval manager: human yes/no decisions with idempotent pending records
// ABOUTME: Decisions persist under the file lock before any waiter is woken

package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/2389/sigil-gateway/internal/filestate"
)

// Decision is a human verdict on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// DefaultTimeout bounds approvals whose request did not name one.
const DefaultTimeout = 15 * time.Minute

// terminalRetention is how long resolved and expired records stay in the
// document before the sweeper evicts them.
const terminalRetention = time.Hour

// ErrUnknownApproval indicates the approval id has no record.
var ErrUnknownApproval = errors.New("unknown approval")

// RequestInfo describes what is being approved.
type RequestInfo struct {
	Kind       string          `json:"kind"`
	Title      string          `json:"title"`
	Summary    string          `json:"summary,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	AgentID    string          `json:"agentId,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
}

// Record is one approval through its lifecycle: pending, then resolved
// (decision set) or expired (decision left null).
type Record struct {
	ID             string      `json:"id"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
	Request        RequestInfo `json:"request"`
	CreatedAtMs    int64       `json:"createdAtMs"`
	ExpiresAtMs    int64       `json:"expiresAtMs"`
	ResolvedAtMs   int64       `json:"resolvedAtMs,omitempty"`
	ExpiredAtMs    int64       `json:"expiredAtMs,omitempty"`
	Decision       *Decision   `json:"decision,omitempty"`
	ResolvedBy     string      `json:"resolvedBy,omitempty"`
}

func (r Record) terminal() bool {
	return r.Decision != nil || r.ExpiredAtMs > 0
}

func (r Record) pendingAt(now time.Time) bool {
	return !r.terminal() && now.UnixMilli() < r.ExpiresAtMs
}

type document struct {
	Version int               `json:"version"`
	Records map[string]Record `json:"records"`
}

// Params shapes a request call.
type Params struct {
	ID             string
	IdempotencyKey string
	Timeout        time.Duration
	Request        RequestInfo
}

// Manager owns approval records. Records are durable; waiters are pure
// in-memory channels and do not survive a restart; a resumed process
// treats any record without a decision as still pending.
type Manager struct {
	file   *filestate.File
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan *Decision

	sweeper *cron.Cron

	// OnEvent, when set, is called after each durable mutation with
	// "requested", "resolved", or "expired" and the record. Used for
	// broadcast frames.
	OnEvent func(event string, record Record)

	now func() time.Time
}

// New opens the approval ledger at path.
func New(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := filestate.New(path, filestate.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("opening approval ledger: %w", err)
	}
	return &Manager{
		file:    file,
		logger:  logger.With("component", "approval"),
		waiters: map[string][]chan *Decision{},
		now:     time.Now,
	}, nil
}

// Request creates a pending record, or returns the existing pending record
// unchanged when the idempotency key matches one.
func (m *Manager) Request(ctx context.Context, params Params) (Record, error) {
	if params.Request.Kind == "" || params.Request.Title == "" {
		return Record{}, errors.New("approval request needs kind and title")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out Record
	err := m.mutate(ctx, func(doc *document) error {
		now := m.now()
		if params.IdempotencyKey != "" {
			for _, rec := range doc.Records {
				if rec.IdempotencyKey == params.IdempotencyKey && rec.pendingAt(now) {
					out = rec
					return errNoWrite
				}
			}
		}
		id := params.ID
		if id == "" {
			id = uuid.NewString()
		}
		if existing, ok := doc.Records[id]; ok {
			return fmt.Errorf("approval %q already exists (created %d)", id, existing.CreatedAtMs)
		}
		out = Record{
			ID:             id,
			IdempotencyKey: params.IdempotencyKey,
			Request:        params.Request,
			CreatedAtMs:    now.UnixMilli(),
			ExpiresAtMs:    now.Add(timeout).UnixMilli(),
		}
		doc.Records[id] = out
		return nil
	})
	if err != nil && !errors.Is(err, errNoWrite) {
		return Record{}, err
	}
	if err == nil {
		m.logger.Info("approval requested", "approval_id", out.ID, "kind", out.Request.Kind)
		m.emit("requested", out)
	}
	return out, nil
}

// Get returns the record for an id.
func (m *Manager) Get(id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, err := m.load()
	if err != nil {
		return Record{}, err
	}
	rec, ok := doc.Records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownApproval, id)
	}
	return rec, nil
}

// ListPending returns unresolved, unexpired records.
func (m *Manager) ListPending() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, err := m.load()
	if err != nil {
		return nil, err
	}
	now := m.now()
	var pending []Record
	for _, rec := range doc.Records {
		if rec.pendingAt(now) {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

// Resolve records a decision and wakes every waiter with it. Returns false
// when the id is unknown or the record is already resolved or expired.
func (m *Manager) Resolve(ctx context.Context, id string, decision Decision, resolvedBy string) (bool, error) {
	if decision != DecisionApprove && decision != DecisionDeny {
		return false, fmt.Errorf("invalid decision %q", decision)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out Record
	err := m.mutate(ctx, func(doc *document) error {
		rec, ok := doc.Records[id]
		if !ok || rec.terminal() {
			return errNoWrite
		}
		d := decision
		rec.Decision = &d
		rec.ResolvedAtMs = m.now().UnixMilli()
		rec.ResolvedBy = resolvedBy
		doc.Records[id] = rec
		out = rec
		return nil
	})
	if errors.Is(err, errNoWrite) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.logger.Info("approval resolved", "approval_id", id, "decision", decision, "resolved_by", resolvedBy)
	m.wakeLocked(id, out.Decision)
	m.emit("resolved", out)
	return true, nil
}

// Expire marks a record expired and wakes waiters with null. A record that
// already carries a decision is left alone: a resolve that landed first
// wins over the expiry.
func (m *Manager) Expire(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLocked(ctx, id)
}

func (m *Manager) expireLocked(ctx context.Context, id string) (bool, error) {
	var out Record
	err := m.mutate(ctx, func(doc *document) error {
		rec, ok := doc.Records[id]
		if !ok || rec.terminal() {
			return errNoWrite
		}
		rec.ExpiredAtMs = m.now().UnixMilli()
		doc.Records[id] = rec
		out = rec
		return nil
	})
	if errors.Is(err, errNoWrite) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.logger.Info("approval expired", "approval_id", id)
	m.wakeLocked(id, nil)
	m.emit("expired", out)
	return true, nil
}

// WaitForDecision blocks until the record is resolved, expires, or the
// context ends. A record that already carries a decision resolves
// immediately; expiry and cancellation yield nil.
func (m *Manager) WaitForDecision(ctx context.Context, id string) (*Decision, error) {
	m.mu.Lock()
	doc, err := m.load()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	rec, ok := doc.Records[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownApproval, id)
	}
	if rec.terminal() {
		m.mu.Unlock()
		return rec.Decision, nil
	}

	ch := make(chan *Decision, 1)
	m.waiters[id] = append(m.waiters[id], ch)
	deadline := time.UnixMilli(rec.ExpiresAtMs)
	m.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision, nil
	case <-timer.C:
		// The deadline passed while waiting. Re-check under the lock: a
		// resolve racing the timer wins.
		m.mu.Lock()
		defer m.mu.Unlock()
		doc, err := m.load()
		if err != nil {
			return nil, err
		}
		if rec, ok := doc.Records[id]; ok && rec.Decision != nil {
			return rec.Decision, nil
		}
		if _, err := m.expireLocked(ctx, id); err != nil {
			return nil, err
		}
		m.dropWaiterLocked(id, ch)
		return nil, nil
	case <-ctx.Done():
		m.mu.Lock()
		m.dropWaiterLocked(id, ch)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// RequestAndWait is the create-then-wait variant.
func (m *Manager) RequestAndWait(ctx context.Context, params Params) (Record, *Decision, error) {
	rec, err := m.Request(ctx, params)
	if err != nil {
		return Record{}, nil, err
	}
	decision, err := m.WaitForDecision(ctx, rec.ID)
	if err != nil {
		return rec, nil, err
	}
	return rec, decision, nil
}

// Sweep expires overdue pending records and evicts terminal records past
// the retention window. Returns how many records were expired.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	doc, err := m.load()
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	now := m.now()
	var overdue []string
	for id, rec := range doc.Records {
		if !rec.terminal() && now.UnixMilli() >= rec.ExpiresAtMs {
			overdue = append(overdue, id)
		}
	}
	expired := 0
	for _, id := range overdue {
		ok, err := m.expireLocked(ctx, id)
		if err != nil {
			m.mu.Unlock()
			return expired, err
		}
		if ok {
			expired++
		}
	}

	err = m.mutate(ctx, func(doc *document) error {
		cutoff := now.Add(-terminalRetention).UnixMilli()
		evicted := false
		for id, rec := range doc.Records {
			terminalAt := rec.ResolvedAtMs
			if rec.ExpiredAtMs > terminalAt {
				terminalAt = rec.ExpiredAtMs
			}
			if rec.terminal() && terminalAt <= cutoff {
				delete(doc.Records, id)
				evicted = true
			}
		}
		if !evicted {
			return errNoWrite
		}
		return nil
	})
	m.mu.Unlock()
	if err != nil && !errors.Is(err, errNoWrite) {
		return expired, err
	}
	return expired, nil
}

// StartSweeper runs Sweep on the given cron schedule until Close.
func (m *Manager) StartSweeper(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := m.Sweep(context.Background()); err != nil {
			m.logger.Warn("approval sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	m.sweeper = c
	return nil
}

// Close stops the sweeper if one is running.
func (m *Manager) Close() {
	if m.sweeper != nil {
		<-m.sweeper.Stop().Done()
	}
}

// errNoWrite aborts a mutate cycle without persisting or failing.
var errNoWrite = errors.New("no write")

func (m *Manager) load() (*document, error) {
	data, _, exists, err := m.file.Read()
	if err != nil {
		return nil, err
	}
	doc := &document{Version: 1, Records: map[string]Record{}}
	if !exists {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decoding approval ledger: %w", err)
	}
	if doc.Records == nil {
		doc.Records = map[string]Record{}
	}
	return doc, nil
}

func (m *Manager) mutate(ctx context.Context, fn func(*document) error) error {
	_, err := m.file.Mutate(ctx, "", func(current []byte) ([]byte, error) {
		doc := &document{Version: 1, Records: map[string]Record{}}
		if len(current) > 0 {
			if err := json.Unmarshal(current, doc); err != nil {
				return nil, fmt.Errorf("decoding approval ledger: %w", err)
			}
			if doc.Records == nil {
				doc.Records = map[string]Record{}
			}
		}
		if err := fn(doc); err != nil {
			return nil, err
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding approval ledger: %w", err)
		}
		return append(data, '\n'), nil
	})
	return err
}

// wakeLocked delivers the outcome to every waiter for id and clears them.
func (m *Manager) wakeLocked(id string, decision *Decision) {
	for _, ch := range m.waiters[id] {
		ch <- decision
	}
	delete(m.waiters, id)
}

func (m *Manager) dropWaiterLocked(id string, target chan *Decision) {
	remaining := m.waiters[id][:0]
	for _, ch := range m.waiters[id] {
		if ch != target {
			remaining = append(remaining, ch)
		}
	}
	if len(remaining) == 0 {
		delete(m.waiters, id)
	} else {
		m.waiters[id] = remaining
	}
}

func (m *Manager) emit(event string, record Record) {
	if m.OnEvent != nil {
		m.OnEvent(event, record)
	}
}
