// ABOUTME: A single running stepped session: flow goroutine plus channel pair
// ABOUTME: Next delivers one answer and returns the following step or the final result

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Flow is the suspendable computation a session drives. It runs on its own
// goroutine and suspends by calling the prompter; the value it returns
// becomes the session result.
type Flow func(ctx context.Context, p *Prompter) (any, error)

// NextResult is what advancing a session yields: either the next step to
// render, or the terminal outcome.
type NextResult struct {
	Done   bool
	Step   *Step
	Status Status
	Result any
	Err    error
}

// Session is one running flow. The suspended call stack lives entirely in
// the flow goroutine; the session holds only the channel handles.
type Session struct {
	ID        string
	Kind      string
	Owner     string // device id; empty means ownerless (auto-public)
	StartedAt time.Time

	steps   chan *Step
	answers chan any
	done    chan struct{}
	cancel  context.CancelFunc

	// nextMu serializes Next callers. It is never held by the flow
	// goroutine, so a finishing flow can always make progress.
	nextMu  sync.Mutex
	pending *Step

	// stateMu guards the terminal fields below.
	stateMu sync.Mutex
	status  Status
	result  any
	err     error
}

func newSession(kind, owner string, flow Flow) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.New().String(),
		Kind:      kind,
		Owner:     owner,
		StartedAt: time.Now(),
		steps:     make(chan *Step),
		answers:   make(chan any),
		done:      make(chan struct{}),
		cancel:    cancel,
		status:    StatusRunning,
	}
	go s.run(ctx, flow)
	return s
}

// run executes the flow body and records its terminal state before
// signalling done.
func (s *Session) run(ctx context.Context, flow Flow) {
	result, err := flow(ctx, &Prompter{steps: s.steps, answers: s.answers})

	s.stateMu.Lock()
	switch {
	case ctx.Err() != nil || errors.Is(err, ErrFlowCancelled):
		s.status = StatusCancelled
	case err != nil:
		s.status = StatusFailed
		s.err = err
	default:
		s.status = StatusCompleted
		s.result = result
	}
	s.stateMu.Unlock()
	close(s.done)
}

// Next advances the session. If answer is non-nil it is delivered to the
// currently suspended step; the flow then resumes until it yields the next
// step or finishes. A nil answer re-reports the pending step without
// consuming anything, so a reconnecting owner can re-render it.
func (s *Session) Next(ctx context.Context, answer any) (*NextResult, error) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()

	if s.pending != nil && answer != nil {
		select {
		case s.answers <- answer:
			s.pending = nil
		case <-s.done:
			return s.terminal(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.pending == nil {
		select {
		case step := <-s.steps:
			s.pending = step
		case <-s.done:
			return s.terminal(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &NextResult{Step: s.pending, Status: StatusRunning}, nil
}

// Cancel transitions the flow to cancelled and waits for its goroutine to
// unwind. Safe to call more than once.
func (s *Session) Cancel() {
	s.cancel()
	<-s.done
}

// CurrentStatus reports the session's lifecycle state.
func (s *Session) CurrentStatus() Status {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.status
}

// Done reports whether the flow goroutine has finished.
func (s *Session) Done() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) terminal() *NextResult {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return &NextResult{
		Done:   true,
		Status: s.status,
		Result: s.result,
		Err:    s.err,
	}
}
