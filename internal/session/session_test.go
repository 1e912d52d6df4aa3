// ABOUTME: Tests for the stepped-session engine and registry
// ABOUTME: Covers start/next/cancel lifecycle, ownership, and singleton-per-kind

package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoStepFlow asks for a name and a confirmation, then returns a result map.
func twoStepFlow(ctx context.Context, p *Prompter) (any, error) {
	name, err := p.Text(ctx, "What should the workspace be called?", false)
	if err != nil {
		return nil, err
	}
	ok, err := p.Confirm(ctx, "Create it?")
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "confirmed": ok}, nil
}

func TestRegistry_StartAndAdvanceToCompletion(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s, first, err := r.Start(ctx, "wizard", "device-a", twoStepFlow)
	require.NoError(t, err)
	require.False(t, first.Done)
	require.Equal(t, StepText, first.Step.Type)
	assert.Equal(t, StatusRunning, first.Status)

	res, err := r.Advance(ctx, s.ID, "device-a", "lab")
	require.NoError(t, err)
	require.False(t, res.Done)
	assert.Equal(t, StepConfirm, res.Step.Type)

	res, err = r.Advance(ctx, s.ID, "device-a", true)
	require.NoError(t, err)
	require.True(t, res.Done)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"name": "lab", "confirmed": true}, res.Result)

	// Purged as its final act: the finished session cannot be re-queried.
	_, err = r.Advance(ctx, s.ID, "device-a", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_SingleSessionPerKind(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s, _, err := r.Start(ctx, "wizard", "device-a", twoStepFlow)
	require.NoError(t, err)

	_, _, err = r.Start(ctx, "wizard", "device-b", twoStepFlow)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// A different kind is independent.
	_, _, err = r.Start(ctx, "authflow", "device-b", twoStepFlow)
	require.NoError(t, err)

	cancelled, err := r.Cancel(s.ID, "device-a")
	require.NoError(t, err)
	require.True(t, cancelled)

	// Slot released: starting again succeeds.
	_, _, err = r.Start(ctx, "wizard", "device-b", twoStepFlow)
	require.NoError(t, err)
}

func TestRegistry_NonOwnerIsRejectedAndFlowDoesNotAdvance(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s, _, err := r.Start(ctx, "wizard", "device-a", twoStepFlow)
	require.NoError(t, err)

	_, err = r.Advance(ctx, s.ID, "device-b", "stolen")
	assert.ErrorIs(t, err, ErrNotOwner)

	// The pending step is unchanged: the owner still sees the first step.
	res, err := r.Advance(ctx, s.ID, "device-a", nil)
	require.NoError(t, err)
	assert.Equal(t, StepText, res.Step.Type)

	_, err = r.Cancel(s.ID, "device-b")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestRegistry_OwnerlessSessionAcceptsAnyone(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s, _, err := r.Start(ctx, "wizard", "", twoStepFlow)
	require.NoError(t, err)

	res, err := r.Advance(ctx, s.ID, "device-z", "open")
	require.NoError(t, err)
	assert.Equal(t, StepConfirm, res.Step.Type)
}

func TestRegistry_CurrentMasksDetailFromNonOwners(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s, _, err := r.Start(ctx, "wizard", "device-a", twoStepFlow)
	require.NoError(t, err)

	owner := r.Current("wizard", "device-a")
	assert.True(t, owner.Running)
	assert.True(t, owner.Owned)
	assert.Equal(t, s.ID, owner.SessionID)

	other := r.Current("wizard", "device-b")
	assert.True(t, other.Running)
	assert.False(t, other.Owned)
	assert.Empty(t, other.SessionID)

	none := r.Current("authflow", "device-a")
	assert.False(t, none.Running)
}

func TestRegistry_CancelIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s, _, err := r.Start(ctx, "wizard", "device-a", twoStepFlow)
	require.NoError(t, err)

	cancelled, err := r.Cancel(s.ID, "device-a")
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Second cancel against the already-removed session is a no-op.
	cancelled, err = r.Cancel(s.ID, "device-a")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestRegistry_CancelCurrent(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	_, _, err := r.Start(ctx, "authflow", "device-a", twoStepFlow)
	require.NoError(t, err)

	cancelled, err := r.CancelCurrent("authflow", "device-a")
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = r.CancelCurrent("authflow", "device-a")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestSession_CancelledFlowReportsCancelled(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s, _, err := r.Start(ctx, "wizard", "device-a", twoStepFlow)
	require.NoError(t, err)

	s.Cancel()
	assert.Equal(t, StatusCancelled, s.CurrentStatus())
	assert.True(t, s.Done())
}

func TestSession_FailingFlowReportsError(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s, first, err := r.Start(ctx, "wizard", "", func(ctx context.Context, p *Prompter) (any, error) {
		if _, err := p.Text(ctx, "key?", true); err != nil {
			return nil, err
		}
		return nil, assert.AnError
	})
	require.NoError(t, err)
	require.True(t, first.Step.Sensitive)

	res, err := r.Advance(ctx, s.ID, "", "sk-secret")
	require.NoError(t, err)
	require.True(t, res.Done)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, assert.AnError)
}

func TestSession_ImmediateCompletionPurges(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s, first, err := r.Start(ctx, "wizard", "device-a", func(ctx context.Context, p *Prompter) (any, error) {
		return "nothing to do", nil
	})
	require.NoError(t, err)
	require.True(t, first.Done)
	assert.Equal(t, "nothing to do", first.Result)

	_, ok := r.Get(s.ID)
	assert.False(t, ok)
}

func TestSession_NilAnswerDoesNotConsumeStep(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s, first, err := r.Start(ctx, "wizard", "device-a", twoStepFlow)
	require.NoError(t, err)

	for range 3 {
		res, err := r.Advance(ctx, s.ID, "device-a", nil)
		require.NoError(t, err)
		assert.Equal(t, first.Step, res.Step)
	}
}

func TestRegistry_CloseCancelsEverything(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s1, _, err := r.Start(ctx, "wizard", "a", twoStepFlow)
	require.NoError(t, err)
	s2, _, err := r.Start(ctx, "authflow", "b", twoStepFlow)
	require.NoError(t, err)

	// Close waits for each flow goroutine to unwind.
	r.Close()

	assert.Equal(t, StatusCancelled, s1.CurrentStatus())
	assert.Equal(t, StatusCancelled, s2.CurrentStatus())
	assert.False(t, r.Current("wizard", "a").Running)
}

func TestPrompter_SelectValidatesOptions(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	s, first, err := r.Start(ctx, "wizard", "", func(ctx context.Context, p *Prompter) (any, error) {
		return p.Select(ctx, "provider?", []Option{{Value: "openai"}, {Value: "anthropic"}})
	})
	require.NoError(t, err)
	require.Equal(t, StepSelect, first.Step.Type)
	require.Len(t, first.Step.Options, 2)

	res, err := r.Advance(ctx, s.ID, "", "not-an-option")
	require.NoError(t, err)
	require.True(t, res.Done)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorContains(t, res.Err, "not one of the offered options")
}
