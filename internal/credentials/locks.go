// ABOUTME: Strict-lock policy: validation at configuration-write time and pinned resolution at call time
// ABOUTME: A locked agent fails hard on missing/mismatched/unavailable profiles, never falls back

package credentials

import (
	"context"
	"fmt"

	"github.com/2389/sigil-gateway/internal/configstore"
	"github.com/2389/sigil-gateway/internal/providers"
)

// FallbackProviderMismatchError reports a fallback model whose provider
// disagrees with the provider the agent's lock pins.
type FallbackProviderMismatchError struct {
	Model        string
	Got          string
	LockProvider string
}

func (e *FallbackProviderMismatchError) Error() string {
	return fmt.Sprintf("fallback model %q names provider %q but the agent is locked to %q",
		e.Model, e.Got, e.LockProvider)
}

// ValidateAgentLock checks a proposed agent entry before it is written.
// Unlocked agents pass unconditionally, including cross-provider fallbacks;
// the restriction applies only once a lock exists.
func (r *Resolver) ValidateAgentLock(entry configstore.AgentEntry) error {
	if entry.AuthProfileID != "" {
		if err := r.checkLock(entry.AuthProfileID, entry.Provider); err != nil {
			return err
		}
		lockProvider := providers.Normalize(entry.Provider)
		for _, fallback := range entry.Fallbacks {
			if providers.Normalize(fallback.Provider) != lockProvider {
				return &FallbackProviderMismatchError{
					Model:        fallback.Model,
					Got:          providers.Normalize(fallback.Provider),
					LockProvider: lockProvider,
				}
			}
		}
	}
	if entry.ImageAuthProfileID != "" {
		if err := r.checkLock(entry.ImageAuthProfileID, entry.EffectiveImageProvider()); err != nil {
			return err
		}
	}
	return nil
}

// checkLock verifies a locked profile exists, matches the expected
// provider, and is currently available.
func (r *Resolver) checkLock(profileID, provider string) error {
	doc, _, _, err := r.creds.Load()
	if err != nil {
		return fmt.Errorf("loading credential store: %w", err)
	}
	profile, ok := doc.Profiles[profileID]
	if !ok {
		return &ProfileNotFoundError{ProfileID: profileID}
	}
	want := providers.Normalize(provider)
	if want != "" && providers.Normalize(profile.Provider) != want {
		return &ProviderMismatchError{ProfileID: profileID, Want: want, Got: providers.Normalize(profile.Provider)}
	}
	if until := doc.UsageStats[profileID].UnavailableUntil(r.now()); !until.IsZero() {
		return &ProfileUnavailableError{ProfileID: profileID, Until: until, Reason: doc.UsageStats[profileID].DisabledReason}
	}
	return nil
}

// ResolveForAgent resolves text-capability credentials for an agent entry,
// honoring its lock when present.
func (r *Resolver) ResolveForAgent(ctx context.Context, entry configstore.AgentEntry) (*Resolved, error) {
	return r.Resolve(ctx, Request{
		Provider:  entry.Provider,
		ProfileID: entry.AuthProfileID,
	})
}

// ResolveImageForAgent resolves image-capability credentials. The text lock
// is inherited only when the effective image provider equals the text
// provider; otherwise the image side runs the full chain unless it carries
// its own lock.
func (r *Resolver) ResolveImageForAgent(ctx context.Context, entry configstore.AgentEntry) (*Resolved, error) {
	req := Request{Provider: entry.EffectiveImageProvider()}
	switch entry.ImageLockMode() {
	case configstore.LockLocked:
		req.ProfileID = entry.ImageAuthProfileID
	case configstore.LockInherited:
		req.ProfileID = entry.AuthProfileID
	}
	return r.Resolve(ctx, req)
}
