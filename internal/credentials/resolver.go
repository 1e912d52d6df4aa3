// ABOUTME: Credential resolution engine: explicit profile, profile order, env vars, SDK chain
// ABOUTME: First source to succeed wins; exhaustion produces an actionable diagnostic

package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/2389/sigil-gateway/internal/configstore"
	"github.com/2389/sigil-gateway/internal/credstore"
	"github.com/2389/sigil-gateway/internal/providers"
)

// Mode describes what kind of credential a resolution produced.
type Mode string

const (
	ModeAPIKey Mode = "api_key"
	ModeOAuth  Mode = "oauth"
	ModeToken  Mode = "token"
	ModeAWSSDK Mode = "aws-sdk"
)

// Resolved is the ephemeral result of a resolution. It is handed to the
// caller and never persisted.
type Resolved struct {
	APIKey    string `json:"apiKey,omitempty"`
	ProfileID string `json:"profileId,omitempty"`
	Source    string `json:"source"`
	Mode      Mode   `json:"mode"`
}

// Request names what to resolve. ProfileID, when set, pins resolution to
// that single profile with no fallback.
type Request struct {
	Provider         string
	ProfileID        string
	PreferredProfile string
}

// ProfileNotFoundError is the hard failure for an explicit profile id that
// does not exist in the store.
type ProfileNotFoundError struct {
	ProfileID string
}

func (e *ProfileNotFoundError) Error() string {
	return fmt.Sprintf("No credentials found for profile %q", e.ProfileID)
}

// ProviderMismatchError reports a profile whose provider disagrees with the
// provider the caller needs.
type ProviderMismatchError struct {
	ProfileID string
	Want      string
	Got       string
}

func (e *ProviderMismatchError) Error() string {
	return fmt.Sprintf("profile %q belongs to provider %q, not %q", e.ProfileID, e.Got, e.Want)
}

// ProfileUnavailableError reports a profile inside its cooldown or disabled
// window. The caller may retry after Until.
type ProfileUnavailableError struct {
	ProfileID string
	Until     time.Time
	Reason    string
}

func (e *ProfileUnavailableError) Error() string {
	msg := fmt.Sprintf("profile %q is unavailable until %s", e.ProfileID, e.Until.Format(time.RFC3339))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ExhaustedError reports that every source in the chain came up empty.
type ExhaustedError struct {
	Provider  string
	StorePath string
	Hint      string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no credentials available for provider %q (credential store: %s). %s", e.Provider, e.StorePath, e.Hint)
}

// Resolver walks the fallback chain for a provider. Reads against the
// stores are fresh on every call; resolution itself takes no locks.
type Resolver struct {
	creds  *credstore.Store
	config *configstore.Store
	logger *slog.Logger

	// Injection points for tests.
	lookupEnv func(string) (string, bool)
	awsChain  func(context.Context) (*Resolved, error)
	now       func() time.Time
}

// New builds a resolver over the credential and configuration stores.
func New(creds *credstore.Store, config *configstore.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		creds:     creds,
		config:    config,
		logger:    logger.With("component", "credentials"),
		lookupEnv: os.LookupEnv,
		now:       time.Now,
	}
	r.awsChain = r.resolveAWSChain
	return r
}

// Resolve returns a usable credential for the request or fails. Order:
// explicit profile, auth-mode override, profile order walk, environment,
// static configured key, implicit SDK chain.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolved, error) {
	provider := providers.Normalize(req.Provider)

	doc, _, _, err := r.creds.Load()
	if err != nil {
		return nil, fmt.Errorf("loading credential store: %w", err)
	}

	if req.ProfileID != "" {
		return r.resolveExplicit(doc, provider, req.ProfileID)
	}

	cfg, _, _, err := r.config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config store: %w", err)
	}
	settings := cfg.Provider(provider)

	if settings.AuthMode == "aws-sdk" {
		return r.awsChain(ctx)
	}

	if resolved := r.walkOrder(doc, provider, req.PreferredProfile); resolved != nil {
		return resolved, nil
	}

	if resolved := r.fromEnv(provider); resolved != nil {
		return resolved, nil
	}

	if settings.APIKey != "" {
		return &Resolved{
			APIKey: settings.APIKey,
			Source: fmt.Sprintf("config: providers.%s.apiKey", provider),
			Mode:   ModeAPIKey,
		}, nil
	}

	if providers.UsesSDKDefaultChain(provider) {
		return r.awsChain(ctx)
	}

	return nil, r.exhausted(doc, provider)
}

// resolveExplicit pins resolution to one profile. Any problem with that
// profile is a hard failure; the chain is never consulted.
func (r *Resolver) resolveExplicit(doc *credstore.Document, provider, profileID string) (*Resolved, error) {
	profile, ok := doc.Profiles[profileID]
	if !ok {
		return nil, &ProfileNotFoundError{ProfileID: profileID}
	}
	if provider != "" && providers.Normalize(profile.Provider) != provider {
		return nil, &ProviderMismatchError{
			ProfileID: profileID,
			Want:      provider,
			Got:       providers.Normalize(profile.Provider),
		}
	}
	if until := doc.UsageStats[profileID].UnavailableUntil(r.now()); !until.IsZero() {
		return nil, &ProfileUnavailableError{
			ProfileID: profileID,
			Until:     until,
			Reason:    doc.UsageStats[profileID].DisabledReason,
		}
	}
	return r.fromProfile(profile)
}

// walkOrder tries the provider's profiles in configured order. Per-profile
// failures are swallowed; the walk moves to the next candidate.
func (r *Resolver) walkOrder(doc *credstore.Document, provider, preferred string) *Resolved {
	candidates := doc.Order[provider]
	if len(candidates) == 0 {
		for id, profile := range doc.Profiles {
			if providers.Normalize(profile.Provider) == provider {
				candidates = append(candidates, id)
			}
		}
		sort.Strings(candidates)
	}
	if lastGood := doc.LastGood[provider]; lastGood != "" {
		candidates = moveToFront(candidates, lastGood)
	}
	if preferred != "" {
		candidates = moveToFront(candidates, preferred)
	}

	now := r.now()
	for _, id := range candidates {
		profile, ok := doc.Profiles[id]
		if !ok || providers.Normalize(profile.Provider) != provider {
			continue
		}
		if until := doc.UsageStats[id].UnavailableUntil(now); !until.IsZero() {
			r.logger.Debug("skipping unavailable profile", "profile_id", id, "until", until)
			continue
		}
		resolved, err := r.fromProfile(profile)
		if err != nil {
			r.logger.Debug("profile did not resolve", "profile_id", id, "error", err)
			continue
		}
		return resolved
	}
	return nil
}

// fromProfile extracts the usable secret from a stored profile.
func (r *Resolver) fromProfile(profile credstore.Profile) (*Resolved, error) {
	source := "profile:" + profile.ID
	switch profile.Type {
	case credstore.TypeAPIKey:
		if profile.APIKey == "" {
			return nil, fmt.Errorf("profile %q has no API key material", profile.ID)
		}
		return &Resolved{APIKey: profile.APIKey, ProfileID: profile.ID, Source: source, Mode: ModeAPIKey}, nil
	case credstore.TypeToken:
		if profile.Token == "" {
			return nil, fmt.Errorf("profile %q has no token material", profile.ID)
		}
		return &Resolved{APIKey: profile.Token, ProfileID: profile.ID, Source: source, Mode: ModeToken}, nil
	case credstore.TypeOAuth:
		if profile.OAuth == nil || profile.OAuth.AccessToken == "" {
			return nil, fmt.Errorf("profile %q has no OAuth tokens", profile.ID)
		}
		if exp := profile.OAuth.ExpiresAtMs; exp > 0 && exp <= r.now().UnixMilli() {
			return nil, fmt.Errorf("profile %q OAuth token expired", profile.ID)
		}
		return &Resolved{APIKey: profile.OAuth.AccessToken, ProfileID: profile.ID, Source: source, Mode: ModeOAuth}, nil
	default:
		return nil, fmt.Errorf("profile %q has unknown type %q", profile.ID, profile.Type)
	}
}

// fromEnv tries the provider's candidate environment variables in priority
// order.
func (r *Resolver) fromEnv(provider string) *Resolved {
	for _, candidate := range providers.EnvVars(provider) {
		value, ok := r.lookupEnv(candidate.Name)
		if !ok || value == "" {
			continue
		}
		mode := ModeAPIKey
		if candidate.OAuth {
			mode = ModeOAuth
		}
		return &Resolved{APIKey: value, Source: "env: " + candidate.Name, Mode: mode}
	}
	return nil
}

// exhausted builds the terminal diagnostic, steering toward an OAuth
// sibling profile when one is stored.
func (r *Resolver) exhausted(doc *credstore.Document, provider string) error {
	hint := "Add a profile with auth.profiles.upsertApiKey or run the auth setup flow."
	if vars := providers.EnvVars(provider); len(vars) > 0 {
		hint = fmt.Sprintf("Export %s or add a profile with auth.profiles.upsertApiKey.", vars[0].Name)
	}
	if sibling, ok := providers.OAuthSibling(provider); ok {
		for _, profile := range doc.Profiles {
			if providers.Normalize(profile.Provider) == sibling && profile.Type == credstore.TypeOAuth {
				hint = fmt.Sprintf("An OAuth profile %q exists for %q; lock the agent to it or export the provider's API key variable.", profile.ID, sibling)
				break
			}
		}
	}
	return &ExhaustedError{Provider: provider, StorePath: r.creds.Path(), Hint: hint}
}

func moveToFront(list []string, target string) []string {
	for i, v := range list {
		if v != target {
			continue
		}
		out := make([]string, 0, len(list))
		out = append(out, target)
		out = append(out, list[:i]...)
		out = append(out, list[i+1:]...)
		return out
	}
	return list
}
