// ABOUTME: File-backed registry of auth profiles with usage stats and ordering preferences
// ABOUTME: All mutations go through the lock/hash/atomic-write cycle of filestate

package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/robfig/cron/v3"

	"github.com/2389/sigil-gateway/internal/filestate"
	"github.com/2389/sigil-gateway/internal/providers"
)

//go:embed schema.json
var documentSchema []byte

// Store errors.
var (
	ErrProfileNotFound = errors.New("auth profile not found")
)

// ProfileType classifies the secret material a profile carries.
type ProfileType string

const (
	TypeAPIKey ProfileType = "api_key"
	TypeOAuth  ProfileType = "oauth"
	TypeToken  ProfileType = "token"
)

// OAuthTokens is the secret material of an oauth profile.
type OAuthTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAtMs  int64  `json:"expiresAtMs,omitempty"`
}

// Profile is one stored credential record. Identity is ID, caller-chosen
// and typically "<provider>:<label>". Multiple profiles per provider are
// allowed and disambiguated by id.
type Profile struct {
	ID       string       `json:"id"`
	Provider string       `json:"provider"`
	Type     ProfileType  `json:"type"`
	APIKey   string       `json:"apiKey,omitempty"`
	Token    string       `json:"token,omitempty"`
	OAuth    *OAuthTokens `json:"oauth,omitempty"`
	Email    string       `json:"email,omitempty"`
}

// UsageStats is advisory availability state layered on top of a profile,
// written by rate-limit handling outside this core and read by the
// resolution engine.
type UsageStats struct {
	CooldownUntilMs int64  `json:"cooldownUntilMs,omitempty"`
	DisabledUntilMs int64  `json:"disabledUntilMs,omitempty"`
	DisabledReason  string `json:"disabledReason,omitempty"`
}

// UnavailableUntil returns the moment the profile becomes usable again. A
// zero time means it is available now.
func (u UsageStats) UnavailableUntil(now time.Time) time.Time {
	until := u.CooldownUntilMs
	if u.DisabledUntilMs > until {
		until = u.DisabledUntilMs
	}
	if until <= now.UnixMilli() {
		return time.Time{}
	}
	return time.UnixMilli(until)
}

// Document is the persisted credential-store layout.
type Document struct {
	Version    int                   `json:"version"`
	Profiles   map[string]Profile    `json:"profiles"`
	Order      map[string][]string   `json:"order,omitempty"`
	LastGood   map[string]string     `json:"lastGood,omitempty"`
	UsageStats map[string]UsageStats `json:"usageStats,omitempty"`
}

func emptyDocument() *Document {
	return &Document{Version: 1, Profiles: map[string]Profile{}}
}

// Store is the credential registry. Reads may be stale; writes are guarded
// by the document's file lock and optional base hash.
type Store struct {
	file    *filestate.File
	logger  *slog.Logger
	sweeper *cron.Cron
}

// New opens (or prepares to create) the credential store at path.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := filestate.New(path, filestate.Options{
		Schema: documentSchema,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	return &Store{file: file, logger: logger.With("component", "credstore")}, nil
}

// Path returns the store's on-disk location, used in resolution diagnostics.
func (s *Store) Path() string {
	return s.file.Path()
}

// Load reads the current document. A missing file reports exists=false with
// an empty document.
func (s *Store) Load() (*Document, string, bool, error) {
	data, hash, exists, err := s.file.Read()
	if err != nil {
		return nil, "", false, err
	}
	if !exists {
		return emptyDocument(), "", false, nil
	}
	doc, err := decode(data)
	if err != nil {
		return nil, "", false, err
	}
	return doc, hash, true, nil
}

// Mutate runs one guarded read-modify-write cycle against the decoded
// document. An empty baseHash skips the optimistic-concurrency check.
func (s *Store) Mutate(ctx context.Context, baseHash string, fn func(*Document) error) (string, error) {
	return s.file.Mutate(ctx, baseHash, func(current []byte) ([]byte, error) {
		doc := emptyDocument()
		if len(current) > 0 {
			var err error
			doc, err = decode(current)
			if err != nil {
				return nil, err
			}
		}
		if err := fn(doc); err != nil {
			return nil, err
		}
		return encode(doc)
	})
}

// UpsertAPIKey creates or replaces an api_key profile.
func (s *Store) UpsertAPIKey(ctx context.Context, baseHash, profileID, provider, apiKey, email string) (string, error) {
	if profileID == "" || provider == "" || apiKey == "" {
		return "", errors.New("profileId, provider, and apiKey are required")
	}
	hash, err := s.Mutate(ctx, baseHash, func(doc *Document) error {
		doc.Profiles[profileID] = Profile{
			ID:       profileID,
			Provider: providers.Normalize(provider),
			Type:     TypeAPIKey,
			APIKey:   apiKey,
			Email:    email,
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("auth profile upserted", "profile_id", profileID, "provider", providers.Normalize(provider))
	return hash, nil
}

// SaveProfiles writes a batch of profiles produced by an auth flow.
func (s *Store) SaveProfiles(ctx context.Context, baseHash string, batch []Profile) (string, error) {
	if len(batch) == 0 {
		return "", errors.New("no profiles to save")
	}
	return s.Mutate(ctx, baseHash, func(doc *Document) error {
		for _, p := range batch {
			if p.ID == "" || p.Provider == "" {
				return errors.New("profile id and provider are required")
			}
			p.Provider = providers.Normalize(p.Provider)
			doc.Profiles[p.ID] = p
		}
		return nil
	})
}

// Delete removes a profile and its associated ordering/stats entries.
func (s *Store) Delete(ctx context.Context, baseHash, profileID string) (string, error) {
	hash, err := s.Mutate(ctx, baseHash, func(doc *Document) error {
		if _, ok := doc.Profiles[profileID]; !ok {
			return fmt.Errorf("%w: %q", ErrProfileNotFound, profileID)
		}
		delete(doc.Profiles, profileID)
		delete(doc.UsageStats, profileID)
		for provider, order := range doc.Order {
			doc.Order[provider] = removeString(order, profileID)
		}
		for provider, last := range doc.LastGood {
			if last == profileID {
				delete(doc.LastGood, provider)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("auth profile deleted", "profile_id", profileID)
	return hash, nil
}

// SetOrder persists the profile walk order for a provider. Every id must
// name an existing profile of that provider.
func (s *Store) SetOrder(ctx context.Context, baseHash, provider string, order []string) (string, error) {
	canonical := providers.Normalize(provider)
	return s.Mutate(ctx, baseHash, func(doc *Document) error {
		for _, id := range order {
			p, ok := doc.Profiles[id]
			if !ok {
				return fmt.Errorf("%w: %q", ErrProfileNotFound, id)
			}
			if p.Provider != canonical {
				return fmt.Errorf("profile %q belongs to provider %q, not %q", id, p.Provider, canonical)
			}
		}
		if doc.Order == nil {
			doc.Order = map[string][]string{}
		}
		doc.Order[canonical] = order
		return nil
	})
}

// MarkLastGood records the profile that most recently resolved
// successfully for its provider. Advisory; no base hash involved.
func (s *Store) MarkLastGood(ctx context.Context, profileID string) error {
	_, err := s.Mutate(ctx, "", func(doc *Document) error {
		p, ok := doc.Profiles[profileID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrProfileNotFound, profileID)
		}
		if doc.LastGood == nil {
			doc.LastGood = map[string]string{}
		}
		doc.LastGood[p.Provider] = profileID
		return nil
	})
	return err
}

// ReportUsage updates the advisory availability window for a profile.
func (s *Store) ReportUsage(ctx context.Context, profileID string, stats UsageStats) error {
	_, err := s.Mutate(ctx, "", func(doc *Document) error {
		if _, ok := doc.Profiles[profileID]; !ok {
			return fmt.Errorf("%w: %q", ErrProfileNotFound, profileID)
		}
		if doc.UsageStats == nil {
			doc.UsageStats = map[string]UsageStats{}
		}
		doc.UsageStats[profileID] = stats
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("usage stats reported", "profile_id", profileID)
	return nil
}

// SweepUsage clears usage windows that have fully elapsed, keeping the
// document from accumulating dead cooldowns. Returns how many were cleared.
func (s *Store) SweepUsage(ctx context.Context, now time.Time) (int, error) {
	cleared := 0
	_, err := s.Mutate(ctx, "", func(doc *Document) error {
		for id, stats := range doc.UsageStats {
			if stats.UnavailableUntil(now).IsZero() {
				delete(doc.UsageStats, id)
				cleared++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cleared, nil
}

// StartSweeper runs SweepUsage on the given cron schedule until Close.
func (s *Store) StartSweeper(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		cleared, err := s.SweepUsage(context.Background(), time.Now())
		if err != nil {
			s.logger.Warn("usage sweep failed", "error", err)
			return
		}
		if cleared > 0 {
			s.logger.Info("usage windows cleared", "count", cleared)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	s.sweeper = c
	return nil
}

// Close stops the usage sweeper if one is running.
func (s *Store) Close() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
}

// MaskedProfile is a profile rendered for reads: secret material reduced to
// a recognizable suffix.
type MaskedProfile struct {
	ID       string      `json:"id"`
	Provider string      `json:"provider"`
	Type     ProfileType `json:"type"`
	Masked   string      `json:"masked,omitempty"`
	Email    string      `json:"email,omitempty"`
}

// Masked renders every profile with its secret material masked.
func Masked(doc *Document) []MaskedProfile {
	out := make([]MaskedProfile, 0, len(doc.Profiles))
	for _, p := range doc.Profiles {
		secret := p.APIKey
		if secret == "" {
			secret = p.Token
		}
		if secret == "" && p.OAuth != nil {
			secret = p.OAuth.AccessToken
		}
		out = append(out, MaskedProfile{
			ID:       p.ID,
			Provider: p.Provider,
			Type:     p.Type,
			Masked:   MaskSecret(secret),
			Email:    p.Email,
		})
	}
	return out
}

// MaskSecret keeps only the last four characters of a secret. Short secrets
// are fully redacted.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return "…" + secret[len(secret)-4:]
}

func decode(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding credential store: %w", err)
	}
	if doc.Profiles == nil {
		doc.Profiles = map[string]Profile{}
	}
	return &doc, nil
}

func encode(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding credential store: %w", err)
	}
	return append(data, '\n'), nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
