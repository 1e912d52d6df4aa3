// ABOUTME: Tests for the file-backed credential store
// ABOUTME: Covers upsert/delete/order, usage windows, masking, and stale-hash writers

package credstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sigil-gateway/internal/filestate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "credentials.json"), nil)
	require.NoError(t, err)
	return s
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)

	doc, hash, exists, err := s.Load()
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, hash)
	assert.Empty(t, doc.Profiles)
}

func TestStore_UpsertAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := s.UpsertAPIKey(ctx, "", "openai:default", "OpenAI", "sk-test-1234567890", "ops@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	doc, loadHash, exists, err := s.Load()
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, hash, loadHash)

	p := doc.Profiles["openai:default"]
	assert.Equal(t, "openai", p.Provider, "provider stored normalized")
	assert.Equal(t, TypeAPIKey, p.Type)
	assert.Equal(t, "sk-test-1234567890", p.APIKey)
}

func TestStore_StaleBaseHashLoses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base, err := s.UpsertAPIKey(ctx, "", "openai:default", "openai", "sk-first-0000000000", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	keys := []string{"sk-writer-a-1111111111", "sk-writer-b-2222222222"}
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.UpsertAPIKey(ctx, base, "openai:default", "openai", keys[i], "")
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, filestate.ErrConcurrentModification)
		}
	}
	assert.Equal(t, 1, winners)

	// The store reflects exactly the single successful writer.
	doc, _, _, err := s.Load()
	require.NoError(t, err)
	assert.Contains(t, keys, doc.Profiles["openai:default"].APIKey)
}

func TestStore_DeleteCleansReferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertAPIKey(ctx, "", "openai:a", "openai", "sk-aaaaaaaaaaaa", "")
	require.NoError(t, err)
	_, err = s.UpsertAPIKey(ctx, "", "openai:b", "openai", "sk-bbbbbbbbbbbb", "")
	require.NoError(t, err)
	_, err = s.SetOrder(ctx, "", "openai", []string{"openai:b", "openai:a"})
	require.NoError(t, err)
	require.NoError(t, s.MarkLastGood(ctx, "openai:a"))
	require.NoError(t, s.ReportUsage(ctx, "openai:a", UsageStats{CooldownUntilMs: time.Now().Add(time.Hour).UnixMilli()}))

	_, err = s.Delete(ctx, "", "openai:a")
	require.NoError(t, err)

	doc, _, _, err := s.Load()
	require.NoError(t, err)
	assert.NotContains(t, doc.Profiles, "openai:a")
	assert.Equal(t, []string{"openai:b"}, doc.Order["openai"])
	assert.NotContains(t, doc.LastGood, "openai")
	assert.NotContains(t, doc.UsageStats, "openai:a")
}

func TestStore_DeleteUnknownProfile(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Delete(context.Background(), "", "nope")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestStore_SetOrderValidatesMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertAPIKey(ctx, "", "openai:a", "openai", "sk-aaaaaaaaaaaa", "")
	require.NoError(t, err)

	_, err = s.SetOrder(ctx, "", "openai", []string{"openai:a", "missing"})
	assert.ErrorIs(t, err, ErrProfileNotFound)

	_, err = s.UpsertAPIKey(ctx, "", "google:g", "google", "gk-gggggggggggg", "")
	require.NoError(t, err)
	_, err = s.SetOrder(ctx, "", "openai", []string{"google:g"})
	assert.ErrorContains(t, err, "belongs to provider")
}

func TestUsageStats_UnavailableUntil(t *testing.T) {
	now := time.Now()

	assert.True(t, UsageStats{}.UnavailableUntil(now).IsZero())

	past := UsageStats{CooldownUntilMs: now.Add(-time.Minute).UnixMilli()}
	assert.True(t, past.UnavailableUntil(now).IsZero())

	cooldown := now.Add(time.Minute)
	stats := UsageStats{
		CooldownUntilMs: cooldown.UnixMilli(),
		DisabledUntilMs: now.Add(30 * time.Second).UnixMilli(),
	}
	assert.Equal(t, cooldown.UnixMilli(), stats.UnavailableUntil(now).UnixMilli(), "max of the two windows")
}

func TestStore_SweepUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.UpsertAPIKey(ctx, "", "openai:a", "openai", "sk-aaaaaaaaaaaa", "")
	require.NoError(t, err)
	_, err = s.UpsertAPIKey(ctx, "", "openai:b", "openai", "sk-bbbbbbbbbbbb", "")
	require.NoError(t, err)
	require.NoError(t, s.ReportUsage(ctx, "openai:a", UsageStats{CooldownUntilMs: now.Add(-time.Minute).UnixMilli()}))
	require.NoError(t, s.ReportUsage(ctx, "openai:b", UsageStats{DisabledUntilMs: now.Add(time.Hour).UnixMilli(), DisabledReason: "rate limited"}))

	cleared, err := s.SweepUsage(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	doc, _, _, err := s.Load()
	require.NoError(t, err)
	assert.NotContains(t, doc.UsageStats, "openai:a")
	assert.Contains(t, doc.UsageStats, "openai:b")
}

func TestStore_UsageSweeper(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.Error(t, s.StartSweeper("not a schedule"))

	_, err := s.UpsertAPIKey(ctx, "", "openai:a", "openai", "sk-aaaaaaaaaaaa", "")
	require.NoError(t, err)
	require.NoError(t, s.ReportUsage(ctx, "openai:a", UsageStats{CooldownUntilMs: time.Now().Add(-time.Minute).UnixMilli()}))

	require.NoError(t, s.StartSweeper("@every 50ms"))
	defer s.Close()

	assert.Eventually(t, func() bool {
		doc, _, _, err := s.Load()
		if err != nil {
			return false
		}
		_, present := doc.UsageStats["openai:a"]
		return !present
	}, 5*time.Second, 25*time.Millisecond, "elapsed cooldown should be swept on schedule")
}

func TestMasked_NeverLeaksSecrets(t *testing.T) {
	doc := &Document{
		Version: 1,
		Profiles: map[string]Profile{
			"openai:default": {ID: "openai:default", Provider: "openai", Type: TypeAPIKey, APIKey: "sk-live-abcdef123456"},
			"anthropic:pro":  {ID: "anthropic:pro", Provider: "anthropic", Type: TypeOAuth, OAuth: &OAuthTokens{AccessToken: "oat-verysecretvalue"}},
			"short":          {ID: "short", Provider: "groq", Type: TypeToken, Token: "tiny"},
		},
	}

	for _, m := range Masked(doc) {
		assert.NotContains(t, m.Masked, "sk-live")
		assert.NotContains(t, m.Masked, "oat-verysecret")
		assert.NotEqual(t, "tiny", m.Masked)
		switch m.ID {
		case "openai:default":
			assert.Equal(t, "…3456", m.Masked)
		case "short":
			assert.Equal(t, "****", m.Masked)
		}
	}
}
