// ABOUTME: Tests for the runtime configuration store
// ABOUTME: Covers agent edits, lock modes, config patches, and stale-hash rejection

package configstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sigil-gateway/internal/filestate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "config.json"), slog.Default())
	require.NoError(t, err)
	return store
}

func TestLoadMissingDocument(t *testing.T) {
	store := newTestStore(t)

	doc, hash, exists, err := store.Load()
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, hash)
	assert.Equal(t, 1, doc.Version)
	assert.Empty(t, doc.Agents)
}

func TestUpdateAgentSetAndUnset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry, _, err := store.UpdateAgent(ctx, "", "researcher", map[string]any{
		"model":         "gpt-5",
		"provider":      "OpenAI",
		"authProfileId": "openai:work",
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", entry.Provider, "provider should normalize")
	assert.Equal(t, LockLocked, entry.TextLockMode())

	entry, _, err = store.UpdateAgent(ctx, "", "researcher", nil, []string{"authProfileId"}, nil)
	require.NoError(t, err)
	assert.Empty(t, entry.AuthProfileID)
	assert.Equal(t, LockAuto, entry.TextLockMode())
	assert.Equal(t, "gpt-5", entry.Model, "unset must not disturb other fields")
}

func TestUpdateAgentUnknownField(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.UpdateAgent(context.Background(), "", "a", map[string]any{"mdoel": "x"}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent field")
}

func TestUpdateAgentValidatorAbortsWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.UpdateAgent(ctx, "", "a", map[string]any{"authProfileId": "ghost"}, nil, func(AgentEntry) error {
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	doc, _, exists, err := store.Load()
	require.NoError(t, err)
	if exists {
		entry, _ := doc.Agent("a")
		assert.Empty(t, entry.AuthProfileID)
	}
}

func TestUpdateAgentStaleHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, hash, err := store.UpdateAgent(ctx, "", "a", map[string]any{"model": "m1"}, nil, nil)
	require.NoError(t, err)

	_, _, err = store.UpdateAgent(ctx, hash, "a", map[string]any{"model": "m2"}, nil, nil)
	require.NoError(t, err)

	_, _, err = store.UpdateAgent(ctx, hash, "a", map[string]any{"model": "m3"}, nil, nil)
	require.ErrorIs(t, err, filestate.ErrConcurrentModification)
}

func TestFallbacksFromDecodedJSON(t *testing.T) {
	store := newTestStore(t)

	var value any
	require.NoError(t, json.Unmarshal([]byte(`[{"provider":"Google","model":"gemini-2.5-pro"}]`), &value))

	entry, _, err := store.UpdateAgent(context.Background(), "", "a", map[string]any{"fallbacks": value}, nil, nil)
	require.NoError(t, err)
	require.Len(t, entry.Fallbacks, 1)
	assert.Equal(t, "google", entry.Fallbacks[0].Provider)
}

func TestDocumentAgentLookup(t *testing.T) {
	doc := &Document{Agents: map[string]AgentEntry{"researcher": {Model: "gpt-5"}}}

	entry, ok := doc.Agent("researcher")
	assert.True(t, ok)
	assert.Equal(t, "gpt-5", entry.Model)

	_, ok = doc.Agent("ghost")
	assert.False(t, ok)

	_, ok = (&Document{}).Agent("researcher")
	assert.False(t, ok, "nil agent map must not panic")
}

func TestApplyPatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ApplyPatch(ctx, "", map[string]json.RawMessage{
		"providers.openai.apiKey":    json.RawMessage(`"sk-test"`),
		"defaultModel":               json.RawMessage(`{"provider":"openai","model":"gpt-5"}`),
		"providers.bedrock.authMode": json.RawMessage(`"aws-sdk"`),
	})
	require.NoError(t, err)

	doc, _, exists, err := store.Load()
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "sk-test", doc.Provider("openai").APIKey)
	assert.Equal(t, "aws-sdk", doc.Provider("bedrock").AuthMode)
	require.NotNil(t, doc.DefaultModel)
	assert.Equal(t, "gpt-5", doc.DefaultModel.Model)

	// The aliased path must land on the canonical provider key, not the
	// spelling the patch carried.
	_, aliased := doc.Providers["bedrock"]
	assert.False(t, aliased)
	_, canonical := doc.Providers["amazon-bedrock"]
	assert.True(t, canonical)
}

func TestApplyPatchEmpty(t *testing.T) {
	store := newTestStore(t)
	_, err := store.ApplyPatch(context.Background(), "", nil)
	require.Error(t, err)
}

func TestImageLockModes(t *testing.T) {
	cases := []struct {
		name  string
		entry AgentEntry
		want  LockMode
	}{
		{
			name:  "explicit image lock",
			entry: AgentEntry{Provider: "openai", AuthProfileID: "p", ImageAuthProfileID: "img"},
			want:  LockLocked,
		},
		{
			name:  "inherits when image provider matches text",
			entry: AgentEntry{Provider: "openai", AuthProfileID: "p"},
			want:  LockInherited,
		},
		{
			name:  "no inheritance across providers",
			entry: AgentEntry{Provider: "anthropic", AuthProfileID: "p", ImageProvider: "openai"},
			want:  LockAuto,
		},
		{
			name:  "auto when text unlocked",
			entry: AgentEntry{Provider: "openai"},
			want:  LockAuto,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.entry.ImageLockMode())
		})
	}
}
