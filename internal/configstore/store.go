// ABOUTME: File-backed runtime configuration: per-agent model/provider locks and provider settings
// ABOUTME: Mutated under the same lock/hash/atomic-write contract as the credential store

package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	_ "embed"

	"github.com/tidwall/sjson"

	"github.com/2389/sigil-gateway/internal/filestate"
	"github.com/2389/sigil-gateway/internal/providers"
)

//go:embed schema.json
var documentSchema []byte

// ErrAgentNotFound indicates the named agent has no configuration entry.
var ErrAgentNotFound = errors.New("agent not found")

// ModelRef names a model on a provider.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// AgentEntry is the per-agent configuration. A non-empty AuthProfileID is a
// strict lock: resolution pins to that profile with no silent fallback.
type AgentEntry struct {
	Model         string     `json:"model,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	AuthProfileID string     `json:"authProfileId,omitempty"`
	Fallbacks     []ModelRef `json:"fallbacks,omitempty"`

	ImageModel         string `json:"imageModel,omitempty"`
	ImageProvider      string `json:"imageProvider,omitempty"`
	ImageAuthProfileID string `json:"imageAuthProfileId,omitempty"`
}

// LockMode describes how an agent's credentials are pinned.
type LockMode string

const (
	LockAuto      LockMode = "auto"
	LockLocked    LockMode = "locked"
	LockInherited LockMode = "inherited"
)

// TextLockMode reports the lock mode of the agent's text capability.
func (e AgentEntry) TextLockMode() LockMode {
	if e.AuthProfileID != "" {
		return LockLocked
	}
	return LockAuto
}

// ImageLockMode reports the lock mode of the agent's image capability. The
// text lock is inherited only when the effective image provider equals the
// effective text provider; otherwise image credentials are independently
// auto unless an explicit image lock exists.
func (e AgentEntry) ImageLockMode() LockMode {
	if e.ImageAuthProfileID != "" {
		return LockLocked
	}
	if e.AuthProfileID != "" && e.EffectiveImageProvider() == providers.Normalize(e.Provider) {
		return LockInherited
	}
	return LockAuto
}

// EffectiveImageProvider is the image provider, defaulting to the text
// provider when unset.
func (e AgentEntry) EffectiveImageProvider() string {
	if e.ImageProvider != "" {
		return providers.Normalize(e.ImageProvider)
	}
	return providers.Normalize(e.Provider)
}

// ProviderSettings is per-provider configuration consulted by resolution.
type ProviderSettings struct {
	// AuthMode overrides how credentials resolve; the only recognized
	// value is "aws-sdk" (cloud SDK default chain).
	AuthMode string `json:"authMode,omitempty"`
	// APIKey is a statically configured key, the second-to-last fallback.
	APIKey string `json:"apiKey,omitempty"`
}

// Document is the persisted configuration layout.
type Document struct {
	Version      int                         `json:"version"`
	DefaultModel *ModelRef                   `json:"defaultModel,omitempty"`
	Agents       map[string]AgentEntry       `json:"agents,omitempty"`
	Providers    map[string]ProviderSettings `json:"providers,omitempty"`
}

func emptyDocument() *Document {
	return &Document{Version: 1}
}

// Agent returns the entry for an agent id and whether it exists.
func (d *Document) Agent(id string) (AgentEntry, bool) {
	entry, ok := d.Agents[id]
	return entry, ok
}

// Provider returns the settings for a canonical provider id.
func (d *Document) Provider(provider string) ProviderSettings {
	if d.Providers == nil {
		return ProviderSettings{}
	}
	return d.Providers[providers.Normalize(provider)]
}

// AgentIDs returns configured agent ids in stable order.
func (d *Document) AgentIDs() []string {
	ids := make([]string, 0, len(d.Agents))
	for id := range d.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store is the runtime configuration document.
type Store struct {
	file   *filestate.File
	logger *slog.Logger
}

// New opens the configuration store at path.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := filestate.New(path, filestate.Options{
		Schema: documentSchema,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening config store: %w", err)
	}
	return &Store{file: file, logger: logger.With("component", "configstore")}, nil
}

// Path returns the document's on-disk location.
func (s *Store) Path() string {
	return s.file.Path()
}

// Load reads the current document.
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
// document.
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

// UpdateAgent applies set/unset edits to an agent entry, runs the supplied
// validator against the edited entry, and persists. Validation failures
// abort the write entirely.
func (s *Store) UpdateAgent(ctx context.Context, baseHash, agentID string, set map[string]any, unset []string, validate func(AgentEntry) error) (AgentEntry, string, error) {
	var updated AgentEntry
	hash, err := s.Mutate(ctx, baseHash, func(doc *Document) error {
		entry, _ := doc.Agent(agentID)
		if err := applyAgentEdits(&entry, set, unset); err != nil {
			return err
		}
		if validate != nil {
			if err := validate(entry); err != nil {
				return err
			}
		}
		if doc.Agents == nil {
			doc.Agents = map[string]AgentEntry{}
		}
		doc.Agents[agentID] = entry
		updated = entry
		return nil
	})
	if err != nil {
		return AgentEntry{}, "", err
	}
	s.logger.Info("agent profile updated", "agent_id", agentID)
	return updated, hash, nil
}

// ApplyPatch sets dotted-path values on the raw document, the shape auth
// flows hand back as configPatch. Paths are sjson paths relative to the
// document root (e.g. "providers.openai.apiKey"). Provider segments are
// normalized so an aliased patch lands on the key resolution reads.
func (s *Store) ApplyPatch(ctx context.Context, baseHash string, patch map[string]json.RawMessage) (string, error) {
	if len(patch) == 0 {
		return "", errors.New("empty config patch")
	}
	normalized := make(map[string]json.RawMessage, len(patch))
	for path, value := range patch {
		normalized[normalizePatchPath(path)] = value
	}
	paths := make([]string, 0, len(normalized))
	for path := range normalized {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	return s.file.Mutate(ctx, baseHash, func(current []byte) ([]byte, error) {
		if len(current) == 0 {
			current = []byte(`{"version":1}`)
		}
		var err error
		for _, path := range paths {
			current, err = sjson.SetRawBytes(current, path, normalized[path])
			if err != nil {
				return nil, fmt.Errorf("applying config patch at %q: %w", path, err)
			}
		}
		return current, nil
	})
}

// normalizePatchPath canonicalizes the provider id in a providers.<id>...
// path. Other paths pass through untouched.
func normalizePatchPath(path string) string {
	parts := strings.Split(path, ".")
	if len(parts) >= 2 && parts[0] == "providers" {
		parts[1] = providers.Normalize(parts[1])
	}
	return strings.Join(parts, ".")
}

func applyAgentEdits(entry *AgentEntry, set map[string]any, unset []string) error {
	for field, value := range set {
		if err := setAgentField(entry, field, value); err != nil {
			return err
		}
	}
	for _, field := range unset {
		if err := setAgentField(entry, field, nil); err != nil {
			return err
		}
	}
	return nil
}

func setAgentField(entry *AgentEntry, field string, value any) error {
	str := func() (string, error) {
		if value == nil {
			return "", nil
		}
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("field %q expects a string, got %T", field, value)
		}
		return s, nil
	}

	switch field {
	case "model":
		v, err := str()
		if err != nil {
			return err
		}
		entry.Model = v
	case "provider":
		v, err := str()
		if err != nil {
			return err
		}
		entry.Provider = providers.Normalize(v)
	case "authProfileId":
		v, err := str()
		if err != nil {
			return err
		}
		entry.AuthProfileID = v
	case "imageModel":
		v, err := str()
		if err != nil {
			return err
		}
		entry.ImageModel = v
	case "imageProvider":
		v, err := str()
		if err != nil {
			return err
		}
		entry.ImageProvider = providers.Normalize(v)
	case "imageAuthProfileId":
		v, err := str()
		if err != nil {
			return err
		}
		entry.ImageAuthProfileID = v
	case "fallbacks":
		if value == nil {
			entry.Fallbacks = nil
			return nil
		}
		refs, err := toModelRefs(value)
		if err != nil {
			return err
		}
		entry.Fallbacks = refs
	default:
		return fmt.Errorf("unknown agent field %q", field)
	}
	return nil
}

func toModelRefs(value any) ([]ModelRef, error) {
	// Arrives either as typed refs (internal callers) or as decoded JSON
	// (RPC params).
	if refs, ok := value.([]ModelRef); ok {
		out := make([]ModelRef, len(refs))
		for i, r := range refs {
			out[i] = ModelRef{Provider: providers.Normalize(r.Provider), Model: r.Model}
		}
		return out, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("field \"fallbacks\" expects a model list: %w", err)
	}
	var refs []ModelRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("field \"fallbacks\" expects a model list: %w", err)
	}
	for i := range refs {
		refs[i].Provider = providers.Normalize(refs[i].Provider)
	}
	return refs, nil
}

func decode(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding config document: %w", err)
	}
	return &doc, nil
}

func encode(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding config document: %w", err)
	}
	return append(data, '\n'), nil
}
