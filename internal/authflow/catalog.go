// ABOUTME: Embedded provider/method catalog backing auth.flow.list and flow lookup
// ABOUTME: TOML document compiled into the binary; provider ids are canonical

package authflow

import (
	_ "embed"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/2389/sigil-gateway/internal/providers"
)

//go:embed catalog.toml
var catalogTOML string

// Kind discriminates how a method captures credential material.
type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindToken  Kind = "token"
	KindOAuth  Kind = "oauth"
)

// Method is one way of provisioning credentials for a provider.
type Method struct {
	ID             string `toml:"id" json:"methodId"`
	Kind           Kind   `toml:"kind" json:"kind"`
	Label          string `toml:"label" json:"label"`
	ConsoleURL     string `toml:"console_url" json:"-"`
	SupportsRemote bool   `toml:"supports_remote" json:"supportsRemote"`
	SupportsRevoke bool   `toml:"supports_revoke" json:"supportsRevoke"`
}

// Provider is a catalog entry with its available methods.
type Provider struct {
	ID           string   `toml:"id" json:"providerId"`
	Label        string   `toml:"label" json:"label"`
	DefaultModel string   `toml:"default_model" json:"defaultModel,omitempty"`
	Curated      bool     `toml:"curated" json:"curated"`
	Methods      []Method `toml:"method" json:"methods"`
}

// Entry is one flattened provider/method pair as reported by List.
type Entry struct {
	ProviderID     string `json:"providerId"`
	MethodID       string `json:"methodId"`
	Kind           Kind   `json:"kind"`
	Label          string `json:"label"`
	Curated        bool   `json:"curated"`
	SupportsRemote bool   `json:"supportsRemote"`
	SupportsRevoke bool   `json:"supportsRevoke"`
}

// Catalog is the parsed provider/method table.
type Catalog struct {
	Providers []Provider `toml:"provider"`
}

// LoadCatalog parses the embedded catalog. The embedded document is trusted
// at build time; a parse failure here is a programming error.
func LoadCatalog() (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(catalogTOML, &c); err != nil {
		return nil, fmt.Errorf("parsing embedded catalog: %w", err)
	}
	for i := range c.Providers {
		c.Providers[i].ID = providers.Normalize(c.Providers[i].ID)
	}
	return &c, nil
}

// Provider looks up a catalog provider by id, normalizing aliases first.
func (c *Catalog) Provider(id string) (Provider, bool) {
	canonical := providers.Normalize(id)
	for _, p := range c.Providers {
		if p.ID == canonical {
			return p, true
		}
	}
	return Provider{}, false
}

// Method looks up a provider/method pair.
func (c *Catalog) Method(providerID, methodID string) (Provider, Method, bool) {
	p, ok := c.Provider(providerID)
	if !ok {
		return Provider{}, Method{}, false
	}
	for _, m := range p.Methods {
		if m.ID == methodID {
			return p, m, true
		}
	}
	return Provider{}, Method{}, false
}

// List flattens the catalog into provider/method entries, curated providers
// first, preserving catalog order within each group.
func (c *Catalog) List() []Entry {
	out := make([]Entry, 0, len(c.Providers))
	for _, curated := range []bool{true, false} {
		for _, p := range c.Providers {
			if p.Curated != curated {
				continue
			}
			for _, m := range p.Methods {
				out = append(out, Entry{
					ProviderID:     p.ID,
					MethodID:       m.ID,
					Kind:           m.Kind,
					Label:          fmt.Sprintf("%s: %s", p.Label, m.Label),
					Curated:        p.Curated,
					SupportsRemote: m.SupportsRemote,
					SupportsRevoke: m.SupportsRevoke,
				})
			}
		}
	}
	return out
}

// Curated returns only the curated providers, in catalog order.
func (c *Catalog) Curated() []Provider {
	var out []Provider
	for _, p := range c.Providers {
		if p.Curated {
			out = append(out, p)
		}
	}
	return out
}
