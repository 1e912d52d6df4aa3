// ABOUTME: Credential provisioning flows built on the stepped-session engine
// ABOUTME: Each flow collects secret material and returns profiles plus a config patch

package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/sigil-gateway/internal/configstore"
	"github.com/2389/sigil-gateway/internal/credstore"
	"github.com/2389/sigil-gateway/internal/providers"
	"github.com/2389/sigil-gateway/internal/session"
)

// SessionKind is the registry kind for auth flows. At most one auth flow runs
// process-wide at a time.
const SessionKind = "auth-flow"

// Flow errors surfaced before a session starts.
var (
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrUnknownMethod     = errors.New("unknown method for provider")
	ErrRemoteUnsupported = errors.New("method does not support remote mode")
)

// Result is what a completed auth flow hands back for persistence. Profiles
// go to the credential store; ConfigPatch and DefaultModel go to the runtime
// config document. Notes are shown to the operator verbatim.
type Result struct {
	Profiles     []credstore.Profile        `json:"profiles"`
	ConfigPatch  map[string]json.RawMessage `json:"configPatch,omitempty"`
	DefaultModel *configstore.ModelRef      `json:"defaultModel,omitempty"`
	Notes        []string                   `json:"notes,omitempty"`
}

// New builds the session flow for a provider/method pair. Mode is "local" or
// "remote"; remote refuses methods that need a local browser round trip.
func New(catalog *Catalog, providerID, methodID, mode string) (session.Flow, error) {
	p, m, ok := catalog.Method(providerID, methodID)
	if !ok {
		if _, provOK := catalog.Provider(providerID); !provOK {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
		}
		return nil, fmt.Errorf("%w: %q/%q", ErrUnknownMethod, providerID, methodID)
	}
	if mode == "remote" && !m.SupportsRemote {
		return nil, fmt.Errorf("%w: %q/%q", ErrRemoteUnsupported, providerID, methodID)
	}

	return func(ctx context.Context, pr *session.Prompter) (any, error) {
		res, err := Collect(ctx, pr, p, m)
		if err != nil {
			return nil, err
		}
		return res, nil
	}, nil
}

// Collect runs the interactive credential capture for one provider/method.
// It is the shared body of the standalone auth flow and the setup wizard.
func Collect(ctx context.Context, pr *session.Prompter, p Provider, m Method) (*Result, error) {
	switch m.Kind {
	case KindAPIKey:
		return collectAPIKey(ctx, pr, p, m)
	case KindToken:
		return collectToken(ctx, pr, p, m)
	case KindOAuth:
		return collectOAuthPaste(ctx, pr, p, m)
	default:
		return nil, fmt.Errorf("unsupported method kind %q", m.Kind)
	}
}

func collectAPIKey(ctx context.Context, pr *session.Prompter, p Provider, m Method) (*Result, error) {
	if m.ConsoleURL != "" {
		if err := pr.OpenURL(ctx, m.ConsoleURL, fmt.Sprintf("Create an API key in the %s console", p.Label)); err != nil {
			return nil, err
		}
	}
	key, err := pr.Text(ctx, fmt.Sprintf("Paste your %s API key", p.Label), true)
	if err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("empty API key")
	}
	label, err := pr.Text(ctx, "Label for this profile", false)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Profiles: []credstore.Profile{{
			ID:       profileID(p.ID, label),
			Provider: p.ID,
			Type:     credstore.TypeAPIKey,
			APIKey:   key,
		}},
	}
	return withDefaultModel(ctx, pr, p, res)
}

func collectToken(ctx context.Context, pr *session.Prompter, p Provider, m Method) (*Result, error) {
	// Bedrock also works without stored material through the SDK default
	// chain; offer that path before asking for a token.
	if providers.UsesSDKDefaultChain(p.ID) {
		useChain, err := pr.Confirm(ctx, "Use the AWS SDK default credential chain instead of a stored token?")
		if err != nil {
			return nil, err
		}
		if useChain {
			authMode, _ := json.Marshal("aws-sdk")
			res := &Result{
				ConfigPatch: map[string]json.RawMessage{
					fmt.Sprintf("providers.%s.authMode", p.ID): authMode,
				},
				Notes: []string{"Requests will authenticate via the AWS SDK default chain (env, shared config, IMDS)."},
			}
			return withDefaultModel(ctx, pr, p, res)
		}
	}
	if m.ConsoleURL != "" {
		if err := pr.OpenURL(ctx, m.ConsoleURL, fmt.Sprintf("Create a bearer token in the %s console", p.Label)); err != nil {
			return nil, err
		}
	}
	token, err := pr.Text(ctx, fmt.Sprintf("Paste your %s bearer token", p.Label), true)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("empty token")
	}
	res := &Result{
		Profiles: []credstore.Profile{{
			ID:       profileID(p.ID, ""),
			Provider: p.ID,
			Type:     credstore.TypeToken,
			Token:    token,
		}},
	}
	return withDefaultModel(ctx, pr, p, res)
}

// collectOAuthPaste is the paste-code variant: the owner authorizes in a
// browser and pastes the resulting token back. No local callback server.
func collectOAuthPaste(ctx context.Context, pr *session.Prompter, p Provider, m Method) (*Result, error) {
	if err := pr.OpenURL(ctx, m.ConsoleURL, fmt.Sprintf("Sign in to %s and authorize access", p.Label)); err != nil {
		return nil, err
	}
	token, err := pr.Text(ctx, "Paste the access token shown after authorizing", true)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("empty access token")
	}
	id := p.ID + ":" + m.ID
	if sibling, ok := providers.OAuthSibling(p.ID); ok {
		id = sibling
	}
	res := &Result{
		Profiles: []credstore.Profile{{
			ID:       id,
			Provider: p.ID,
			Type:     credstore.TypeOAuth,
			OAuth:    &credstore.OAuthTokens{AccessToken: token},
		}},
		Notes: []string{"Subscription tokens expire; rerun this flow when requests start failing with auth errors."},
	}
	return withDefaultModel(ctx, pr, p, res)
}

// withDefaultModel optionally attaches the provider's default model to the
// result so new installs get a working defaultModel without a second flow.
func withDefaultModel(ctx context.Context, pr *session.Prompter, p Provider, res *Result) (*Result, error) {
	if p.DefaultModel == "" {
		return res, nil
	}
	setDefault, err := pr.Confirm(ctx, fmt.Sprintf("Make %s (%s) the default model?", p.DefaultModel, p.Label))
	if err != nil {
		return nil, err
	}
	if setDefault {
		res.DefaultModel = &configstore.ModelRef{Provider: p.ID, Model: p.DefaultModel}
	}
	return res, nil
}

// profileID derives the stored profile id from the provider and an optional
// operator-chosen label.
func profileID(provider, label string) string {
	label = strings.TrimSpace(strings.ToLower(label))
	if label == "" {
		label = "default"
	}
	return provider + ":" + strings.ReplaceAll(label, " ", "-")
}
