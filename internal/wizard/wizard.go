// ABOUTME: First-run provisioning wizard built on the stepped-session engine
// ABOUTME: Picks a provider, captures credentials, and names the workspace

package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/sigil-gateway/internal/authflow"
	"github.com/2389/sigil-gateway/internal/session"
)

// SessionKind is the registry kind for the wizard. At most one wizard runs
// process-wide at a time.
const SessionKind = "wizard"

// Modes the wizard can run in. Quickstart offers only curated providers and
// their primary method; custom exposes the full catalog.
const (
	ModeQuickstart = "quickstart"
	ModeCustom     = "custom"
)

var ErrUnknownMode = errors.New("unknown wizard mode")

// Result is the wizard's terminal payload: everything the auth flow would
// produce, plus the chosen workspace name.
type Result struct {
	Workspace string `json:"workspace"`
	authflow.Result
}

// New builds the wizard flow. A non-empty workspace skips the naming step.
func New(catalog *authflow.Catalog, mode, workspace string) (session.Flow, error) {
	switch mode {
	case ModeQuickstart, ModeCustom:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	return func(ctx context.Context, pr *session.Prompter) (any, error) {
		if err := pr.Note(ctx, "Let's get your workspace connected to a model provider."); err != nil {
			return nil, err
		}

		ws := strings.TrimSpace(workspace)
		if ws == "" {
			name, err := pr.Text(ctx, "Name this workspace", false)
			if err != nil {
				return nil, err
			}
			ws = strings.TrimSpace(name)
			if ws == "" {
				ws = "default"
			}
		}

		prov, method, err := pickMethod(ctx, pr, catalog, mode)
		if err != nil {
			return nil, err
		}

		collected, err := authflow.Collect(ctx, pr, prov, method)
		if err != nil {
			return nil, err
		}

		return &Result{Workspace: ws, Result: *collected}, nil
	}, nil
}

// pickMethod asks for a provider (and, in custom mode, a method). Quickstart
// uses each curated provider's first listed method.
func pickMethod(ctx context.Context, pr *session.Prompter, catalog *authflow.Catalog, mode string) (authflow.Provider, authflow.Method, error) {
	var pool []authflow.Provider
	if mode == ModeQuickstart {
		pool = catalog.Curated()
	} else {
		pool = catalog.Providers
	}
	if len(pool) == 0 {
		return authflow.Provider{}, authflow.Method{}, errors.New("provider catalog is empty")
	}

	options := make([]session.Option, 0, len(pool))
	for _, p := range pool {
		options = append(options, session.Option{Value: p.ID, Label: p.Label})
	}
	chosen, err := pr.Select(ctx, "Which provider do you want to use?", options)
	if err != nil {
		return authflow.Provider{}, authflow.Method{}, err
	}
	prov, ok := catalog.Provider(chosen)
	if !ok || len(prov.Methods) == 0 {
		return authflow.Provider{}, authflow.Method{}, fmt.Errorf("provider %q has no methods", chosen)
	}

	if mode == ModeQuickstart || len(prov.Methods) == 1 {
		return prov, prov.Methods[0], nil
	}

	methodOptions := make([]session.Option, 0, len(prov.Methods))
	for _, m := range prov.Methods {
		methodOptions = append(methodOptions, session.Option{Value: m.ID, Label: m.Label})
	}
	methodID, err := pr.Select(ctx, "How do you want to sign in?", methodOptions)
	if err != nil {
		return authflow.Provider{}, authflow.Method{}, err
	}
	for _, m := range prov.Methods {
		if m.ID == methodID {
			return prov, m, nil
		}
	}
	return authflow.Provider{}, authflow.Method{}, fmt.Errorf("provider %q has no method %q", chosen, methodID)
}
