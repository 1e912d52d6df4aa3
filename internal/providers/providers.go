// ABOUTME: Canonical provider identifiers, aliases, and environment variable mappings
// ABOUTME: All provider comparisons in the gateway happen on normalized ids from this package

package providers

import "strings"

// Well-known canonical provider ids. The credential machinery works for any
// provider string; these are the ids with special behavior attached.
const (
	OpenAI     = "openai"
	Anthropic  = "anthropic"
	Google     = "google"
	Bedrock    = "amazon-bedrock"
	Mistral    = "mistral"
	Groq       = "groq"
	XAI        = "xai"
	OpenRouter = "openrouter"
)

// aliases maps alternate spellings onto canonical ids. Normalization
// lower-cases first, so only lower-case keys appear here.
var aliases = map[string]string{
	"gemini":         Google,
	"google-gemini":  Google,
	"claude":         Anthropic,
	"bedrock":        Bedrock,
	"aws-bedrock":    Bedrock,
	"amazon_bedrock": Bedrock,
	"grok":           XAI,
}

// Normalize returns the canonical lower-cased, alias-resolved provider id.
// Two differently-cased or aliased spellings of the same provider always
// normalize identically.
func Normalize(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if canonical, ok := aliases[p]; ok {
		return canonical
	}
	return p
}

// EnvVar is one candidate environment variable for a provider, tried in
// declaration order. OAuth reports that a credential read from this
// variable is an OAuth token rather than an API key.
type EnvVar struct {
	Name  string
	OAuth bool
}

// envVars maps canonical provider ids to candidate variables in priority
// order.
var envVars = map[string][]EnvVar{
	OpenAI:     {{Name: "OPENAI_API_KEY"}},
	Anthropic:  {{Name: "ANTHROPIC_OAUTH_TOKEN", OAuth: true}, {Name: "ANTHROPIC_API_KEY"}},
	Google:     {{Name: "GEMINI_API_KEY"}, {Name: "GOOGLE_API_KEY"}},
	Mistral:    {{Name: "MISTRAL_API_KEY"}},
	Groq:       {{Name: "GROQ_API_KEY"}},
	XAI:        {{Name: "XAI_API_KEY"}},
	OpenRouter: {{Name: "OPENROUTER_API_KEY"}},
}

// EnvVars returns the candidate environment variables for a provider, or
// nil if none are known.
func EnvVars(provider string) []EnvVar {
	return envVars[Normalize(provider)]
}

// UsesSDKDefaultChain reports whether the provider falls back to the cloud
// SDK default credential chain even without an explicit auth-mode override.
func UsesSDKDefaultChain(provider string) bool {
	return Normalize(provider) == Bedrock
}

// OAuthSibling returns a closely related provider id whose OAuth profiles
// can satisfy this provider, if one exists. Used only to improve
// exhausted-resolution diagnostics, never to silently fall back.
func OAuthSibling(provider string) (string, bool) {
	switch Normalize(provider) {
	case Anthropic:
		return "anthropic-claude-pro", true
	default:
		return "", false
	}
}
