// ABOUTME: Tests for provider id normalization and env var mappings
// ABOUTME: Covers aliases, casing, and the SDK default-chain flag

package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"OpenAI", "openai"},
		{"  openai ", "openai"},
		{"Gemini", "google"},
		{"google-gemini", "google"},
		{"GOOGLE", "google"},
		{"Claude", "anthropic"},
		{"bedrock", "amazon-bedrock"},
		{"AWS-Bedrock", "amazon-bedrock"},
		{"grok", "xai"},
		{"some-custom-provider", "some-custom-provider"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestNormalize_AliasedSpellingsAgree(t *testing.T) {
	assert.Equal(t, Normalize("Gemini"), Normalize("google"))
	assert.Equal(t, Normalize("CLAUDE"), Normalize("Anthropic"))
}

func TestEnvVars(t *testing.T) {
	google := EnvVars("gemini")
	assert.Equal(t, "GEMINI_API_KEY", google[0].Name)
	assert.Equal(t, "GOOGLE_API_KEY", google[1].Name)

	anthropic := EnvVars("anthropic")
	assert.True(t, anthropic[0].OAuth, "oauth token variable takes priority")
	assert.False(t, anthropic[1].OAuth)

	assert.Nil(t, EnvVars("no-such-provider"))
}

func TestUsesSDKDefaultChain(t *testing.T) {
	assert.True(t, UsesSDKDefaultChain("bedrock"))
	assert.True(t, UsesSDKDefaultChain("Amazon-Bedrock"))
	assert.False(t, UsesSDKDefaultChain("openai"))
}
