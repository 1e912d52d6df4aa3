// ABOUTME: Cloud SDK default credential chain for bedrock-style providers
// ABOUTME: Env candidates are checked first; the SDK's own chain is the terminal step

package credentials

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// resolveAWSChain walks the cloud-native chain: bearer token env, static
// key pair env, named profile env, then the SDK default chain. The SDK
// reads its own environment, so only the bearer token carries material in
// the result.
func (r *Resolver) resolveAWSChain(ctx context.Context) (*Resolved, error) {
	if token, ok := r.lookupEnv("AWS_BEARER_TOKEN_BEDROCK"); ok && token != "" {
		return &Resolved{APIKey: token, Source: "env: AWS_BEARER_TOKEN_BEDROCK", Mode: ModeToken}, nil
	}

	accessKey, _ := r.lookupEnv("AWS_ACCESS_KEY_ID")
	secretKey, _ := r.lookupEnv("AWS_SECRET_ACCESS_KEY")
	if accessKey != "" && secretKey != "" {
		return &Resolved{Source: "env: AWS_ACCESS_KEY_ID", Mode: ModeAWSSDK}, nil
	}

	if profile, ok := r.lookupEnv("AWS_PROFILE"); ok && profile != "" {
		return &Resolved{Source: fmt.Sprintf("aws profile %q", profile), Mode: ModeAWSSDK}, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK default chain produced no credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "aws-sdk-default-chain"
	}
	return &Resolved{Source: source, Mode: ModeAWSSDK}, nil
}
