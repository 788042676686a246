package config

import "context"

// SecretProvider resolves secret pointers to plaintext values. SSMProvider
// serves deployed environments and EnvVarProvider serves local runs.
type SecretProvider interface {
	// GetParametersBatch returns path -> value for every path it could
	// resolve. Missing paths are omitted, not reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
