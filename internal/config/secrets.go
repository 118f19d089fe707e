package config

import (
	"context"
	"os"
)

// SecretProvider resolves secret pointers to plaintext values. SSMProvider
// backs deployed environments and EnvVarProvider backs local runs.
type SecretProvider interface {
	// GetParametersBatch returns key -> value for every key it could resolve.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

// EnvVarProvider resolves keys as environment variable names.
type EnvVarProvider struct{}

func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
