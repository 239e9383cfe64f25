package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves each key as an OS environment variable. Used when
// running locally, where secrets come from the shell or .env.
type EnvVarProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvVarProvider creates an EnvVarProvider backed by os.LookupEnv.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{lookup: os.LookupEnv}
}

func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := lookup(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
