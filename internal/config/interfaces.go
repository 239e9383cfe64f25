package config

import "context"

// SecretProvider resolves secret references (SSM parameter paths or env
// var names) to plaintext values. Missing keys are omitted from the result.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
