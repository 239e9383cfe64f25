package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// A variable named STRIPE_SECRET_KEY_SSM_PARAM=/prod/coursegate/stripe_key
// is resolved into STRIPE_SECRET_KEY before envconfig runs.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

// loaderDeps holds the process-environment hooks so tests can run the loader
// without touching the real environment.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
	dotenv    func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		dotenv:    func() error { return godotenv.Load() },
	}
}

// LoadConfig loads and validates the service configuration.
//
// The sequence is:
//  1. Force the process timezone to UTC.
//  2. Load .env if present (existing variables win).
//  3. Outside APP_ENV=local, resolve *_SSM_PARAM pointers via provider.
//  4. Populate Config from envconfig tags.
//  5. Attach build metadata.
//  6. Validate struct tags.
//
// provider may be nil when running locally.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	if deps.dotenv != nil {
		_ = deps.dotenv()
	}

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()
	cfg.Access.AdminAllowList = cfg.Access.NormalizedAllowList()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

type ssmBinding struct {
	target string
	path   string
}

// resolveSSMParams fetches every *_SSM_PARAM pointer whose target variable is
// not already set, then writes the values back into the environment.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	var bindings []ssmBinding
	pathToTarget := make(map[string]string)

	for _, entry := range deps.environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || value == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		bindings = append(bindings, ssmBinding{target: target, path: value})
		pathToTarget[value] = target
	}

	if len(bindings) == 0 {
		return nil
	}

	sort.Slice(bindings, func(i, j int) bool { return bindings[i].target < bindings[j].target })

	if provider == nil {
		targets := make([]string, 0, len(bindings))
		for _, b := range bindings {
			targets = append(targets, b.target)
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required outside local (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	paths := make([]string, 0, len(bindings))
	for _, b := range bindings {
		paths = append(paths, b.path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, b := range bindings {
		value, ok := resolved[b.path]
		if !ok {
			missing = append(missing, b.target)
			continue
		}
		if err := deps.setEnv(pathToTarget[b.path], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", b.target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
