package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMClient is the subset of the SSM API the bootstrap needs.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

const ssmOperationTimeout = 15 * time.Second

// SSMManager writes bootstrap parameters under /{env}/coursegate/.
type SSMManager struct {
	client SSMClient
	env    string
	logger *slog.Logger
}

// NewSSMManager creates an SSMManager from the session's AWS config.
func NewSSMManager(bctx *BootstrapContext) *SSMManager {
	return NewSSMManagerWithClient(ssm.NewFromConfig(bctx.AWSConfig), bctx.Environment, bctx.Logger)
}

// NewSSMManagerWithClient creates an SSMManager over client.
func NewSSMManagerWithClient(client SSMClient, env string, logger *slog.Logger) *SSMManager {
	return &SSMManager{client: client, env: env, logger: logger}
}

// SSMPath returns the absolute parameter path for a category/key, e.g.
// "billing/stripe_secret_key" in dev is
// "/dev/coursegate/billing/stripe_secret_key".
func (m *SSMManager) SSMPath(categoryAndKey string) string {
	return fmt.Sprintf("/%s/coursegate/%s", m.env, categoryAndKey)
}

// ParameterExists reports whether path is already stored. The probe does
// not decrypt, so it needs no kms:Decrypt permission.
func (m *SSMManager) ParameterExists(ctx context.Context, path string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := m.client.GetParameter(opCtx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking SSM parameter %q: %w", path, err)
	}
	return true, nil
}

// PutSecret writes a SecureString. The value is never logged.
func (m *SSMManager) PutSecret(ctx context.Context, path, value string, overwrite bool) error {
	return m.putParameter(ctx, path, value, ssmtypes.ParameterTypeSecureString, overwrite)
}

// PutString writes a plain String, replacing any previous value.
func (m *SSMManager) PutString(ctx context.Context, path, value string) error {
	return m.putParameter(ctx, path, value, ssmtypes.ParameterTypeString, true)
}

func (m *SSMManager) putParameter(ctx context.Context, path, value string, paramType ssmtypes.ParameterType, overwrite bool) error {
	if path == "" {
		return fmt.Errorf("SSM parameter path must not be empty")
	}
	if value == "" {
		return fmt.Errorf("SSM parameter value must not be empty for path %q", path)
	}

	opCtx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := m.client.PutParameter(opCtx, &ssm.PutParameterInput{
		Name:      aws.String(path),
		Value:     aws.String(value),
		Type:      paramType,
		Overwrite: aws.Bool(overwrite),
	})
	if err != nil {
		var alreadyExists *ssmtypes.ParameterAlreadyExists
		if errors.As(err, &alreadyExists) {
			return fmt.Errorf("SSM parameter %q already exists: %w", path, err)
		}
		return fmt.Errorf("writing SSM parameter %q: %w", path, err)
	}

	if paramType == ssmtypes.ParameterTypeSecureString {
		m.logger.Info("SSM parameter written", "path", path, "type", string(paramType), "value_length", len(value))
	} else {
		m.logger.Info("SSM parameter written", "path", path, "type", string(paramType), "value", value)
	}
	return nil
}
