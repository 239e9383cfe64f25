// Package main implements the bootstrap CLI for coursegate.
//
// It walks an operator through collecting vendor secrets (database, Stripe,
// SendGrid, OAuth), generates the internal session key, and stores every
// value in AWS SSM Parameter Store under /{env}/coursegate/. The API
// resolves them at start-up through *_SSM_PARAM environment variables;
// --bindings writes those variables to a file for the deployment.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=prod --profile=coursegate-prod --bindings=deploy/prod.env
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

// BootstrapContext holds the session-wide state established at start-up.
type BootstrapContext struct {
	Environment string
	AWSProfile  string
	AWSRegion   string
	AccountID   string
	CallerARN   string
	AWSConfig   aws.Config
	Logger      *slog.Logger
}

func main() {
	envFlag := flag.String("env", "", "Target environment (dev/staging/prod) [required]")
	profileFlag := flag.String("profile", "", "AWS CLI profile (default: uses default credential chain)")
	regionFlag := flag.String("region", "us-east-1", "AWS region")
	skipOAuth := flag.Bool("skip-oauth", false, "Skip the optional OAuth client credentials")
	bindingsPath := flag.String("bindings", "", "Write the *_SSM_PARAM bindings for stored parameters to this file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "coursegate bootstrap\n\n")
		fmt.Fprintf(os.Stderr, "Collects secrets and stores them in AWS SSM Parameter Store.\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  bootstrap --env=dev [--profile=NAME] [--region=REGION] [--skip-oauth] [--bindings=PATH]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *envFlag == "" {
		fmt.Fprintf(os.Stderr, "error: --env is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if !validEnvironments[*envFlag] {
		fmt.Fprintf(os.Stderr, "error: invalid environment %q (must be dev, staging, or prod)\n", *envFlag)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bctx, err := initializeSession(ctx, *envFlag, *profileFlag, *regionFlag, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	if bctx.Environment == "prod" && !confirmProduction(bctx) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		os.Exit(0)
	}

	printBanner(bctx)

	runner := NewBootstrapRunner(bctx)
	runner.SkipOptional = *skipOAuth

	results, err := runner.Run(ctx)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	if *bindingsPath != "" {
		if err := WriteBindings(*bindingsPath, results); err != nil {
			logger.Error("failed to write bindings", "error", err)
			os.Exit(1)
		}
		logger.Info("bindings written", "path", *bindingsPath)
	}

	logger.Info("bootstrap completed successfully",
		"env", bctx.Environment,
		"account", bctx.AccountID,
		"region", bctx.AWSRegion,
	)
}

// initializeSession loads the AWS configuration and confirms the active
// identity with STS GetCallerIdentity.
func initializeSession(ctx context.Context, env, profile, region string, logger *slog.Logger) (*BootstrapContext, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	identityCtx, identityCancel := context.WithTimeout(ctx, 10*time.Second)
	defer identityCancel()

	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(identityCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying AWS identity (STS GetCallerIdentity): %w\n"+
			"  Check that your AWS credentials are configured correctly.\n"+
			"  Profile: %q, Region: %q", err, profile, region)
	}

	accountID := aws.ToString(identity.Account)
	callerARN := aws.ToString(identity.Arn)
	logger.Info("AWS identity verified",
		"account_id", accountID,
		"arn", callerARN,
		"region", region,
	)

	return &BootstrapContext{
		Environment: env,
		AWSProfile:  profile,
		AWSRegion:   region,
		AccountID:   accountID,
		CallerARN:   callerARN,
		AWSConfig:   cfg,
		Logger:      logger,
	}, nil
}

// confirmProduction returns true only when the operator types "yes".
func confirmProduction(bctx *BootstrapContext) bool {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "============================================================")
	fmt.Fprintln(os.Stderr, "  WARNING: You are targeting the PRODUCTION environment")
	fmt.Fprintln(os.Stderr, "============================================================")
	fmt.Fprintf(os.Stderr, "  Account: %s\n", bctx.AccountID)
	fmt.Fprintf(os.Stderr, "  Region:  %s\n", bctx.AWSRegion)
	fmt.Fprintf(os.Stderr, "  ARN:     %s\n", bctx.CallerARN)
	fmt.Fprintln(os.Stderr, "============================================================")
	fmt.Fprintln(os.Stderr)
	fmt.Fprint(os.Stderr, "Type 'yes' to continue: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes")
}

func printBanner(bctx *BootstrapContext) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "------------------------------------------------------------")
	fmt.Fprintln(os.Stderr, "  coursegate bootstrap")
	fmt.Fprintln(os.Stderr, "------------------------------------------------------------")
	fmt.Fprintf(os.Stderr, "  Environment:  %s\n", bctx.Environment)
	fmt.Fprintf(os.Stderr, "  AWS Account:  %s\n", bctx.AccountID)
	fmt.Fprintf(os.Stderr, "  AWS Region:   %s\n", bctx.AWSRegion)
	fmt.Fprintf(os.Stderr, "  Identity:     %s\n", bctx.CallerARN)
	if bctx.AWSProfile != "" {
		fmt.Fprintf(os.Stderr, "  Profile:      %s\n", bctx.AWSProfile)
	}
	fmt.Fprintf(os.Stderr, "  SSM Prefix:   /%s/coursegate/\n", bctx.Environment)
	fmt.Fprintln(os.Stderr, "------------------------------------------------------------")
	fmt.Fprintln(os.Stderr)
}
