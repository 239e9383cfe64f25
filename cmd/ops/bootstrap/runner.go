package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"
)

const maxRetries = 5

var errSkipped = errors.New("parameter skipped by operator")

// Step outcomes.
const (
	ActionWritten     = "written"
	ActionGenerated   = "generated"
	ActionOverwritten = "overwritten"
	ActionKept        = "kept"
	ActionSkipped     = "skipped"
)

// StepResult is the outcome of one step.
type StepResult struct {
	Label  string
	EnvVar string
	Path   string
	Action string
}

// Stored reports whether the parameter exists in SSM after the run.
func (r StepResult) Stored() bool {
	return r.Action != ActionSkipped
}

// BootstrapRunner runs the inventory against SSM.
type BootstrapRunner struct {
	SSM       *SSMManager
	Validator *Validator
	Stdin     io.Reader
	Stderr    io.Writer

	// SkipOptional skips optional steps without prompting.
	SkipOptional bool

	scanner   *bufio.Scanner
	inventory []BootstrapStep
}

// NewBootstrapRunner creates a runner with production dependencies.
func NewBootstrapRunner(bctx *BootstrapContext) *BootstrapRunner {
	return &BootstrapRunner{
		SSM:       NewSSMManager(bctx),
		Validator: NewValidator(),
		Stdin:     os.Stdin,
		Stderr:    os.Stderr,
	}
}

// Run processes every step in order and prints a summary.
func (r *BootstrapRunner) Run(ctx context.Context) ([]StepResult, error) {
	inventory := r.inventory
	if inventory == nil {
		inventory = BuildInventory(r.Validator)
	}

	var phase string
	results := make([]StepResult, 0, len(inventory))
	for i, step := range inventory {
		if step.Phase != phase {
			phase = step.Phase
			r.printPhaseHeader(phase)
		}
		fmt.Fprintf(r.Stderr, "\n[%d/%d] %s\n", i+1, len(inventory), step.HumanLabel)

		res, err := r.processStep(ctx, step)
		if err != nil {
			return results, fmt.Errorf("step %q failed: %w", step.HumanLabel, err)
		}
		results = append(results, res)
	}

	r.printSummary(results)
	return results, nil
}

func (r *BootstrapRunner) processStep(ctx context.Context, step BootstrapStep) (StepResult, error) {
	path := r.SSM.SSMPath(step.SSMCategoryKey)
	res := StepResult{Label: step.HumanLabel, EnvVar: step.EnvVar, Path: path}

	if step.Optional && r.SkipOptional {
		fmt.Fprintf(r.Stderr, "  Skipped (--skip-oauth)\n")
		res.Action = ActionSkipped
		return res, nil
	}

	exists, err := r.SSM.ParameterExists(ctx, path)
	if err != nil {
		return res, err
	}
	if exists {
		fmt.Fprintf(r.Stderr, "  Parameter already exists: %s\n", path)
		keep, err := r.promptKeepOrOverwrite()
		if err != nil {
			return res, fmt.Errorf("reading keep/overwrite choice: %w", err)
		}
		if keep {
			res.Action = ActionKept
			return res, nil
		}
	}

	var value string
	switch step.Source {
	case SourcePrompt:
		value, err = r.promptAndValidate(ctx, step)
		if errors.Is(err, errSkipped) {
			fmt.Fprintf(r.Stderr, "  Skipped.\n")
			res.Action = ActionSkipped
			if exists {
				res.Action = ActionKept
			}
			return res, nil
		}
		if err != nil {
			return res, err
		}
	case SourceGenerated:
		value, err = GenerateSecureToken()
		if err != nil {
			return res, err
		}
		fmt.Fprintf(r.Stderr, "  Auto-generated (%d chars)\n", len(value))
	}

	if step.ParamType == ParamSecureString {
		err = r.SSM.PutSecret(ctx, path, value, exists)
	} else {
		err = r.SSM.PutString(ctx, path, value)
	}
	if err != nil {
		return res, err
	}

	switch {
	case exists:
		res.Action = ActionOverwritten
	case step.Source == SourceGenerated:
		res.Action = ActionGenerated
	default:
		res.Action = ActionWritten
	}
	fmt.Fprintf(r.Stderr, "  Stored: %s\n", path)
	return res, nil
}

// promptAndValidate reads a value, retrying failed validation up to
// maxRetries times. Empty input on an optional step skips it.
func (r *BootstrapRunner) promptAndValidate(ctx context.Context, step BootstrapStep) (string, error) {
	fmt.Fprintf(r.Stderr, "\n  %s\n\n", step.Prompt)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		read := r.readInput
		if step.IsSecret {
			read = r.readSecretInput
		}
		input, err := read("  > ")
		if err != nil {
			return "", fmt.Errorf("reading input for %s: %w", step.HumanLabel, err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			if step.Optional {
				return "", errSkipped
			}
			fmt.Fprintf(r.Stderr, "  A value is required.\n")
			continue
		}
		if step.IsSecret {
			fmt.Fprintf(r.Stderr, "  Received %d chars.\n", len(input))
		}

		if step.ValidateFn != nil {
			vr := step.ValidateFn(ctx, input)
			if !vr.Valid {
				fmt.Fprintf(r.Stderr, "  Validation failed: %s\n", vr.Message)
				continue
			}
			fmt.Fprintf(r.Stderr, "  Validated: %s\n", vr.Message)
		}
		return input, nil
	}

	return "", fmt.Errorf("maximum retries (%d) exceeded for %s", maxRetries, step.HumanLabel)
}

func (r *BootstrapRunner) scanLine() (string, error) {
	if r.scanner == nil {
		r.scanner = bufio.NewScanner(r.Stdin)
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *BootstrapRunner) readInput(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	return r.scanLine()
}

// readSecretInput disables echo when stdin is a terminal and falls back to
// line reading otherwise.
func (r *BootstrapRunner) readSecretInput(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)

	if f, ok := r.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		password, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(r.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret input: %w", err)
		}
		return string(password), nil
	}
	return r.scanLine()
}

func (r *BootstrapRunner) promptKeepOrOverwrite() (bool, error) {
	for {
		fmt.Fprint(r.Stderr, "  [K]eep or [O]verwrite? ")
		line, err := r.scanLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "k", "keep":
			return true, nil
		case "o", "overwrite":
			return false, nil
		default:
			fmt.Fprintf(r.Stderr, "  Please enter 'K' to keep or 'O' to overwrite.\n")
		}
	}
}

func (r *BootstrapRunner) printPhaseHeader(phase string) {
	fmt.Fprintf(r.Stderr, "\n============================================================\n")
	fmt.Fprintf(r.Stderr, "  Phase: %s\n", phase)
	fmt.Fprintf(r.Stderr, "============================================================\n")
}

func (r *BootstrapRunner) printSummary(results []StepResult) {
	counts := make(map[string]int)
	fmt.Fprintf(r.Stderr, "\n============================================================\n")
	fmt.Fprintf(r.Stderr, "  Bootstrap Summary\n")
	fmt.Fprintf(r.Stderr, "============================================================\n")
	for _, res := range results {
		counts[res.Action]++
		fmt.Fprintf(r.Stderr, "  %-13s %s\n", "["+strings.ToUpper(res.Action)+"]", res.Label)
	}
	fmt.Fprintf(r.Stderr, "------------------------------------------------------------\n")
	fmt.Fprintf(r.Stderr, "  Written: %d | Generated: %d | Overwritten: %d | Kept: %d | Skipped: %d\n",
		counts[ActionWritten], counts[ActionGenerated], counts[ActionOverwritten], counts[ActionKept], counts[ActionSkipped])
	fmt.Fprintf(r.Stderr, "============================================================\n\n")
}

// RenderBindings returns one VAR_SSM_PARAM=path line per stored parameter,
// sorted by variable name.
func RenderBindings(results []StepResult) string {
	lines := make([]string, 0, len(results))
	for _, res := range results {
		if res.Stored() && res.EnvVar != "" {
			lines = append(lines, fmt.Sprintf("%s_SSM_PARAM=%s", res.EnvVar, res.Path))
		}
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// WriteBindings writes RenderBindings(results) to path.
func WriteBindings(path string, results []StepResult) error {
	if err := os.WriteFile(path, []byte(RenderBindings(results)), 0o600); err != nil {
		return fmt.Errorf("writing bindings to %s: %w", path, err)
	}
	return nil
}
