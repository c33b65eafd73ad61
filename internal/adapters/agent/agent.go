// Package agent invokes the coding agent CLI as a synchronous black box
// and classifies its failures for the retry policy.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/stokkr/foreman/internal/core"
	"github.com/stokkr/foreman/internal/diagnostics"
	"github.com/stokkr/foreman/internal/logging"
	"github.com/stokkr/foreman/internal/retry"
)

// Compile-time interface conformance check.
var _ core.Agent = (*CLIAgent)(nil)

const defaultInvokeTimeout = 30 * time.Minute

// Config holds the agent CLI configuration.
type Config struct {
	// Path is the agent executable; multi-word values ("npx some-agent")
	// are split into command and leading arguments.
	Path string
	// Args are fixed arguments placed before the per-invocation ones.
	Args []string
	// ReadOnlyFlag is appended when an invocation denies writes.
	ReadOnlyFlag string
	// Timeout is the default per-invocation ceiling.
	Timeout time.Duration
	// Env holds extra environment variables for the agent process.
	Env map[string]string
}

// CLIAgent shells out to a coding agent CLI. The prompt travels on
// stdin; stdout is the agent's report, stderr drives failure
// classification.
type CLIAgent struct {
	config    Config
	logger    *logging.Logger
	preflight *diagnostics.Checker
}

// NewCLIAgent creates an agent adapter. preflight may be nil.
func NewCLIAgent(config Config, preflight *diagnostics.Checker, logger *logging.Logger) (*CLIAgent, error) {
	if config.Path == "" {
		return nil, core.ErrAgent(core.CodeAgentUnavailable, "agent path not configured")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultInvokeTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CLIAgent{
		config:    config,
		logger:    logger.WithComponent("agent"),
		preflight: preflight,
	}, nil
}

// Invoke runs the agent once. Context or timeout expiry yields a
// non-retryable timeout error; other failures are classified from
// stderr into rate-limited, transient or permanent.
func (a *CLIAgent) Invoke(ctx context.Context, opts core.InvokeOptions) (*core.InvokeResult, error) {
	if a.preflight != nil {
		if pf := a.preflight.Check(); !pf.OK {
			// Host pressure is expected to pass; agent errors retry.
			return nil, core.ErrAgent(core.CodePreflightFailed,
				fmt.Sprintf("preflight failed: %s", strings.Join(pf.Errors, "; ")))
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.config.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdPath := a.config.Path
	args := append([]string{}, a.config.Args...)
	if parts := strings.Fields(cmdPath); len(parts) > 1 {
		cmdPath = parts[0]
		args = append(parts[1:], args...)
	}
	if opts.DenyWrite && a.config.ReadOnlyFlag != "" {
		args = append(args, a.config.ReadOnlyFlag)
	}

	// #nosec G204 -- command path and args come from validated config
	cmd := exec.CommandContext(ctx, cmdPath, args...)
	cmd.Dir = opts.WorkDir
	cmd.Stdin = strings.NewReader(opts.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "FOREMAN_MANAGED=true")
	for k, v := range a.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	a.logger.Info("invoking agent",
		"path", cmdPath,
		"work_dir", opts.WorkDir,
		"prompt_length", len(opts.Prompt),
		"deny_write", opts.DenyWrite,
		"timeout", timeout,
	)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &core.InvokeResult{
		Output: stdout.String(),
		Stats:  core.InvokeStats{Duration: elapsed},
	}
	if stats, ok := ParseStats(result.Output); ok {
		stats.Duration = elapsed
		result.Stats = stats
	}

	if err != nil {
		result.Error = strings.TrimSpace(stderr.String())
		if ctx.Err() != nil {
			a.logger.Warn("agent invocation timed out", "elapsed", elapsed)
			return result, core.ErrTimeout(
				fmt.Sprintf("agent exceeded %s", timeout)).WithCause(ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Could not even start the process.
			return result, core.ErrAgent(core.CodeAgentUnavailable,
				"agent could not be started").WithCause(err)
		}
		a.logger.Warn("agent invocation failed",
			"exit_code", exitErr.ExitCode(),
			"elapsed", elapsed,
			"stderr_length", stderr.Len(),
		)
		return result, retry.ClassifyError(result.Error, err)
	}

	result.Success = true
	a.logger.Info("agent invocation succeeded",
		"elapsed", elapsed,
		"tokens_in", result.Stats.TokensIn,
		"tokens_out", result.Stats.TokensOut,
	)
	return result, nil
}
