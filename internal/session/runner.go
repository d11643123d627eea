package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/manorhq/manor/internal/fault"
)

// RunResult is what a finished CLI session reports back.
type RunResult struct {
	Output string
	Model  string
}

// Runner executes one ephemeral session. CLIRunner is the production
// implementation; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, prompt string) (*RunResult, error)
}

// cliOutput is the JSON the LLM CLI prints on stdout in print mode.
// Extra fields are ignored.
type cliOutput struct {
	Result  string `json:"result"`
	Model   string `json:"model,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// CLIRunner spawns the configured LLM CLI as a short-lived child
// process. Each run writes an ephemeral MCP config exposing only this
// butler's endpoint, so the session sees exactly the authorized tool
// surface and nothing else.
type CLIRunner struct {
	Argv         []string // base argv, e.g. ["claude", "-p"]
	Model        string
	Butler       string
	MCPEndpoint  string
	AllowedTools []string
	KillGrace    time.Duration
	WorkDir      string // scratch dir for ephemeral configs; os.TempDir when empty
}

// Run spawns the CLI with the prompt and waits for completion or the
// context deadline. On expiry the child gets SIGTERM, then SIGKILL after
// the grace period.
func (r *CLIRunner) Run(ctx context.Context, prompt string) (*RunResult, error) {
	if len(r.Argv) == 0 {
		return nil, fault.New(fault.CodeInternal, "cli runner has no argv")
	}

	configPath, err := r.writeEphemeralConfig()
	if err != nil {
		return nil, err
	}
	defer os.Remove(configPath)

	args := append([]string{}, r.Argv[1:]...)
	args = append(args, "--output-format", "json", "--mcp-config", configPath)
	if len(r.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(r.AllowedTools, ","))
	}
	if r.Model != "" {
		args = append(args, "--model", r.Model)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, r.Argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Cooperative shutdown: SIGTERM on cancellation, SIGKILL after the
	// grace period if the child ignores it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	grace := r.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	cmd.WaitDelay = grace

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fault.New(fault.CodeDeadlineExceeded, "deadline_exceeded")
		}
		return nil, fault.Wrap(fault.CodeToolError,
			fmt.Sprintf("cli exited: %s", firstLine(stderr.String())), err)
	}

	var out cliOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fault.Wrap(fault.CodeToolError, "cli produced unparseable output", err)
	}
	if out.IsError {
		return nil, fault.Newf(fault.CodeToolError, "cli reported error: %s", firstLine(out.Result))
	}

	model := out.Model
	if model == "" {
		model = r.Model
	}
	return &RunResult{Output: out.Result, Model: model}, nil
}

// writeEphemeralConfig emits the per-session MCP config listing only
// this butler's server.
func (r *CLIRunner) writeEphemeralConfig() (string, error) {
	dir := r.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	cfg := map[string]interface{}{
		"mcpServers": map[string]interface{}{
			r.Butler: map[string]interface{}{
				"type": "http",
				"url":  r.MCPEndpoint + "/mcp",
			},
		},
	}
	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fault.Wrap(fault.CodeInternal, "encode mcp config", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("mcp-%s-%s.json", r.Butler, uuid.New().String()[:8]))
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", fault.Wrap(fault.CodeInternal, "write mcp config", err)
	}
	return path, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
