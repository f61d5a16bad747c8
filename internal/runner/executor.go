// ABOUTME: Task executors: the Executor port and the Claude CLI implementation
// ABOUTME: ClaudeExecutor streams merged output and honors per-task timeouts

package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/2389/coven-fleet/internal/queue"
)

// Executor runs one task to completion and returns its structured output.
// Implementations must honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, msg *queue.TaskMessage) (queue.Values, error)
}

// TaskLogger receives progress entries for a task's log trail. *queue.Queue
// satisfies it.
type TaskLogger interface {
	AddLog(ctx context.Context, taskID, entry string) error
}

// ClaudeExecutor shells out to the claude CLI with a prompt built from the
// task. Output from stdout and stderr is merged, streamed line by line, and
// returned under the "response" key. A non-zero exit, a missing binary, or
// the per-task deadline all surface as errors alongside whatever output was
// produced.
type ClaudeExecutor struct {
	// DomainType feeds the default prompt preamble.
	DomainType string

	// Bin is the claude binary to invoke. Empty means "claude" on PATH.
	Bin string

	// WorkDir is the working directory for the CLI. Empty inherits the
	// process working directory; containers set /workspace.
	WorkDir string

	// Template customizes the prompt preamble when non-nil.
	Template *Template

	// Logs, when non-nil, receives a progress entry every progressEvery
	// output lines.
	Logs TaskLogger
}

const progressEvery = 10

func (e *ClaudeExecutor) Execute(ctx context.Context, msg *queue.TaskMessage) (queue.Values, error) {
	prompt := BuildPrompt(e.DomainType, e.Template, msg)

	timeout := time.Duration(msg.Metadata.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = queue.DefaultTaskTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := e.Bin
	if bin == "" {
		bin = "claude"
	}

	cmd := exec.CommandContext(cctx, bin, "--dangerously-skip-permissions", "-p", prompt)
	if e.WorkDir != "" {
		cmd.Dir = e.WorkDir
	}
	cmd.Env = append(os.Environ(), "CLAUDE_CODE_ENTRYPOINT=domain-runner")

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var output strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lines := 0
		for scanner.Scan() {
			output.WriteString(scanner.Text())
			output.WriteByte('\n')
			lines++
			if e.Logs != nil && lines%progressEvery == 0 {
				_ = e.Logs.AddLog(ctx, msg.TaskID, fmt.Sprintf("... %d lines of output", lines))
			}
		}
	}()

	err := cmd.Run()
	pw.Close()
	<-done

	out := queue.Values{"response": output.String()}
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("claude run exceeded %s timeout", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("claude exited with code %d", exitErr.ExitCode())
		}
		return out, fmt.Errorf("running claude: %w", err)
	}
	return out, nil
}
