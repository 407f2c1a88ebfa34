package platform

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const maxCommandOutput = 64 * 1024

// CommandRunner executes operator-configured commands. Implemented by Runner
// and faked in tests.
type CommandRunner interface {
	Run(ctx context.Context, timeout time.Duration, argv ...string) (string, error)
}

// Runner runs commands through the host shell-less exec path, capturing
// combined output up to 64 KiB.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a command runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger.With("component", "runner")}
}

// Run executes argv[0] with the remaining args under the given timeout and
// returns trimmed combined output.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, argv ...string) (string, error) {
	if len(argv) == 0 || argv[0] == "" {
		return "", fmt.Errorf("empty command")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out := &limitedBuffer{max: maxCommandOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if err != nil {
		return output, fmt.Errorf("%s: %w", argv[0], err)
	}
	r.logger.Debug("command finished", "command", argv[0], "took", time.Since(start))
	return output, nil
}

// limitedBuffer discards writes beyond max instead of growing unbounded.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if remain := b.max - b.buf.Len(); remain > 0 {
		if len(p) > remain {
			b.buf.Write(p[:remain])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
