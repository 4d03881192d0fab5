package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultConversionTimeout = 60 * time.Second

	// maxDiagnosticBytes caps how much converter output is kept per stream.
	maxDiagnosticBytes = 64 << 10

	// waitDelay bounds how long Wait keeps draining pipes after the process
	// was killed, in case a grandchild still holds them open.
	waitDelay = 2 * time.Second
)

// ExitStatus describes one finished converter process.
type ExitStatus struct {
	ExitCode int
	Stderr   string
	Stdout   string
	Duration time.Duration
}

// ProcessError is returned by Run for a failed or hung converter. It unwraps
// to ErrConversion or ErrTimeout.
type ProcessError struct {
	Marker error
	Detail string
	Status ExitStatus
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%v: %s", e.Marker, e.Detail)
}

func (e *ProcessError) Unwrap() error {
	return e.Marker
}

// ConverterInvoker runs the external conversion tool. Arguments are templates
// in which {input} and {output} are replaced per element; no shell is
// involved.
type ConverterInvoker struct {
	binary string
	args   []string
	logger *zap.Logger
}

func NewConverterInvoker(binary string, args []string, logger *zap.Logger) *ConverterInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConverterInvoker{
		binary: binary,
		args:   append([]string(nil), args...),
		logger: logger,
	}
}

// LookPath resolves the converter binary.
func (c *ConverterInvoker) LookPath() (string, error) {
	path, err := exec.LookPath(c.binary)
	if err != nil {
		return "", fmt.Errorf("converter binary %q not found: %w", c.binary, err)
	}
	return path, nil
}

func (c *ConverterInvoker) expandArgs(inputPath, outputPath string) []string {
	r := strings.NewReplacer("{input}", inputPath, "{output}", outputPath)
	out := make([]string, len(c.args))
	for i, a := range c.args {
		out[i] = r.Replace(a)
	}
	return out
}

// Run converts inputPath into outputPath, waiting at most timeout. The
// process is detached from ctx cancellation: once started it either exits on
// its own or is killed by the timeout, so it is always reaped.
func (c *ConverterInvoker) Run(ctx context.Context, inputPath, outputPath string, timeout time.Duration) (ExitStatus, error) {
	if timeout <= 0 {
		timeout = DefaultConversionTimeout
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	args := c.expandArgs(inputPath, outputPath)
	cmd := exec.CommandContext(runCtx, c.binary, args...) //nolint:gosec
	stdout := &cappedBuffer{max: maxDiagnosticBytes}
	stderr := &cappedBuffer{max: maxDiagnosticBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		killProcessGroup(cmd.Process.Pid)
		return nil
	}
	cmd.WaitDelay = waitDelay

	c.logger.Debug("starting converter", zap.String("binary", c.binary), zap.Strings("args", args))

	start := time.Now()
	runErr := cmd.Run()
	status := ExitStatus{
		ExitCode: -1,
		Stderr:   stderr.String(),
		Stdout:   stdout.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		status.ExitCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return status, &ProcessError{
			Marker: ErrTimeout,
			Detail: fmt.Sprintf("converter killed after %s", timeout),
			Status: status,
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return status, &ProcessError{
				Marker: ErrConversion,
				Detail: fmt.Sprintf("converter exited with code %d", status.ExitCode),
				Status: status,
			}
		}
		return status, &ProcessError{
			Marker: ErrConversion,
			Detail: fmt.Sprintf("failed to run converter: %v", runErr),
			Status: status,
		}
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return status, &ProcessError{
			Marker: ErrConversion,
			Detail: "converter exited cleanly but produced no output",
			Status: status,
		}
	}

	return status, nil
}

// cappedBuffer keeps the first max bytes written and silently drops the rest
// so a chatty converter never blocks on a full pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := strings.TrimSpace(string(b.buf))
	if b.truncated {
		s += " [truncated]"
	}
	return s
}
