// Package ghostscript downgrades PDFs with Ghostscript's pdfwrite device.
// Unlike rasterization this keeps text and vector content; Ghostscript
// flattens transparency itself when the compatibility level requires it.
package ghostscript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/Lllllllleong/pdfcompat/internal/pdfdoc"
)

const (
	DefaultTimeout      = 120 * time.Second
	DefaultProbeTimeout = 5 * time.Second

	// waitDelay bounds how long Wait blocks on output pipes after the
	// process has been killed.
	waitDelay = 2 * time.Second
)

// ErrToolNotFound is returned when no candidate executable answers a version probe.
var ErrToolNotFound = errors.New("ghostscript executable not found")

// ToolError describes a failed Ghostscript run.
type ToolError struct {
	Path     string
	ExitCode int // -1 when the process did not exit on its own
	Output   string
	TimedOut bool
	Err      error
}

func (e *ToolError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("ghostscript %s timed out: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("ghostscript %s failed (exit code %d): %v: %s", e.Path, e.ExitCode, e.Err, e.Output)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Converter runs Ghostscript conversions.
type Converter struct {
	// Path is tried before Candidates.
	Path string
	// Candidates are the locations probed after Path; nil means DefaultCandidates().
	Candidates   []string
	Timeout      time.Duration
	ProbeTimeout time.Duration
	// TempDir holds the per-call working directories; "" means os.TempDir().
	TempDir string
	Logger  *slog.Logger
}

// NewConverter returns a Converter with an explicit path and run timeout.
func NewConverter(path string, timeout time.Duration) *Converter {
	return &Converter{Path: path, Timeout: timeout}
}

// DefaultCandidates lists the usual install locations, most specific last.
func DefaultCandidates() []string {
	candidates := []string{"gs", "/opt/homebrew/bin/gs", "/usr/local/bin/gs", "/usr/bin/gs"}
	if runtime.GOOS == "windows" {
		matches, _ := filepath.Glob(`C:\Program Files\gs\*\bin\gswin64c.exe`)
		// Newer versions sort last; try them first.
		slices.Sort(matches)
		slices.Reverse(matches)
		candidates = append(candidates, matches...)
	}
	return candidates
}

// Resolve returns the first candidate that responds to --version.
func (c *Converter) Resolve(ctx context.Context) (string, error) {
	candidates := c.Candidates
	if candidates == nil {
		candidates = DefaultCandidates()
	}
	if c.Path != "" {
		candidates = append([]string{c.Path}, candidates...)
	}

	for _, candidate := range candidates {
		path, err := exec.LookPath(candidate)
		if err != nil {
			continue
		}
		if err := c.probe(ctx, path); err != nil {
			c.logger().Debug("Ghostscript candidate rejected", "path", path, "error", err)
			continue
		}
		return path, nil
	}
	return "", fmt.Errorf("%w (tried %v)", ErrToolNotFound, candidates)
}

func (c *Converter) probe(ctx context.Context, path string) error {
	timeout := c.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.WaitDelay = waitDelay
	return cmd.Run()
}

// Args is the pdfwrite invocation converting in to out at the given
// compatibility level.
func Args(level, in, out string) []string {
	return []string{
		"-dNOPAUSE",
		"-dBATCH",
		"-dSAFER",
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=" + level,
		"-dPDFSETTINGS=/prepress",
		"-dColorConversionStrategy=/LeaveColorUnchanged",
		"-dDownsampleMonoImages=false",
		"-dDownsampleGrayImages=false",
		"-dDownsampleColorImages=false",
		"-dAutoRotatePages=/None",
		"-sOutputFile=" + out,
		in,
	}
}

// Convert rewrites data at the compatibility level of targetVersion.
func (c *Converter) Convert(ctx context.Context, data []byte, targetVersion float64) ([]byte, error) {
	level, err := pdfdoc.FormatVersion(targetVersion)
	if err != nil {
		return nil, &ToolError{Path: c.Path, ExitCode: -1, Err: err}
	}
	path, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	logCtx := c.logger().With("path", path, "level", level)

	dir, err := os.MkdirTemp(c.TempDir, "gs-convert-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logCtx.Warn("Failed to remove temp dir", "dir", dir, "error", err)
		}
	}()

	in := filepath.Join(dir, "input.pdf")
	out := filepath.Join(dir, "output.pdf")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write input file: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, path, Args(level, in, out)...)
	cmd.WaitDelay = waitDelay
	output, err := cmd.CombinedOutput()
	if err != nil {
		toolErr := &ToolError{Path: path, ExitCode: -1, Output: string(output), Err: err}
		var exitErr *exec.ExitError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			toolErr.TimedOut = true
			toolErr.Err = fmt.Errorf("killed after %s", timeout)
		case ctx.Err() != nil:
			toolErr.Err = ctx.Err()
		case errors.As(err, &exitErr) && exitErr.Exited():
			toolErr.ExitCode = exitErr.ExitCode()
		}
		logCtx.Error("Ghostscript conversion failed", "exitCode", toolErr.ExitCode, "timedOut", toolErr.TimedOut, "output", toolErr.Output)
		return nil, toolErr
	}

	result, err := os.ReadFile(out)
	if err == nil && len(result) == 0 {
		err = errors.New("output file is empty")
	}
	if err != nil {
		logCtx.Error("Ghostscript produced no output", "error", err, "output", string(output))
		return nil, &ToolError{Path: path, ExitCode: 0, Output: string(output), Err: fmt.Errorf("unreadable output: %w", err)}
	}

	logCtx.Info("Ghostscript conversion complete", "duration", time.Since(start), "inputBytes", len(data), "outputBytes", len(result))
	return result, nil
}

func (c *Converter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
