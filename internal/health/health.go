// Package health decides whether an installed version is usable. It runs the
// version's binary as a self-check, optionally runs a configured health
// command, and tracks boot confirmation through a marker file.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/state"
)

// DefaultStartupTimeout bounds every spawned check.
const DefaultStartupTimeout = 30 * time.Second

// Status is the outcome of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusTimeout   Status = "timeout"
)

// Result of a health check. Reason is set for unhealthy results.
type Result struct {
	Status Status
	Reason string
}

// Healthy reports whether the check passed.
func (r Result) Healthy() bool { return r.Status == StatusHealthy }

func (r Result) String() string {
	if r.Reason != "" {
		return fmt.Sprintf("%s: %s", r.Status, r.Reason)
	}
	return string(r.Status)
}

// Err converts a failed result into an error, or nil when healthy.
func (r Result) Err() error {
	if r.Healthy() {
		return nil
	}
	return &CheckError{Result: r}
}

// CheckError reports a failed health check.
type CheckError struct {
	Result Result
}

func (e *CheckError) Error() string {
	return "health check failed: " + e.Result.String()
}

func healthy() Result { return Result{Status: StatusHealthy} }

func unhealthy(format string, args ...any) Result {
	return Result{Status: StatusUnhealthy, Reason: fmt.Sprintf(format, args...)}
}

// Config holds the health check settings.
type Config struct {
	// StartupTimeout bounds each spawned process. Zero means the default.
	StartupTimeout time.Duration
	// HealthCommand runs through the platform shell in the version directory
	// after the binary self-check passes. Empty skips it.
	HealthCommand string
}

// Checker runs health checks against installed binaries.
type Checker struct {
	config Config
}

// NewChecker creates a checker.
func NewChecker(cfg Config) *Checker {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	return &Checker{config: cfg}
}

// StartupTimeout returns the effective timeout.
func (c *Checker) StartupTimeout() time.Duration { return c.config.StartupTimeout }

// CheckBinaryStarts runs "binary --version" and waits for it to exit.
func (c *Checker) CheckBinaryStarts(ctx context.Context, binary string) Result {
	if _, err := os.Stat(binary); err != nil {
		return unhealthy("binary not found: %s", binary)
	}
	cmd := exec.Command(binary, "--version")
	return c.run(ctx, cmd, "failed to start")
}

// RunHealthCommand runs the configured health command in dir.
func (c *Checker) RunHealthCommand(ctx context.Context, dir string) Result {
	if c.config.HealthCommand == "" {
		return healthy()
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", "/C", c.config.HealthCommand)
	} else {
		cmd = exec.Command("sh", "-c", c.config.HealthCommand)
	}
	cmd.Dir = dir
	return c.run(ctx, cmd, "failed to run health check")
}

// CheckVersion runs the binary self-check, then the health command from the
// binary's directory.
func (c *Checker) CheckVersion(ctx context.Context, binary string) Result {
	res := c.CheckBinaryStarts(ctx, binary)
	if !res.Healthy() {
		log.WithField("binary", binary).Warnf("Binary self-check failed: %s", res)
		return res
	}
	res = c.RunHealthCommand(ctx, filepath.Dir(binary))
	if !res.Healthy() {
		log.WithField("binary", binary).Warnf("Health command failed: %s", res)
	}
	return res
}

// run starts cmd and waits up to the startup timeout. The process is killed
// on timeout or cancellation.
func (c *Checker) run(ctx context.Context, cmd *exec.Cmd, startFailure string) Result {
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return unhealthy("%s: %v", startFailure, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(c.config.StartupTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err == nil {
			return healthy()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return unhealthy("exit code %d", exitErr.ExitCode())
		}
		return unhealthy("wait error: %v", err)
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
		return Result{Status: StatusTimeout}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return unhealthy("cancelled: %v", ctx.Err())
	}
}

// ShouldRollback reports whether failedBoots has reached the limit.
func ShouldRollback(failedBoots, limit uint32) bool {
	return state.ShouldRollback(failedBoots, limit)
}

// MarkBootSuccessful confirms that the running version booted: it resets the
// failed boot counter and writes the boot marker into versionDir.
func MarkBootSuccessful(m *state.Machine, versionDir string) error {
	if _, err := m.MarkBootSuccessful(); err != nil {
		return err
	}
	if err := Mark(versionDir); err != nil {
		return err
	}
	log.WithField("dir", versionDir).Info("Boot confirmed")
	return nil
}
