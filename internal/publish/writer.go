package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"

	"devpublish/internal/fsutil"
	dplog "devpublish/internal/log"
)

// StagingDirEnv is set for command writers of Internal publications.
const StagingDirEnv = "DEVPUBLISH_STAGING_DIR"

// DefaultPassEnv are the host variables a command sees unless configured
// otherwise.
var DefaultPassEnv = []string{"PATH", "HOME"}

// CommandError reports a writer command that exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// CommandWriter runs a shell command that writes the publication.
//
// The command runs under "sh -c" in Dir with an allowlisted environment:
// the Env entries, the host variables named in PassEnv, and StagingDirEnv
// pointing at the staging directory. Nothing else leaks in from the host.
type CommandWriter struct {
	Command string
	Dir     string
	Env     map[string]string

	// PassEnv names host variables copied into the environment. Nil means
	// DefaultPassEnv; an empty slice passes nothing.
	PassEnv []string

	Logger *slog.Logger
}

// Write runs the command. On cancellation the whole process group is killed.
func (w *CommandWriter) Write(ctx context.Context, stagingDir string) error {
	if strings.TrimSpace(w.Command) == "" {
		return errors.New("command is empty")
	}
	logger := dplog.OrNop(w.Logger)

	cmd := exec.Command("sh", "-c", w.Command)
	cmd.Dir = w.Dir
	cmd.Env = w.environ(stagingDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return fmt.Errorf("command cancelled: %w", ctx.Err())
	case err = <-done:
	}

	if out := strings.TrimSpace(stdout.String()); out != "" {
		logger.Debug("writer output", "command", w.Command, "stdout", out)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &CommandError{
				Command:  w.Command,
				ExitCode: exitErr.ExitCode(),
				Stderr:   tail(stderr.String(), 2048),
			}
		}
		return fmt.Errorf("running command: %w", err)
	}
	return nil
}

// environ builds the allowlisted environment, sorted by key.
func (w *CommandWriter) environ(stagingDir string) []string {
	env := make(map[string]string, len(w.Env)+3)

	pass := w.PassEnv
	if pass == nil {
		pass = DefaultPassEnv
	}
	for _, key := range pass {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	for k, v := range w.Env {
		env[k] = v
	}
	if stagingDir != "" {
		env[StagingDirEnv] = stagingDir
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// CopyWriter publishes a directory that an earlier build step already laid
// out in repository form, by copying it into staging.
type CopyWriter struct {
	Source string
}

func (w *CopyWriter) Write(_ context.Context, stagingDir string) error {
	if stagingDir == "" {
		return errors.New("copy writer needs a staging directory")
	}
	info, err := os.Stat(w.Source)
	if err != nil {
		return fmt.Errorf("copy source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("copy source %s is not a directory", w.Source)
	}
	_, err = fsutil.CopyTree(w.Source, stagingDir)
	return err
}
