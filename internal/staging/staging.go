// Package staging serializes package writes into a shared staging root and
// captures each successful write into its own publication store.
//
// Every Stage call runs the same sequence under the staging root's lock:
//
//	acquire lock -> clear staging -> write -> capture -> clear staging -> release
//
// A publication store is only ever replaced by a complete capture. When the
// write or the capture fails, the previous store for that name is left as it
// was.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"devpublish/internal/fsutil"
	"devpublish/internal/lock"
	dplog "devpublish/internal/log"
)

var (
	// ErrWriteFailed wraps failures of the package-writing step.
	ErrWriteFailed = errors.New("staged write failed")

	// ErrCaptureFailed wraps failures while copying staged output into the
	// publication store.
	ErrCaptureFailed = errors.New("publication capture failed")
)

// Phase is where a Coordinator is in the staging sequence.
type Phase int32

const (
	Idle Phase = iota
	Locked
	Writing
	Capturing
	Clearing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Locked:
		return "locked"
	case Writing:
		return "writing"
	case Capturing:
		return "capturing"
	case Clearing:
		return "clearing"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// WriteFunc produces a package's files inside stagingDir. It runs while the
// staging lock is held and stagingDir is empty.
type WriteFunc func(ctx context.Context, stagingDir string) error

// Publication is a captured publication store.
type Publication struct {
	Name string
	Dir  string

	// Files are slash-separated paths relative to Dir, sorted.
	Files []string
}

// Coordinator owns one staging root and the publication stores fed from it.
type Coordinator struct {
	// StagingDir is the shared scratch directory writers fill.
	StagingDir string

	// StoreDir holds one subdirectory per publication name.
	StoreDir string

	// LockTimeout bounds the wait for the staging lock. Zero waits until the
	// context is done.
	LockTimeout time.Duration

	Logger *slog.Logger

	phase atomic.Int32
}

// New creates a Coordinator.
func New(stagingDir, storeDir string, lockTimeout time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		StagingDir:  stagingDir,
		StoreDir:    storeDir,
		LockTimeout: lockTimeout,
		Logger:      dplog.OrNop(logger),
	}
}

// Phase reports the current phase.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Coordinator) setPhase(name string, p Phase) {
	c.phase.Store(int32(p))
	c.logger().Debug("staging phase", "publication", name, "phase", p.String())
}

func (c *Coordinator) logger() *slog.Logger {
	return dplog.OrNop(c.Logger)
}

// StorePath returns the publication store directory for name.
func (c *Coordinator) StorePath(name string) string {
	return filepath.Join(c.StoreDir, name)
}

// Stage runs write against a freshly cleared staging root and captures the
// result as the publication store for name.
//
// The staging root is cleared again before Stage returns, on success and on
// failure. The lock is released on every path.
func (c *Coordinator) Stage(ctx context.Context, name string, write WriteFunc) (*Publication, error) {
	if err := fsutil.ValidateName(name); err != nil {
		return nil, err
	}
	if write == nil {
		return nil, fmt.Errorf("staging %s: nil write func", name)
	}

	l, err := lock.For(c.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("staging %s: %w", name, err)
	}
	start := time.Now()
	release, err := l.Acquire(ctx, c.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("staging %s: %w", name, err)
	}
	defer release()

	c.setPhase(name, Locked)
	defer c.setPhase(name, Idle)
	c.logger().Debug("staging lock acquired", "publication", name, "waited", time.Since(start))

	if err := fsutil.ClearDir(c.StagingDir); err != nil {
		return nil, fmt.Errorf("%w: %s: clearing staging: %w", ErrWriteFailed, name, err)
	}
	defer func() {
		c.setPhase(name, Clearing)
		if err := fsutil.ClearDir(c.StagingDir); err != nil {
			c.logger().Warn("clearing staging after write", "publication", name, "error", err)
		}
	}()

	c.setPhase(name, Writing)
	if err := write(ctx, c.StagingDir); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWriteFailed, name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWriteFailed, name, err)
	}

	c.setPhase(name, Capturing)
	files, err := c.capture(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCaptureFailed, name, err)
	}
	if len(files) == 0 {
		c.logger().Warn("publication produced no files", "publication", name)
	}

	c.logger().Info("publication captured",
		"publication", name,
		"files", len(files),
		"duration", time.Since(start))

	return &Publication{Name: name, Dir: c.StorePath(name), Files: files}, nil
}

// capture copies the staging tree into a temp directory beside the store and
// swaps it into place.
func (c *Coordinator) capture(name string) ([]string, error) {
	if err := os.MkdirAll(c.StoreDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	tmp, err := os.MkdirTemp(c.StoreDir, "."+name+".tmp-")
	if err != nil {
		return nil, fmt.Errorf("creating temp store: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	files, err := fsutil.CopyTree(c.StagingDir, tmp)
	if err != nil {
		return nil, err
	}

	dst := c.StorePath(name)
	old := ""
	if _, err := os.Stat(dst); err == nil {
		old = tmp + ".old"
		if err := os.Rename(dst, old); err != nil {
			return nil, fmt.Errorf("moving previous store aside: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", dst, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		if old != "" {
			_ = os.Rename(old, dst)
		}
		return nil, fmt.Errorf("committing store: %w", err)
	}
	committed = true

	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			c.logger().Warn("removing previous store", "publication", name, "error", err)
		}
	}
	if err := fsutil.SyncDir(c.StoreDir); err != nil {
		return nil, fmt.Errorf("syncing store dir: %w", err)
	}
	return files, nil
}

// Publications lists the names of existing publication stores, sorted.
// Hidden entries left by an interrupted capture are skipped.
func (c *Coordinator) Publications() ([]string, error) {
	entries, err := os.ReadDir(c.StoreDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing publication stores: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load returns the captured store for name, or nil when none exists.
func (c *Coordinator) Load(name string) (*Publication, error) {
	if err := fsutil.ValidateName(name); err != nil {
		return nil, err
	}
	dir := c.StorePath(name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	files, err := fsutil.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	return &Publication{Name: name, Dir: dir, Files: files}, nil
}
