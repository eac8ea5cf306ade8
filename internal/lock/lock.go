// Package lock provides one named, exclusive lock per filesystem root.
//
// A Lock excludes other goroutines in the same process through a channel
// semaphore and other processes through flock(2) on a sibling lock file
// (<parent>/.<base>.lock). Both are held for the whole critical section.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when a lock could not be acquired in time.
var ErrTimeout = errors.New("lock acquisition timed out")

// pollInterval is how often a contended flock is retried.
const pollInterval = 25 * time.Millisecond

// Lock is the exclusive handle for one root. Obtain it with For.
type Lock struct {
	root     string
	lockPath string
	sem      chan struct{}
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Lock{}
)

// For returns the process-wide lock for root. Every path that cleans to the
// same absolute root yields the same *Lock.
func For(root string) (*Lock, error) {
	if root == "" {
		return nil, errors.New("lock: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("lock: resolving %s: %w", root, err)
	}
	if abs == string(filepath.Separator) {
		return nil, fmt.Errorf("lock: refusing to lock %s", abs)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if l, ok := registry[abs]; ok {
		return l, nil
	}
	l := &Lock{
		root:     abs,
		lockPath: filepath.Join(filepath.Dir(abs), "."+filepath.Base(abs)+".lock"),
		sem:      make(chan struct{}, 1),
	}
	registry[abs] = l
	return l, nil
}

// Root returns the absolute root this lock guards.
func (l *Lock) Root() string { return l.root }

// Path returns the lock file used for cross-process exclusion.
func (l *Lock) Path() string { return l.lockPath }

// Acquire blocks until the lock is held, ctx is done or timeout elapses.
// A timeout <= 0 waits on ctx alone.
//
// The returned release func is safe to call more than once.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, l.timeoutErr(ctx.Err())
	}

	f, err := l.lockFile(ctx)
	if err != nil {
		<-l.sem
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
			<-l.sem
		})
	}
	return release, nil
}

// TryAcquire takes the lock only if it is free right now.
func (l *Lock) TryAcquire() (func(), bool, error) {
	select {
	case l.sem <- struct{}{}:
	default:
		return nil, false, nil
	}

	f, ok, err := l.tryFlock()
	if err != nil || !ok {
		<-l.sem
		return nil, false, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
			<-l.sem
		})
	}, true, nil
}

func (l *Lock) lockFile(ctx context.Context) (*os.File, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		f, ok, err := l.tryFlock()
		if err != nil {
			return nil, err
		}
		if ok {
			return f, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, l.timeoutErr(ctx.Err())
		}
	}
}

func (l *Lock) tryFlock() (*os.File, bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o755); err != nil {
		return nil, false, fmt.Errorf("lock: creating %s: %w", filepath.Dir(l.lockPath), err)
	}
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("lock: opening %s: %w", l.lockPath, err)
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return f, true, nil
	}
	_ = f.Close()
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("lock: flock %s: %w", l.lockPath, err)
}

func (l *Lock) timeoutErr(cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrTimeout, l.root, cause)
}
