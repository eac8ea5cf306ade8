// Package merge syncs publication stores and imported repositories into the
// single merged repository.
//
// A Sync is a full sync, not an overlay: afterwards the destination holds
// exactly the files its inputs currently provide. Files whose source went away
// are deleted, empty directories are pruned, and files whose content already
// matches are left alone so a repeat Sync with unchanged inputs writes
// nothing.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"devpublish/internal/fsutil"
	"devpublish/internal/lock"
	dplog "devpublish/internal/log"
)

// ErrMergeFailed wraps every failure of a Sync.
var ErrMergeFailed = errors.New("merge failed")

// InputKind says how an input directory maps onto the destination.
type InputKind int

const (
	// PublicationStores is a directory of publication stores, one
	// subdirectory per publish operation. The operation directory is
	// dropped from every path.
	PublicationStores InputKind = iota

	// Repository is already laid out like the destination and is taken as-is.
	Repository
)

func (k InputKind) String() string {
	switch k {
	case PublicationStores:
		return "publication-stores"
	case Repository:
		return "repository"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseInputKind accepts the configuration spelling of a kind.
// The empty string selects PublicationStores.
func ParseInputKind(raw string) (InputKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "publication-stores", "publication_stores", "publications":
		return PublicationStores, nil
	case "repository", "repo":
		return Repository, nil
	default:
		return 0, fmt.Errorf("unknown input kind %q (expected publication-stores|repository)", raw)
	}
}

// Input is one source directory of a Sync. A directory that does not exist
// contributes nothing.
type Input struct {
	Dir  string
	Kind InputKind
}

// Report describes what one Sync did. All paths are slash-separated and
// relative to the destination, sorted.
type Report struct {
	Copied    []string
	Unchanged []string
	Deleted   []string
	Pruned    []string

	// Conflicts are paths provided by more than one input with different
	// content. The first input listed wins.
	Conflicts []string
}

// Changed reports whether the destination was modified.
func (r *Report) Changed() bool {
	return len(r.Copied) > 0 || len(r.Deleted) > 0 || len(r.Pruned) > 0
}

// Syncer merges inputs into Dest.
//
// Sync must not race with publish operations feeding its inputs; callers run
// it after every publish of a pass has finished. Two Syncs on the same Dest
// serialize on the destination's lock.
type Syncer struct {
	Dest        string
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// NewSyncer creates a Syncer for dest.
func NewSyncer(dest string, lockTimeout time.Duration, logger *slog.Logger) *Syncer {
	return &Syncer{Dest: dest, LockTimeout: lockTimeout, Logger: dplog.OrNop(logger)}
}

// source is where one desired destination file comes from.
type source struct {
	path  string
	input string
}

// Sync makes Dest mirror the union of inputs.
func (s *Syncer) Sync(ctx context.Context, inputs []Input) (*Report, error) {
	logger := dplog.OrNop(s.Logger)
	if strings.TrimSpace(s.Dest) == "" {
		return nil, fmt.Errorf("%w: empty destination", ErrMergeFailed)
	}

	l, err := lock.For(s.Dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMergeFailed, err)
	}
	release, err := l.Acquire(ctx, s.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMergeFailed, err)
	}
	defer release()

	start := time.Now()
	report := &Report{}

	desired, err := s.collect(inputs, report, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMergeFailed, err)
	}

	if err := os.MkdirAll(s.Dest, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", ErrMergeFailed, s.Dest, err)
	}

	existing, err := fsutil.ListFiles(s.Dest)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %w", ErrMergeFailed, s.Dest, err)
	}
	// Deletions come first so a stale file never blocks a directory of the
	// same name.
	for _, rel := range existing {
		if _, ok := desired[rel]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.Dest, filepath.FromSlash(rel))); err != nil {
			return report, fmt.Errorf("%w: deleting %s: %w", ErrMergeFailed, rel, err)
		}
		report.Deleted = append(report.Deleted, rel)
		logger.Debug("merge deleted stale file", "path", rel)
	}

	paths := make([]string, 0, len(desired))
	for rel := range desired {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%w: %w", ErrMergeFailed, err)
		}
		src := desired[rel]
		dst := filepath.Join(s.Dest, filepath.FromSlash(rel))

		same, err := fsutil.SameContent(src.path, dst)
		if err != nil {
			return report, fmt.Errorf("%w: comparing %s: %w", ErrMergeFailed, rel, err)
		}
		if same {
			report.Unchanged = append(report.Unchanged, rel)
			continue
		}
		if info, err := os.Lstat(dst); err == nil && !info.Mode().IsRegular() {
			if err := os.RemoveAll(dst); err != nil {
				return report, fmt.Errorf("%w: replacing %s: %w", ErrMergeFailed, rel, err)
			}
		}
		if err := fsutil.CopyFileAtomic(src.path, dst); err != nil {
			return report, fmt.Errorf("%w: copying %s: %w", ErrMergeFailed, rel, err)
		}
		report.Copied = append(report.Copied, rel)
		logger.Debug("merge copied file", "path", rel, "from", src.input)
	}

	pruned, err := fsutil.PruneEmptyDirs(s.Dest)
	report.Pruned = pruned
	if err != nil {
		return report, fmt.Errorf("%w: pruning %s: %w", ErrMergeFailed, s.Dest, err)
	}

	logger.Info("merged repository synced",
		"dest", s.Dest,
		"inputs", len(inputs),
		"copied", len(report.Copied),
		"unchanged", len(report.Unchanged),
		"deleted", len(report.Deleted),
		"conflicts", len(report.Conflicts),
		"duration", time.Since(start))

	return report, nil
}

// collect builds the desired destination tree from inputs in order.
func (s *Syncer) collect(inputs []Input, report *Report, logger *slog.Logger) (map[string]source, error) {
	desired := make(map[string]source)
	conflicts := make(map[string]struct{})
	// parents holds every directory implied by a desired file.
	parents := make(map[string]struct{})

	for _, in := range inputs {
		files, err := fsutil.ListFiles(in.Dir)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", in.Dir, err)
		}
		if files == nil {
			logger.Debug("merge input missing, treating as empty", "dir", in.Dir)
		}

		for _, file := range files {
			rel := file
			if in.Kind == PublicationStores {
				op, rest, ok := strings.Cut(file, "/")
				if !ok {
					logger.Warn("ignoring file outside any publication store", "dir", in.Dir, "path", file)
					continue
				}
				if strings.HasPrefix(op, ".") {
					continue
				}
				rel = rest
			}

			src := source{path: filepath.Join(in.Dir, filepath.FromSlash(file)), input: in.Dir}
			prev, taken := desired[rel]
			if !taken {
				if clash, ok := pathClash(desired, parents, rel); ok {
					if _, seen := conflicts[rel]; !seen {
						conflicts[rel] = struct{}{}
						report.Conflicts = append(report.Conflicts, rel)
					}
					logger.Warn("file and directory clash in merge inputs, keeping first",
						"path", rel,
						"kept", clash,
						"ignored", src.path)
					continue
				}
				desired[rel] = src
				for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
					parents[dir] = struct{}{}
				}
				continue
			}

			same, err := fsutil.SameContent(prev.path, src.path)
			if err != nil {
				return nil, fmt.Errorf("comparing %s: %w", rel, err)
			}
			if same {
				continue
			}
			if _, seen := conflicts[rel]; !seen {
				conflicts[rel] = struct{}{}
				report.Conflicts = append(report.Conflicts, rel)
			}
			logger.Warn("conflicting file in merge inputs, keeping first",
				"path", rel,
				"kept", prev.path,
				"ignored", src.path)
		}
	}

	sort.Strings(report.Conflicts)
	return desired, nil
}

// pathClash reports whether rel cannot coexist with the desired tree: either
// a desired file sits where rel needs a directory, or rel names a directory
// that already holds desired files. It returns the path of the kept entry.
func pathClash(desired map[string]source, parents map[string]struct{}, rel string) (string, bool) {
	if _, ok := parents[rel]; ok {
		return rel + "/", true
	}
	for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
		if prev, ok := desired[dir]; ok {
			return prev.path, true
		}
	}
	return "", false
}
