package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

const (
	// Separator splits a path from its digest on every artifact line.
	// It cannot appear in a valid relative path.
	Separator = ":"

	// HeaderSeparator is the line between the identity and the artifact lines.
	HeaderSeparator = "---"

	// MissingDigest stands in for the digest of a file that does not exist.
	MissingDigest = "missing"
)

// ErrInvalidPath is returned when an artifact path cannot be rendered on a
// fingerprint line.
var ErrInvalidPath = errors.New("invalid artifact path")

// Algorithm names the content hash used for artifact digests.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm accepts the configuration spelling of an algorithm.
// The empty string selects SHA256.
func ParseAlgorithm(raw string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unknown digest algorithm %q (expected sha256|blake3)", raw)
	}
}

func (a Algorithm) newHash() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Artifact is one file belonging to a package. Path may be absolute or
// relative to the owning ArtifactSet's Root.
type Artifact struct {
	Path string
}

// ArtifactSet is the unordered collection of files that make up a package.
//
// Root is the stable directory every path is made relative to before it is
// rendered, so moving the whole build elsewhere does not change the
// fingerprint.
type ArtifactSet struct {
	Root      string
	Artifacts []Artifact
}

// Entry is one rendered artifact line.
type Entry struct {
	Path   string
	Digest string
}

// Record is a computed fingerprint.
type Record struct {
	Identity Identity
	Entries  []Entry
}

// Text renders the canonical fingerprint text. There is no trailing newline.
func (r Record) Text() string {
	var b strings.Builder
	b.WriteString(string(r.Identity))
	b.WriteByte('\n')
	b.WriteString(HeaderSeparator)
	for _, e := range r.Entries {
		b.WriteByte('\n')
		b.WriteString(e.Path)
		b.WriteString(Separator)
		b.WriteString(e.Digest)
	}
	return b.String()
}

// ParseRecord reads a rendering produced by Record.Text.
func ParseRecord(text string) (Record, error) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[1]) != HeaderSeparator {
		return Record{}, errors.New("fingerprint text: missing header")
	}
	rec := Record{Identity: Identity(strings.TrimSpace(lines[0]))}
	for i, line := range lines[2:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		path, digest, ok := strings.Cut(line, Separator)
		if !ok {
			return Record{}, fmt.Errorf("fingerprint text: line %d has no separator", i+3)
		}
		rec.Entries = append(rec.Entries, Entry{Path: path, Digest: digest})
	}
	return rec, nil
}

// Engine computes fingerprints. The zero value uses SHA256.
//
// Compute has no shared mutable state, so one Engine may be used from many
// goroutines at once.
type Engine struct {
	Algorithm Algorithm
}

// NewEngine creates an Engine for the given algorithm.
func NewEngine(alg Algorithm) *Engine {
	return &Engine{Algorithm: alg}
}

// Compute fingerprints one package.
//
// The result depends only on the identity, the root-relative paths and the
// bytes of each file:
//   - artifacts are sorted by relative path before rendering
//   - the same relative path listed twice is rendered once
//   - a file that does not exist gets MissingDigest
//
// Any other I/O failure, such as permission denied or a path naming a
// directory, is returned to the caller.
func (e *Engine) Compute(id Identity, set ArtifactSet) (Record, error) {
	if err := id.Validate(); err != nil {
		return Record{}, err
	}

	entries := make([]Entry, 0, len(set.Artifacts))
	seen := make(map[string]struct{}, len(set.Artifacts))
	for _, a := range set.Artifacts {
		full, rel, err := resolve(set.Root, a.Path)
		if err != nil {
			return Record{}, err
		}
		if _, dup := seen[rel]; dup {
			continue
		}
		seen[rel] = struct{}{}

		digest, err := e.fileDigest(full)
		if err != nil {
			return Record{}, fmt.Errorf("hashing %s: %w", rel, err)
		}
		entries = append(entries, Entry{Path: rel, Digest: digest})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	return Record{Identity: id, Entries: entries}, nil
}

// Job is one input to ComputeAll.
type Job struct {
	Identity Identity
	Set      ArtifactSet
}

// ComputeAll fingerprints several packages concurrently. Records are returned
// in the order of jobs; the first failure cancels the rest.
func (e *Engine) ComputeAll(ctx context.Context, jobs []Job) ([]Record, error) {
	records := make([]Record, len(jobs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := e.Compute(job.Identity, job.Set)
			if err != nil {
				return fmt.Errorf("fingerprint %s: %w", job.Identity, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (e *Engine) fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return MissingDigest, nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	h := e.Algorithm.newHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// resolve returns the path to open and the slash-separated path to render.
func resolve(root, p string) (full, rel string, err error) {
	if strings.TrimSpace(p) == "" {
		return "", "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	full = filepath.Clean(p)
	if !filepath.IsAbs(full) && root != "" {
		full = filepath.Join(root, full)
	}

	rel = full
	if root != "" {
		r, err := filepath.Rel(filepath.Clean(root), full)
		if err != nil {
			return "", "", fmt.Errorf("%w: %s: %v", ErrInvalidPath, p, err)
		}
		rel = r
	}
	rel = filepath.ToSlash(rel)

	if strings.Contains(rel, Separator) || strings.ContainsAny(rel, "\r\n") {
		return "", "", fmt.Errorf("%w: %q contains a reserved character", ErrInvalidPath, rel)
	}
	return full, rel, nil
}

// ShouldPublish is the whole skip rule: publish when nothing was stored yet
// or the stored text differs from the current text.
func ShouldPublish(current string, stored *string) bool {
	if stored == nil {
		return true
	}
	return current != *stored
}
