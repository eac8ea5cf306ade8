// Package config loads the devpublish project file.
//
// The file is YAML, decoded strictly: unknown keys and trailing documents are
// errors. Relative paths are resolved against the directory holding the file,
// so a pass never depends on the process working directory.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"devpublish/internal/fingerprint"
	"devpublish/internal/fsutil"
	"devpublish/internal/merge"
	"devpublish/internal/publish"
)

// DefaultFileName is looked up in the working directory when no path is given.
const DefaultFileName = "devpublish.yaml"

// DefaultLockTimeout bounds waits for the staging and destination locks.
const DefaultLockTimeout = 5 * time.Minute

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the project configuration.
type Config struct {
	// ProjectDir is the root descriptor paths and commands are relative to.
	ProjectDir string `yaml:"project_dir"`

	// BuildDir anchors the default directory layout.
	BuildDir string `yaml:"build_dir"`

	Dirs Dirs `yaml:"dirs"`

	LockTimeout Duration `yaml:"lock_timeout"`

	// Digest selects the fingerprint hash: sha256 or blake3.
	Digest string `yaml:"digest"`

	// Concurrency is the number of publish steps run at once.
	Concurrency int `yaml:"concurrency"`

	Publications []Publication `yaml:"publications"`

	// Imports are extra merge inputs, typically another project's
	// publication store.
	Imports []Import `yaml:"imports"`

	path string
}

// Dirs overrides the default directory layout.
type Dirs struct {
	Staging          string `yaml:"staging"`
	PublicationStore string `yaml:"publication_store"`
	FingerprintStore string `yaml:"fingerprint_store"`
	MergedRepo       string `yaml:"merged_repo"`

	// History holds records of recent publish passes.
	History string `yaml:"history"`
}

// Publication declares one publishable package.
type Publication struct {
	Name     string `yaml:"name"`
	Group    string `yaml:"group"`
	Artifact string `yaml:"artifact"`
	Version  string `yaml:"version"`

	// Descriptors are fingerprinted to decide whether to publish.
	Descriptors []string `yaml:"descriptors"`

	Destination string `yaml:"destination"`

	// Exactly one of Command and From is set. Command is run through the
	// shell; From is a directory copied into staging as is.
	Command string            `yaml:"command"`
	From    string            `yaml:"from"`
	Env     map[string]string `yaml:"env"`

	// PassEnv names host variables the command may see. Unset means PATH
	// and HOME.
	PassEnv []string `yaml:"pass_env"`
}

// Import is one extra merge input. In YAML it is either a bare directory or
// a mapping with dir and kind.
type Import struct {
	Dir  string `yaml:"dir"`
	Kind string `yaml:"kind"`
}

// UnmarshalYAML accepts both forms:
//
//	imports:
//	  - ../lib/build/tmp/.maven-dev/publications-store
//	  - {dir: /opt/m2/repository, kind: repository}
func (i *Import) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		i.Dir = value.Value
		i.Kind = ""
		return nil
	}

	type rawImport Import
	var raw rawImport
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*i = Import(raw)
	return nil
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string like 30s", value.Line)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		ProjectDir:  ".",
		BuildDir:    "build",
		LockTimeout: Duration(DefaultLockTimeout),
		Digest:      string(fingerprint.SHA256),
		Concurrency: 1,
	}
}

// Load reads, resolves and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	cfg.path = abs
	return cfg, nil
}

// Parse decodes data on top of Default, resolves relative paths against
// baseDir and validates the result.
func Parse(data []byte, baseDir string) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parse: %w", ErrInvalidConfig, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, fmt.Errorf("%w: parse: trailing document", ErrInvalidConfig)
		}
		return nil, fmt.Errorf("%w: parse: %w", ErrInvalidConfig, err)
	}

	cfg.resolve(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path is the absolute path the config was loaded from, if any.
func (c *Config) Path() string { return c.path }

func (c *Config) resolve(baseDir string) {
	abs := func(base, p string) string {
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(base, p)
	}

	c.ProjectDir = abs(baseDir, c.ProjectDir)
	c.BuildDir = abs(c.ProjectDir, c.BuildDir)

	hidden := filepath.Join(c.BuildDir, "tmp", ".maven-dev")
	setDir := func(p *string, def string) {
		if *p == "" {
			*p = def
			return
		}
		*p = abs(baseDir, *p)
	}
	setDir(&c.Dirs.Staging, filepath.Join(hidden, "staging"))
	setDir(&c.Dirs.PublicationStore, filepath.Join(hidden, "publications-store"))
	setDir(&c.Dirs.FingerprintStore, filepath.Join(hidden, "checksum-store"))
	setDir(&c.Dirs.MergedRepo, filepath.Join(c.BuildDir, "maven-dev"))
	setDir(&c.Dirs.History, filepath.Join(hidden, "passes"))

	for i := range c.Publications {
		if c.Publications[i].From != "" {
			c.Publications[i].From = abs(baseDir, c.Publications[i].From)
		}
	}
	for i := range c.Imports {
		if c.Imports[i].Dir != "" {
			c.Imports[i].Dir = abs(baseDir, c.Imports[i].Dir)
		}
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := fingerprint.ParseAlgorithm(c.Digest); err != nil {
		errs = append(errs, err)
	}
	if c.Concurrency < 1 {
		add("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.LockTimeout < 0 {
		add("lock_timeout must not be negative")
	}

	// Staging is cleared wholesale and the merged repository is fully
	// synced, so no directory may overlap another or hold the project.
	dirs := []struct{ key, dir string }{
		{"staging", c.Dirs.Staging},
		{"publication_store", c.Dirs.PublicationStore},
		{"fingerprint_store", c.Dirs.FingerprintStore},
		{"merged_repo", c.Dirs.MergedRepo},
		{"history", c.Dirs.History},
	}
	for i, a := range dirs {
		for _, b := range dirs[i+1:] {
			switch {
			case a.dir == b.dir:
				add("dirs.%s and dirs.%s are the same directory %s", a.key, b.key, a.dir)
			case within(a.dir, b.dir):
				add("dirs.%s %s is inside dirs.%s %s", b.key, b.dir, a.key, a.dir)
			case within(b.dir, a.dir):
				add("dirs.%s %s is inside dirs.%s %s", a.key, a.dir, b.key, b.dir)
			}
		}
	}
	for _, d := range []struct{ key, dir string }{dirs[0], dirs[3]} {
		if d.dir == c.ProjectDir || within(d.dir, c.ProjectDir) {
			add("dirs.%s %s must not contain project_dir %s", d.key, d.dir, c.ProjectDir)
		}
	}

	names := map[string]bool{}
	for i, p := range c.Publications {
		where := fmt.Sprintf("publications[%d]", i)
		if p.Name != "" {
			where = fmt.Sprintf("publication %s", p.Name)
		}
		if err := fsutil.ValidateName(p.Name); err != nil {
			add("%s: %w", where, err)
		} else if names[p.Name] {
			add("%s: duplicate name", where)
		}
		names[p.Name] = true

		if _, err := fingerprint.NewIdentity(p.Group, p.Artifact, p.Version); err != nil {
			add("%s: %w", where, err)
		}
		dest, err := publish.ParseDestination(p.Destination)
		if err != nil {
			add("%s: %w", where, err)
		}
		switch {
		case p.Command == "" && p.From == "":
			add("%s: one of command or from is required", where)
		case p.Command != "" && p.From != "":
			add("%s: command and from are mutually exclusive", where)
		case p.From != "" && dest == publish.External:
			add("%s: from needs an internal destination", where)
		}
		for _, d := range p.Descriptors {
			if strings.TrimSpace(d) == "" {
				add("%s: empty descriptor path", where)
			}
		}
	}

	for i, imp := range c.Imports {
		if imp.Dir == "" {
			add("imports[%d]: dir is required", i)
		}
		if _, err := merge.ParseInputKind(imp.Kind); err != nil {
			add("imports[%d]: %w", i, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// within reports whether child lies strictly below parent.
func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Algorithm returns the configured fingerprint algorithm.
func (c *Config) Algorithm() fingerprint.Algorithm {
	alg, err := fingerprint.ParseAlgorithm(c.Digest)
	if err != nil {
		return fingerprint.SHA256
	}
	return alg
}

// PublishPublications converts the declarations into publications with
// their writers attached. The config must be valid.
func (c *Config) PublishPublications(logger *slog.Logger) ([]publish.Publication, error) {
	out := make([]publish.Publication, 0, len(c.Publications))
	for _, p := range c.Publications {
		id, err := fingerprint.NewIdentity(p.Group, p.Artifact, p.Version)
		if err != nil {
			return nil, fmt.Errorf("publication %s: %w", p.Name, err)
		}
		dest, err := publish.ParseDestination(p.Destination)
		if err != nil {
			return nil, fmt.Errorf("publication %s: %w", p.Name, err)
		}

		var w publish.Writer
		if p.From != "" {
			w = &publish.CopyWriter{Source: p.From}
		} else {
			w = &publish.CommandWriter{
				Command: p.Command,
				Dir:     c.ProjectDir,
				Env:     p.Env,
				PassEnv: p.PassEnv,
				Logger:  logger,
			}
		}

		out = append(out, publish.Publication{
			Name:        p.Name,
			Identity:    id,
			Descriptors: append([]string(nil), p.Descriptors...),
			Destination: dest,
			Writer:      w,
		})
	}
	return out, nil
}

// MergeImports converts the import declarations into merge inputs.
func (c *Config) MergeImports() ([]merge.Input, error) {
	out := make([]merge.Input, 0, len(c.Imports))
	for _, imp := range c.Imports {
		kind, err := merge.ParseInputKind(imp.Kind)
		if err != nil {
			return nil, err
		}
		out = append(out, merge.Input{Dir: imp.Dir, Kind: kind})
	}
	return out, nil
}
