package fingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"devpublish/internal/fsutil"
)

// Store persists the last accepted fingerprint text per publication.
//
// Save is the only mutation and it replaces the previous value wholesale.
// Load never observes a partially written value.
type Store interface {
	// Load returns the stored text for name. ok is false when nothing has
	// been stored yet.
	Load(name string) (text string, ok bool, err error)

	// Save stores text as the accepted fingerprint for name.
	Save(name, text string) error
}

// FileStore implements Store with one file per publication.
//
// Structure:
//
//	{Dir}/
//	  {name}.txt
type FileStore struct {
	// Dir is the directory holding the records. It is created on first Save.
	Dir string
}

// NewFileStore creates a filesystem-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Path returns the file backing name.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.Dir, name+".txt")
}

// Load reads the record for name. Surrounding whitespace is trimmed so a
// hand-edited record with a trailing newline still compares equal.
func (s *FileStore) Load(name string) (string, bool, error) {
	if err := fsutil.ValidateName(name); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading fingerprint %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// Save atomically replaces the record for name.
func (s *FileStore) Save(name, text string) error {
	if err := fsutil.ValidateName(name); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.Path(name), []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing fingerprint %s: %w", name, err)
	}
	return nil
}

// Names lists the publications that have a stored record, sorted.
func (s *FileStore) Names() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing fingerprints: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), ".txt")
		if !ok || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// MemoryStore implements Store in memory.
// Useful for testing and short-lived processes.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]string)}
}

func (s *MemoryStore) Load(name string) (string, bool, error) {
	if err := fsutil.ValidateName(name); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	text, ok := s.records[name]
	return text, ok, nil
}

func (s *MemoryStore) Save(name, text string) error {
	if err := fsutil.ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = text
	return nil
}

// Stored adapts Store.Load to the optional value taken by ShouldPublish.
func Stored(s Store, name string) (*string, error) {
	text, ok, err := s.Load(name)
	if err != nil || !ok {
		return nil, err
	}
	return &text, nil
}
