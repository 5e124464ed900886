// Package envfile persists a flat key=value record, one pair per line.
// It is the on-disk format of the connection descriptor, chosen so shell
// scripts can source the file directly.
package envfile

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Store provides access to one key=value file.
//
// Loads are lock-free snapshot reads. Mutations (Create/Remove) are only ever
// performed while the caller holds the instance slot lock; the O_EXCL create
// additionally guarantees two writers cannot both commit even without it.
type Store struct {
	path string
}

// New creates a Store for the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the file and parses key=value lines. Blank lines and lines
// starting with '#' are ignored. Returns (nil, nil) when the file does not
// exist; absence is a valid state, not an error.
func (s *Store) Load() (map[string]string, error) {
	data, err := os.ReadFile(s.path) //nolint:gosec // internal runtime path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return Parse(string(data)), nil
}

// Create writes the record with O_EXCL semantics: it fails if the file
// already exists. Creation is the commit point for "an instance is live", so
// two racing writers cannot both succeed.
func (s *Store) Create(kv map[string]string) error {
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // world-readable by design
	if err != nil {
		return fmt.Errorf("create %s: %w", s.path, err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.WriteString(Format(kv)); err != nil {
		_ = os.Remove(s.path)
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = os.Remove(s.path)
		return fmt.Errorf("sync %s: %w", s.path, err)
	}
	return nil
}

// Remove deletes the file. Removing an absent file is a no-op.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", s.path, err)
	}
	return nil
}

// Parse splits key=value lines into a map.
func Parse(data string) map[string]string {
	kv := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		kv[k] = v
	}
	return kv
}

// Format renders the map as sorted key=value lines.
func Format(kv map[string]string) string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, kv[k])
	}
	return b.String()
}
