package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"relaybot/internal/domain"
)

// Snapshot is the state of the config file at one read. It is never cached:
// every Read recomputes the hash from the bytes on disk.
type Snapshot struct {
	Path         string         `json:"path"`
	Exists       bool           `json:"exists"`
	Raw          *string        `json:"raw"`
	Hash         string         `json:"hash,omitempty"`
	Parsed       any            `json:"parsed"`
	Valid        bool           `json:"valid"`
	Config       map[string]any `json:"config"`
	Issues       []domain.Issue `json:"issues"`
	LegacyIssues []domain.Issue `json:"legacyIssues"`
}

// WriteResult describes a completed Update.
type WriteResult struct {
	Path     string
	PrevHash string
	Hash     string
	Config   map[string]any
}

// HashRaw is the content fingerprint used as the optimistic-concurrency token.
func HashRaw(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// pathLocks serializes Update calls per absolute file path across every Store
// in the process.
var pathLocks sync.Map

func lockFor(path string) *sync.Mutex {
	mu, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Store reads and writes one config file.
type Store struct {
	path     string
	format   Format
	validate TreeValidator
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithValidator replaces ValidateTree as the validator used for snapshots.
func WithValidator(v TreeValidator) StoreOption {
	return func(s *Store) { s.validate = v }
}

// WithFormat overrides the codec picked from the file extension.
func WithFormat(f Format) StoreOption {
	return func(s *Store) { s.format = f }
}

// NewStore returns a Store for path. Relative paths are resolved against the
// working directory once, here.
func NewStore(path string, opts ...StoreOption) *Store {
	if path == "" {
		path = DefaultPath
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	s := &Store{path: path, format: FormatFor(path), validate: ValidateTree}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the absolute path of the file.
func (s *Store) Path() string { return s.path }

// Format returns the codec used for the file.
func (s *Store) Format() Format { return s.format }

// Read loads a fresh snapshot. Only I/O failures other than a missing file
// are returned as errors; parse and validation problems land in Issues.
func (s *Store) Read() (*Snapshot, error) {
	return s.ReadWith(s.validate)
}

// ReadWith is Read with a caller-supplied validator, typically one compiled
// from the aggregated plugin schema.
func (s *Store) ReadWith(validate TreeValidator) (*Snapshot, error) {
	if validate == nil {
		validate = s.validate
	}
	snap := &Snapshot{
		Path:         s.path,
		Parsed:       map[string]any{},
		Config:       map[string]any{},
		Issues:       []domain.Issue{},
		LegacyIssues: []domain.Issue{},
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			snap.Valid = true
			return snap, nil
		}
		return nil, domain.NewDomainError("Store.Read", domain.ErrConfigLoad, err.Error())
	}

	raw := string(data)
	snap.Exists = true
	snap.Raw = &raw
	snap.Hash = HashRaw(data)

	parsed, err := Parse(s.format, data)
	if err != nil {
		snap.Issues = []domain.Issue{{Message: fmt.Sprintf("config parse failed: %v", err)}}
		return snap, nil
	}
	if parsed == nil {
		parsed = map[string]any{}
	}
	snap.Parsed = parsed
	if obj, ok := parsed.(map[string]any); ok {
		snap.LegacyIssues = LegacyIssues(obj)
	}

	validated, issues := validate(parsed)
	if len(issues) > 0 {
		snap.Issues = issues
		return snap, nil
	}
	snap.Valid = true
	snap.Config = validated
	return snap, nil
}

// Update reads a fresh snapshot, hands it to fn and writes the tree fn
// returns. The read, fn and the write run under the file's lock, so a hash
// check inside fn and the write are one atomic step for every Store in the
// process. When fn returns an error nothing is written.
func (s *Store) Update(fn func(snap *Snapshot) (map[string]any, error)) (*WriteResult, error) {
	return s.UpdateWith(s.validate, fn)
}

// UpdateWith is Update with the snapshot handed to fn validated by validate.
func (s *Store) UpdateWith(validate TreeValidator, fn func(snap *Snapshot) (map[string]any, error)) (*WriteResult, error) {
	mu := lockFor(s.path)
	mu.Lock()
	defer mu.Unlock()

	snap, err := s.ReadWith(validate)
	if err != nil {
		return nil, err
	}
	next, err := fn(snap)
	if err != nil {
		return nil, err
	}

	data, err := Marshal(s.format, next)
	if err != nil {
		return nil, domain.NewDomainError("Store.Update", domain.ErrConfigWrite, err.Error())
	}
	if err := writeAtomic(s.path, data); err != nil {
		return nil, domain.NewDomainError("Store.Update", domain.ErrConfigWrite, err.Error())
	}
	return &WriteResult{
		Path:     s.path,
		PrevHash: snap.Hash,
		Hash:     HashRaw(data),
		Config:   next,
	}, nil
}

// writeAtomic writes data to a temp file next to path and renames it over
// path, so readers see either the old or the new content.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
