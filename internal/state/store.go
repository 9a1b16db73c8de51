package state

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const header = "# nodeprov step ledger: one <step>=<status> record per line"

// Record is a persisted (step name, status) pair.
type Record struct {
	Name   string `json:"name" yaml:"name"`
	Status Status `json:"status" yaml:"status"`
}

// ErrReadOnly is returned by writes to a Store opened with OpenReadOnly.
var ErrReadOnly = errors.New("state store is read-only")

// Store is a key=value status ledger backed by a single file.
type Store struct {
	path     string
	readOnly bool
}

// Open returns a Store for the ledger at path, creating the parent directory.
// The ledger file itself is created lazily by the first Set.
//
// An existing ledger is parsed once so that a corrupt file is reported at
// start-up rather than half-way through a run.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("open state store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	s := &Store{path: path}
	if _, err := s.load(); err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return s, nil
}

// OpenReadOnly returns a Store that reads the ledger at path without creating
// anything. A missing ledger reads as empty; Set and Reset fail with
// ErrReadOnly.
func OpenReadOnly(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("open state store: empty path")
	}
	s := &Store{path: path, readOnly: true}
	if _, err := s.load(); err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return s, nil
}

// Path returns the ledger location.
func (s *Store) Path() string {
	return s.path
}

// Get returns the status of name, or NotStarted when no record exists.
func (s *Store) Get(name string) (Status, error) {
	records, err := s.load()
	if err != nil {
		return "", fmt.Errorf("get %s: %w", name, err)
	}
	for _, r := range records {
		if r.Name == name {
			return r.Status, nil
		}
	}
	return NotStarted, nil
}

// IsComplete reports whether name has a complete record.
func (s *Store) IsComplete(name string) (bool, error) {
	st, err := s.Get(name)
	if err != nil {
		return false, err
	}
	return st == Complete, nil
}

// Set overwrites the record for name. Setting the same status twice is a
// no-op on disk.
func (s *Store) Set(name string, status Status) error {
	if s.readOnly {
		return fmt.Errorf("set %s: %w", name, ErrReadOnly)
	}
	if err := validateName(name); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}

	records, err := s.load()
	if err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}

	found := false
	for i := range records {
		if records[i].Name != name {
			continue
		}
		if records[i].Status == status {
			return nil
		}
		records[i].Status = status
		found = true
		break
	}
	if !found {
		records = append(records, Record{Name: name, Status: status})
	}

	if err := s.commit(records); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}

// All returns every record in ledger order. Returns an empty slice (not nil)
// when the ledger does not exist.
func (s *Store) All() ([]Record, error) {
	records, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Reset deletes every record in this store.
func (s *Store) Reset() error {
	if s.readOnly {
		return fmt.Errorf("reset state: %w", ErrReadOnly)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reset state: %w", err)
	}
	return syncDir(filepath.Dir(s.path))
}

func (s *Store) load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parse(data, s.path)
}

func parse(data []byte, path string) ([]Record, error) {
	var records []Record
	index := make(map[string]int)

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected <step>=<status>", path, lineNo)
		}
		key = strings.TrimSpace(key)
		st, err := ParseStatus(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		// A hand-edited file may repeat a key; the last line wins.
		if i, dup := index[key]; dup {
			records[i].Status = st
			continue
		}
		index[key] = len(records)
		records = append(records, Record{Name: key, Status: st})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

func (s *Store) commit(records []Record) error {
	var buf bytes.Buffer
	buf.WriteString(header)
	buf.WriteByte('\n')
	for _, r := range records {
		fmt.Fprintf(&buf, "%s=%s\n", r.Name, r.Status)
	}
	return WriteFileAtomic(s.path, buf.Bytes(), 0o644)
}

// WriteFileAtomic replaces path with data via a synced temp file and rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer d.Close()
	// Directory fsync is unsupported on some filesystems.
	_ = d.Sync()
	return nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("empty step name")
	}
	if strings.ContainsAny(name, "=#\n\r") {
		return fmt.Errorf("invalid step name %q", name)
	}
	return nil
}
