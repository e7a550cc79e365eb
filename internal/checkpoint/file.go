package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	stateExt = ".json"
	lockExt  = ".lock"

	// lockGrace is how long an unreadable lock file counts as being
	// written rather than abandoned.
	lockGrace = 10 * time.Second
)

// FileStore keeps one JSON document per operation in a directory.
// Writes go to a temp file in the same directory which is synced and
// renamed over the target, so a crash leaves either the old or the new
// document.
type FileStore struct {
	dir    string
	now    func() time.Time
	closed atomic.Bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates dir if needed and returns a store rooted there
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{
		dir:   dir,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the state directory
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: invalid operation id %q", ErrNotFound, id)
	}
	return filepath.Join(s.dir, id+stateExt), nil
}

func (s *FileStore) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Create writes the initial document of a new operation
func (s *FileStore) Create(_ context.Context, kind string, params map[string]any, items []ItemSeed) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}

	state, err := NewOperationState(uuid.NewString(), kind, params, items, s.now().UTC())
	if err != nil {
		return "", err
	}

	unlock := s.lock(state.ID)
	defer unlock()

	if err := s.write(state); err != nil {
		return "", err
	}
	return state.ID, nil
}

// Load reads one operation
func (s *FileStore) Load(_ context.Context, id string) (*OperationState, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.read(id)
}

func (s *FileStore) read(id string) (*OperationState, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	state, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return state, nil
}

// Apply reads, mutates and atomically rewrites one operation
func (s *FileStore) Apply(_ context.Context, id string, u Update) (*OperationState, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	unlock := s.lock(id)
	defer unlock()

	state, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if err := Apply(state, u, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.write(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *FileStore) write(state *OperationState) error {
	path, err := s.path(state.ID)
	if err != nil {
		return err
	}
	data, err := Encode(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// List reads every document in the directory. Unreadable documents are
// skipped.
func (s *FileStore) List(_ context.Context, filter Filter) ([]Summary, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var out []Summary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, stateExt) {
			continue
		}
		state, err := s.read(strings.TrimSuffix(name, stateExt))
		if err != nil {
			continue
		}
		if filter.Match(state) {
			out = append(out, state.Summarize())
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes an operation document
func (s *FileStore) Delete(_ context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	path, err := s.path(id)
	if err != nil {
		return err
	}

	unlock := s.lock(id)
	defer unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// Lock creates <id>.lock exclusively. A lock file whose owner process
// is gone is removed and the lock taken over.
func (s *FileStore) Lock(_ context.Context, id string) (ReleaseFunc, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	lockPath := strings.TrimSuffix(path, stateExt) + lockExt

	owner := newLeaseOwner(s.now().UTC())
	data, err := json.Marshal(owner)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.Write(data)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(lockPath)
				return nil, fmt.Errorf("failed to write lock file: %w", werr)
			}
			var once sync.Once
			var rerr error
			return func() error {
				once.Do(func() { rerr = releaseLockFile(lockPath, owner.Token) })
				return rerr
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		held, err := readLockFile(lockPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err == nil && !held.stale():
			return nil, held.lockedError(id)
		case err != nil:
			if info, serr := os.Stat(lockPath); serr == nil && time.Since(info.ModTime()) < lockGrace {
				return nil, fmt.Errorf("%w: %s", ErrLocked, id)
			}
		}
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock file: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, id)
}

func readLockFile(path string) (leaseOwner, error) {
	var owner leaseOwner
	data, err := os.ReadFile(path)
	if err != nil {
		return owner, err
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return owner, fmt.Errorf("%w: lock file %s", ErrCorrupt, path)
	}
	return owner, nil
}

// releaseLockFile removes the lock file if token still owns it
func releaseLockFile(path, token string) error {
	held, err := readLockFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if held.Token != token {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Close marks the store closed
func (s *FileStore) Close() error {
	s.closed.Store(true)
	return nil
}
