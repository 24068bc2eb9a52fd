package authn

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultStorePath is spec.md §6's persisted token store location.
const DefaultStorePath = "/var/lib/not-my-board/auth_tokens.json"

const fileLockRetryInterval = 50 * time.Millisecond

// storedTokens is the on-disk shape of one hub's entry.
type storedTokens struct {
	ID      string `json:"id"`
	Refresh string `json:"refresh"`
}

// Store is the JSON file at DefaultStorePath keyed by hub URL, guarded by
// an advisory file lock for every read-modify-write.
type Store struct {
	path string
	lock *flock.Flock
}

// NewStore opens (without yet locking) the token store at path.
func NewStore(path string) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock")}
}

// Get returns the stored tokens for hubURL, or nil if none are stored.
func (s *Store) Get(ctx context.Context, hubURL string) (*Tokens, error) {
	var result *Tokens
	err := s.withLock(ctx, func(all map[string]storedTokens) (map[string]storedTokens, error) {
		if entry, ok := all[hubURL]; ok {
			result = &Tokens{IDToken: entry.ID, RefreshToken: entry.Refresh}
		}
		return all, nil
	})
	return result, err
}

// Put stores tokens for hubURL, replacing any previous entry.
func (s *Store) Put(ctx context.Context, hubURL string, tokens *Tokens) error {
	return s.withLock(ctx, func(all map[string]storedTokens) (map[string]storedTokens, error) {
		all[hubURL] = storedTokens{ID: tokens.IDToken, Refresh: tokens.RefreshToken}
		return all, nil
	})
}

// Delete removes the entry for hubURL, if any.
func (s *Store) Delete(ctx context.Context, hubURL string) error {
	return s.withLock(ctx, func(all map[string]storedTokens) (map[string]storedTokens, error) {
		delete(all, hubURL)
		return all, nil
	})
}

func (s *Store) withLock(ctx context.Context, mutate func(map[string]storedTokens) (map[string]storedTokens, error)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	locked, err := s.lock.TryLockContext(ctx, fileLockRetryInterval)
	if err != nil {
		return err
	}
	if !locked {
		return context.DeadlineExceeded
	}
	defer s.lock.Unlock()

	all, err := s.read()
	if err != nil {
		return err
	}

	all, err = mutate(all)
	if err != nil {
		return err
	}

	return s.write(all)
}

func (s *Store) read() (map[string]storedTokens, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]storedTokens), nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return make(map[string]storedTokens), nil
	}
	var all map[string]storedTokens
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	return all, nil
}

func (s *Store) write(all map[string]storedTokens) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
