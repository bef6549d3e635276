package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// FileStore loads one JSON file per account from a directory. The snapshot is
// an immutable slice swapped atomically on reload, so readers never block.
type FileStore struct {
	dir      string
	snapshot atomic.Pointer[[]*Account]
	mu       sync.Mutex // serializes Reload and UpdateTokens
}

// NewFileStore creates a file-backed account store rooted at dir
func NewFileStore(dir string) *FileStore {
	s := &FileStore{dir: dir}
	empty := make([]*Account, 0)
	s.snapshot.Store(&empty)
	return s
}

// Snapshot returns the current account set
func (s *FileStore) Snapshot() []*Account {
	return *s.snapshot.Load()
}

// Reload re-reads every account file. Corrupt files are skipped with a warning.
func (s *FileStore) Reload() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read accounts dir: %w", err)
	}

	accounts := make([]*Account, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping unreadable account file")
			continue
		}
		var acc Account
		if err := json.Unmarshal(data, &acc); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("skipping corrupt account file")
			continue
		}
		if acc.ID == "" {
			log.Warn().Str("file", entry.Name()).Msg("skipping account with empty id")
			continue
		}
		accounts = append(accounts, &acc)
	}

	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].CreatedOrder != accounts[j].CreatedOrder {
			return accounts[i].CreatedOrder < accounts[j].CreatedOrder
		}
		return accounts[i].ID < accounts[j].ID
	})

	s.snapshot.Store(&accounts)

	log.Info().Int("count", len(accounts)).Str("dir", s.dir).Msg("accounts loaded")
	return len(accounts), nil
}

// UpdateTokens writes the refreshed pair to disk before publishing it to the
// snapshot, so the next request only ever sees a durable token.
func (s *FileStore) UpdateTokens(id string, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := *s.snapshot.Load()
	idx := -1
	for i, acc := range current {
		if acc.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("account %s not found", id)
	}

	updated := *current[idx]
	updated.Token = tok

	if err := s.writeAccount(&updated); err != nil {
		return err
	}

	next := make([]*Account, len(current))
	copy(next, current)
	next[idx] = &updated
	s.snapshot.Store(&next)

	log.Debug().Str("account_id", id).Int64("expiry", tok.ExpiryUnix).Msg("account tokens updated")
	return nil
}

// writeAccount persists an account atomically (temp file + rename)
func (s *FileStore) writeAccount(acc *Account) error {
	data, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, acc.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write account file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace account file: %w", err)
	}
	return nil
}
