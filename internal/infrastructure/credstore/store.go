// Package credstore persists session credentials as small files under one
// directory, mirroring the browser storage keys the platform has always
// used: auth_token (with a legacy jwt alias kept in sync) and auth_user.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/electro/session-sync/internal/core/domain"
)

const (
	tokenFile       = "auth_token"
	legacyTokenFile = "jwt"
	userFile        = "auth_user"
	sentinelFile    = "auth_logout_event"
)

// Store is a file-backed credential store. Reads are synchronous and
// writes are last-write-wins; concurrent instances coordinate through the
// logout broadcast, not through the store.
type Store struct {
	dir string
	log zerolog.Logger
}

func New(dir string, log zerolog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("credstore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: create dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Save persists the token (under both the current and legacy key) and the
// user snapshot.
func (s *Store) Save(token string, user *domain.User) error {
	if err := s.writeFile(tokenFile, []byte(token)); err != nil {
		return err
	}
	if err := s.writeFile(legacyTokenFile, []byte(token)); err != nil {
		return err
	}
	if user == nil {
		return s.remove(userFile)
	}
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("credstore: encode user: %w", err)
	}
	return s.writeFile(userFile, raw)
}

// Load returns the persisted token and user snapshot. A missing token file
// falls back to the legacy jwt key. A corrupt user snapshot is dropped and
// removed rather than surfaced, so a damaged cache can never block boot.
func (s *Store) Load() (string, *domain.User, error) {
	token, err := s.readFile(tokenFile)
	if err != nil {
		return "", nil, err
	}
	if token == "" {
		if token, err = s.readFile(legacyTokenFile); err != nil {
			return "", nil, err
		}
	}

	raw, err := s.readFile(userFile)
	if err != nil {
		return token, nil, err
	}
	if raw == "" {
		return token, nil, nil
	}

	var user domain.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		s.log.Warn().Err(err).Msg("corrupt cached user snapshot, discarding")
		_ = s.remove(userFile)
		return token, nil, nil
	}
	return token, &user, nil
}

// Clear removes every persisted credential.
func (s *Store) Clear() error {
	var first error
	for _, name := range []string{tokenFile, legacyTokenFile, userFile} {
		if err := s.remove(name); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SentinelPath is where the broadcaster's fallback transport writes its
// logout sentinel. Kept here so both components agree on the location.
func (s *Store) SentinelPath() string {
	return filepath.Join(s.dir, sentinelFile)
}

func (s *Store) writeFile(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("credstore: write %s: %w", name, err)
	}
	return nil
}

func (s *Store) readFile(name string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("credstore: read %s: %w", name, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (s *Store) remove(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credstore: remove %s: %w", name, err)
	}
	return nil
}
