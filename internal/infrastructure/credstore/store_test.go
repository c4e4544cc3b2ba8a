package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/electro/session-sync/internal/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	user := &domain.User{ID: "u1", Username: "alice", Role: domain.RoleAdmin}

	if err := s.Save("tok-123", user); err != nil {
		t.Fatalf("Save: %v", err)
	}

	token, got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if token != "tok-123" {
		t.Fatalf("token = %q, want tok-123", token)
	}
	if got == nil || got.ID != "u1" || got.Role != domain.RoleAdmin {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestLegacyTokenAliasKeptInSync(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("tok-x", nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// The modern key disappears; the legacy alias must still restore it.
	if err := os.Remove(filepath.Join(s.dir, tokenFile)); err != nil {
		t.Fatalf("remove token file: %v", err)
	}
	token, _, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if token != "tok-x" {
		t.Fatalf("legacy alias not used, token = %q", token)
	}
}

func TestCorruptUserDroppedNotFatal(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("tok", &domain.User{ID: "u1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, userFile), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt user file: %v", err)
	}

	token, user, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if token != "tok" {
		t.Fatalf("token lost alongside corrupt user")
	}
	if user != nil {
		t.Fatalf("corrupt user should be dropped, got %+v", user)
	}
	if _, statErr := os.Stat(filepath.Join(s.dir, userFile)); !os.IsNotExist(statErr) {
		t.Fatalf("corrupt user file should be removed")
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save("tok", &domain.User{ID: "u1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("second Clear should be a no-op, got %v", err)
	}
	token, user, err := s.Load()
	if err != nil || token != "" || user != nil {
		t.Fatalf("store not empty after Clear: %q %+v %v", token, user, err)
	}
}

func TestLoadOnEmptyStore(t *testing.T) {
	s := newTestStore(t)
	token, user, err := s.Load()
	if err != nil {
		t.Fatalf("Load on empty store: %v", err)
	}
	if token != "" || user != nil {
		t.Fatalf("expected empty results, got %q %+v", token, user)
	}
}
