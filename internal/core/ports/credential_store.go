package ports

import "github.com/electro/session-sync/internal/core/domain"

// CredentialStore persists the auth token and cached user snapshot. Load
// must be cheap and synchronous so the session can render an initial guess
// at boot before any network validation. Writes are last-write-wins.
type CredentialStore interface {
	Save(token string, user *domain.User) error
	// Load returns the persisted token and user. Either may be absent; a
	// corrupt cached user is dropped rather than reported as an error.
	Load() (token string, user *domain.User, err error)
	Clear() error
}
