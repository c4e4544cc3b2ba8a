package ports

import (
	"context"

	"github.com/electro/session-sync/internal/core/domain"
)

// SessionService owns the session lifecycle: login, logout, boot-time
// restoration, on-demand refresh, and both reconciliation paths (event
// driven and polled) that keep the local role in sync with server truth.
type SessionService interface {
	// Login returns false on bad credentials or any transport failure; it
	// never lets an error escape.
	Login(ctx context.Context, username, password string) bool
	// Logout is idempotent and safe to call concurrently.
	Logout(reason string)
	// Bootstrap restores a persisted session: the cached snapshot is
	// applied immediately, then validated against the server in the
	// background. Runs once per process.
	Bootstrap(ctx context.Context)
	// RefreshUser re-fetches the profile and overwrites the cached user.
	// Unlike the other operations it propagates errors to the caller.
	RefreshUser(ctx context.Context) error
	// UpdateProfile pushes a profile edit to the server and applies the
	// authoritative result locally.
	UpdateProfile(ctx context.Context, user *domain.User) error

	IsAuthenticated() bool
	IsAdmin() bool
	CurrentUser() *domain.User
	Token() string
	Snapshot() domain.SessionSnapshot

	// Close tears down the poller, pending grace timers and subscriptions
	// without touching persisted credentials.
	Close()
}
