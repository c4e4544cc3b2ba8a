package ports

import (
	"context"

	"github.com/electro/session-sync/internal/core/domain"
)

// ProfileAPI is the REST surface the session subsystem consumes.
//
// Error contract: authentication failures surface as
// domain.ErrInvalidCredentials, fatal token problems as
// domain.ErrTokenInvalid, ambiguous 401s as domain.ErrUnauthorized.
// Network errors propagate unwrapped classification.
type ProfileAPI interface {
	Login(ctx context.Context, username, password string) (token string, user *domain.User, err error)
	GetProfile(ctx context.Context) (*domain.User, error)
	UpdateProfile(ctx context.Context, user *domain.User) (*domain.User, error)
}
