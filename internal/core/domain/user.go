package domain

import (
	"errors"
	"strings"
)

var ErrInvalidCredentials = errors.New("invalid credentials")
var ErrNotAuthenticated = errors.New("not authenticated")
var ErrTokenInvalid = errors.New("token invalid")
var ErrUnauthorized = errors.New("unauthorized")
var ErrChannelAuth = errors.New("realtime channel authentication failed")

// User mirrors the profile payload served by the user service. The backend
// is the single source of truth for every field; the client overwrites its
// cached copy wholesale whenever authoritative data arrives.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`

	// Role is the single authoritative permission tier. Roles is kept as a
	// one-element mirror of Role for callers that still expect a set.
	Role  string   `json:"role"`
	Roles []string `json:"roles,omitempty"`

	IsActive        bool `json:"isActive,omitempty"`
	IsEmailVerified bool `json:"isEmailVerified,omitempty"`

	PhoneNumber string `json:"phoneNumber,omitempty"`
	Address     string `json:"address,omitempty"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`

	AvatarURL       string `json:"avatarUrl,omitempty"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`

	PersonalizationEnabled bool `json:"personalizationEnabled,omitempty"`
	ChatbotEnabled         bool `json:"chatbotEnabled,omitempty"`
	RecommendationEnabled  bool `json:"recommendationEnabled,omitempty"`

	CreatedAt string `json:"createdAt,omitempty"`
}

// Normalize uppercases the role, rebuilds the Roles mirror and marks the
// user active. Applied to every authoritative payload before it is stored.
func (u *User) Normalize() {
	u.Role = NormalizeRole(u.Role)
	if u.Role != "" {
		u.Roles = []string{u.Role}
	} else {
		u.Roles = nil
	}
	u.IsActive = true
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	clone := *u
	if u.Roles != nil {
		clone.Roles = append([]string(nil), u.Roles...)
	}
	return &clone
}

// NormalizeRole uppercases and trims a role string.
func NormalizeRole(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}

// SessionSnapshot is a point-in-time view of the session's derived flags,
// consumed by the route guard.
type SessionSnapshot struct {
	Authenticated bool
	Admin         bool
	Initializing  bool
	UserID        string
	Username      string
	Role          string
}
