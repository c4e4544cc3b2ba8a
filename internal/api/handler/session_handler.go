package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/electro/session-sync/internal/core/domain"
	"github.com/electro/session-sync/internal/core/ports"
)

// SessionHandler exposes the session lifecycle over HTTP for hosts that
// embed the subsystem behind a local control surface.
type SessionHandler struct {
	sessions ports.SessionService
}

func NewSessionHandler(sessions ports.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type logoutRequest struct {
	Reason string `json:"reason"`
}

type updateProfileRequest struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email" validate:"omitempty,email"`
	PhoneNumber string `json:"phoneNumber"`
	Address     string `json:"address"`
	AvatarURL   string `json:"avatarUrl"`
}

type sessionResponse struct {
	Authenticated bool         `json:"authenticated"`
	Admin         bool         `json:"admin"`
	Initializing  bool         `json:"initializing"`
	User          *domain.User `json:"user,omitempty"`
}

// Login authenticates against the backend and establishes the local
// session. Bad credentials and transport failures both surface as 401; the
// session service already logged the distinction.
func (h *SessionHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if !h.sessions.Login(c.Request().Context(), req.Username, req.Password) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}

	return c.JSON(http.StatusOK, sessionResponse{
		Authenticated: true,
		Admin:         h.sessions.IsAdmin(),
		User:          h.sessions.CurrentUser(),
	})
}

// Logout tears the session down. Always succeeds: logging out of an
// already-dead session is a no-op.
func (h *SessionHandler) Logout(c echo.Context) error {
	var req logoutRequest
	_ = c.Bind(&req)
	if req.Reason == "" {
		req.Reason = "user logged out"
	}

	h.sessions.Logout(req.Reason)
	return c.NoContent(http.StatusNoContent)
}

// Session reports the current session snapshot.
func (h *SessionHandler) Session(c echo.Context) error {
	snap := h.sessions.Snapshot()
	resp := sessionResponse{
		Authenticated: snap.Authenticated,
		Admin:         snap.Admin,
		Initializing:  snap.Initializing,
	}
	if snap.Authenticated {
		resp.User = h.sessions.CurrentUser()
	}
	return c.JSON(http.StatusOK, resp)
}

// Profile returns the cached user.
func (h *SessionHandler) Profile(c echo.Context) error {
	user := h.sessions.CurrentUser()
	if user == nil {
		return domain.ErrNotAuthenticated
	}
	return c.JSON(http.StatusOK, user)
}

// RefreshProfile re-fetches the profile from the backend and returns the
// fresh copy.
func (h *SessionHandler) RefreshProfile(c echo.Context) error {
	if err := h.sessions.RefreshUser(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.sessions.CurrentUser())
}

// UpdateProfile applies a profile edit and returns the server's
// authoritative result.
func (h *SessionHandler) UpdateProfile(c echo.Context) error {
	var req updateProfileRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	current := h.sessions.CurrentUser()
	if current == nil {
		return domain.ErrNotAuthenticated
	}
	if req.FirstName != "" {
		current.FirstName = req.FirstName
	}
	if req.LastName != "" {
		current.LastName = req.LastName
	}
	if req.Email != "" {
		current.Email = req.Email
	}
	if req.PhoneNumber != "" {
		current.PhoneNumber = req.PhoneNumber
	}
	if req.Address != "" {
		current.Address = req.Address
	}
	if req.AvatarURL != "" {
		current.AvatarURL = req.AvatarURL
	}

	if err := h.sessions.UpdateProfile(c.Request().Context(), current); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.sessions.CurrentUser())
}
