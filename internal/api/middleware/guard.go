package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/electro/session-sync/internal/core/domain"
	"github.com/electro/session-sync/internal/core/ports"
)

// Requirement is what a guarded route demands of the session.
type Requirement struct {
	// Admin requires an admin-like role on top of authentication.
	Admin bool
	// Roles, when non-empty, allows only the named roles (any-of).
	Roles []string
	// RedirectTo overrides the login route unauthenticated requests are
	// sent to.
	RedirectTo string
}

// Verdict is the guard's decision for one request.
type Verdict int

const (
	VerdictAllow Verdict = iota
	// VerdictLoading means boot-time restoration is still in flight and no
	// authenticated-or-not answer exists yet.
	VerdictLoading
	VerdictRedirect
	VerdictDeny
)

// Decision carries the verdict plus the redirect target when the verdict
// is VerdictRedirect.
type Decision struct {
	Verdict    Verdict
	RedirectTo string
}

// Decide is the pure guard policy: loading wins over everything so an
// in-flight bootstrap never bounces a returning user to the login view,
// unauthenticated requests redirect preserving the origin route, and an
// authenticated session missing the required role is denied rather than
// redirected.
func Decide(req Requirement, snap domain.SessionSnapshot, from string) Decision {
	if snap.Initializing {
		return Decision{Verdict: VerdictLoading}
	}
	if !snap.Authenticated {
		target := req.RedirectTo
		if target == "" {
			target = "/login"
		}
		if from != "" {
			target += "?from=" + url.QueryEscape(from)
		}
		return Decision{Verdict: VerdictRedirect, RedirectTo: target}
	}
	if req.Admin && !snap.Admin {
		return Decision{Verdict: VerdictDeny}
	}
	if len(req.Roles) > 0 && !roleAllowed(snap.Role, req.Roles) {
		return Decision{Verdict: VerdictDeny}
	}
	return Decision{Verdict: VerdictAllow}
}

func roleAllowed(role string, allowed []string) bool {
	for _, r := range allowed {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Guard enforces session requirements on a route group. Allowed requests
// get the session identity injected into context for downstream handlers;
// denied requests get a body naming the required versus current role.
func Guard(sessions ports.SessionService, req Requirement) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			snap := sessions.Snapshot()
			switch d := Decide(req, snap, c.Request().URL.Path); d.Verdict {
			case VerdictLoading:
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "session initializing"})
			case VerdictRedirect:
				return c.Redirect(http.StatusFound, d.RedirectTo)
			case VerdictDeny:
				return c.JSON(http.StatusForbidden, map[string]string{
					"error":    "forbidden",
					"required": requiredLabel(req),
					"role":     snap.Role,
				})
			}

			c.Set("user_id", snap.UserID)
			c.Set("username", snap.Username)
			c.Set("role", snap.Role)

			return next(c)
		}
	}
}

func requiredLabel(req Requirement) string {
	if req.Admin {
		return "admin"
	}
	return strings.Join(req.Roles, ",")
}
