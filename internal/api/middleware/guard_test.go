package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/electro/session-sync/internal/core/domain"
	"github.com/electro/session-sync/internal/core/ports"
)

type stubSessions struct {
	ports.SessionService
	snap domain.SessionSnapshot
}

func (s *stubSessions) Snapshot() domain.SessionSnapshot { return s.snap }

func (s *stubSessions) Bootstrap(context.Context) {}

func TestDecide(t *testing.T) {
	cases := []struct {
		name    string
		req     Requirement
		snap    domain.SessionSnapshot
		from    string
		verdict Verdict
		target  string
	}{
		{
			name:    "loading wins over unauthenticated",
			snap:    domain.SessionSnapshot{Initializing: true},
			verdict: VerdictLoading,
		},
		{
			name:    "unauthenticated redirects preserving origin",
			from:    "/admin/users",
			verdict: VerdictRedirect,
			target:  "/login?from=%2Fadmin%2Fusers",
		},
		{
			name:    "unauthenticated without origin",
			verdict: VerdictRedirect,
			target:  "/login",
		},
		{
			name:    "authenticated user allowed",
			snap:    domain.SessionSnapshot{Authenticated: true, Role: domain.RoleUser},
			verdict: VerdictAllow,
		},
		{
			name:    "non-admin denied on admin route",
			req:     Requirement{Admin: true},
			snap:    domain.SessionSnapshot{Authenticated: true, Role: domain.RoleUser},
			verdict: VerdictDeny,
		},
		{
			name:    "admin allowed on admin route",
			req:     Requirement{Admin: true},
			snap:    domain.SessionSnapshot{Authenticated: true, Admin: true, Role: domain.RoleAdmin},
			verdict: VerdictAllow,
		},
		{
			name:    "role list allows matching role case-insensitively",
			req:     Requirement{Roles: []string{"moderator", "support"}},
			snap:    domain.SessionSnapshot{Authenticated: true, Role: domain.RoleSupport},
			verdict: VerdictAllow,
		},
		{
			name:    "role list denies unlisted role",
			req:     Requirement{Roles: []string{"MODERATOR"}},
			snap:    domain.SessionSnapshot{Authenticated: true, Role: domain.RoleUser},
			verdict: VerdictDeny,
		},
		{
			name:    "redirect target override",
			req:     Requirement{RedirectTo: "/signin"},
			from:    "/cart",
			verdict: VerdictRedirect,
			target:  "/signin?from=%2Fcart",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.req, tc.snap, tc.from)
			if d.Verdict != tc.verdict {
				t.Fatalf("expected verdict %d, got %d", tc.verdict, d.Verdict)
			}
			if tc.target != "" && d.RedirectTo != tc.target {
				t.Fatalf("expected redirect to %q, got %q", tc.target, d.RedirectTo)
			}
		})
	}
}

func TestGuard_AllowInjectsIdentity(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	sessions := &stubSessions{snap: domain.SessionSnapshot{
		Authenticated: true,
		UserID:        "u1",
		Username:      "ana",
		Role:          domain.RoleUser,
	}}

	called := false
	handler := Guard(sessions, Requirement{})(func(c echo.Context) error {
		called = true
		if got, _ := c.Get("user_id").(string); got != "u1" {
			t.Fatalf("expected user_id in context, got %q", got)
		}
		if got, _ := c.Get("role").(string); got != domain.RoleUser {
			t.Fatalf("expected role in context, got %q", got)
		}
		return c.NoContent(http.StatusOK)
	})

	if err := handler(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !called {
		t.Fatalf("next handler not called")
	}
}

func TestGuard_RedirectsUnauthenticated(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	sessions := &stubSessions{}
	handler := Guard(sessions, Requirement{})(func(c echo.Context) error {
		t.Fatalf("should not reach next handler")
		return nil
	})

	_ = handler(c)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login?from=%2Forders" {
		t.Fatalf("unexpected redirect target %q", loc)
	}
}

func TestGuard_ServiceUnavailableWhileInitializing(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	sessions := &stubSessions{snap: domain.SessionSnapshot{Initializing: true}}
	handler := Guard(sessions, Requirement{})(func(c echo.Context) error {
		t.Fatalf("should not reach next handler")
		return nil
	})

	_ = handler(c)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestGuard_ForbidsNonAdmin(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	sessions := &stubSessions{snap: domain.SessionSnapshot{
		Authenticated: true,
		Role:          domain.RoleUser,
	}}
	handler := Guard(sessions, Requirement{Admin: true})(func(c echo.Context) error {
		t.Fatalf("should not reach next handler")
		return nil
	})

	_ = handler(c)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}
