package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/electro/session-sync/internal/core/domain"
	"github.com/electro/session-sync/internal/core/ports"
	"github.com/electro/session-sync/internal/pkg/metrics"
)

const defaultLoginPath = "/login"

// Config carries the timing knobs of the session state machine. Zero
// values fall back to the production defaults.
type Config struct {
	// PollInterval is the period of the background role reconciliation
	// loop.
	PollInterval time.Duration
	// DowngradeGrace is how long a user gets to read the downgrade warning
	// before the forced logout fires.
	DowngradeGrace time.Duration
	// ReloadGrace is the delay before the full reload that follows a
	// non-downgrade role change.
	ReloadGrace time.Duration
	// LoginPath is the route receiving forced redirects after teardown.
	LoginPath string
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.DowngradeGrace <= 0 {
		c.DowngradeGrace = 3 * time.Second
	}
	if c.ReloadGrace <= 0 {
		c.ReloadGrace = 2 * time.Second
	}
	if c.LoginPath == "" {
		c.LoginPath = defaultLoginPath
	}
}

// sessionService implements ports.SessionService. It owns all mutable
// session state; every goroutine that touches it (the channel read loop,
// the poller, grace timers, broadcast receivers) funnels through one
// mutex, and a generation counter invalidates work scheduled for a
// session that has since been torn down.
type sessionService struct {
	store       ports.CredentialStore
	api         ports.ProfileAPI
	channel     ports.RealtimeChannel
	broadcaster ports.Broadcaster
	notifier    ports.Notifier
	navigator   ports.Navigator
	visibility  ports.Visibility
	cfg         Config
	log         zerolog.Logger

	mu           sync.Mutex
	token        string
	user         *domain.User
	initializing bool
	generation   int
	pollCancel   context.CancelFunc
	pollInFlight bool
	pendingGrace map[string]*time.Timer

	cancelBroadcastSub func()
}

// NewSessionService wires the state machine to its collaborators and
// registers the realtime and broadcast listeners. The channel itself is
// only connected once a user is known (login or bootstrap).
func NewSessionService(
	store ports.CredentialStore,
	api ports.ProfileAPI,
	channel ports.RealtimeChannel,
	broadcaster ports.Broadcaster,
	notifier ports.Notifier,
	navigator ports.Navigator,
	visibility ports.Visibility,
	cfg Config,
	log zerolog.Logger,
) ports.SessionService {
	cfg.applyDefaults()
	if visibility == nil {
		visibility = ports.AlwaysVisible{}
	}
	s := &sessionService{
		store:        store,
		api:          api,
		channel:      channel,
		broadcaster:  broadcaster,
		notifier:     notifier,
		navigator:    navigator,
		visibility:   visibility,
		cfg:          cfg,
		log:          log,
		pendingGrace: make(map[string]*time.Timer),
	}

	channel.OnPermissionChange(s.handlePermissionChange)
	channel.OnForceLogout(s.handleForceLogout)
	channel.OnAdminBroadcast(s.handleAdminBroadcast)
	s.cancelBroadcastSub = broadcaster.OnLogoutAnnounced(s.handleRemoteLogout)

	return s
}

// Login authenticates and, on success, persists the credentials, connects
// the realtime channel and starts the reconciliation loop. Failures of any
// kind surface as false; no session state changes on failure.
func (s *sessionService) Login(ctx context.Context, username, password string) bool {
	token, user, err := s.api.Login(ctx, username, password)
	if err != nil {
		s.log.Warn().Err(err).Str("username", username).Msg("login failed")
		metrics.LoginsTotal.WithLabelValues("failure").Inc()
		return false
	}
	user.Normalize()

	if err := s.store.Save(token, user); err != nil {
		s.log.Warn().Err(err).Msg("persisting credentials failed, session is memory-only")
	}

	s.mu.Lock()
	s.cancelTimersLocked()
	s.generation++
	s.token = token
	s.user = user
	s.mu.Unlock()

	if err := s.channel.Connect(ctx, user.ID); err != nil {
		// The polling loop covers role changes until the channel recovers.
		s.log.Warn().Err(err).Msg("realtime channel unavailable after login")
	}
	s.startPoller()

	metrics.LoginsTotal.WithLabelValues("success").Inc()
	s.log.Info().Str("user_id", user.ID).Str("role", user.Role).Msg("logged in")
	return true
}

// Logout tears the session down and announces the logout to sibling
// instances. Idempotent: a second call is a no-op beyond re-clearing the
// store.
func (s *sessionService) Logout(reason string) {
	s.logout(reason, "manual", true)
}

// Bootstrap restores a persisted session at boot. The cached snapshot is
// applied synchronously for an immediate optimistic render; validation
// against the server happens in the background.
func (s *sessionService) Bootstrap(ctx context.Context) {
	token, user, err := s.store.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("credential store unreadable at boot")
		return
	}
	if token == "" {
		return
	}

	if tokenIsExpired(token) {
		s.log.Info().Msg("persisted token already expired, clearing session")
		s.logout("token expired", "token_invalid", false)
		return
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.token = token
	if user != nil {
		s.user = user
	} else {
		s.initializing = true
	}
	s.mu.Unlock()

	if user != nil {
		if user.ID != "" {
			if err := s.channel.Connect(ctx, user.ID); err != nil {
				s.log.Warn().Err(err).Msg("realtime channel unavailable at boot")
			}
		}
		s.startPoller()
		go s.validateCached(gen)
		return
	}

	go s.populateFromProfile(gen)
}

// validateCached confirms an optimistically restored session against the
// server. Only an explicit invalid-token signal tears it down; network
// trouble leaves the optimistic state alone.
func (s *sessionService) validateCached(gen int) {
	fresh, err := s.api.GetProfile(context.Background())
	if err != nil {
		if errors.Is(err, domain.ErrTokenInvalid) {
			s.logout("token invalid", "token_invalid", true)
			s.navigator.NavigateTo(s.cfg.LoginPath)
			return
		}
		s.log.Debug().Err(err).Msg("boot validation skipped, keeping cached session")
		return
	}
	fresh.Normalize()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.user = fresh
	token := s.token
	s.mu.Unlock()

	if err := s.store.Save(token, fresh); err != nil {
		s.log.Warn().Err(err).Msg("persisting validated user failed")
	}
}

// populateFromProfile handles the token-without-snapshot boot path.
func (s *sessionService) populateFromProfile(gen int) {
	fresh, err := s.api.GetProfile(context.Background())

	s.mu.Lock()
	s.initializing = false
	stale := gen != s.generation
	s.mu.Unlock()
	if stale {
		return
	}

	if err != nil {
		if errors.Is(err, domain.ErrTokenInvalid) {
			s.logout("token invalid", "token_invalid", true)
			s.navigator.NavigateTo(s.cfg.LoginPath)
			return
		}
		s.log.Warn().Err(err).Msg("profile fetch at boot failed, session stays unauthenticated")
		return
	}
	fresh.Normalize()

	s.mu.Lock()
	s.user = fresh
	token := s.token
	s.mu.Unlock()

	if err := s.store.Save(token, fresh); err != nil {
		s.log.Warn().Err(err).Msg("persisting fetched user failed")
	}
	if fresh.ID != "" {
		if err := s.channel.Connect(context.Background(), fresh.ID); err != nil {
			s.log.Warn().Err(err).Msg("realtime channel unavailable at boot")
		}
	}
	s.startPoller()
}

// RefreshUser re-fetches the profile and overwrites the cached user. This
// is the one operation that propagates errors: callers drive their own UI
// feedback.
func (s *sessionService) RefreshUser(ctx context.Context) error {
	s.mu.Lock()
	authenticated := s.token != ""
	s.mu.Unlock()
	if !authenticated {
		return domain.ErrNotAuthenticated
	}

	fresh, err := s.api.GetProfile(ctx)
	if err != nil {
		return fmt.Errorf("refresh user: %w", err)
	}
	fresh.Normalize()

	s.mu.Lock()
	s.user = fresh
	token := s.token
	s.mu.Unlock()

	if err := s.store.Save(token, fresh); err != nil {
		return fmt.Errorf("refresh user: persist: %w", err)
	}
	return nil
}

// UpdateProfile pushes a profile edit to the server and applies the
// authoritative result locally.
func (s *sessionService) UpdateProfile(ctx context.Context, user *domain.User) error {
	updated, err := s.api.UpdateProfile(ctx, user)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	updated.Normalize()

	s.mu.Lock()
	s.user = updated
	token := s.token
	s.mu.Unlock()

	if err := s.store.Save(token, updated); err != nil {
		return fmt.Errorf("update profile: persist: %w", err)
	}
	return nil
}

func (s *sessionService) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != "" && s.user != nil
}

func (s *sessionService) IsAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user != nil && domain.IsAdminLike(s.user.Role, s.user.Roles)
}

func (s *sessionService) CurrentUser() *domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user.Clone()
}

func (s *sessionService) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *sessionService) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := domain.SessionSnapshot{
		Authenticated: s.token != "" && s.user != nil,
		Initializing:  s.initializing,
	}
	if s.user != nil {
		snap.Admin = domain.IsAdminLike(s.user.Role, s.user.Roles)
		snap.UserID = s.user.ID
		snap.Username = s.user.Username
		snap.Role = s.user.Role
	}
	return snap
}

// Close stops the poller, pending grace timers and all subscriptions
// without touching persisted credentials.
func (s *sessionService) Close() {
	s.mu.Lock()
	s.generation++
	s.cancelTimersLocked()
	stopPoll := s.pollCancel
	s.pollCancel = nil
	s.mu.Unlock()

	if stopPoll != nil {
		stopPoll()
	}
	s.channel.Disconnect()
	if s.cancelBroadcastSub != nil {
		s.cancelBroadcastSub()
	}
}

// --- Reconciliation: event-driven path ---

// handlePermissionChange applies a pushed role change. The new role lands
// in memory immediately regardless of direction; policy then splits on the
// transition class: downgrades warn and log out after the grace delay,
// everything else notifies, persists and schedules a full reload so the
// whole role-dependent surface refreshes consistently.
func (s *sessionService) handlePermissionChange(ev domain.PermissionChangeEvent) {
	if ev.Type != domain.EventTypeRoleChange {
		return
	}

	s.mu.Lock()
	if s.user == nil || s.user.ID != ev.UserID {
		s.mu.Unlock()
		return
	}
	gen := s.generation
	oldRole := domain.NormalizeRole(s.user.Role)
	newRole := domain.NormalizeRole(ev.NewRole)
	s.user.Role = newRole
	if newRole != "" {
		s.user.Roles = []string{newRole}
	}
	token := s.token
	userCopy := s.user.Clone()
	s.mu.Unlock()

	class := domain.ClassifyTransition(oldRole, newRole)
	metrics.RoleTransitionsTotal.WithLabelValues(class.String(), "push").Inc()
	s.log.Info().
		Str("old_role", oldRole).
		Str("new_role", newRole).
		Str("class", class.String()).
		Str("changed_by", ev.ChangedBy).
		Msg("permission change pushed")

	reason := ev.Reason
	if reason == "" {
		reason = "unknown"
	}

	if class == domain.TransitionDowngrade {
		s.notifier.Notify(ports.ToastError, fmt.Sprintf(
			"Your role was downgraded from %s to %s. Reason: %s. You will be logged out in %d seconds.",
			oldRole, newRole, reason, int(s.cfg.DowngradeGrace.Seconds())))
		s.scheduleGrace(gen, graceKey("logout", oldRole, newRole), s.cfg.DowngradeGrace, func() {
			s.logout(fmt.Sprintf("role downgraded from %s to %s", oldRole, newRole), "downgrade", true)
			s.navigator.NavigateTo(s.cfg.LoginPath)
		})
		return
	}

	// Upgrade or lateral: keep the session, persist the new role and
	// reload so server-issued claims and role-gated UI refresh together.
	s.notifier.Notify(ports.ToastSuccess, fmt.Sprintf(
		"Your role changed from %s to %s. Reason: %s. The page will reload in %d seconds.",
		oldRole, newRole, reason, int(s.cfg.ReloadGrace.Seconds())))
	if err := s.store.Save(token, userCopy); err != nil {
		s.log.Warn().Err(err).Msg("persisting pushed role change failed")
	}
	s.scheduleGrace(gen, graceKey("reload", oldRole, newRole), s.cfg.ReloadGrace, func() {
		s.navigator.Reload()
	})
}

// handleForceLogout tears the session down unconditionally.
func (s *sessionService) handleForceLogout(ev domain.ForceLogoutEvent) {
	reason := ev.Reason
	if reason == "" {
		reason = "forced by server"
	}
	s.notifier.Notify(ports.ToastError, "You have been logged out: "+reason)
	s.logout(reason, "forced", true)
}

// handleAdminBroadcast surfaces staff-wide permission-change notices.
func (s *sessionService) handleAdminBroadcast(ev domain.PermissionChangeEvent) {
	s.notifier.Notify(ports.ToastInfo, fmt.Sprintf(
		"User %s was changed from %s to %s by %s.",
		ev.Username, ev.OldRole, ev.NewRole, ev.ChangedBy))
}

// handleRemoteLogout reacts to a logout announced by a sibling instance:
// the identical teardown, minus re-announcing, plus the login redirect.
func (s *sessionService) handleRemoteLogout(reason string) {
	s.logout(reason, "broadcast", false)
	s.navigator.NavigateTo(s.cfg.LoginPath)
}

// --- Reconciliation: background polling loop ---

// startPoller launches the background reconciliation loop if it is not
// already running.
func (s *sessionService) startPoller() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	go s.pollLoop(ctx)
}

func (s *sessionService) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce runs one reconciliation check. It is the safety net for missed
// pushes: fetch the profile, compare roles, and either apply silently
// (upgrade from USER), persist the unchanged snapshot, or warn and log
// out. At most one check is in flight at a time, and hidden surfaces skip
// the tick entirely.
func (s *sessionService) pollOnce(ctx context.Context) {
	s.mu.Lock()
	if s.user == nil || s.user.Role == "" {
		s.mu.Unlock()
		return
	}
	if s.visibility.Hidden() {
		s.mu.Unlock()
		metrics.PollChecksTotal.WithLabelValues("skipped_hidden").Inc()
		return
	}
	if s.pollInFlight {
		s.mu.Unlock()
		metrics.PollChecksTotal.WithLabelValues("skipped_inflight").Inc()
		return
	}
	s.pollInFlight = true
	gen := s.generation
	current := domain.NormalizeRole(s.user.Role)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pollInFlight = false
		s.mu.Unlock()
	}()

	fresh, err := s.api.GetProfile(ctx)
	if err != nil {
		// Reconciliation failures never end a session by themselves.
		s.log.Debug().Err(err).Msg("role check failed")
		metrics.PollChecksTotal.WithLabelValues("error").Inc()
		return
	}
	fresh.Normalize()
	updated := fresh.Role

	if updated == current {
		// Role unchanged; other profile fields may still have moved.
		s.applyProfile(gen, fresh)
		metrics.PollChecksTotal.WithLabelValues("unchanged").Inc()
		return
	}

	class := domain.ClassifyTransition(current, updated)
	metrics.RoleTransitionsTotal.WithLabelValues(class.String(), "poll").Inc()
	s.log.Info().
		Str("old_role", current).
		Str("new_role", updated).
		Str("class", class.String()).
		Msg("role change detected by background check")

	if current == domain.RoleUser {
		// Upgrade from USER applies silently; no logout, no reload.
		s.applyProfile(gen, fresh)
		metrics.PollChecksTotal.WithLabelValues("applied").Inc()
		return
	}

	// Every other change ends the session, downgrade or not: a lateral
	// move still invalidates the claims baked into the current token.
	var msg string
	if class == domain.TransitionDowngrade {
		msg = fmt.Sprintf("Your role was downgraded from %s to %s. You will be logged out in %d seconds.",
			current, updated, int(s.cfg.DowngradeGrace.Seconds()))
	} else {
		msg = fmt.Sprintf("Your role changed from %s to %s. You will be logged out in %d seconds.",
			current, updated, int(s.cfg.DowngradeGrace.Seconds()))
	}
	s.notifier.Notify(ports.ToastError, msg)
	metrics.PollChecksTotal.WithLabelValues("logout").Inc()

	s.scheduleGrace(gen, graceKey("logout", current, updated), s.cfg.DowngradeGrace, func() {
		s.logout(fmt.Sprintf("role changed from %s to %s", current, updated), "downgrade", true)
		s.navigator.NavigateTo(s.cfg.LoginPath)
	})
}

// applyProfile overwrites the cached user if the session generation still
// matches, then persists.
func (s *sessionService) applyProfile(gen int, fresh *domain.User) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.user = fresh
	token := s.token
	s.mu.Unlock()

	if err := s.store.Save(token, fresh); err != nil {
		s.log.Warn().Err(err).Msg("persisting refreshed profile failed")
	}
}

// --- Teardown ---

// logout is the single teardown path. It is idempotent and safe under
// races: the generation bump invalidates every pending grace timer, so
// duplicate downgrade decisions cannot stack repeated logouts.
func (s *sessionService) logout(reason, trigger string, announce bool) {
	s.mu.Lock()
	wasAuthenticated := s.token != "" || s.user != nil
	s.token = ""
	s.user = nil
	s.initializing = false
	s.generation++
	s.cancelTimersLocked()
	stopPoll := s.pollCancel
	s.pollCancel = nil
	s.mu.Unlock()

	if stopPoll != nil {
		stopPoll()
	}
	s.channel.Disconnect()
	if err := s.store.Clear(); err != nil {
		s.log.Warn().Err(err).Msg("clearing credential store failed")
	}

	if !wasAuthenticated {
		return
	}

	if announce {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.broadcaster.AnnounceLogout(ctx, reason); err != nil {
			s.log.Warn().Err(err).Msg("logout broadcast failed")
		}
	}

	metrics.LogoutsTotal.WithLabelValues(trigger).Inc()
	s.log.Info().Str("reason", reason).Str("trigger", trigger).Msg("logged out")
}

func (s *sessionService) cancelTimersLocked() {
	for key, t := range s.pendingGrace {
		t.Stop()
		delete(s.pendingGrace, key)
	}
}

// scheduleGrace arms a one-shot timer unless an identical decision is
// already pending. Both reconciliation paths share the same key space, so
// a change detected by push and poll near-simultaneously arms one timer,
// not two.
func (s *sessionService) scheduleGrace(gen int, key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	if _, exists := s.pendingGrace[key]; exists {
		return
	}
	s.pendingGrace[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pendingGrace, key)
		stale := gen != s.generation
		s.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
}

func graceKey(kind, oldRole, newRole string) string {
	return kind + ":" + oldRole + "->" + newRole
}

// tokenIsExpired reports whether a JWT carries an exp claim that has
// already passed. The signature is deliberately not checked: this is a
// boot-time shortcut to skip a doomed network round-trip, not a
// validation step. The server remains the authority.
func tokenIsExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
