package ports

import "context"

// Broadcaster propagates a logout decision to every other running instance
// of the client sharing the same credential store. Delivery is best-effort
// and unordered; the only guarantee is eventual convergence: every
// receiver performs the same teardown a local logout would.
type Broadcaster interface {
	AnnounceLogout(ctx context.Context, reason string) error
	// OnLogoutAnnounced registers a listener for announcements from other
	// instances. An instance never receives its own announcements.
	OnLogoutAnnounced(func(reason string)) (cancel func())
	Close() error
}
