package ports

import (
	"context"

	"github.com/electro/session-sync/internal/core/domain"
)

// ChannelStatus is the externally visible connection state of the realtime
// channel.
type ChannelStatus string

const (
	ChannelDisconnected ChannelStatus = "disconnected"
	ChannelConnecting   ChannelStatus = "connecting"
	ChannelReconnecting ChannelStatus = "reconnecting"
	ChannelConnected    ChannelStatus = "connected"
)

// RealtimeChannel is the push side of role synchronization: a persistent
// connection the server uses to deliver permission-change and force-logout
// events scoped to one user identity.
//
// Connect is idempotent per user: reconnecting re-establishes all per-user
// subscriptions, discarding any prior ones. An authentication failure
// during connect returns domain.ErrChannelAuth and schedules no retries;
// transient transport failures retry with a fixed backoff up to a bounded
// attempt count, after which the channel stays disconnected until Connect
// is called again.
type RealtimeChannel interface {
	Connect(ctx context.Context, userID string) error
	Disconnect()
	Status() ChannelStatus

	OnPermissionChange(func(domain.PermissionChangeEvent))
	OnForceLogout(func(domain.ForceLogoutEvent))
	OnAdminBroadcast(func(domain.PermissionChangeEvent))
	// OnNotification supports multiple listeners; the returned function
	// removes the registration.
	OnNotification(func(domain.NotificationEvent)) (unsubscribe func())
}
