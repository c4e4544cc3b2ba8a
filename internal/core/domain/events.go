package domain

import "encoding/json"

// EventTypeRoleChange is the event type the user service attaches to
// permission-change pushes.
const EventTypeRoleChange = "ROLE_CHANGE"

// PermissionChangeEvent is pushed to a user when an admin changes their
// role. Consumed once, then discarded.
type PermissionChangeEvent struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	OldRole    string `json:"oldRole"`
	NewRole    string `json:"newRole"`
	Reason     string `json:"reason"`
	ChangedBy  string `json:"changedBy"`
	Timestamp  int64  `json:"timestamp"`
	ChangeTime string `json:"changeTime,omitempty"`
}

// ForceLogoutEvent unconditionally tears the session down.
type ForceLogoutEvent struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// NotificationEvent is a generic per-user push (order updates, warranty
// status and the like). Data arrives as free-form JSON.
type NotificationEvent struct {
	Type      string          `json:"type,omitempty"`
	Title     string          `json:"title,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// LogoutAnnouncement is the payload carried over the cross-instance logout
// broadcast. Origin identifies the announcing instance so receivers can
// ignore their own announcements.
type LogoutAnnouncement struct {
	Origin    string `json:"origin"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}
