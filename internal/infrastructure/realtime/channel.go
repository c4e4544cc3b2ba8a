// Package realtime maintains the push channel the backend uses to deliver
// permission-change and force-logout events: STOMP over a websocket,
// per-user destinations, bounded reconnection.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/electro/session-sync/internal/core/domain"
	"github.com/electro/session-sync/internal/core/ports"
	"github.com/electro/session-sync/internal/pkg/metrics"
)

const (
	connectTimeout = 10 * time.Second
	heartBeat      = "10000,10000"
	heartBeatEvery = 10 * time.Second
)

// Channel implements ports.RealtimeChannel over gorilla/websocket.
//
// Lifecycle: Disconnected → Connecting → Connected. A transport error in
// either non-terminal state schedules a reconnect with a fixed delay, up
// to a bounded attempt count; after that the channel stays disconnected
// until Connect is called again (typically at the next login). An
// authentication rejection during CONNECT never schedules a retry.
type Channel struct {
	url         string
	creds       ports.CredentialStore
	maxAttempts int
	retryDelay  time.Duration
	log         zerolog.Logger

	// writeMu serializes every write to the current conn: gorilla/websocket
	// supports a single concurrent writer, and the heartbeat loop races the
	// DISCONNECT frame sent during teardown. Never acquire mu while holding
	// writeMu.
	writeMu sync.Mutex

	heartbeatEvery time.Duration

	mu         sync.Mutex
	conn       *websocket.Conn
	status     ports.ChannelStatus
	attempts   int
	userID     string
	generation int
	subs       map[string]string // subscription id → destination

	onPermissionChange func(domain.PermissionChangeEvent)
	onForceLogout      func(domain.ForceLogoutEvent)
	onAdminBroadcast   func(domain.PermissionChangeEvent)
	notifSeq           int
	notifListeners     map[int]func(domain.NotificationEvent)
}

func New(url string, creds ports.CredentialStore, maxAttempts int, retryDelay time.Duration, log zerolog.Logger) *Channel {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Channel{
		url:            url,
		creds:          creds,
		maxAttempts:    maxAttempts,
		retryDelay:     retryDelay,
		log:            log,
		heartbeatEvery: heartBeatEvery,
		status:         ports.ChannelDisconnected,
		subs:           make(map[string]string),
		notifListeners: make(map[int]func(domain.NotificationEvent)),
	}
}

// Connect establishes the channel for one user identity. Any previous
// connection and its subscriptions are discarded first.
func (c *Channel) Connect(ctx context.Context, userID string) error {
	c.mu.Lock()
	c.closeConnLocked()
	c.generation++
	gen := c.generation
	c.userID = userID
	c.attempts = 0
	c.mu.Unlock()

	return c.dial(ctx, gen)
}

// Disconnect closes the connection and drops all subscriptions. Pending
// reconnect timers become no-ops.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.closeConnLocked()
	c.userID = ""
	c.attempts = 0
	c.status = ports.ChannelDisconnected
}

func (c *Channel) Status() ports.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) OnPermissionChange(fn func(domain.PermissionChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPermissionChange = fn
}

func (c *Channel) OnForceLogout(fn func(domain.ForceLogoutEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onForceLogout = fn
}

func (c *Channel) OnAdminBroadcast(fn func(domain.PermissionChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAdminBroadcast = fn
}

func (c *Channel) OnNotification(fn func(domain.NotificationEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifSeq++
	id := c.notifSeq
	c.notifListeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.notifListeners, id)
	}
}

// dial runs one connection attempt for the given generation. Stale
// generations (superseded by a newer Connect or a Disconnect) abort.
func (c *Channel) dial(ctx context.Context, gen int) error {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	if c.attempts > 0 {
		c.status = ports.ChannelReconnecting
	} else {
		c.status = ports.ChannelConnecting
	}
	userID := c.userID
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("websocket dial failed")
		c.scheduleReconnect(gen)
		return fmt.Errorf("realtime: dial: %w", err)
	}

	if err := c.stompHandshake(conn); err != nil {
		_ = conn.Close()
		if errors.Is(err, domain.ErrChannelAuth) {
			// Authentication failures do not retry: a new token is needed
			// before another attempt can succeed.
			c.mu.Lock()
			if gen == c.generation {
				c.status = ports.ChannelDisconnected
			}
			c.mu.Unlock()
			return err
		}
		c.scheduleReconnect(gen)
		return err
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.status = ports.ChannelConnected
	c.attempts = 0
	c.subscribeAllLocked(conn, userID)
	c.mu.Unlock()

	c.log.Info().Str("user_id", userID).Msg("realtime channel connected")
	go c.readLoop(gen, conn)
	go c.heartbeatLoop(gen, conn)
	return nil
}

// stompHandshake sends CONNECT and waits for CONNECTED or ERROR.
func (c *Channel) stompHandshake(conn *websocket.Conn) error {
	headers := map[string]string{
		"accept-version": "1.2",
		"heart-beat":     heartBeat,
	}
	if token, _, err := c.creds.Load(); err == nil && token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	if err := c.write(conn, marshalFrame(frame{Command: cmdConnect, Headers: headers})); err != nil {
		return fmt.Errorf("realtime: send CONNECT: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(connectTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("realtime: await CONNECTED: %w", err)
		}
		f, err := parseFrame(raw)
		if err != nil {
			return err
		}
		switch f.Command {
		case "": // heart-beat
			continue
		case cmdConnected:
			return nil
		case cmdError:
			msg := f.Headers["message"]
			if strings.Contains(msg, "401") || strings.Contains(strings.ToLower(msg), "unauthorized") {
				return fmt.Errorf("%w: %s", domain.ErrChannelAuth, msg)
			}
			return fmt.Errorf("realtime: server error during connect: %s", msg)
		default:
			return fmt.Errorf("realtime: unexpected frame %s during connect", f.Command)
		}
	}
}

// subscribeAllLocked rebuilds the per-user subscription set from scratch.
// Old entries are discarded, never duplicated: the server dropped them
// with the previous connection.
func (c *Channel) subscribeAllLocked(conn *websocket.Conn, userID string) {
	c.subs = make(map[string]string)

	destinations := []string{
		"/user/permission-change",
		fmt.Sprintf("/user/%s/permission-change", userID),
		"/user/force-logout",
		fmt.Sprintf("/user/%s/force-logout", userID),
		fmt.Sprintf("/user/%s/queue/notifications", userID),
	}
	// The admin broadcast topic is role-gated on the cached snapshot.
	if _, user, err := c.creds.Load(); err == nil && user != nil && domain.NormalizeRole(user.Role) == domain.RoleAdmin {
		destinations = append(destinations, "/topic/admin/permission-changes")
	}

	for i, dest := range destinations {
		id := fmt.Sprintf("sub-%d", i)
		f := frame{Command: cmdSubscribe, Headers: map[string]string{"id": id, "destination": dest}}
		if err := c.write(conn, marshalFrame(f)); err != nil {
			c.log.Warn().Err(err).Str("destination", dest).Msg("subscribe failed")
			return
		}
		c.subs[id] = dest
	}
}

func (c *Channel) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := gen != c.generation
			if !stale {
				c.conn = nil
				c.status = ports.ChannelDisconnected
			}
			c.mu.Unlock()
			if !stale {
				c.log.Warn().Err(err).Msg("realtime channel lost")
				c.scheduleReconnect(gen)
			}
			return
		}

		f, err := parseFrame(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("unparseable frame, skipping")
			continue
		}
		switch f.Command {
		case "": // heart-beat
		case cmdMessage:
			c.dispatch(f.Headers["destination"], f.Body)
		case cmdError:
			c.log.Warn().Str("message", f.Headers["message"]).Msg("server error frame")
		}
	}
}

func (c *Channel) heartbeatLoop(gen int, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeatEvery)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := gen != c.generation || c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.write(conn, []byte("\n")); err != nil {
			return
		}
	}
}

// write is the single path for outbound frames. The stale-check in the
// heartbeat loop happens before the lock, so a teardown racing a heartbeat
// still interleaves the two writes safely instead of tripping gorilla's
// concurrent-writer detection.
func (c *Channel) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Channel) scheduleReconnect(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	if c.attempts >= c.maxAttempts {
		c.status = ports.ChannelDisconnected
		c.log.Warn().Int("attempts", c.attempts).Msg("reconnect attempts exhausted, staying disconnected")
		return
	}
	c.attempts++
	c.status = ports.ChannelReconnecting
	metrics.RealtimeReconnectsTotal.Inc()
	c.log.Info().Int("attempt", c.attempts).Dur("delay", c.retryDelay).Msg("scheduling reconnect")
	time.AfterFunc(c.retryDelay, func() {
		_ = c.dial(context.Background(), gen)
	})
}

// dispatch routes a MESSAGE body to the listener registered for its
// destination family.
func (c *Channel) dispatch(destination string, body []byte) {
	c.mu.Lock()
	onPerm := c.onPermissionChange
	onLogout := c.onForceLogout
	onAdmin := c.onAdminBroadcast
	listeners := make([]func(domain.NotificationEvent), 0, len(c.notifListeners))
	for _, fn := range c.notifListeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	switch {
	case strings.HasPrefix(destination, "/topic/admin/permission-changes"):
		var ev domain.PermissionChangeEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			c.log.Warn().Err(err).Msg("bad admin broadcast payload")
			return
		}
		if onAdmin != nil {
			onAdmin(ev)
		}
	case strings.Contains(destination, "permission-change"):
		var ev domain.PermissionChangeEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			c.log.Warn().Err(err).Msg("bad permission-change payload")
			return
		}
		if onPerm != nil {
			onPerm(ev)
		}
	case strings.Contains(destination, "force-logout"):
		var ev domain.ForceLogoutEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			c.log.Warn().Err(err).Msg("bad force-logout payload")
			return
		}
		if onLogout != nil {
			onLogout(ev)
		}
	case strings.Contains(destination, "queue/notifications"):
		ev, err := parseNotification(body)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad notification payload")
			return
		}
		for _, fn := range listeners {
			fn(ev)
		}
	default:
		c.log.Debug().Str("destination", destination).Msg("message for unknown destination")
	}
}

// parseNotification tolerates the double-encoded data field some backend
// services emit (JSON serialized into a JSON string).
func parseNotification(body []byte) (domain.NotificationEvent, error) {
	var ev domain.NotificationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, err
	}
	if len(ev.Data) > 0 && ev.Data[0] == '"' {
		var inner string
		if err := json.Unmarshal(ev.Data, &inner); err == nil && json.Valid([]byte(inner)) {
			ev.Data = json.RawMessage(inner)
		}
	}
	return ev, nil
}

func (c *Channel) closeConnLocked() {
	if c.conn == nil {
		return
	}
	_ = c.write(c.conn, marshalFrame(frame{Command: cmdDisconnect, Headers: map[string]string{}}))
	_ = c.conn.Close()
	c.conn = nil
	c.subs = make(map[string]string)
}
