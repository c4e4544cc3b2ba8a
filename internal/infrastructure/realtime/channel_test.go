package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/electro/session-sync/internal/core/domain"
	"github.com/electro/session-sync/internal/core/ports"
	"github.com/electro/session-sync/internal/infrastructure/credstore"
)

// stompServer is a minimal broker-side fake: it accepts the websocket
// upgrade, answers CONNECT, records subscriptions and lets tests push
// MESSAGE frames to the connected client.
type stompServer struct {
	t        *testing.T
	srv      *httptest.Server
	rejects  bool
	mu       sync.Mutex
	conns    []*websocket.Conn
	subs     map[string]string // destination → subscription id, last connection wins
	connects int
}

func newStompServer(t *testing.T) *stompServer {
	s := &stompServer{t: t, subs: make(map[string]string)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stompServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *stompServer) serve(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := parseFrame(raw)
		if err != nil {
			continue
		}
		switch f.Command {
		case cmdConnect:
			s.mu.Lock()
			s.connects++
			reject := s.rejects
			s.mu.Unlock()
			if reject {
				_ = conn.WriteMessage(websocket.TextMessage, marshalFrame(frame{
					Command: cmdError,
					Headers: map[string]string{"message": "401 Unauthorized"},
				}))
				_ = conn.Close()
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, marshalFrame(frame{
				Command: cmdConnected,
				Headers: map[string]string{"version": "1.2"},
			}))
		case cmdSubscribe:
			s.mu.Lock()
			s.subs[f.Headers["destination"]] = f.Headers["id"]
			s.mu.Unlock()
		}
	}
}

func (s *stompServer) push(destination string, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.t.Fatalf("no connected client to push to")
	}
	conn := s.conns[len(s.conns)-1]
	_ = conn.WriteMessage(websocket.TextMessage, marshalFrame(frame{
		Command: cmdMessage,
		Headers: map[string]string{"destination": destination, "subscription": s.subs[destination]},
		Body:    []byte(body),
	}))
}

func (s *stompServer) dropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func (s *stompServer) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *stompServer) subscribedTo(destination string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[destination]
	return ok
}

func newTestChannel(t *testing.T, s *stompServer, user *domain.User) (*Channel, *credstore.Store) {
	t.Helper()
	store, err := credstore.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("credstore: %v", err)
	}
	if user != nil {
		if err := store.Save("tok", user); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}
	ch := New(s.url(), store, 3, 20*time.Millisecond, zerolog.Nop())
	t.Cleanup(ch.Disconnect)
	return ch, store
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectSubscribesUserDestinations(t *testing.T) {
	srv := newStompServer(t)
	ch, _ := newTestChannel(t, srv, &domain.User{ID: "u1", Role: domain.RoleUser})

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ch.Status() != ports.ChannelConnected {
		t.Fatalf("status = %s", ch.Status())
	}

	for _, dest := range []string{
		"/user/permission-change",
		"/user/u1/permission-change",
		"/user/force-logout",
		"/user/u1/force-logout",
		"/user/u1/queue/notifications",
	} {
		waitFor(t, func() bool { return srv.subscribedTo(dest) }, dest)
	}
	if srv.subscribedTo("/topic/admin/permission-changes") {
		t.Fatalf("non-admin must not join the admin topic")
	}
}

func TestAdminTopicGatedByRole(t *testing.T) {
	srv := newStompServer(t)
	ch, _ := newTestChannel(t, srv, &domain.User{ID: "a1", Role: domain.RoleAdmin})

	if err := ch.Connect(context.Background(), "a1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return srv.subscribedTo("/topic/admin/permission-changes") }, "admin topic subscription")
}

func TestPermissionChangeDispatch(t *testing.T) {
	srv := newStompServer(t)
	ch, _ := newTestChannel(t, srv, &domain.User{ID: "u1", Role: domain.RoleUser})

	var mu sync.Mutex
	var got *domain.PermissionChangeEvent
	ch.OnPermissionChange(func(ev domain.PermissionChangeEvent) {
		mu.Lock()
		got = &ev
		mu.Unlock()
	})

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return srv.subscribedTo("/user/u1/permission-change") }, "subscription")

	srv.push("/user/u1/permission-change",
		`{"type":"ROLE_CHANGE","userId":"u1","oldRole":"USER","newRole":"MODERATOR","reason":"promotion"}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, "permission change delivery")

	mu.Lock()
	defer mu.Unlock()
	if got.NewRole != "MODERATOR" || got.Reason != "promotion" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestForceLogoutDispatch(t *testing.T) {
	srv := newStompServer(t)
	ch, _ := newTestChannel(t, srv, &domain.User{ID: "u1", Role: domain.RoleUser})

	var mu sync.Mutex
	var reason string
	ch.OnForceLogout(func(ev domain.ForceLogoutEvent) {
		mu.Lock()
		reason = ev.Reason
		mu.Unlock()
	})

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return srv.subscribedTo("/user/u1/force-logout") }, "subscription")

	srv.push("/user/u1/force-logout", `{"type":"FORCE_LOGOUT","reason":"account disabled"}`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reason == "account disabled"
	}, "force logout delivery")
}

func TestNotificationListenersAndUnsubscribe(t *testing.T) {
	srv := newStompServer(t)
	ch, _ := newTestChannel(t, srv, &domain.User{ID: "u1", Role: domain.RoleUser})

	var mu sync.Mutex
	var first, second int
	cancelFirst := ch.OnNotification(func(domain.NotificationEvent) {
		mu.Lock()
		first++
		mu.Unlock()
	})
	ch.OnNotification(func(domain.NotificationEvent) {
		mu.Lock()
		second++
		mu.Unlock()
	})

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return srv.subscribedTo("/user/u1/queue/notifications") }, "subscription")

	srv.push("/user/u1/queue/notifications", `{"title":"order shipped"}`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return first == 1 && second == 1
	}, "both listeners")

	cancelFirst()
	srv.push("/user/u1/queue/notifications", `{"title":"order delivered"}`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return second == 2
	}, "second listener again")

	mu.Lock()
	defer mu.Unlock()
	if first != 1 {
		t.Fatalf("unsubscribed listener still firing: %d", first)
	}
}

func TestAuthRejectionDoesNotRetry(t *testing.T) {
	srv := newStompServer(t)
	srv.rejects = true
	ch, _ := newTestChannel(t, srv, &domain.User{ID: "u1", Role: domain.RoleUser})

	err := ch.Connect(context.Background(), "u1")
	if !errors.Is(err, domain.ErrChannelAuth) {
		t.Fatalf("expected ErrChannelAuth, got %v", err)
	}
	if ch.Status() != ports.ChannelDisconnected {
		t.Fatalf("status = %s", ch.Status())
	}

	// No retry may fire: the connect count must stay at one.
	time.Sleep(100 * time.Millisecond)
	if n := srv.connectCount(); n != 1 {
		t.Fatalf("auth failure retried, connect count = %d", n)
	}
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	srv := newStompServer(t)
	ch, _ := newTestChannel(t, srv, &domain.User{ID: "u1", Role: domain.RoleUser})

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return srv.subscribedTo("/user/u1/permission-change") }, "initial subscription")

	srv.dropClients()
	waitFor(t, func() bool { return srv.connectCount() >= 2 }, "reconnect")
	waitFor(t, func() bool { return ch.Status() == ports.ChannelConnected }, "connected after reconnect")
}

// Heartbeats and teardown write to the same conn from different
// goroutines; cycling the connection under a fast heartbeat must not trip
// gorilla's single-writer enforcement.
func TestHeartbeatAndTeardownWritesSerialized(t *testing.T) {
	srv := newStompServer(t)
	ch, _ := newTestChannel(t, srv, &domain.User{ID: "u1", Role: domain.RoleUser})
	ch.heartbeatEvery = time.Millisecond

	for i := 0; i < 5; i++ {
		if err := ch.Connect(context.Background(), "u1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
		ch.Disconnect()
	}
	if ch.Status() != ports.ChannelDisconnected {
		t.Fatalf("status = %s", ch.Status())
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	srv := newStompServer(t)
	ch, _ := newTestChannel(t, srv, &domain.User{ID: "u1", Role: domain.RoleUser})

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	before := srv.connectCount()
	srv.dropClients()
	ch.Disconnect()

	time.Sleep(120 * time.Millisecond)
	if n := srv.connectCount(); n != before {
		t.Fatalf("reconnect fired after Disconnect: %d → %d", before, n)
	}
	if ch.Status() != ports.ChannelDisconnected {
		t.Fatalf("status = %s", ch.Status())
	}
}
