// Package broadcast propagates a logout decision to every other running
// client instance sharing the same credential directory. The primary
// transport is a redis pub/sub channel; when redis is absent or the
// publish fails, a sentinel file next to the credential store carries the
// announcement instead, observed by the other instances through a
// filesystem watcher and removed as soon as it is seen.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/electro/session-sync/internal/core/domain"
	"github.com/electro/session-sync/internal/pkg/metrics"
)

// channelName is the well-known logout topic, shared with every client
// build that has ever shipped.
const channelName = "auth_logout"

// Broadcaster implements ports.Broadcaster.
type Broadcaster struct {
	rdb        *redis.Client // nil → file fallback only
	sentinel   string
	instanceID string
	log        zerolog.Logger

	mu        sync.Mutex
	seq       int
	listeners map[int]func(reason string)

	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// Connect initialises a redis client and validates connectivity with a
// ping. Callers that run without redis pass the resulting nil client to
// New.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broadcast: redis ping: %w", err)
	}
	return client, nil
}

// New starts a broadcaster. sentinelPath is where the file fallback writes
// its announcement; its parent directory must exist (the credential store
// creates it).
func New(rdb *redis.Client, sentinelPath string, log zerolog.Logger) (*Broadcaster, error) {
	b := &Broadcaster{
		rdb:        rdb,
		sentinel:   sentinelPath,
		instanceID: uuid.NewString(),
		log:        log,
		listeners:  make(map[int]func(string)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	if rdb != nil {
		b.wg.Add(1)
		go b.redisLoop(ctx)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("broadcast: watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(sentinelPath)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("broadcast: watch %s: %w", filepath.Dir(sentinelPath), err)
	}
	b.watcher = watcher
	b.wg.Add(1)
	go b.watchLoop(ctx)

	return b, nil
}

// AnnounceLogout publishes the logout to all other instances. Redis is
// tried first; the sentinel file covers instances that cannot reach redis
// and deployments that run without it.
func (b *Broadcaster) AnnounceLogout(ctx context.Context, reason string) error {
	payload, err := json.Marshal(domain.LogoutAnnouncement{
		Origin:    b.instanceID,
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("broadcast: encode announcement: %w", err)
	}

	if b.rdb != nil {
		if err := b.rdb.Publish(ctx, channelName, payload).Err(); err == nil {
			metrics.BroadcastsTotal.WithLabelValues("redis", "sent").Inc()
			return nil
		} else {
			b.log.Warn().Err(err).Msg("redis publish failed, falling back to sentinel file")
		}
	}

	if err := os.WriteFile(b.sentinel, payload, 0o600); err != nil {
		return fmt.Errorf("broadcast: write sentinel: %w", err)
	}
	metrics.BroadcastsTotal.WithLabelValues("sentinel", "sent").Inc()
	return nil
}

// OnLogoutAnnounced registers a listener for announcements from other
// instances. Self-announcements are filtered out by instance id.
func (b *Broadcaster) OnLogoutAnnounced(fn func(reason string)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Close stops both transports. Registered listeners are dropped.
func (b *Broadcaster) Close() error {
	b.cancel()
	var err error
	if b.watcher != nil {
		err = b.watcher.Close()
	}
	b.wg.Wait()
	b.mu.Lock()
	b.listeners = make(map[int]func(string))
	b.mu.Unlock()
	return err
}

func (b *Broadcaster) redisLoop(ctx context.Context) {
	defer b.wg.Done()
	sub := b.rdb.Subscribe(ctx, channelName)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.deliver([]byte(msg.Payload), "redis")
		}
	}
}

func (b *Broadcaster) watchLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != b.sentinel || !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			raw, err := os.ReadFile(b.sentinel)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					b.log.Warn().Err(err).Msg("read logout sentinel")
				}
				continue
			}
			var ann domain.LogoutAnnouncement
			if err := json.Unmarshal(raw, &ann); err != nil {
				b.log.Warn().Err(err).Msg("bad logout sentinel")
				_ = os.Remove(b.sentinel)
				continue
			}
			// The origin leaves the sentinel in place; a receiver clears it
			// after observing so an identical later announcement still
			// produces a fresh filesystem event.
			if ann.Origin == b.instanceID {
				continue
			}
			_ = os.Remove(b.sentinel)
			b.deliver(raw, "sentinel")
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn().Err(err).Msg("sentinel watcher error")
		}
	}
}

func (b *Broadcaster) deliver(payload []byte, transport string) {
	var ann domain.LogoutAnnouncement
	if err := json.Unmarshal(payload, &ann); err != nil {
		b.log.Warn().Err(err).Msg("bad logout announcement")
		return
	}
	if ann.Origin == b.instanceID {
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(transport, "received").Inc()

	b.mu.Lock()
	listeners := make([]func(string), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	b.log.Info().Str("reason", ann.Reason).Msg("logout announced by another instance")
	for _, fn := range listeners {
		fn(ann.Reason)
	}
}
