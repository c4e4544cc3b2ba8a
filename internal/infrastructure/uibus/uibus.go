// Package uibus is the in-process event bridge between the session
// subsystem and whatever UI layer hosts it: toast notifications and forced
// navigation are published as events, decoupled from any toolkit.
package uibus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/electro/session-sync/internal/core/ports"
)

// Toast is a user-visible message of a given severity.
type Toast struct {
	Level   ports.ToastLevel `json:"type"`
	Message string           `json:"message"`
}

// Navigation is a forced route change. Reload set with an empty Path means
// "reload the current view".
type Navigation struct {
	Path   string `json:"path,omitempty"`
	Reload bool   `json:"reload,omitempty"`
}

// Bus implements ports.Notifier and ports.Navigator over subscriber
// callbacks. Publishing never blocks the session subsystem: subscribers
// run inline and are expected to hand off quickly.
type Bus struct {
	log zerolog.Logger

	mu        sync.Mutex
	toastSeq  int
	toastSubs map[int]func(Toast)
	navSeq    int
	navSubs   map[int]func(Navigation)
}

func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:       log,
		toastSubs: make(map[int]func(Toast)),
		navSubs:   make(map[int]func(Navigation)),
	}
}

// Notify publishes a toast event.
func (b *Bus) Notify(level ports.ToastLevel, message string) {
	b.log.Info().Str("level", string(level)).Str("message", message).Msg("toast")
	b.mu.Lock()
	subs := make([]func(Toast), 0, len(b.toastSubs))
	for _, fn := range b.toastSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(Toast{Level: level, Message: message})
	}
}

// NavigateTo publishes a forced route change.
func (b *Bus) NavigateTo(path string) {
	b.log.Info().Str("path", path).Msg("forced navigation")
	b.publishNav(Navigation{Path: path})
}

// Reload publishes a full-reload request for the current view.
func (b *Bus) Reload() {
	b.log.Info().Msg("forced reload")
	b.publishNav(Navigation{Reload: true})
}

func (b *Bus) publishNav(nav Navigation) {
	b.mu.Lock()
	subs := make([]func(Navigation), 0, len(b.navSubs))
	for _, fn := range b.navSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(nav)
	}
}

// SubscribeToasts registers a toast listener and returns its cancel.
func (b *Bus) SubscribeToasts(fn func(Toast)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toastSeq++
	id := b.toastSeq
	b.toastSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.toastSubs, id)
	}
}

// SubscribeNavigations registers a navigation listener and returns its
// cancel.
func (b *Bus) SubscribeNavigations(fn func(Navigation)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navSeq++
	id := b.navSeq
	b.navSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.navSubs, id)
	}
}
