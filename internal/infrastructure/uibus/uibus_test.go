package uibus

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/electro/session-sync/internal/core/ports"
)

func TestBusDeliversToasts(t *testing.T) {
	bus := New(zerolog.Nop())

	var got []Toast
	cancel := bus.SubscribeToasts(func(tst Toast) { got = append(got, tst) })

	bus.Notify(ports.ToastWarning, "role changing soon")
	if len(got) != 1 || got[0].Level != ports.ToastWarning || got[0].Message != "role changing soon" {
		t.Fatalf("unexpected toasts: %+v", got)
	}

	cancel()
	bus.Notify(ports.ToastInfo, "after cancel")
	if len(got) != 1 {
		t.Fatalf("expected no delivery after cancel, got %d", len(got))
	}
}

func TestBusDeliversNavigations(t *testing.T) {
	bus := New(zerolog.Nop())

	var got []Navigation
	bus.SubscribeNavigations(func(n Navigation) { got = append(got, n) })

	bus.NavigateTo("/login")
	bus.Reload()

	if len(got) != 2 {
		t.Fatalf("expected two navigations, got %d", len(got))
	}
	if got[0].Path != "/login" || got[0].Reload {
		t.Fatalf("unexpected first navigation: %+v", got[0])
	}
	if !got[1].Reload || got[1].Path != "" {
		t.Fatalf("unexpected second navigation: %+v", got[1])
	}
}

func TestBusSupportsMultipleSubscribers(t *testing.T) {
	bus := New(zerolog.Nop())

	first, second := 0, 0
	bus.SubscribeToasts(func(Toast) { first++ })
	bus.SubscribeToasts(func(Toast) { second++ })

	bus.Notify(ports.ToastSuccess, "hello")
	if first != 1 || second != 1 {
		t.Fatalf("expected both subscribers notified, got %d and %d", first, second)
	}
}
