package ports

// ToastLevel grades user-visible notifications.
type ToastLevel string

const (
	ToastSuccess ToastLevel = "success"
	ToastError   ToastLevel = "error"
	ToastWarning ToastLevel = "warning"
	ToastInfo    ToastLevel = "info"
)

// Notifier surfaces human-readable messages to the UI layer. The session
// subsystem never blocks on it.
type Notifier interface {
	Notify(level ToastLevel, message string)
}

// Navigator abstracts forced navigation: the redirect to the login view
// after a logout, and the full reload that refreshes role-dependent UI
// after an upgrade.
type Navigator interface {
	NavigateTo(path string)
	Reload()
}

// Visibility reports whether the owning surface is currently hidden. The
// background reconciliation loop skips its check entirely while hidden.
type Visibility interface {
	Hidden() bool
}

// AlwaysVisible is the default Visibility: a headless host is never
// hidden, so the reconciliation loop always runs.
type AlwaysVisible struct{}

func (AlwaysVisible) Hidden() bool { return false }
