package session

// SignalKind identifies a session change reported to the application shell.
type SignalKind int

const (
	SignalLoggedIn SignalKind = iota
	SignalRefreshed
	SignalRemoteUpdate
	SignalLoggedOut
	SignalBanned
	SignalVisibility
)

func (k SignalKind) String() string {
	switch k {
	case SignalLoggedIn:
		return "logged_in"
	case SignalRefreshed:
		return "refreshed"
	case SignalRemoteUpdate:
		return "remote_update"
	case SignalLoggedOut:
		return "logged_out"
	case SignalBanned:
		return "banned"
	case SignalVisibility:
		return "visibility"
	default:
		return "unknown"
	}
}

// Signal is delivered to the Notifier. Record is set for login, refresh and
// remote updates; Err explains a logout; Message is the server text of a ban.
type Signal struct {
	Kind       SignalKind
	Record     TokenRecord
	Err        error
	Message    string
	Visibility VisibilityState
}

// Notifier receives session signals. Notify is called synchronously from
// session goroutines and must not block.
type Notifier interface {
	Notify(Signal)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Signal)

func (f NotifierFunc) Notify(s Signal) { f(s) }

type nopNotifier struct{}

func (nopNotifier) Notify(Signal) {}
