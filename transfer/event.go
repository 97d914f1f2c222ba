package transfer

// EventKind is the terminal outcome of one transfer operation.
type EventKind int

const (
	UplinkOK EventKind = iota
	UplinkError
	DownlinkOK
	DownlinkError
	// Poll is a downlink that found nothing pending.
	Poll
)

func (k EventKind) String() string {
	switch k {
	case UplinkOK:
		return "uplink_ok"
	case UplinkError:
		return "uplink_error"
	case DownlinkOK:
		return "downlink_ok"
	case DownlinkError:
		return "downlink_error"
	case Poll:
		return "poll"
	default:
		return "unknown"
	}
}

// Event reports one terminal outcome.
type Event struct {
	Kind      EventKind
	Fragments int
	Bytes     int
}

// Observer receives transfer outcomes. Implementations must not call back
// into the engine.
type Observer interface {
	OnTransfer(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnTransfer calls f(ev).
func (f ObserverFunc) OnTransfer(ev Event) { f(ev) }

func (e *Engine) notify(ev Event) {
	if e.observer != nil {
		e.observer.OnTransfer(ev)
	}
}
