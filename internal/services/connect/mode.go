package connect

// Mode is the externally visible way the device is reachable.
type Mode int

const (
	ModeNone Mode = iota
	ModeAccessPoint
	ModeStation
	ModeWired
)

func (m Mode) String() string {
	switch m {
	case ModeAccessPoint:
		return "AP"
	case ModeStation:
		return "STA"
	case ModeWired:
		return "ETH"
	default:
		return "NONE"
	}
}

// ResolveMode derives the active mode from the state and the live address
// status of both transports. A wired address wins over a station address.
func ResolveMode(state State, wiredHasAddress, stationHasAddress bool) Mode {
	switch state {
	case ApStarted, PortalStarted:
		return ModeAccessPoint
	case Connected, Disconnected, Reconnecting:
		if wiredHasAddress {
			return ModeWired
		}
		if stationHasAddress {
			return ModeStation
		}
	}
	return ModeNone
}
