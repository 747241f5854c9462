package connect

// State is the position of the connectivity state machine.
type State int

const (
	Disabled State = iota
	Enabled
	Connecting
	ConnectTimeout
	Connected
	Disconnected
	Reconnecting
	ApStarting
	ApStarted
	PortalStarting
	PortalStarted
	PortalComplete
	PortalTimeout
)

var stateNames = [...]string{
	Disabled:       "NETWORK_DISABLED",
	Enabled:        "NETWORK_ENABLED",
	Connecting:     "NETWORK_CONNECTING",
	ConnectTimeout: "NETWORK_TIMEOUT",
	Connected:      "NETWORK_CONNECTED",
	Disconnected:   "NETWORK_DISCONNECTED",
	Reconnecting:   "NETWORK_RECONNECTING",
	ApStarting:     "AP_STARTING",
	ApStarted:      "AP_STARTED",
	PortalStarting: "PORTAL_STARTING",
	PortalStarted:  "PORTAL_STARTED",
	PortalComplete: "PORTAL_COMPLETE",
	PortalTimeout:  "PORTAL_TIMEOUT",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return Disabled, false
}

// Ready reports whether a blocking begin can return in this state.
func (s State) Ready() bool {
	return s == ApStarted || s == Connected
}

// acceptsAddress lists the states an address event moves to Connected.
func (s State) acceptsAddress() bool {
	switch s {
	case Connecting, Reconnecting, PortalStarting, PortalStarted:
		return true
	}
	return false
}

// portalSession reports whether the portal surface belongs to this state.
func (s State) portalSession() bool {
	switch s {
	case PortalStarting, PortalStarted, PortalComplete, PortalTimeout:
		return true
	}
	return false
}
