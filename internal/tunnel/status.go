package tunnel

// ConnectionStatus is the single status value a TunnelConnection holds.
type ConnectionStatus int

const (
	StatusNone ConnectionStatus = iota
	StatusConnecting
	StatusRefreshingTunnelAccessToken
	StatusConnected
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusConnecting:
		return "Connecting"
	case StatusRefreshingTunnelAccessToken:
		return "RefreshingTunnelAccessToken"
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// DisconnectReason classifies why a connection left the Connected state.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonByApplication
	ReasonConnectionLost
	ReasonProtocolError
	ReasonAuthCancelledByUser
	ReasonServiceNotAvailable
	ReasonTooManyConnections
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonByApplication:
		return "byApplication"
	case ReasonConnectionLost:
		return "connectionLost"
	case ReasonProtocolError:
		return "protocolError"
	case ReasonAuthCancelledByUser:
		return "authCancelledByUser"
	case ReasonServiceNotAvailable:
		return "serviceNotAvailable"
	case ReasonTooManyConnections:
		return "tooManyConnections"
	default:
		return "none"
	}
}

// validTransitions encodes the DAG of §3 invariant 2: from any given
// status, the set of statuses that may be assigned next.
var validTransitions = map[ConnectionStatus]map[ConnectionStatus]bool{
	StatusNone: {
		StatusConnecting:   true,
		StatusDisconnected: true,
	},
	StatusConnecting: {
		StatusRefreshingTunnelAccessToken: true,
		StatusConnected:                   true,
		StatusDisconnected:                true,
	},
	StatusRefreshingTunnelAccessToken: {
		StatusConnecting:   true,
		StatusDisconnected: true,
	},
	StatusConnected: {
		StatusDisconnected: true,
	},
	StatusDisconnected: {
		StatusDisconnected: true,
	},
}

// CanTransition reports whether moving from `from` to `to` is legal under
// the DAG in §3 invariant 2.
func CanTransition(from, to ConnectionStatus) bool {
	return validTransitions[from][to]
}
