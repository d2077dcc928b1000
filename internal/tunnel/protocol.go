package tunnel

import "golang.org/x/crypto/ssh"

// ProtocolVersion is the tagged discriminator the negotiated sub-protocol
// resolves to (§9 "Dynamic dispatch across two protocol versions" — a
// discriminator carried on the session rather than subclassing).
type ProtocolVersion int

const (
	ProtocolUnknown ProtocolVersion = iota
	ProtocolV1
	ProtocolV2
)

func (p ProtocolVersion) String() string {
	switch p {
	case ProtocolV1:
		return "v1"
	case ProtocolV2:
		return "v2"
	default:
		return "unknown"
	}
}

// Relay WebSocket sub-protocols, highest preference first (§6).
const (
	clientSubprotocolV2 = "tunnel-relay-client-v2-dev"
	clientSubprotocolV1 = "tunnel-relay-client"
	hostSubprotocolV2   = "tunnel-relay-host-v2-dev"
	hostSubprotocolV1   = "tunnel-relay-host"
)

func protocolVersionOf(negotiated string) ProtocolVersion {
	switch negotiated {
	case clientSubprotocolV2, hostSubprotocolV2:
		return ProtocolV2
	case clientSubprotocolV1, hostSubprotocolV1:
		return ProtocolV1
	default:
		return ProtocolUnknown
	}
}

// clientSubprotocols/hostSubprotocols return the offer list honoring the
// DEVTUNNELS_PROTOCOL_VERSION override (§6).
func clientSubprotocols(forced string) []string {
	switch forced {
	case "1":
		return []string{clientSubprotocolV1}
	case "2":
		return []string{clientSubprotocolV2}
	default:
		return []string{clientSubprotocolV2, clientSubprotocolV1}
	}
}

func hostSubprotocols(forced string) []string {
	switch forced {
	case "1":
		return []string{hostSubprotocolV1}
	case "2":
		return []string{hostSubprotocolV2}
	default:
		return []string{hostSubprotocolV2, hostSubprotocolV1}
	}
}

// Channel and request type names the core uses on the outer (and, for V1,
// inner) secure channel sessions. golang.org/x/crypto/ssh keeps its own
// "direct-tcpip"/"forwarded-tcpip" payload structs unexported, so rather
// than reimplement the standard SSH forwarding channel types byte-for-byte
// the core defines its own channel/request names and payload structs for
// the wire-format additions of spec §6. This rides entirely on top of the
// ssh package's public Channel/Request API and adds nothing at the
// key-exchange or framing layer.
const (
	// chanClientSession is the V1 channel type the relay opens on the
	// host's outer connection, one per connecting tunnel client; the host
	// accepts it and runs a nested SSH server handshake over it.
	chanClientSession = "client-ssh-session-stream"

	// chanPortConnect is the channel type used (both V1 inner session and
	// V2 outer session) to open a forwarded-port data channel.
	chanPortConnect = "port-relay-connect@devtunnels"

	// chanE2EEData is the channel type opened on the nested per-port secure
	// session once both ends have completed the inner handshake, carrying
	// the actual forwarded application bytes (§4.4 step 8, §9 "E2EE").
	chanE2EEData = "e2ee-data@devtunnels"

	// reqPortRelay is the global request a host sends to advertise (or
	// withdraw) a forwarded port, carrying PortRelayRequest (§6).
	reqPortRelay = "port-relay-request@devtunnels"

	// reqPortRelayConnectResponse is the first channel request the
	// channel opener waits for after Accept(), carrying
	// PortRelayConnectResponse (§6) — x/crypto/ssh does not let callers
	// extend CHANNEL_OPEN_CONFIRMATION itself, so the extra field rides
	// as an immediate follow-up request instead.
	reqPortRelayConnectResponse = "port-relay-connect-response@devtunnels"

	// reqRefreshPorts is the session request of §6 "Session requests".
	reqRefreshPorts = "RefreshPorts"

	// reqKeepAlive is the global request name runKeepAlive sends on the
	// outer session and handleKeepAliveRequest answers.
	reqKeepAlive = "keepalive@devtunnels"
)

// PortRelayRequest is sent host -> relay as the payload of reqPortRelay to
// advertise or withdraw a forwarded port (§6).
type PortRelayRequest struct {
	Port        uint32
	Remove      bool
	AccessToken string
}

// PortRelayConnectRequest is the payload of a chanPortConnect channel open,
// sent relay -> host (V1: client -> host directly, the relay being a dumb
// pipe) to request a forwarded-port data channel (§6).
type PortRelayConnectRequest struct {
	Port                     uint32
	OriginatorAddress        string
	OriginatorPort           uint32
	AccessToken              string
	IsE2EEncryptionRequested bool
}

// PortRelayConnectResponse is the payload of the reqPortRelayConnectResponse
// follow-up request, host -> relay/client, confirming whether the opened
// channel is wrapped in a nested E2EE stream (§6).
type PortRelayConnectResponse struct {
	IsE2EEncryptionEnabled bool
}

func marshalRequest(v any) []byte { return ssh.Marshal(v) }
