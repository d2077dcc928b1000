package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// HostOptions configures a TunnelRelayTunnelHost.
type HostOptions struct {
	// HostID identifies this host instance among others sharing the same
	// tunnel. Left empty, NewTunnelRelayTunnelHost generates a random v4
	// UUID once at construction time (§9 "Global state" — the per-process
	// host identifier).
	HostID string
	// LocalAddress is where the host dials to reach the locally-running
	// service for a forwarded port (normally loopback).
	LocalAddress string
	// CompressedPorts, when a port is present and true, wraps that port's
	// forwarded stream in zstd compression (§6).
	CompressedPorts map[int]bool
	// DisableRetry disables the RelayConnector retry loop: the first
	// classified retryable dial error aborts Start immediately.
	DisableRetry bool
	// DisableReconnect disables automatic reconnection after the outer
	// session is lost.
	DisableReconnect bool
	// KeepAliveInterval, when non-zero, drives a reqKeepAlive round trip on
	// this cadence once connected (§5).
	KeepAliveInterval time.Duration
}

// TunnelRelayTunnelHost is the host-side connection-layer peer of §4.5: it
// generates a host key pair, registers its endpoint, accepts connecting
// clients (V1: nested per-client SSH server session; V2: direct
// port-connect channels on the shared outer session), and re-advertises the
// tunnel's port list through advertisePorts when a RefreshPorts request
// arrives.
type TunnelRelayTunnelHost struct {
	*TunnelConnectionSession

	opts   HostOptions
	signer ssh.Signer

	outerMu sync.Mutex
	outer   *OuterSession

	portsMu sync.Mutex
	ports   map[int]TunnelPort
}

// NewTunnelRelayTunnelHost constructs a host around tunnel, generating a
// fresh ECDSA P-384 host key pair (§4.5 step 1).
func NewTunnelRelayTunnelHost(log zerolog.Logger, mgmt ManagementClient, tunnel *TunnelDescriptor, opts HostOptions) (*TunnelRelayTunnelHost, error) {
	signer, err := generateHostKeyPair()
	if err != nil {
		return nil, err
	}
	if opts.LocalAddress == "" {
		opts.LocalAddress = "127.0.0.1"
	}
	if opts.HostID == "" {
		opts.HostID = uuid.NewString()
	}

	h := &TunnelRelayTunnelHost{
		TunnelConnectionSession: NewTunnelConnectionSession(log, mgmt, tunnel, ScopeHost),
		opts:                    opts,
		signer:                  signer,
		ports:                   map[int]TunnelPort{},
	}
	for _, p := range tunnel.Ports {
		h.ports[p.PortNumber] = p
	}
	return h, nil
}

// HostPublicKey returns the wire-encoded public key to advertise on the
// tunnel endpoint (§4.5 step 2).
func (h *TunnelRelayTunnelHost) HostPublicKey() string {
	return encodeHostPublicKey(h.signer.PublicKey())
}

// registerEndpoint calls UpdateTunnelEndpoint, skipping the call if the
// endpoint the management client already has matches this host's current
// signature (§4.5 step 2, "dedup unnecessary endpoint updates").
func (h *TunnelRelayTunnelHost) registerEndpoint(ctx context.Context) (*TunnelEndpoint, error) {
	tunnel := h.Tunnel()
	desired := TunnelEndpoint{
		HostID:         h.opts.HostID,
		ConnectionMode: TunnelRelay,
		HostPublicKeys: []string{h.HostPublicKey()},
	}

	if existing, ok := findEndpoint(tunnel.Endpoints, h.opts.HostID); ok && endpointSignatureEqual(existing, desired) {
		return &existing, nil
	}

	return h.TunnelConnectionSession.mgmtUpdateEndpoint(ctx, tunnel, &desired)
}

func findEndpoint(endpoints []TunnelEndpoint, hostID string) (TunnelEndpoint, bool) {
	for _, e := range endpoints {
		if e.HostID == hostID && e.ConnectionMode == TunnelRelay {
			return e, true
		}
	}
	return TunnelEndpoint{}, false
}

func endpointSignatureEqual(a, b TunnelEndpoint) bool {
	if len(a.HostPublicKeys) != len(b.HostPublicKeys) {
		return false
	}
	ak := append([]string{}, a.HostPublicKeys...)
	bk := append([]string{}, b.HostPublicKeys...)
	sort.Strings(ak)
	sort.Strings(bk)
	for i := range ak {
		if ak[i] != bk[i] {
			return false
		}
	}
	return true
}

// mgmtUpdateEndpoint exposes the embedded management client to host.go
// without widening TunnelConnectionSession's own exported surface.
func (s *TunnelConnectionSession) mgmtUpdateEndpoint(ctx context.Context, tunnel *TunnelDescriptor, endpoint *TunnelEndpoint) (*TunnelEndpoint, error) {
	if s.mgmt == nil {
		return endpoint, nil
	}
	return s.mgmt.UpdateTunnelEndpoint(ctx, tunnel, endpoint)
}

// Start registers the host endpoint and dials the relay (§4.5 steps 2-4).
func (h *TunnelRelayTunnelHost) Start(ctx context.Context) error {
	if !h.startReconnectingIfNotDisposed() {
		return ErrDisposed
	}

	if _, err := h.registerEndpoint(ctx); err != nil {
		_ = h.SetStatus(StatusDisconnected, err, ReasonNone)
		return err
	}

	session, err := h.connectOnce(ctx)
	if err != nil {
		_ = h.SetStatus(StatusDisconnected, err, classify(err, 0, false).reason)
		return err
	}

	h.outerMu.Lock()
	h.outer = session
	h.outerMu.Unlock()

	if err := h.SetStatus(StatusConnected, nil, ReasonNone); err != nil {
		return err
	}

	if err := h.advertisePorts(ctx, session); err != nil {
		h.log().Warn().Err(err).Msg("failed to advertise initial ports")
	}

	go h.serve(h.DisposeContext(), session)
	return nil
}

func (h *TunnelRelayTunnelHost) log() zerolog.Logger {
	return h.TunnelConnection.log
}

func (h *TunnelRelayTunnelHost) connectOnce(ctx context.Context) (*OuterSession, error) {
	tunnel := h.Tunnel()
	endpoints, ok := EndpointsForHost(tunnel.Endpoints, h.opts.HostID)
	if !ok || len(endpoints) == 0 {
		return nil, fmt.Errorf("host endpoint not found after registration")
	}
	endpoint := endpoints[0]

	connectOpts := ConnectOptions{DisableRetry: h.opts.DisableRetry}
	return h.connector.Connect(ctx, connectOpts, func(ctx context.Context, attempt int) (*OuterSession, error) {
		token, terr := h.AccessToken(ctx)
		if terr != nil {
			return nil, terr
		}

		forced := os.Getenv("DEVTUNNELS_PROTOCOL_VERSION")
		conn, negotiated, derr := createRelayStream(ctx, relayDialOptions{
			URI:          endpoint.HostRelayURI,
			AccessToken:  token,
			Subprotocols: hostSubprotocols(forced),
		})
		if derr != nil {
			return nil, derr
		}

		version := protocolVersionOf(negotiated)
		// dialOuterClient already closes conn itself on handshake failure
		// (§4.2 step 4).
		outer, oerr := dialOuterClient(ctx, conn, endpoint.HostRelayURI, clientOuterConfig(acceptAnyHostKey), version)
		if oerr != nil {
			return nil, oerr
		}
		return outer, nil
	})
}

// serve dispatches the outer session's server-initiated channels: V1
// chanClientSession (nested per-client SSH server) and V2 chanPortConnect
// (direct data channel), plus global RefreshPorts requests (§4.5 steps
// 4-6).
func (h *TunnelRelayTunnelHost) serve(ctx context.Context, session *OuterSession) {
	for {
		keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
		go h.runKeepAlive(keepAliveCtx, session, h.opts.KeepAliveInterval)

		err := h.serveOnce(ctx, session)
		stopKeepAlive()
		h.closeSession(ctx, session, "connection-lost")

		if ctx.Err() != nil || h.IsDisposed() {
			return
		}

		cl := classify(err, 0, false)
		if cl.reason == ReasonTooManyConnections {
			// §4.5 "too many connections": do not reconnect and do not
			// delete the endpoint, since another host instance owns it.
			_ = h.SetStatus(StatusDisconnected, err, ReasonTooManyConnections)
			return
		}

		_ = h.SetStatus(StatusConnecting, err, cl.reason)

		if h.opts.DisableReconnect {
			_ = h.SetStatus(StatusDisconnected, err, cl.reason)
			return
		}

		next, cerr := h.connectOnce(ctx)
		if cerr != nil {
			_ = h.SetStatus(StatusDisconnected, cerr, cl.reason)
			return
		}

		h.outerMu.Lock()
		h.outer = next
		h.outerMu.Unlock()
		if serr := h.SetStatus(StatusConnected, nil, ReasonNone); serr != nil {
			return
		}
		if aerr := h.advertisePorts(ctx, next); aerr != nil {
			h.log().Warn().Err(aerr).Msg("failed to re-advertise ports after reconnect")
		}
		session = next
	}
}

func (h *TunnelRelayTunnelHost) serveOnce(ctx context.Context, session *OuterSession) error {
	for {
		select {
		case <-ctx.Done():
			return wrapCancellation(ctx)
		case newCh, ok := <-session.Channels:
			if !ok {
				return &SecureChannelError{ConnectionLost: true, Err: fmt.Errorf("outer session channel closed")}
			}
			go h.handleIncomingChannel(ctx, session.Version, newCh)
		case req, ok := <-session.Requests:
			if !ok {
				return &SecureChannelError{ConnectionLost: true, Err: fmt.Errorf("outer session request stream closed")}
			}
			h.handleGlobalRequest(ctx, req)
		}
	}
}

func (h *TunnelRelayTunnelHost) handleGlobalRequest(ctx context.Context, req *ssh.Request) {
	if handleKeepAliveRequest(req) {
		return
	}
	switch req.Type {
	case reqRefreshPorts:
		h.outerMu.Lock()
		outer := h.outer
		h.outerMu.Unlock()
		err := h.advertisePorts(ctx, outer)
		if req.WantReply {
			_ = req.Reply(err == nil, nil)
		}
	default:
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

// handleIncomingChannel routes a server-initiated channel by protocol
// version (§4.5 step 4).
func (h *TunnelRelayTunnelHost) handleIncomingChannel(ctx context.Context, version ProtocolVersion, newCh ssh.NewChannel) {
	switch {
	case version == ProtocolV1 && newCh.ChannelType() == chanClientSession:
		h.handleV1ClientSession(ctx, newCh)
	case newCh.ChannelType() == chanPortConnect:
		h.handlePortConnect(ctx, newCh)
	default:
		_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
	}
}

// handleV1ClientSession accepts the relay-forwarded client channel and
// runs a nested ssh.NewServerConn handshake over it, authenticating as
// this host to that one client (§4.5 step 4). Each accepted channel runs
// independently; a slow or stuck client's handshake cannot block others.
func (h *TunnelRelayTunnelHost) handleV1ClientSession(ctx context.Context, newCh ssh.NewChannel) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	inner, ierr := acceptOuterServer(ctx, &sshChannelNetConn{sshChannelConn{ch}}, hostServerConfig(h.signer), ProtocolV1)
	if ierr != nil {
		return
	}
	defer inner.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case nc, ok := <-inner.Channels:
			if !ok {
				return
			}
			if nc.ChannelType() != chanPortConnect {
				_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
				continue
			}
			go h.handlePortConnect(ctx, nc)
		case req, ok := <-inner.Requests:
			if !ok {
				return
			}
			h.handleGlobalRequest(ctx, req)
		}
	}
}

// handlePortConnect accepts a chanPortConnect channel (V1 inner session or
// V2 outer session) and pumps it against the local service (§4.5 step 5).
// When the connecting peer requested E2EE (V2 only — V1's nested per-client
// session already gives the relay no visibility), it performs the nested
// server handshake of §4.4 step 8 using this host's own key, accepting any
// client identity since the relay/outer session already authenticated it.
func (h *TunnelRelayTunnelHost) handlePortConnect(ctx context.Context, newCh ssh.NewChannel) {
	var payload PortRelayConnectRequest
	_ = ssh.Unmarshal(newCh.ExtraData(), &payload)

	h.portsMu.Lock()
	_, known := h.ports[int(payload.Port)]
	h.portsMu.Unlock()
	if !known {
		_ = newCh.Reject(ssh.Prohibited, "port is not forwarded")
		return
	}

	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	e2ee := payload.IsE2EEncryptionRequested
	resp := marshalRequest(PortRelayConnectResponse{IsE2EEncryptionEnabled: e2ee})
	_, _ = ch.SendRequest(reqPortRelayConnectResponse, false, resp)

	var stream ForwardedPortStream = &sshChannelConn{ch}
	if e2ee {
		nested, nerr := h.acceptE2EEStream(ctx, ch)
		if nerr != nil {
			ch.Close()
			return
		}
		stream = nested
	}

	if h.opts.CompressedPorts[int(payload.Port)] {
		compressed, cerr := wrapCompressedStream(stream)
		if cerr == nil {
			stream = compressed
		}
	}
	stream = &countingStream{ForwardedPortStream: stream}

	local, derr := net.Dial("tcp", fmt.Sprintf("%s:%d", h.opts.LocalAddress, payload.Port))
	if derr != nil {
		stream.Close()
		return
	}

	relayPump(stream, &netConnStream{local})
}

// acceptE2EEStream performs the host side of the nested secure-channel
// handshake (§4.4 step 8, §4.5 E2EE note): ch is wrapped as a net.Conn and
// re-authenticated with this host's key, then the chanE2EEData channel
// carrying the actual application bytes is accepted.
func (h *TunnelRelayTunnelHost) acceptE2EEStream(ctx context.Context, ch ssh.Channel) (ForwardedPortStream, error) {
	inner, err := acceptOuterServer(ctx, &sshChannelNetConn{sshChannelConn{ch}}, hostServerConfig(h.signer), ProtocolV2)
	if err != nil {
		return nil, err
	}
	go discardRequests(inner.Requests)

	dataCh, derr := acceptE2EEDataChannel(ctx, inner)
	if derr != nil {
		inner.Close()
		return nil, derr
	}

	return &sshChannelConn{dataCh}, nil
}

// advertisePorts diffs the tunnel descriptor's current port list against
// what was last advertised and sends reqPortRelay add/remove requests for
// the difference (§4.5 step 6, "RefreshPorts add/remove diffing").
func (h *TunnelRelayTunnelHost) advertisePorts(ctx context.Context, session *OuterSession) error {
	if session == nil {
		return fmt.Errorf("host is not connected")
	}

	tunnel, err := h.refreshTunnel(ctx, true)
	if err != nil {
		return err
	}
	if tunnel == nil {
		return nil
	}

	token, terr := h.AccessToken(ctx)
	if terr != nil {
		return terr
	}

	desired := map[int]TunnelPort{}
	for _, p := range tunnel.Ports {
		desired[p.PortNumber] = p
	}

	h.portsMu.Lock()
	current := h.ports
	h.portsMu.Unlock()

	var added, removed []int
	for port := range desired {
		if _, ok := current[port]; !ok {
			added = append(added, port)
		}
	}
	for port := range current {
		if _, ok := desired[port]; !ok {
			removed = append(removed, port)
		}
	}

	for _, port := range added {
		payload := marshalRequest(PortRelayRequest{Port: uint32(port), AccessToken: token})
		_, _, _ = session.Conn.SendRequest(reqPortRelay, true, payload)
	}
	for _, port := range removed {
		payload := marshalRequest(PortRelayRequest{Port: uint32(port), Remove: true, AccessToken: token})
		_, _, _ = session.Conn.SendRequest(reqPortRelay, true, payload)
	}

	h.portsMu.Lock()
	h.ports = desired
	h.portsMu.Unlock()

	return nil
}

// Close disposes the host and deletes its endpoint registration, unless
// the last observed disconnect reason was ReasonTooManyConnections (§4.5
// step 7, "skip endpoint delete").
func (h *TunnelRelayTunnelHost) Close(ctx context.Context) error {
	reason := h.DisconnectReason()
	h.Dispose()

	h.outerMu.Lock()
	outer := h.outer
	h.outerMu.Unlock()
	h.closeSession(ctx, outer, "host-closed")

	if reason == ReasonTooManyConnections {
		return nil
	}
	if h.mgmtClient() != nil {
		tunnel := h.Tunnel()
		return h.mgmtClient().DeleteTunnelEndpoints(ctx, tunnel, h.opts.HostID)
	}
	return nil
}

func (h *TunnelRelayTunnelHost) mgmtClient() ManagementClient {
	return h.TunnelConnectionSession.mgmt
}
