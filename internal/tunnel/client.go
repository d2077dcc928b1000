package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"
)

// defaultReconnectInterval paces reconnect bursts after an unexpected
// channel loss, grounded on the teacher's accept_rate limiter
// (internal/server/accept_rate.go) applied here to the client's own
// reconnect attempts rather than the server's accept loop.
const defaultReconnectInterval = 2 * time.Second

// ClientOptions configures a TunnelRelayTunnelClient beyond what the
// tunnel descriptor itself carries. Mirrors spec §4.2 step 1's per-call
// option bundle: DisableRetry/DisableReconnect/KeepAliveInterval/HostID
// correspond to enableRetry/enableReconnect/keepAliveIntervalInSeconds/
// hostId; httpAgent has no equivalent (see ConnectOptions doc comment).
type ClientOptions struct {
	// HostID restricts endpoint selection to a single host when a tunnel
	// has more than one (§4.4 step 1). Empty means "the only host".
	HostID string
	// AcceptLocalConnectionsForForwardedPorts mirrors the option of that
	// name. The client does not read it: local TCP listeners are opened
	// only by explicit ListenForwardedPort calls, whatever its value, and
	// ConnectToForwardedPort works either way.
	AcceptLocalConnectionsForForwardedPorts bool
	// ForBrowser sends the access token as a WebSocket sub-protocol entry
	// instead of an Authorization header (§6).
	ForBrowser bool
	// RequestE2EE asks the host to wrap each forwarded-port channel in a
	// nested secure session (§4.4 step 8, §9 "E2EE"). Only honored in V2;
	// V1's per-client nested session already gives every byte end-to-end
	// secrecy against the relay, so a second layer is not requested there.
	RequestE2EE bool
	// CompressedPorts, when a port is present and true, wraps that port's
	// forwarded stream in zstd compression (§6).
	CompressedPorts map[int]bool
	// DisableRetry disables the RelayConnector retry loop: the first
	// classified retryable dial error aborts Connect immediately.
	DisableRetry bool
	// DisableReconnect disables automatic reconnection after the outer
	// session is lost; serve() reports disconnected and returns instead.
	DisableReconnect bool
	// KeepAliveInterval, when non-zero, drives a reqKeepAlive round trip on
	// this cadence once connected (§5).
	KeepAliveInterval time.Duration
}

// pendingStream is a caller-facing local stream (the accepted TCP
// connection in ListenForwardedPort) whose remote encrypted channel
// dropped mid-flight, queued for retryPendingE2EEStreams(ForPort) to
// resume against a fresh remote once one is available.
type pendingStream struct {
	port  int
	local ForwardedPortStream
}

// TunnelRelayTunnelClient is the client-side connection-layer peer of
// §4.4: it dials the relay, negotiates V1/V2, verifies the host identity,
// and exposes forwarded ports either via local TCP listeners or direct
// ConnectToForwardedPort calls.
type TunnelRelayTunnelClient struct {
	*TunnelConnectionSession

	opts ClientOptions

	outerMu sync.Mutex
	outer   *OuterSession

	endpointMu sync.RWMutex
	endpoint   TunnelEndpoint

	listenMu  sync.Mutex
	listeners map[int]net.Listener

	reconnectLimiter *rate.Limiter

	// portsMu guards the port-advertisement bookkeeping waitForForwardedPort
	// and ConnectToForwardedPort read (§4.4, testable properties 8-9).
	// portNotify is closed and replaced every time either map changes, so
	// waiters can block on a simple channel receive instead of polling.
	portsMu        sync.Mutex
	forwardedPorts map[int]bool
	cancelledPorts map[int]bool
	portNotify     chan struct{}

	// pendingE2EE holds caller-facing local streams whose nested encrypted
	// channel dropped mid-flight, so a subsequent port advertisement or
	// outer-session reconnect can retry them rather than dropping the
	// caller's TCP connection (§4.4, "DisconnectedEncryptedStreams").
	pendingMu   sync.Mutex
	pendingE2EE []pendingStream
}

// NewTunnelRelayTunnelClient constructs a client around tunnel, ready to
// Connect.
func NewTunnelRelayTunnelClient(log zerolog.Logger, mgmt ManagementClient, tunnel *TunnelDescriptor, opts ClientOptions) *TunnelRelayTunnelClient {
	return &TunnelRelayTunnelClient{
		TunnelConnectionSession: NewTunnelConnectionSession(log, mgmt, tunnel, ScopeConnect),
		opts:                    opts,
		listeners:               map[int]net.Listener{},
		reconnectLimiter:        rate.NewLimiter(rate.Every(defaultReconnectInterval), 1),
		forwardedPorts:          map[int]bool{},
		cancelledPorts:          map[int]bool{},
		portNotify:              make(chan struct{}),
	}
}

// tunnelChanged selects the endpoint this client connects to (§4.4 step
// 1), per EndpointsForHost.
func (c *TunnelRelayTunnelClient) tunnelChanged() (TunnelEndpoint, error) {
	tunnel := c.Tunnel()
	if tunnel == nil {
		return TunnelEndpoint{}, fmt.Errorf("no tunnel descriptor")
	}
	endpoints, ok := EndpointsForHost(tunnel.Endpoints, c.opts.HostID)
	if !ok {
		return TunnelEndpoint{}, fmt.Errorf("tunnel has endpoints for multiple hosts; hostId must be specified")
	}
	if len(endpoints) == 0 {
		return TunnelEndpoint{}, fmt.Errorf("tunnel has no relay endpoint for the requested host")
	}
	return endpoints[0], nil
}

// Connect dials the relay, negotiates V1/V2, and brings the client to
// StatusConnected (§4.4 steps 2-7). It returns once connected or once the
// connector gives up; a background goroutine keeps reconnecting afterward
// until Dispose is called.
func (c *TunnelRelayTunnelClient) Connect(ctx context.Context) error {
	if err := c.startReconnectingIfNotDisposedErr(); err != nil {
		return err
	}

	session, err := c.connectOnce(ctx)
	if err != nil {
		_ = c.SetStatus(StatusDisconnected, err, classify(err, 0, false).reason)
		return err
	}

	c.outerMu.Lock()
	c.outer = session
	c.outerMu.Unlock()

	if err := c.SetStatus(StatusConnected, nil, ReasonNone); err != nil {
		return err
	}

	go c.serve(c.DisposeContext(), session)
	return nil
}

func (c *TunnelRelayTunnelClient) startReconnectingIfNotDisposedErr() error {
	if !c.startReconnectingIfNotDisposed() {
		return ErrDisposed
	}
	return nil
}

// connectOnce runs the connector's retry loop for a single outer-session
// dial attempt sequence (§4.2, §4.4 steps 2-7).
func (c *TunnelRelayTunnelClient) connectOnce(ctx context.Context) (*OuterSession, error) {
	endpoint, err := c.tunnelChanged()
	if err != nil {
		return nil, err
	}

	connectOpts := ConnectOptions{DisableRetry: c.opts.DisableRetry}
	session, err := c.connector.Connect(ctx, connectOpts, func(ctx context.Context, attempt int) (*OuterSession, error) {
		token, terr := c.AccessToken(ctx)
		if terr != nil {
			return nil, terr
		}

		forced := os.Getenv("DEVTUNNELS_PROTOCOL_VERSION")
		conn, negotiated, derr := createRelayStream(ctx, relayDialOptions{
			URI:          endpoint.ClientRelayURI,
			AccessToken:  token,
			Subprotocols: clientSubprotocols(forced),
			ForBrowser:   c.opts.ForBrowser,
		})
		if derr != nil {
			return nil, derr
		}

		version := protocolVersionOf(negotiated)
		var hostKeyCB ssh.HostKeyCallback
		if version == ProtocolV1 {
			hostKeyCB = hostKeyVerifier(endpoint.HostPublicKeys)
		} else {
			hostKeyCB = acceptAnyHostKey
		}

		// dialOuterClient already closes conn itself on handshake failure
		// (§4.2 step 4); nothing further to clean up here.
		outer, oerr := dialOuterClient(ctx, conn, endpoint.ClientRelayURI, clientOuterConfig(hostKeyCB), version)
		if oerr != nil {
			// One refresh-and-retry on host-key mismatch (§4.4 step 6):
			// the cached endpoint may carry a stale host key after the
			// host itself reconnected and regenerated its key pair.
			if attempt == 0 && version == ProtocolV1 {
				if refreshed, rerr := c.refreshTunnel(ctx, true); rerr == nil && refreshed != nil {
					if ep, eerr := c.tunnelChanged(); eerr == nil {
						endpoint = ep
						// Report the failure as recoverable so the connector
						// makes one more attempt against the refreshed keys.
						return nil, &SecureChannelError{ConnectionLost: true, Err: oerr}
					}
				}
			}
			return nil, oerr
		}

		return outer, nil
	})
	if err != nil {
		return nil, err
	}

	c.endpointMu.Lock()
	c.endpoint = endpoint
	c.endpointMu.Unlock()
	return session, nil
}

// serve runs the outer session for the lifetime of the connection:
// serveOnce rejects every server-initiated channel and answers the
// port-relay and keepalive session requests (other requests, RefreshPorts
// included, get a false reply). It reconnects on
// unexpected loss until disposed (§4.4 steps 8-10), unless
// opts.DisableReconnect is set.
func (c *TunnelRelayTunnelClient) serve(ctx context.Context, session *OuterSession) {
	for {
		keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
		go c.runKeepAlive(keepAliveCtx, session, c.opts.KeepAliveInterval)

		chanErr := c.serveOnce(ctx, session)
		stopKeepAlive()
		c.closeSession(ctx, session, "connection-lost")

		if ctx.Err() != nil || c.IsDisposed() {
			return
		}

		cl := classify(chanErr, 0, false)
		_ = c.SetStatus(StatusConnecting, chanErr, cl.reason)

		if c.opts.DisableReconnect {
			_ = c.SetStatus(StatusDisconnected, chanErr, cl.reason)
			return
		}

		if !c.reconnectLimiter.Allow() {
			_ = c.reconnectLimiter.Wait(ctx)
		}

		next, err := c.connectOnce(ctx)
		if err != nil {
			_ = c.SetStatus(StatusDisconnected, err, cl.reason)
			return
		}

		c.outerMu.Lock()
		c.outer = next
		c.outerMu.Unlock()
		if err := c.SetStatus(StatusConnected, nil, ReasonNone); err != nil {
			return
		}
		c.retryPendingE2EEStreams(ctx)
		session = next
	}
}

// serveOnce drains the outer session's server-initiated channels and
// requests. The client never expects the relay or host to open a channel
// toward it — every forwarded-port channel is opened by the client itself
// via ConnectToForwardedPort — so anything offered here is rejected; the
// loop's real job is dispatching reqPortRelay notifications (§6) to the
// portForwarding event and noticing when the stream closes, signalling
// connection loss (§4.4 step 8).
func (c *TunnelRelayTunnelClient) serveOnce(ctx context.Context, session *OuterSession) error {
	for {
		select {
		case <-ctx.Done():
			return wrapCancellation(ctx)
		case newCh, ok := <-session.Channels:
			if !ok {
				return &SecureChannelError{ConnectionLost: true, Err: fmt.Errorf("outer session channel closed")}
			}
			_ = newCh.Reject(ssh.UnknownChannelType, "client accepts no server-initiated channels")
		case req, ok := <-session.Requests:
			if !ok {
				return &SecureChannelError{ConnectionLost: true, Err: fmt.Errorf("outer session request stream closed")}
			}
			c.handleSessionRequest(ctx, req)
		}
	}
}

// handleSessionRequest dispatches one global request arriving on the outer
// session: reqPortRelay advertisements (§6) and reqKeepAlive round trips
// from the host's own runKeepAlive loop (§5).
func (c *TunnelRelayTunnelClient) handleSessionRequest(ctx context.Context, req *ssh.Request) {
	if handleKeepAliveRequest(req) {
		return
	}
	if req.Type != reqPortRelay {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	var payload PortRelayRequest
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	port := int(payload.Port)
	if payload.Remove {
		c.updatePortState(port, false, false)
		if req.WantReply {
			_ = req.Reply(true, nil)
		}
		return
	}

	cancelled := c.emitPortForwarding(port)
	c.updatePortState(port, !cancelled, cancelled)
	if !cancelled {
		c.retryPendingE2EEStreamsForPort(ctx, port)
	}
	if req.WantReply {
		_ = req.Reply(!cancelled, nil)
	}
}

// updatePortState records a port's advertised/cancelled state and wakes
// every WaitForForwardedPort waiter (§4.4, testable properties 8-9).
func (c *TunnelRelayTunnelClient) updatePortState(port int, forwarded, cancelled bool) {
	c.portsMu.Lock()
	if forwarded {
		c.forwardedPorts[port] = true
	} else {
		delete(c.forwardedPorts, port)
	}
	if cancelled {
		c.cancelledPorts[port] = true
	} else {
		delete(c.cancelledPorts, port)
	}
	notify := c.portNotify
	c.portNotify = make(chan struct{})
	c.portsMu.Unlock()
	close(notify)
}

// WaitForForwardedPort blocks until the host has advertised port as
// forwarded (§4.4, testable property 8), so a caller can call
// ConnectToForwardedPort immediately afterward without racing the initial
// RefreshPorts advertisement.
func (c *TunnelRelayTunnelClient) WaitForForwardedPort(ctx context.Context, port int) error {
	for {
		c.portsMu.Lock()
		ready := c.forwardedPorts[port]
		notify := c.portNotify
		c.portsMu.Unlock()

		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return wrapCancellation(ctx)
		case <-notify:
		}
	}
}

// readPortRelayConnectResponse waits for the host's reqPortRelayConnectResponse
// follow-up request on a freshly opened chanPortConnect channel, instead of
// discarding it: it carries whether the host accepted E2EE (§4.4 step 8,
// §6).
func readPortRelayConnectResponse(ctx context.Context, reqs <-chan *ssh.Request) (PortRelayConnectResponse, error) {
	select {
	case <-ctx.Done():
		return PortRelayConnectResponse{}, wrapCancellation(ctx)
	case req, ok := <-reqs:
		if !ok {
			return PortRelayConnectResponse{}, &SecureChannelError{ConnectionLost: true, Err: fmt.Errorf("port connect channel closed before response")}
		}
		var resp PortRelayConnectResponse
		if req.Type == reqPortRelayConnectResponse {
			_ = ssh.Unmarshal(req.Payload, &resp)
		}
		if req.WantReply {
			_ = req.Reply(true, nil)
		}
		go discardRequests(reqs)
		return resp, nil
	}
}

// ConnectToForwardedPort dials a forwarded port programmatically (for
// callers with AcceptLocalConnectionsForForwardedPorts=false), opening a
// chanPortConnect channel over the current outer session and, when the
// host agrees, negotiating a nested E2EE session over it (§4.4 steps 8-9).
// A port whose most recent portForwarding event was cancelled refuses both
// plain and encrypted connections (§4.4, testable property 9).
func (c *TunnelRelayTunnelClient) ConnectToForwardedPort(ctx context.Context, port int) (ForwardedPortStream, error) {
	c.portsMu.Lock()
	cancelled := c.cancelledPorts[port]
	c.portsMu.Unlock()
	if cancelled {
		return nil, fmt.Errorf("port %d was cancelled by a portForwarding observer", port)
	}

	c.outerMu.Lock()
	outer := c.outer
	c.outerMu.Unlock()
	if outer == nil {
		return nil, fmt.Errorf("client is not connected")
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	requestE2EE := c.opts.RequestE2EE && outer.Version == ProtocolV2
	payload := marshalRequest(PortRelayConnectRequest{
		Port:                     uint32(port),
		AccessToken:              token,
		IsE2EEncryptionRequested: requestE2EE,
	})

	ch, reqs, err := outer.Conn.OpenChannel(chanPortConnect, payload)
	if err != nil {
		return nil, &SecureChannelError{ConnectionLost: isTransientNetworkError(err), Err: err}
	}

	resp, rerr := readPortRelayConnectResponse(ctx, reqs)
	if rerr != nil {
		ch.Close()
		return nil, rerr
	}

	var stream ForwardedPortStream = &sshChannelConn{ch}
	if resp.IsE2EEncryptionEnabled {
		stream, err = c.negotiateE2EE(ctx, ch)
		if err != nil {
			ch.Close()
			return nil, err
		}
	}

	if c.opts.CompressedPorts[port] {
		compressed, cerr := wrapCompressedStream(stream)
		if cerr != nil {
			stream.Close()
			return nil, cerr
		}
		stream = compressed
	}

	stream = &countingStream{ForwardedPortStream: stream}
	return c.emitForwardedPortConnecting(port, stream), nil
}

// negotiateE2EE wraps ch as a net.Conn and performs the nested ssh client
// handshake of §4.4 step 8, verifying the host's identity again against
// hostPublicKeys, then opens the chanE2EEData channel the actual
// application bytes ride on.
func (c *TunnelRelayTunnelClient) negotiateE2EE(ctx context.Context, ch ssh.Channel) (ForwardedPortStream, error) {
	c.endpointMu.RLock()
	keys := c.endpoint.HostPublicKeys
	c.endpointMu.RUnlock()

	inner, err := dialOuterClient(ctx, &sshChannelNetConn{sshChannelConn{ch}}, "e2ee", clientOuterConfig(hostKeyVerifier(keys)), ProtocolV2)
	if err != nil {
		return nil, err
	}
	go discardRequests(inner.Requests)

	dataCh, derr := openE2EEDataChannel(inner)
	if derr != nil {
		inner.Close()
		return nil, derr
	}

	return &sshChannelConn{dataCh}, nil
}

// ListenForwardedPort opens a local TCP listener for port and pumps every
// accepted connection through ConnectToForwardedPort (§4.4, §4.6).
func (c *TunnelRelayTunnelClient) ListenForwardedPort(ctx context.Context, localAddress string, port int, canChangePort bool) (net.Listener, error) {
	l, err := createTCPListener(ctx, localAddress, port, canChangePort)
	if err != nil {
		return nil, err
	}

	c.listenMu.Lock()
	c.listeners[port] = l
	c.listenMu.Unlock()

	go func() {
		for {
			conn, aerr := l.Accept()
			if aerr != nil {
				return
			}
			go c.pumpResilient(ctx, port, &netConnStream{conn})
		}
	}()

	return l, nil
}

// pumpUntilRemoteLost copies bytes bidirectionally until one side ends,
// then reports whether the remote side ended first (in which case local
// may still be usable and worth retrying) or the local side did (in which
// case the caller's TCP connection is gone and retrying is pointless).
// remote is always closed; local is closed only when it was the side that
// ended first.
func pumpUntilRemoteLost(remote, local ForwardedPortStream) bool {
	done := make(chan string, 2)
	go func() {
		io.Copy(local, remote)
		done <- "remote-to-local"
	}()
	go func() {
		io.Copy(remote, local)
		done <- "local-to-remote"
	}()

	first := <-done
	remote.Close()
	if first == "local-to-remote" {
		local.Close()
		<-done
		return false
	}
	<-done
	return true
}

// pumpResilient pumps local against a freshly dialed forwarded-port stream
// for port. If the remote (encrypted) side drops while local is still
// alive and E2EE is in use, local is queued in pendingE2EE instead of
// being closed, so retryPendingE2EEStreams/retryPendingE2EEStreamsForPort
// can resume the same caller-facing connection once the host is reachable
// again (§4.4, "DisconnectedEncryptedStreams").
func (c *TunnelRelayTunnelClient) pumpResilient(ctx context.Context, port int, local ForwardedPortStream) {
	remote, err := c.ConnectToForwardedPort(ctx, port)
	if err != nil {
		local.Close()
		return
	}

	remoteLostFirst := pumpUntilRemoteLost(remote, local)
	if remoteLostFirst && c.opts.RequestE2EE && ctx.Err() == nil && !c.IsDisposed() {
		c.pendingMu.Lock()
		c.pendingE2EE = append(c.pendingE2EE, pendingStream{port: port, local: local})
		c.pendingMu.Unlock()
		return
	}

	local.Close()
}

// retryPendingE2EEStreams retries every queued disconnected encrypted
// stream now that a new outer session is up (§4.4, "DisconnectedEncryptedStreams").
func (c *TunnelRelayTunnelClient) retryPendingE2EEStreams(ctx context.Context) {
	c.pendingMu.Lock()
	pending := c.pendingE2EE
	c.pendingE2EE = nil
	c.pendingMu.Unlock()

	for _, p := range pending {
		go c.pumpResilient(ctx, p.port, p.local)
	}
}

// retryPendingE2EEStreamsForPort retries only the queued streams for one
// port, called when that port's own advertisement is refreshed (onPortAdded
// /onPortUpdated) rather than waiting for a full outer-session reconnect.
func (c *TunnelRelayTunnelClient) retryPendingE2EEStreamsForPort(ctx context.Context, port int) {
	c.pendingMu.Lock()
	var match, remaining []pendingStream
	for _, p := range c.pendingE2EE {
		if p.port == port {
			match = append(match, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	c.pendingE2EE = remaining
	c.pendingMu.Unlock()

	for _, p := range match {
		go c.pumpResilient(ctx, p.port, p.local)
	}
}

// RefreshPorts sends the reqRefreshPorts session request to the host so it
// re-fetches the tunnel's port list (§4.4, §6 "Session requests").
func (c *TunnelRelayTunnelClient) RefreshPorts(ctx context.Context) error {
	c.outerMu.Lock()
	outer := c.outer
	c.outerMu.Unlock()
	if outer == nil {
		return fmt.Errorf("client is not connected")
	}
	ok, _, err := outer.Conn.SendRequest(reqRefreshPorts, true, nil)
	if err != nil {
		return err
	}
	if !ok {
		return &reconnectProtocolError{Err: fmt.Errorf("host rejected RefreshPorts")}
	}
	return nil
}

// Close disposes the client, closing its outer session and every local
// listener it opened.
func (c *TunnelRelayTunnelClient) Close() error {
	c.Dispose()

	c.outerMu.Lock()
	outer := c.outer
	c.outerMu.Unlock()
	c.closeSession(context.Background(), outer, "client-closed")

	c.listenMu.Lock()
	for _, l := range c.listeners {
		l.Close()
	}
	c.listenMu.Unlock()

	return nil
}
