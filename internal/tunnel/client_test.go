package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newTestClient() *TunnelRelayTunnelClient {
	tunnel := &TunnelDescriptor{TunnelID: "t1"}
	return NewTunnelRelayTunnelClient(zerolog.Nop(), &fakeManagementClient{}, tunnel, ClientOptions{})
}

func portRelayRequest(t *testing.T, port int, remove bool) *ssh.Request {
	t.Helper()
	return &ssh.Request{
		Type:      reqPortRelay,
		WantReply: false,
		Payload:   ssh.Marshal(PortRelayRequest{Port: uint32(port), Remove: remove}),
	}
}

func TestWaitForForwardedPortUnblocksOnAdvertisement(t *testing.T) {
	c := newTestClient()

	done := make(chan error, 1)
	go func() {
		done <- c.WaitForForwardedPort(context.Background(), 8080)
	}()

	// Give WaitForForwardedPort a moment to start blocking before the
	// advertisement arrives, so this exercises the notify-channel wakeup
	// path rather than the immediate already-ready return.
	time.Sleep(10 * time.Millisecond)
	c.handleSessionRequest(context.Background(), portRelayRequest(t, 8080, false))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForForwardedPort did not unblock after port advertisement")
	}
}

func TestWaitForForwardedPortRespectsCancellation(t *testing.T) {
	c := newTestClient()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.WaitForForwardedPort(ctx, 8080)
	require.Error(t, err)
	var cancelled Cancelled
	assert.ErrorAs(t, err, &cancelled)
}

func TestHandleSessionRequestRemoveClearsForwardedPort(t *testing.T) {
	c := newTestClient()

	c.handleSessionRequest(context.Background(), portRelayRequest(t, 443, false))
	require.NoError(t, c.WaitForForwardedPort(context.Background(), 443))

	c.handleSessionRequest(context.Background(), portRelayRequest(t, 443, true))

	c.portsMu.Lock()
	_, stillForwarded := c.forwardedPorts[443]
	c.portsMu.Unlock()
	assert.False(t, stillForwarded)
}

func TestConnectToForwardedPortRefusesCancelledPort(t *testing.T) {
	c := newTestClient()
	c.OnPortForwarding(func(port int, cancel *bool) {
		*cancel = true
	})

	c.handleSessionRequest(context.Background(), portRelayRequest(t, 9000, false))

	_, err := c.ConnectToForwardedPort(context.Background(), 9000)
	require.Error(t, err)
}

func TestConnectToForwardedPortFailsWhenNotConnected(t *testing.T) {
	c := newTestClient()
	_, err := c.ConnectToForwardedPort(context.Background(), 1234)
	require.Error(t, err)
}

func TestPumpUntilRemoteLostReturnsTrueWhenRemoteEndsFirst(t *testing.T) {
	remoteA, remoteB := net.Pipe()
	localA, localB := net.Pipe()

	remoteB.Close() // remote side closed before any local-side activity

	done := make(chan bool, 1)
	go func() {
		done <- pumpUntilRemoteLost(&netConnStream{remoteA}, &netConnStream{localA})
	}()

	localB.Close()
	assert.True(t, <-done)
}

func TestPumpUntilRemoteLostReturnsFalseWhenLocalEndsFirst(t *testing.T) {
	remoteA, remoteB := net.Pipe()
	localA, localB := net.Pipe()

	localB.Close() // local side closed before remote-side activity

	done := make(chan bool, 1)
	go func() {
		done <- pumpUntilRemoteLost(&netConnStream{remoteA}, &netConnStream{localA})
	}()

	remoteB.Close()
	assert.False(t, <-done)
}

func TestRetryPendingE2EEStreamsForPortOnlyRetriesMatchingPort(t *testing.T) {
	c := newTestClient()
	c.opts.RequestE2EE = true

	localA, localB := net.Pipe()
	_, other := net.Pipe()

	c.pendingMu.Lock()
	c.pendingE2EE = []pendingStream{
		{port: 80, local: &netConnStream{localA}},
		{port: 81, local: &netConnStream{other}},
	}
	c.pendingMu.Unlock()

	// No outer session is connected, so retried pumpResilient calls fail
	// ConnectToForwardedPort immediately and close their local stream;
	// this still proves only the port-80 entry was dequeued and retried.
	c.retryPendingE2EEStreamsForPort(context.Background(), 80)

	time.Sleep(20 * time.Millisecond)
	c.pendingMu.Lock()
	remaining := append([]pendingStream{}, c.pendingE2EE...)
	c.pendingMu.Unlock()

	require.Len(t, remaining, 1)
	assert.Equal(t, 81, remaining[0].port)

	localB.Close()
}

func TestServeReturnsDisconnectedWhenReconnectDisabled(t *testing.T) {
	c := newTestClient()
	c.opts.DisableReconnect = true
	require.NoError(t, c.SetStatus(StatusConnecting, nil, ReasonNone))
	require.NoError(t, c.SetStatus(StatusConnected, nil, ReasonNone))

	clientConn, serverConn := net.Pipe()
	signer, err := generateHostKeyPair()
	require.NoError(t, err)

	serverDone := make(chan *OuterSession, 1)
	go func() {
		s, _ := acceptOuterServer(context.Background(), serverConn, hostServerConfig(signer), ProtocolV2)
		serverDone <- s
	}()
	session, err := dialOuterClient(context.Background(), clientConn, "relay", clientOuterConfig(acceptAnyHostKey), ProtocolV2)
	require.NoError(t, err)
	serverSession := <-serverDone

	done := make(chan struct{})
	go func() {
		c.serve(context.Background(), session)
		close(done)
	}()

	_ = serverSession.Close() // drop the connection so serveOnce returns

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve did not return after the session dropped with DisableReconnect set")
	}
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestHandleKeepAliveRequestRepliesTrue(t *testing.T) {
	assert.True(t, handleKeepAliveRequest(&ssh.Request{Type: reqKeepAlive, WantReply: false}))
	assert.False(t, handleKeepAliveRequest(&ssh.Request{Type: reqPortRelay, WantReply: false}))
}
