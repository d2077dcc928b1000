package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TunnelConnectionSession extends TunnelConnection with ownership of the
// tunnel descriptor and the management-client collaboration needed to
// refresh it and its access tokens (§4.3). TunnelRelayTunnelClient and
// TunnelRelayTunnelHost both embed this rather than duplicating it.
type TunnelConnectionSession struct {
	*TunnelConnection

	mgmt ManagementClient

	mu     sync.RWMutex
	tunnel *TunnelDescriptor
	scope  AccessTokenScope

	connector *RelayConnector
}

// NewTunnelConnectionSession wires a session around an existing tunnel
// descriptor and the management client used to refresh it.
func NewTunnelConnectionSession(log zerolog.Logger, mgmt ManagementClient, tunnel *TunnelDescriptor, scope AccessTokenScope) *TunnelConnectionSession {
	base := NewTunnelConnection(log)
	s := &TunnelConnectionSession{
		TunnelConnection: base,
		mgmt:             mgmt,
		tunnel:           tunnel,
		scope:            scope,
	}
	s.SetRefreshingTunnelAccessToken(s.defaultRefreshToken)
	s.SetRefreshingTunnel(s.defaultRefreshTunnel)
	s.connector = NewRelayConnector(log, &s.Events, s.refreshTunnelAccessToken)
	return s
}

// Tunnel returns the currently held descriptor (§4.1 "Tunnel/token
// ownership").
func (s *TunnelConnectionSession) Tunnel() *TunnelDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tunnel
}

// AccessToken returns the scoped token currently recorded on the tunnel
// descriptor, invoking the refreshingTunnelAccessToken handler first if
// the recorded one is absent or expired.
func (s *TunnelConnectionSession) AccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	tunnel := s.tunnel
	scope := s.scope
	s.mu.RUnlock()

	if tunnel != nil {
		if tok, ok := tunnel.AccessToken(scope); ok {
			return tok, nil
		}
	}
	if err := s.refreshTunnelAccessToken(ctx); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tunnel == nil {
		return "", fmt.Errorf("no tunnel descriptor to hold the refreshed %s token", scope)
	}
	return s.tunnel.AccessTokens[scope], nil
}

// refreshTunnelAccessToken invokes the single refreshingTunnelAccessToken
// handler slot and stores the result on the descriptor (§4.3 step 2).
func (s *TunnelConnectionSession) refreshTunnelAccessToken(ctx context.Context) error {
	h := s.Events.refreshTokenHandler()
	if h == nil {
		return fmt.Errorf("no refreshingTunnelAccessToken handler registered")
	}

	prevStatus := s.Status()
	if err := s.SetStatus(StatusRefreshingTunnelAccessToken, nil, ReasonNone); err != nil {
		return err
	}

	tok, err := h(ctx, s.scope)
	if err != nil {
		_ = s.SetStatus(prevStatus, nil, ReasonNone)
		return err
	}

	s.mu.Lock()
	if s.tunnel != nil {
		if s.tunnel.AccessTokens == nil {
			s.tunnel.AccessTokens = map[AccessTokenScope]string{}
		}
		s.tunnel.AccessTokens[s.scope] = tok
	}
	s.mu.Unlock()

	return s.SetStatus(prevStatus, nil, ReasonNone)
}

// refreshTunnel invokes the single refreshingTunnel handler slot and
// replaces the held descriptor wholesale (§4.3 step 3). The host calls it
// from advertisePorts (on start, after reconnect and on a RefreshPorts
// request); the client calls it after a failed V1 outer handshake to pick
// up fresh host keys.
func (s *TunnelConnectionSession) refreshTunnel(ctx context.Context, includePorts bool) (*TunnelDescriptor, error) {
	h := s.Events.refreshTunnelHandler()
	s.mu.RLock()
	current := s.tunnel
	s.mu.RUnlock()

	if h == nil {
		return current, nil
	}

	updated, err := h(ctx, current, includePorts)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, nil
	}

	s.mu.Lock()
	s.tunnel = updated
	s.mu.Unlock()

	return updated, nil
}

// defaultRefreshToken is the ManagementClient-backed implementation
// installed unless the caller overrides it with SetRefreshingTunnelAccessToken.
func (s *TunnelConnectionSession) defaultRefreshToken(ctx context.Context, scope AccessTokenScope) (string, error) {
	if s.mgmt == nil {
		return "", fmt.Errorf("no management client configured to refresh access tokens")
	}
	s.mu.RLock()
	current := s.tunnel
	s.mu.RUnlock()

	refreshed, err := s.mgmt.GetTunnel(ctx, current, false)
	if err != nil {
		return "", err
	}
	if refreshed == nil {
		return "", fmt.Errorf("tunnel no longer exists")
	}
	tok, ok := refreshed.AccessToken(scope)
	if !ok {
		return "", fmt.Errorf("management client did not return a %s token", scope)
	}
	return tok, nil
}

// defaultRefreshTunnel is the ManagementClient-backed implementation
// installed unless the caller overrides it with SetRefreshingTunnel.
func (s *TunnelConnectionSession) defaultRefreshTunnel(ctx context.Context, tunnel *TunnelDescriptor, includePorts bool) (*TunnelDescriptor, error) {
	if s.mgmt == nil {
		return tunnel, nil
	}
	return s.mgmt.GetTunnel(ctx, tunnel, includePorts)
}

// closeSession closes and releases only the given OuterSecureChannelSession
// (§4.3 step 5), reporting the closure to the management client for
// diagnostics. It does not dispose the connection itself: the retry loop in
// client.go/host.go keeps running and may open a fresh OuterSession
// afterward. It is idempotent per session — closing session's underlying
// ssh.Conn a second time is a harmless no-op (ssh.Conn.Close() itself
// already tolerates repeat calls), and session is discarded by the caller
// either way.
func (s *TunnelConnectionSession) closeSession(ctx context.Context, session *OuterSession, event string) {
	if session != nil {
		session.Close()
	}
	if s.mgmt != nil {
		s.mu.RLock()
		tunnel := s.tunnel
		s.mu.RUnlock()
		if tunnel != nil {
			s.mgmt.ReportEvent(ctx, tunnel, event)
		}
	}
}

// runKeepAlive drives the reqKeepAlive session request at interval for as
// long as ctx stays alive, emitting keepAliveSucceeded/keepAliveFailed per
// round trip (§5). Both TunnelRelayTunnelClient and TunnelRelayTunnelHost
// start one of these per outer session and let it die with that session's
// context; a failed round trip stops the loop and leaves reconnection to
// the owning serve loop, which will notice the session is gone via its own
// channel/request reads.
func (s *TunnelConnectionSession) runKeepAlive(ctx context.Context, session *OuterSession, interval time.Duration) {
	if interval <= 0 || session == nil || session.Conn == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	successes := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, _, err := session.Conn.SendRequest(reqKeepAlive, true, nil)
			if err != nil || !ok {
				s.Events.emitKeepAliveFailed(successes)
				return
			}
			successes++
			s.Events.emitKeepAliveSucceeded(successes)
		}
	}
}

// handleKeepAliveRequest answers a reqKeepAlive global request from the
// peer's own runKeepAlive loop; both client and host reply true to a
// well-formed keepalive.
func handleKeepAliveRequest(req *ssh.Request) bool {
	if req.Type != reqKeepAlive {
		return false
	}
	if req.WantReply {
		_ = req.Reply(true, nil)
	}
	return true
}

// startReconnectingIfNotDisposed re-enters StatusConnecting unless the
// session has been disposed in the meantime (§4.2 step 1's guard). The
// client's Connect and the host's Start call it; the serve loops' redials
// do not.
func (s *TunnelConnectionSession) startReconnectingIfNotDisposed() bool {
	if s.IsDisposed() {
		return false
	}
	return s.SetStatus(StatusConnecting, nil, ReasonNone) == nil
}
