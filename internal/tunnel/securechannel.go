package tunnel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// OuterSession bundles the three values an ssh handshake produces plus the
// negotiated protocol version and relay session id (§4.2 step 4, §4.4 step
// 7). The core never reaches into an *ssh.Client directly — every caller
// goes through this type so V1/V2 dispatch stays in one place.
type OuterSession struct {
	Conn     ssh.Conn
	Channels <-chan ssh.NewChannel
	Requests <-chan *ssh.Request
	Version  ProtocolVersion
	// SessionID is the SSH session identifier of the outer handshake.
	// acceptOuterServer fills it in; dialOuterClient leaves it empty.
	SessionID string
}

// Close tears down the underlying ssh.Conn. Draining Channels/Requests is
// the caller's responsibility up to that point.
func (s *OuterSession) Close() error {
	if s.Conn == nil {
		return nil
	}
	return s.Conn.Close()
}

// generateHostKeyPair creates the ECDSA P-384 host key pair a
// TunnelRelayTunnelHost advertises via the tunnel endpoint (§4.5 step 1).
func generateHostKeyPair() (ssh.Signer, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("wrap host key: %w", err)
	}
	return signer, nil
}

// encodeHostPublicKey renders an ssh.PublicKey the way the management
// client and descriptor.TunnelEndpoint.HostPublicKeys store it: base64 of
// the marshalled wire key, with no "ssh-<type> " prefix or comment (§4.5
// step 2, a devtunnels wire convention rather than the authorized_keys
// format).
func encodeHostPublicKey(pub ssh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Marshal())
}

// decodeHostPublicKey parses one entry of TunnelEndpoint.HostPublicKeys.
func decodeHostPublicKey(encoded string) (ssh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode host public key: %w", err)
	}
	return ssh.ParsePublicKey(raw)
}

// hostKeyVerifier builds an ssh.HostKeyCallback that accepts only keys
// matching one of the endpoint's advertised host public keys (§4.4 step 6).
// When the list is empty, it rejects everything — callers that haven't
// fetched endpoint metadata yet must not dial with this callback.
func hostKeyVerifier(encodedKeys []string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		for _, encoded := range encodedKeys {
			want, err := decodeHostPublicKey(encoded)
			if err != nil {
				continue
			}
			if want.Type() == key.Type() && string(want.Marshal()) == string(key.Marshal()) {
				return nil
			}
		}
		return fmt.Errorf("host key verification failed: presented key matches none of %d advertised keys", len(encodedKeys))
	}
}

// acceptAnyHostKey is the V2 host-key callback: the outer session's peer is
// the relay itself, already authenticated by the WSS handshake and the
// tunnel access token, so the core does not re-verify an SSH host key for
// it (§4.4 step 6 note, §9 "V1 vs V2 host identity").
func acceptAnyHostKey(string, net.Addr, ssh.PublicKey) error { return nil }

// clientOuterConfig builds the ssh.ClientConfig used to bootstrap the
// outer connection. In V1 this authenticates the remote host directly
// (hostKeyCallback must be hostKeyVerifier); in V2 it authenticates the
// relay (acceptAnyHostKey).
func clientOuterConfig(hostKeyCallback ssh.HostKeyCallback) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            "tunnel",
		Auth:            nil, // "none" auth; the relay/host already authenticated the WS handshake
		HostKeyCallback: hostKeyCallback,
	}
}

// hostServerConfig builds the ssh.ServerConfig a TunnelRelayTunnelHost uses
// for the nested per-client server handshake in V1 (§4.5 step 4). No
// client authentication is required past the outer relay/token handshake,
// so NoClientAuth is set.
func hostServerConfig(signer ssh.Signer) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)
	return cfg
}

// dialOuterClient performs the ssh.NewClientConn handshake over conn and
// returns it as an OuterSession tagged with version. Both client and host
// use this for their outer connection; only the config's HostKeyCallback
// differs by version and role.
func dialOuterClient(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig, version ProtocolVersion) (*OuterSession, error) {
	type result struct {
		sc   ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		done <- result{sc, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		<-done
		return nil, wrapCancellation(ctx)
	case r := <-done:
		if r.err != nil {
			// The handshake owns conn from here on only on success; on
			// failure nothing else will ever close it, so close the
			// partially-opened stream here (§4.2 step 4).
			conn.Close()
			return nil, &SecureChannelError{ConnectionLost: isTransientNetworkError(r.err), Err: r.err}
		}
		return &OuterSession{Conn: r.sc, Channels: r.chans, Requests: r.reqs, Version: version}, nil
	}
}

// acceptOuterServer performs the ssh.NewServerConn handshake over conn,
// used by the host for its V1 nested per-client session (§4.5 step 4).
func acceptOuterServer(ctx context.Context, conn net.Conn, cfg *ssh.ServerConfig, version ProtocolVersion) (*OuterSession, error) {
	type result struct {
		sc    *ssh.ServerConn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}
	done := make(chan result, 1)
	go func() {
		sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
		done <- result{sc, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		<-done
		return nil, wrapCancellation(ctx)
	case r := <-done:
		if r.err != nil {
			conn.Close()
			return nil, &SecureChannelError{ConnectionLost: isTransientNetworkError(r.err), Err: r.err}
		}
		return &OuterSession{Conn: r.sc, Channels: r.chans, Requests: r.reqs, Version: version, SessionID: string(r.sc.SessionID())}, nil
	}
}

// discardRequests answers every global request on reqs with a reject; used
// for channels/connections the core does not expect server-initiated
// global requests on.
func discardRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

// openE2EEDataChannel is the client side of §4.4 step 8's E2EE data
// channel: once the nested handshake over a chanPortConnect channel
// completes, the application bytes ride a fresh channel on that inner
// ssh.Conn rather than the raw (now-encrypted-twice) outer channel.
func openE2EEDataChannel(inner *OuterSession) (ssh.Channel, error) {
	ch, reqs, err := inner.Conn.OpenChannel(chanE2EEData, nil)
	if err != nil {
		return nil, err
	}
	go discardRequests(reqs)
	return ch, nil
}

// acceptE2EEDataChannel is the host side of openE2EEDataChannel: it waits
// for the one data channel the client opens on the nested session.
func acceptE2EEDataChannel(ctx context.Context, inner *OuterSession) (ssh.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, wrapCancellation(ctx)
	case nc, ok := <-inner.Channels:
		if !ok {
			return nil, &SecureChannelError{ConnectionLost: true, Err: fmt.Errorf("nested e2ee session closed before data channel opened")}
		}
		if nc.ChannelType() != chanE2EEData {
			_ = nc.Reject(ssh.UnknownChannelType, "expected e2ee data channel")
			return nil, fmt.Errorf("unexpected channel type %q on nested e2ee session", nc.ChannelType())
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			return nil, err
		}
		go discardRequests(reqs)
		return ch, nil
	}
}

// marshalHostKeyForDisplay encodes the host's public key as PKIX DER for
// display purposes (§4.5 step 1 note); the wire format itself only ever
// uses the raw SSH public key via encodeHostPublicKey.
func marshalHostKeyForDisplay(pub ssh.PublicKey) ([]byte, error) {
	cryptoPub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("host key does not expose a crypto.PublicKey")
	}
	return x509.MarshalPKIXPublicKey(cryptoPub.CryptoPublicKey())
}
