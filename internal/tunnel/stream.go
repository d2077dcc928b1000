package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to net.Conn so it can be handed to
// golang.org/x/crypto/ssh unmodified. Reads flatten successive binary
// messages into a continuous byte stream; writes send one binary message
// per call. Concurrent writers are serialized — gorilla/websocket
// connections are not safe for concurrent writes.
type wsConn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// relayDialOptions configures createRelayStream.
type relayDialOptions struct {
	URI          string
	AccessToken  string
	Subprotocols []string
	ForBrowser   bool // append token as a sub-protocol instead of a header (§6)
	TLSConfig    *tls.Config
}

// createRelayStream dials the relay WebSocket and returns the byte stream
// plus the negotiated sub-protocol (§4.2 "createSessionStream", §6).
func createRelayStream(ctx context.Context, opts relayDialOptions) (net.Conn, string, error) {
	subprotocols := opts.Subprotocols
	header := http.Header{}

	if opts.ForBrowser {
		subprotocols = append(append([]string{}, subprotocols...), opts.AccessToken)
	} else if opts.AccessToken != "" {
		header.Set("Authorization", "tunnel "+opts.AccessToken)
	}

	dialer := &websocket.Dialer{
		Subprotocols:     subprotocols,
		HandshakeTimeout: 30 * time.Second,
		TLSClientConfig:  opts.TLSConfig,
	}

	ws, resp, err := dialer.DialContext(ctx, opts.URI, header)
	if err != nil {
		if resp != nil {
			return nil, "", &RelayConnectionError{StatusCode: resp.StatusCode, Err: err}
		}
		if isTransientNetworkError(err) || ctx.Err() != nil {
			return nil, "", err
		}
		return nil, "", &RelayConnectionError{StatusCode: 0, Err: err}
	}

	return newWSConn(ws), ws.Subprotocol(), nil
}

// createTCPListener implements §4.6: try localPort, localPort+1, ...,
// localPort+9; if canChangePort permits and all fail, bind port 0.
func createTCPListener(ctx context.Context, localAddress string, localPort int, canChangePort bool) (net.Listener, error) {
	addr := normalizeLocalAddress(localAddress)

	var lastErr error
	for offset := 0; offset <= 9; offset++ {
		if err := ctx.Err(); err != nil {
			return nil, wrapCancellation(ctx)
		}
		candidate := fmt.Sprintf("%s:%d", addr, localPort+offset)
		l, err := (&net.ListenConfig{}).Listen(ctx, "tcp", candidate)
		if err == nil {
			return l, nil
		}
		lastErr = err
		if !isAddrInUse(err) {
			return nil, err
		}
	}

	if !canChangePort {
		return nil, fmt.Errorf("all candidate ports in use: %w", lastErr)
	}

	return (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf("%s:0", addr))
}

// normalizeLocalAddress maps the configured local address to a concrete
// bind address, translating wildcard/loopback forms between IPv4 and IPv6
// the way §4.6 requires.
func normalizeLocalAddress(localAddress string) string {
	switch localAddress {
	case "", "0.0.0.0", "*":
		return "0.0.0.0"
	case "::", "[::]":
		return "[::]"
	case "localhost", "127.0.0.1":
		return "127.0.0.1"
	case "::1", "[::1]":
		return "[::1]"
	default:
		return localAddress
	}
}

func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use") ||
		strings.Contains(err.Error(), "bind: ") ||
		strings.Contains(strings.ToUpper(err.Error()), "EADDRINUSE")
}
