package tunnel

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// TunnelConnection is the status-and-events base every session type
// embeds (§4.1). It owns connectionStatus, the terminal disconnect error
// and reason, and the dispose lifecycle; it knows nothing about relays,
// secure channels, or ports.
type TunnelConnection struct {
	Events

	log zerolog.Logger

	mu              sync.Mutex
	status          ConnectionStatus
	disconnectError error
	disconnectReason DisconnectReason
	disposed        bool

	disposeCtx    context.Context
	disposeCancel context.CancelFunc
}

// NewTunnelConnection constructs a base with status None and a dispose
// token that is the parent of every per-operation cancellation derived
// from it (§9 "Cancellation tokens").
func NewTunnelConnection(log zerolog.Logger) *TunnelConnection {
	ctx, cancel := context.WithCancel(context.Background())
	return &TunnelConnection{
		log:           log,
		status:        StatusNone,
		disposeCtx:    ctx,
		disposeCancel: cancel,
	}
}

// Status returns the current connection status.
func (c *TunnelConnection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// DisconnectError returns the terminal error recorded on the last
// transition into Disconnected, if any.
func (c *TunnelConnection) DisconnectError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectError
}

// DisconnectReason returns the reason recorded alongside DisconnectError.
func (c *TunnelConnection) DisconnectReason() DisconnectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectReason
}

// IsDisposed reports whether dispose() has completed.
func (c *TunnelConnection) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// DisposeContext returns the cancellation context that dispose() cancels.
// Every long-running operation should derive a child context from it.
func (c *TunnelConnection) DisposeContext() context.Context {
	return c.disposeCtx
}

// SetStatus transitions to status, validating the DAG in §3 invariant 2
// and failing with Disposed if the connection has already been disposed
// and the target is not Disconnected (§4.1 contract).
func (c *TunnelConnection) SetStatus(status ConnectionStatus, disconnectErr error, reason DisconnectReason) error {
	c.mu.Lock()
	if c.disposed && status != StatusDisconnected {
		c.mu.Unlock()
		return ErrDisposed
	}
	previous := c.status
	if previous == status {
		c.mu.Unlock()
		return nil
	}
	if !CanTransition(previous, status) {
		c.mu.Unlock()
		return fmt.Errorf("invalid connectionStatus transition %s -> %s", previous, status)
	}
	c.status = status
	if status == StatusDisconnected {
		c.disconnectError = disconnectErr
		c.disconnectReason = reason
	}
	c.mu.Unlock()

	c.log.Debug().Str("from", previous.String()).Str("to", status.String()).Msg("connection status changed")
	c.emitStatusChanged(previous, status, disconnectErr)
	return nil
}

// Dispose cancels the dispose token, forces a transition to Disconnected
// (idempotent: the second call is a no-op and fires no further events) and
// marks the connection so that subsequent connect() calls fail.
func (c *TunnelConnection) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	previous := c.status
	c.status = StatusDisconnected
	if c.disconnectReason == ReasonNone {
		c.disconnectReason = ReasonByApplication
	}
	c.mu.Unlock()

	c.disposeCancel()

	if previous != StatusDisconnected {
		c.log.Debug().Str("from", previous.String()).Msg("connection disposed")
		c.emitStatusChanged(previous, StatusDisconnected, c.disconnectError)
	}
}
