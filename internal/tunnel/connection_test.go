package tunnel

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetStatusValidTransition(t *testing.T) {
	c := NewTunnelConnection(zerolog.Nop())
	require.NoError(t, c.SetStatus(StatusConnecting, nil, ReasonNone))
	assert.Equal(t, StatusConnecting, c.Status())
}

func TestSetStatusInvalidTransitionRejected(t *testing.T) {
	c := NewTunnelConnection(zerolog.Nop())
	err := c.SetStatus(StatusConnected, nil, ReasonNone)
	require.Error(t, err)
	assert.Equal(t, StatusNone, c.Status())
}

func TestSetStatusRecordsDisconnectErrorAndReason(t *testing.T) {
	c := NewTunnelConnection(zerolog.Nop())
	require.NoError(t, c.SetStatus(StatusConnecting, nil, ReasonNone))
	require.NoError(t, c.SetStatus(StatusConnected, nil, ReasonNone))

	disconnectErr := assert.AnError
	require.NoError(t, c.SetStatus(StatusDisconnected, disconnectErr, ReasonConnectionLost))
	assert.Equal(t, disconnectErr, c.DisconnectError())
	assert.Equal(t, ReasonConnectionLost, c.DisconnectReason())
}

func TestDisposeIsIdempotentAndFiresOnce(t *testing.T) {
	c := NewTunnelConnection(zerolog.Nop())
	require.NoError(t, c.SetStatus(StatusConnecting, nil, ReasonNone))

	var transitions int
	c.OnConnectionStatusChanged(func(previous, current ConnectionStatus, err error) {
		transitions++
	})

	c.Dispose()
	c.Dispose()

	assert.True(t, c.IsDisposed())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, 1, transitions)
	assert.Error(t, c.DisposeContext().Err())
}

func TestSetStatusAfterDisposeFails(t *testing.T) {
	c := NewTunnelConnection(zerolog.Nop())
	c.Dispose()

	err := c.SetStatus(StatusConnecting, nil, ReasonNone)
	assert.ErrorIs(t, err, ErrDisposed)
}
