package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionValidPaths(t *testing.T) {
	assert.True(t, CanTransition(StatusNone, StatusConnecting))
	assert.True(t, CanTransition(StatusConnecting, StatusRefreshingTunnelAccessToken))
	assert.True(t, CanTransition(StatusConnecting, StatusConnected))
	assert.True(t, CanTransition(StatusRefreshingTunnelAccessToken, StatusConnecting))
	assert.True(t, CanTransition(StatusConnected, StatusDisconnected))
	assert.True(t, CanTransition(StatusDisconnected, StatusDisconnected))
}

func TestCanTransitionInvalidPaths(t *testing.T) {
	assert.False(t, CanTransition(StatusNone, StatusConnected))
	assert.False(t, CanTransition(StatusConnected, StatusConnecting))
	assert.False(t, CanTransition(StatusDisconnected, StatusConnecting))
	assert.False(t, CanTransition(StatusRefreshingTunnelAccessToken, StatusConnected))
}

func TestDisconnectReasonString(t *testing.T) {
	assert.Equal(t, "connectionLost", ReasonConnectionLost.String())
	assert.Equal(t, "tooManyConnections", ReasonTooManyConnections.String())
	assert.Equal(t, "none", ReasonNone.String())
}
