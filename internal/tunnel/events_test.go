package tunnel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitStatusChangedOrdering(t *testing.T) {
	e := &Events{}
	var order []string
	e.OnConnectionStatusChanged(func(previous, current ConnectionStatus, err error) {
		order = append(order, "first")
	})
	e.OnConnectionStatusChanged(func(previous, current ConnectionStatus, err error) {
		order = append(order, "second")
	})

	e.emitStatusChanged(StatusNone, StatusConnecting, nil)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestEmitRetryingLastHandlerCanCancel(t *testing.T) {
	e := &Events{}
	e.OnRetryingTunnelConnection(func(err error, delayMs *int, retry *bool) {
		*delayMs = 500
	})
	e.OnRetryingTunnelConnection(func(err error, delayMs *int, retry *bool) {
		*retry = false
	})

	delay, retry := e.emitRetrying(nil, 1000)
	assert.Equal(t, 500, delay)
	assert.False(t, retry)
}

func TestEmitPortForwardingCancel(t *testing.T) {
	e := &Events{}
	e.OnPortForwarding(func(port int, cancel *bool) {
		if port == 8080 {
			*cancel = true
		}
	})

	assert.True(t, e.emitPortForwarding(8080))
	assert.False(t, e.emitPortForwarding(9090))
}

func TestRefreshTokenHandlerSingleSlotLastWins(t *testing.T) {
	e := &Events{}
	e.SetRefreshingTunnelAccessToken(func(ctx context.Context, scope AccessTokenScope) (string, error) {
		return "first", nil
	})
	assert.NotNil(t, e.refreshTokenHandler())

	e.SetRefreshingTunnelAccessToken(nil)
	assert.Nil(t, e.refreshTokenHandler())
}
