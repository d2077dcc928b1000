package tunnel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cl := classify(wrapCancellation(ctx), 0, false)
	assert.False(t, cl.retry)
	assert.Equal(t, ReasonByApplication, cl.reason)
}

func TestClassifyDisposed(t *testing.T) {
	cl := classify(ErrDisposed, 0, false)
	assert.False(t, cl.retry)
	assert.Equal(t, ReasonByApplication, cl.reason)
}

func TestClassifyTooManyConnections(t *testing.T) {
	cl := classify(&TooManyConnectionsError{Err: errors.New("x")}, 0, false)
	assert.False(t, cl.retry)
	assert.Equal(t, ReasonTooManyConnections, cl.reason)
}

func TestClassifyUnauthorizedRefreshesOnce(t *testing.T) {
	err := &RelayConnectionError{StatusCode: 401, Err: errors.New("unauthorized")}

	first := classify(err, 0, false)
	assert.True(t, first.retry)
	assert.True(t, first.refreshToken)
	assert.True(t, first.noDelay)

	second := classify(err, 1, true)
	assert.False(t, second.retry)
}

func TestClassifyForbidden(t *testing.T) {
	cl := classify(&RelayConnectionError{StatusCode: 403, Err: errors.New("forbidden")}, 0, false)
	assert.False(t, cl.retry)
	assert.Equal(t, ReasonAuthCancelledByUser, cl.reason)
}

func TestClassifyNotFound(t *testing.T) {
	cl := classify(&RelayConnectionError{StatusCode: 404, Err: errors.New("missing")}, 0, false)
	assert.False(t, cl.retry)
	assert.Equal(t, ReasonNone, cl.reason)
}

func TestClassifyServiceUnavailableRetriesUpToThree(t *testing.T) {
	err := &RelayConnectionError{StatusCode: 503, Err: errors.New("down")}

	assert.True(t, classify(err, 0, false).retry)
	assert.True(t, classify(err, 3, false).retry)
	assert.False(t, classify(err, 4, false).retry)
}

func TestClassifyTransientNetworkError(t *testing.T) {
	cl := classify(errors.New("dial tcp: connect: ECONNREFUSED"), 0, false)
	assert.True(t, cl.retry)
	assert.Equal(t, ReasonConnectionLost, cl.reason)
}

func TestClassifyUnknownFatal(t *testing.T) {
	cl := classify(errors.New("some unrelated failure"), 0, false)
	assert.False(t, cl.retry)
	assert.Equal(t, ReasonNone, cl.reason)
}

func TestClassifySecureChannelConnectionLost(t *testing.T) {
	cl := classify(&SecureChannelError{ConnectionLost: true, Err: errors.New("eof")}, 0, false)
	assert.True(t, cl.retry)
	assert.Equal(t, ReasonConnectionLost, cl.reason)
}

func TestClassifyReconnectProtocolError(t *testing.T) {
	cl := classify(&reconnectProtocolError{Err: errors.New("bad handshake")}, 0, false)
	assert.True(t, cl.retry)
	assert.True(t, cl.noDelay)
	assert.Equal(t, ReasonProtocolError, cl.reason)
}
