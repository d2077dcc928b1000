package tunnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelaySchedule(t *testing.T) {
	assert.Equal(t, 1000*time.Millisecond, backoffDelay(0))
	assert.Equal(t, 2000*time.Millisecond, backoffDelay(1))
	assert.Equal(t, 4000*time.Millisecond, backoffDelay(2))
	assert.Equal(t, 8000*time.Millisecond, backoffDelay(3))
	assert.Equal(t, 13000*time.Millisecond, backoffDelay(4))
	assert.Equal(t, 13000*time.Millisecond, backoffDelay(5))
	assert.Equal(t, 13000*time.Millisecond, backoffDelay(100))
}

func TestRelayConnectorSucceedsAfterTransientFailures(t *testing.T) {
	events := &Events{}
	delays := []int{}
	events.OnRetryingTunnelConnection(func(err error, delayMs *int, retry *bool) {
		delays = append(delays, *delayMs)
		*delayMs = 0 // don't actually sleep in the test
	})

	connector := NewRelayConnector(zerolog.Nop(), events, nil)

	attempts := 0
	session, err := connector.Connect(context.Background(), ConnectOptions{}, func(ctx context.Context, attempt int) (*OuterSession, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("ECONNRESET")
		}
		return &OuterSession{}, nil
	})

	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1000, 2000}, delays)
}

func TestRelayConnectorGivesUpOnFatalError(t *testing.T) {
	connector := NewRelayConnector(zerolog.Nop(), &Events{}, nil)

	_, err := connector.Connect(context.Background(), ConnectOptions{}, func(ctx context.Context, attempt int) (*OuterSession, error) {
		return nil, &RelayConnectionError{StatusCode: 403, Err: errors.New("forbidden")}
	})

	require.Error(t, err)
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, ReasonAuthCancelledByUser, connErr.Reason)
}

func TestRelayConnectorRefreshesTokenOn401(t *testing.T) {
	refreshed := false
	connector := NewRelayConnector(zerolog.Nop(), &Events{}, func(ctx context.Context) error {
		refreshed = true
		return nil
	})

	attempts := 0
	_, err := connector.Connect(context.Background(), ConnectOptions{}, func(ctx context.Context, attempt int) (*OuterSession, error) {
		attempts++
		if attempts == 1 {
			return nil, &RelayConnectionError{StatusCode: 401, Err: errors.New("unauthorized")}
		}
		return &OuterSession{}, nil
	})

	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, 2, attempts)
}

func TestRelayConnectorRaisesDelayFloorOn429(t *testing.T) {
	// Literal scenario S3 (§8): first createSessionStream call throws 429,
	// second succeeds; the reported delayMs must be raised to
	// maxReconnectDelayMs/2 = 6500 even though attempt 0's schedule value
	// would otherwise be 1000.
	events := &Events{}
	var observedDelay int
	events.OnRetryingTunnelConnection(func(err error, delayMs *int, retry *bool) {
		observedDelay = *delayMs
		*delayMs = 0
	})

	connector := NewRelayConnector(zerolog.Nop(), events, nil)

	attempts := 0
	session, err := connector.Connect(context.Background(), ConnectOptions{}, func(ctx context.Context, attempt int) (*OuterSession, error) {
		attempts++
		if attempts == 1 {
			return nil, &RelayConnectionError{StatusCode: 429, Err: errors.New("rate limited")}
		}
		return &OuterSession{}, nil
	})

	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, 6500, observedDelay)
}

func TestRelayConnectorGivesUpOnServiceUnavailableAfterThreeAttempts(t *testing.T) {
	events := &Events{}
	events.OnRetryingTunnelConnection(func(err error, delayMs *int, retry *bool) {
		*delayMs = 0
	})
	connector := NewRelayConnector(zerolog.Nop(), events, nil)

	attempts := 0
	_, err := connector.Connect(context.Background(), ConnectOptions{}, func(ctx context.Context, attempt int) (*OuterSession, error) {
		attempts++
		return nil, &RelayConnectionError{StatusCode: 503, Err: errors.New("down")}
	})

	require.Error(t, err)
	assert.Equal(t, 5, attempts) // factory runs for attempt=0..4; classify(err,4,...) is the first to give up
}

func TestRelayConnectorDisableRetryAbortsImmediately(t *testing.T) {
	// Testable property 5: enableRetry=false aborts connect on the first
	// classified retryable error, without consulting the backoff schedule
	// or emitting retryingTunnelConnection.
	events := &Events{}
	fired := false
	events.OnRetryingTunnelConnection(func(err error, delayMs *int, retry *bool) {
		fired = true
	})
	connector := NewRelayConnector(zerolog.Nop(), events, nil)

	attempts := 0
	_, err := connector.Connect(context.Background(), ConnectOptions{DisableRetry: true}, func(ctx context.Context, attempt int) (*OuterSession, error) {
		attempts++
		return nil, errors.New("ECONNRESET")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.False(t, fired)
}

func TestRelayConnectorRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	connector := NewRelayConnector(zerolog.Nop(), &Events{}, nil)
	_, err := connector.Connect(ctx, ConnectOptions{}, func(ctx context.Context, attempt int) (*OuterSession, error) {
		t.Fatal("factory should not be called with an already-cancelled context")
		return nil, nil
	})

	require.Error(t, err)
	var cancelled Cancelled
	assert.True(t, errors.As(err, &cancelled))
}
