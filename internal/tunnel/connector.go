package tunnel

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// maxReconnectDelay is §3 invariant 6's cap (maxReconnectDelayMs = 13000),
// also the basis for the 429/502/503 floor in classify() (§4.2 step 3).
const maxReconnectDelay = 13000 * time.Millisecond

// backoffSchedule is the deterministic delay sequence of §3 invariant 6:
// 1s, 2s, 4s, 8s, 13s, 13s, ... — capped at 13s, with no jitter. The
// teacher's client applies +/-20% jitter to a similar sequence; that is
// deliberately dropped here so retry timing stays reproducible in tests.
var backoffSchedule = []time.Duration{
	1000 * time.Millisecond,
	2000 * time.Millisecond,
	4000 * time.Millisecond,
	8000 * time.Millisecond,
	maxReconnectDelay,
}

func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// sessionFactory opens one outer secure-channel session attempt. Each
// RelayConnector caller supplies its own (client vs host dial logic,
// V1 vs V2 branching); the connector itself only drives retries.
type sessionFactory func(ctx context.Context, attempt int) (*OuterSession, error)

// ConnectOptions mirrors §4.2 step 1's per-call {enableRetry,
// enableReconnect, keepAliveIntervalInSeconds, hostId, httpAgent} bundle.
// Booleans are phrased as "Disable*" so the Go zero value (both retry and
// reconnect enabled) matches the spec's default, rather than requiring
// every caller to opt back in. hostId is carried on ClientOptions/
// HostOptions instead, since it is also needed outside Connect (endpoint
// selection). httpAgent has no Go equivalent — TLS/transport configuration
// already rides on relayDialOptions.TLSConfig.
type ConnectOptions struct {
	// DisableRetry corresponds to enableRetry=false: the first classified
	// retryable error aborts Connect immediately (testable property 5).
	DisableRetry bool
	// DisableReconnect corresponds to enableReconnect=false. Neither Connect
	// nor the serve loops read this field: the serve loops use
	// ClientOptions.DisableReconnect / HostOptions.DisableReconnect.
	DisableReconnect bool
	// KeepAliveInterval mirrors keepAliveIntervalInSeconds. Nothing reads
	// this field: the keepalive loop takes its interval from
	// ClientOptions.KeepAliveInterval / HostOptions.KeepAliveInterval.
	KeepAliveInterval time.Duration
}

// RelayConnector owns the retry loop of §4.2: it calls factory, classifies
// any failure, optionally refreshes the tunnel access token through
// refreshToken, waits out the backoff schedule, and emits
// retryingTunnelConnection between attempts. It holds no session state of
// its own — TunnelConnectionSession supplies that.
type RelayConnector struct {
	log          zerolog.Logger
	events       *Events
	refreshToken func(ctx context.Context) error
}

func NewRelayConnector(log zerolog.Logger, events *Events, refreshToken func(ctx context.Context) error) *RelayConnector {
	return &RelayConnector{log: log, events: events, refreshToken: refreshToken}
}

// Connect drives factory until it succeeds or classify() decides not to
// retry, returning the resulting OuterSession or the final error. When
// opts.DisableRetry is set, the first classified retryable error still
// aborts Connect immediately (testable property 5, enableRetry=false).
func (c *RelayConnector) Connect(ctx context.Context, opts ConnectOptions, factory sessionFactory) (*OuterSession, error) {
	attempt := 0
	tokenRefreshed := false
	protocolErrorRetried := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, wrapCancellation(ctx)
		}

		session, err := factory(ctx, attempt)
		if err == nil {
			return session, nil
		}

		cl := classify(err, attempt, tokenRefreshed)
		if cl.reason == ReasonProtocolError {
			if protocolErrorRetried {
				cl.retry = false
			}
			protocolErrorRetried = true
		}
		if !cl.retry || opts.DisableRetry {
			return nil, NewConnectionError(cl.reason, cl.statusCode, err)
		}

		if cl.refreshToken && c.refreshToken != nil {
			if rerr := c.refreshToken(ctx); rerr != nil {
				return nil, NewConnectionError(ReasonAuthCancelledByUser, cl.statusCode, rerr)
			}
			tokenRefreshed = true
		}

		delay := time.Duration(0)
		if !cl.noDelay {
			delay = backoffDelay(attempt)
			if cl.minDelay > delay {
				delay = cl.minDelay
			}
		}

		if c.events != nil {
			delayMs, retry := c.events.emitRetrying(err, int(delay/time.Millisecond))
			if !retry {
				return nil, NewConnectionError(cl.reason, cl.statusCode, err)
			}
			delay = time.Duration(delayMs) * time.Millisecond
		}

		c.log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying tunnel connection")

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, wrapCancellation(ctx)
			case <-timer.C:
			}
		}

		attempt++
	}
}
