package tunnel

import (
	"context"
	"sync"
)

// StatusChangedHandler observes connectionStatusChanged events.
type StatusChangedHandler func(previous, current ConnectionStatus, disconnectError error)

// RetryingHandler observes retryingTunnelConnection. It may mutate delayMs
// and clear retry to cancel the attempt, matching §4.2 step 2.
type RetryingHandler func(err error, delayMs *int, retry *bool)

// PortForwardingHandler observes portForwarding (client only). Setting
// *cancel true refuses the remote forward for that port.
type PortForwardingHandler func(portNumber int, cancel *bool)

// ForwardedPortConnectingHandler observes forwardedPortConnecting. It may
// replace stream with a wrapped one by returning a non-nil replacement.
type ForwardedPortConnectingHandler func(port int, stream ForwardedPortStream) ForwardedPortStream

// RefreshTokenHandler answers refreshingTunnelAccessToken: a request/response
// event with exactly one expected observer, modeled as a function slot
// rather than a multicast list.
type RefreshTokenHandler func(ctx context.Context, scope AccessTokenScope) (string, error)

// RefreshTunnelHandler answers refreshingTunnel the same way.
type RefreshTunnelHandler func(ctx context.Context, tunnel *TunnelDescriptor, includePorts bool) (*TunnelDescriptor, error)

// eventSink is a minimal ordered multicast list, guarded by a mutex, used
// for every notification-only event. Handlers run synchronously in
// registration order on the emitting goroutine — callers that need
// concurrency fan out themselves, so emission order is the only guarantee
// the core makes.
type eventSink[T any] struct {
	mu       sync.Mutex
	handlers []T
}

func (s *eventSink[T]) Subscribe(h T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *eventSink[T]) Snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, len(s.handlers))
	copy(out, s.handlers)
	return out
}

func (s *eventSink[T]) IsSubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers) > 0
}

// Events holds every event slot a TunnelConnection publishes.
type Events struct {
	connectionStatusChanged  eventSink[StatusChangedHandler]
	retryingTunnelConnection eventSink[RetryingHandler]
	portForwarding           eventSink[PortForwardingHandler]
	forwardedPortConnecting  eventSink[ForwardedPortConnectingHandler]
	keepAliveFailed          eventSink[func(count int)]
	keepAliveSucceeded       eventSink[func(count int)]

	mu                       sync.Mutex
	refreshingTunnelAccessToken RefreshTokenHandler
	refreshingTunnel            RefreshTunnelHandler
}

// OnConnectionStatusChanged registers a connectionStatusChanged observer.
func (e *Events) OnConnectionStatusChanged(h StatusChangedHandler) {
	e.connectionStatusChanged.Subscribe(h)
}

// OnRetryingTunnelConnection registers a retryingTunnelConnection observer.
func (e *Events) OnRetryingTunnelConnection(h RetryingHandler) {
	e.retryingTunnelConnection.Subscribe(h)
}

// OnPortForwarding registers a portForwarding observer.
func (e *Events) OnPortForwarding(h PortForwardingHandler) {
	e.portForwarding.Subscribe(h)
}

// OnForwardedPortConnecting registers a forwardedPortConnecting observer.
func (e *Events) OnForwardedPortConnecting(h ForwardedPortConnectingHandler) {
	e.forwardedPortConnecting.Subscribe(h)
}

// OnKeepAliveFailed registers a keepAliveFailed observer.
func (e *Events) OnKeepAliveFailed(h func(count int)) {
	e.keepAliveFailed.Subscribe(h)
}

// OnKeepAliveSucceeded registers a keepAliveSucceeded observer.
func (e *Events) OnKeepAliveSucceeded(h func(count int)) {
	e.keepAliveSucceeded.Subscribe(h)
}

// SetRefreshingTunnelAccessToken installs the single refreshingTunnelAccessToken
// handler slot, replacing any previously installed handler.
func (e *Events) SetRefreshingTunnelAccessToken(h RefreshTokenHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshingTunnelAccessToken = h
}

// SetRefreshingTunnel installs the single refreshingTunnel handler slot.
func (e *Events) SetRefreshingTunnel(h RefreshTunnelHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshingTunnel = h
}

func (e *Events) refreshTokenHandler() RefreshTokenHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refreshingTunnelAccessToken
}

func (e *Events) refreshTunnelHandler() RefreshTunnelHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refreshingTunnel
}

func (e *Events) emitStatusChanged(previous, current ConnectionStatus, err error) {
	for _, h := range e.connectionStatusChanged.Snapshot() {
		h(previous, current, err)
	}
}

// emitRetrying returns the (possibly mutated) delay and whether to retry.
func (e *Events) emitRetrying(err error, delayMs int) (int, bool) {
	retry := true
	for _, h := range e.retryingTunnelConnection.Snapshot() {
		h(err, &delayMs, &retry)
		if !retry {
			break
		}
	}
	return delayMs, retry
}

// emitPortForwarding returns whether any observer cancelled the port.
func (e *Events) emitPortForwarding(port int) bool {
	cancel := false
	for _, h := range e.portForwarding.Snapshot() {
		h(port, &cancel)
		if cancel {
			break
		}
	}
	return cancel
}

func (e *Events) emitForwardedPortConnecting(port int, stream ForwardedPortStream) ForwardedPortStream {
	for _, h := range e.forwardedPortConnecting.Snapshot() {
		if replacement := h(port, stream); replacement != nil {
			stream = replacement
		}
	}
	return stream
}

func (e *Events) emitKeepAliveFailed(count int) {
	for _, h := range e.keepAliveFailed.Snapshot() {
		h(count)
	}
}

func (e *Events) emitKeepAliveSucceeded(count int) {
	for _, h := range e.keepAliveSucceeded.Snapshot() {
		h(count)
	}
}
