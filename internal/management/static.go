// Package management provides a minimal ManagementClient the sample CLIs
// wire the core against. The management REST surface itself is explicitly
// out of scope (spec.md Non-goals): this is a thin stand-in that serves a
// statically-configured tunnel descriptor and logs lifecycle events,
// rather than calling out to a real devtunnels-compatible service.
package management

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mephistofox/devtunnel/internal/tunnel"
)

// StaticClient implements tunnel.ManagementClient over a descriptor
// supplied at construction time. GetTunnel/UpdateTunnelEndpoint echo back
// whatever was last stored; there is no network call behind them.
type StaticClient struct {
	log zerolog.Logger

	tunnel *tunnel.TunnelDescriptor
}

// NewStaticClient wraps descriptor for use by the core.
func NewStaticClient(log zerolog.Logger, descriptor *tunnel.TunnelDescriptor) *StaticClient {
	return &StaticClient{log: log.With().Str("component", "management.static").Logger(), tunnel: descriptor}
}

func (c *StaticClient) GetTunnel(ctx context.Context, ref *tunnel.TunnelDescriptor, includePorts bool) (*tunnel.TunnelDescriptor, error) {
	if c.tunnel == nil {
		return nil, fmt.Errorf("no tunnel descriptor configured")
	}
	return c.tunnel, nil
}

func (c *StaticClient) UpdateTunnelEndpoint(ctx context.Context, t *tunnel.TunnelDescriptor, endpoint *tunnel.TunnelEndpoint) (*tunnel.TunnelEndpoint, error) {
	if c.tunnel == nil {
		return endpoint, nil
	}
	for i, e := range c.tunnel.Endpoints {
		if e.HostID == endpoint.HostID && e.ConnectionMode == endpoint.ConnectionMode {
			c.tunnel.Endpoints[i] = *endpoint
			return endpoint, nil
		}
	}
	c.tunnel.Endpoints = append(c.tunnel.Endpoints, *endpoint)
	return endpoint, nil
}

func (c *StaticClient) DeleteTunnelEndpoints(ctx context.Context, t *tunnel.TunnelDescriptor, hostID string) error {
	if c.tunnel == nil {
		return nil
	}
	kept := c.tunnel.Endpoints[:0]
	for _, e := range c.tunnel.Endpoints {
		if e.HostID != hostID {
			kept = append(kept, e)
		}
	}
	c.tunnel.Endpoints = kept
	return nil
}

func (c *StaticClient) ReportEvent(ctx context.Context, t *tunnel.TunnelDescriptor, event string) {
	c.log.Debug().Str("event", event).Msg("tunnel lifecycle event")
}
