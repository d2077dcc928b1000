package tunnel

import "context"

// ManagementClient is the external collaborator that mints tunnels, ports,
// endpoints and tokens (§6 "Management-client surface consumed by the
// core"). The core only ever calls these methods; it never implements the
// management REST surface itself.
type ManagementClient interface {
	// GetTunnel re-fetches a tunnel by the identity carried in ref. Returns
	// nil, nil if the tunnel no longer exists.
	GetTunnel(ctx context.Context, ref *TunnelDescriptor, includePorts bool) (*TunnelDescriptor, error)

	// UpdateTunnelEndpoint registers or updates a host endpoint and returns
	// the endpoint as persisted (including any server-assigned fields).
	UpdateTunnelEndpoint(ctx context.Context, tunnel *TunnelDescriptor, endpoint *TunnelEndpoint) (*TunnelEndpoint, error)

	// DeleteTunnelEndpoints removes the endpoint registered for hostID.
	DeleteTunnelEndpoints(ctx context.Context, tunnel *TunnelDescriptor, hostID string) error

	// ReportEvent reports a lifecycle event for diagnostics; the core
	// treats failures here as non-fatal.
	ReportEvent(ctx context.Context, tunnel *TunnelDescriptor, event string)
}
