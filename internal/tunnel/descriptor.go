package tunnel

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ConnectionMode describes how an endpoint routes traffic to a host.
type ConnectionMode string

// TunnelRelay is the only connection mode the core drives: both host and
// client reach each other through an intermediary relay WebSocket.
const TunnelRelay ConnectionMode = "TunnelRelay"

// AccessTokenScope is the capability a tunnel access token grants.
type AccessTokenScope string

const (
	// ScopeHost allows registering a host endpoint and accepting clients.
	ScopeHost AccessTokenScope = "host"
	// ScopeConnect allows dialing a tunnel's forwarded ports.
	ScopeConnect AccessTokenScope = "connect"
)

// TunnelPort is one port advertised by a tunnel's host.
type TunnelPort struct {
	PortNumber int    `json:"portNumber"`
	Protocol   string `json:"protocol,omitempty"`
}

// TunnelEndpoint is one route by which a tunnel's host can be reached.
type TunnelEndpoint struct {
	ID               string         `json:"id"`
	HostID           string         `json:"hostId"`
	ConnectionMode   ConnectionMode `json:"connectionMode"`
	ClientRelayURI   string         `json:"clientRelayUri,omitempty"`
	HostRelayURI     string         `json:"hostRelayUri,omitempty"`
	HostPublicKeys   []string       `json:"hostPublicKeys,omitempty"`
}

// TunnelDescriptor is the object the management client hands the core at
// connect() time. The core mutates it only through tunnelChanged/refresh.
type TunnelDescriptor struct {
	TunnelID     string
	ClusterID    string
	Name         string
	Domain       string
	Endpoints    []TunnelEndpoint
	Ports        []TunnelPort
	AccessTokens map[AccessTokenScope]string
}

// AccessToken returns the current token for scope and whether it parses as
// non-expired. A token that is not a JWT is treated as never-expiring: the
// core is not a relying party for its signature, only (when present) its
// expiry claim.
func (t *TunnelDescriptor) AccessToken(scope AccessTokenScope) (string, bool) {
	token, ok := t.AccessTokens[scope]
	if !ok || token == "" {
		return "", false
	}
	return token, !isExpired(token)
}

// isExpired parses the unverified exp claim of a JWT-shaped access token.
// The core never validates the signature — that is the management client's
// responsibility — it only needs the expiry to satisfy the "validate before
// use" invariant.
func isExpired(token string) bool {
	if strings.Count(token, ".") != 2 {
		// Not JWT-shaped; treat as an opaque, never-expiring token.
		return false
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().After(exp.Time)
}

// EndpointsForHost filters endpoints by hostId (when non-empty) and by
// TunnelRelay connection mode, matching tunnelChanged's selection rule.
// When hostID is empty and more than one distinct host group is present,
// ok is false: the caller has no way to disambiguate.
//
// When several endpoints share the same hostId, the first one in Endpoints
// order wins; this mirrors the source behavior and is intentionally not
// "fixed" (see SPEC_FULL.md §9(i)).
func EndpointsForHost(endpoints []TunnelEndpoint, hostID string) ([]TunnelEndpoint, bool) {
	var relayed []TunnelEndpoint
	for _, e := range endpoints {
		if e.ConnectionMode == TunnelRelay {
			relayed = append(relayed, e)
		}
	}

	if hostID != "" {
		var matched []TunnelEndpoint
		for _, e := range relayed {
			if e.HostID == hostID {
				matched = append(matched, e)
			}
		}
		return matched, true
	}

	distinct := map[string]bool{}
	for _, e := range relayed {
		distinct[e.HostID] = true
	}
	if len(distinct) > 1 {
		return nil, false
	}
	return relayed, true
}
