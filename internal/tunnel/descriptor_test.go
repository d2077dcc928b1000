package tunnel

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestAccessTokenOpaqueNeverExpires(t *testing.T) {
	td := &TunnelDescriptor{AccessTokens: map[AccessTokenScope]string{ScopeConnect: "opaque-token"}}
	tok, ok := td.AccessToken(ScopeConnect)
	assert.Equal(t, "opaque-token", tok)
	assert.True(t, ok)
}

func TestAccessTokenExpiredJWT(t *testing.T) {
	expired := signedJWT(t, time.Now().Add(-1*time.Hour))
	td := &TunnelDescriptor{AccessTokens: map[AccessTokenScope]string{ScopeHost: expired}}
	_, ok := td.AccessToken(ScopeHost)
	assert.False(t, ok)
}

func TestAccessTokenValidJWT(t *testing.T) {
	valid := signedJWT(t, time.Now().Add(1*time.Hour))
	td := &TunnelDescriptor{AccessTokens: map[AccessTokenScope]string{ScopeHost: valid}}
	tok, ok := td.AccessToken(ScopeHost)
	assert.Equal(t, valid, tok)
	assert.True(t, ok)
}

func TestAccessTokenMissing(t *testing.T) {
	td := &TunnelDescriptor{}
	_, ok := td.AccessToken(ScopeConnect)
	assert.False(t, ok)
}

func TestEndpointsForHostFiltersByHostID(t *testing.T) {
	endpoints := []TunnelEndpoint{
		{HostID: "host-a", ConnectionMode: TunnelRelay},
		{HostID: "host-b", ConnectionMode: TunnelRelay},
		{HostID: "host-a", ConnectionMode: "Other"},
	}
	matched, ok := EndpointsForHost(endpoints, "host-a")
	require.True(t, ok)
	require.Len(t, matched, 1)
	assert.Equal(t, "host-a", matched[0].HostID)
}

func TestEndpointsForHostAmbiguousWithoutHostID(t *testing.T) {
	endpoints := []TunnelEndpoint{
		{HostID: "host-a", ConnectionMode: TunnelRelay},
		{HostID: "host-b", ConnectionMode: TunnelRelay},
	}
	_, ok := EndpointsForHost(endpoints, "")
	assert.False(t, ok)
}

func TestEndpointsForHostSingleHostWithoutHostID(t *testing.T) {
	endpoints := []TunnelEndpoint{
		{HostID: "host-a", ConnectionMode: TunnelRelay},
	}
	matched, ok := EndpointsForHost(endpoints, "")
	require.True(t, ok)
	require.Len(t, matched, 1)
}
