package tunnel

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLocalAddress(t *testing.T) {
	cases := map[string]string{
		"":          "0.0.0.0",
		"0.0.0.0":   "0.0.0.0",
		"*":         "0.0.0.0",
		"::":        "[::]",
		"[::]":      "[::]",
		"localhost": "127.0.0.1",
		"127.0.0.1": "127.0.0.1",
		"::1":       "[::1]",
		"[::1]":     "[::1]",
		"10.0.0.5":  "10.0.0.5",
	}
	for input, want := range cases {
		assert.Equal(t, want, normalizeLocalAddress(input), "input=%q", input)
	}
}

func TestCreateTCPListenerBindsRequestedPort(t *testing.T) {
	l, err := createTCPListener(context.Background(), "127.0.0.1", 0, true)
	require.NoError(t, err)
	defer l.Close()

	_, _, err = net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
}

func TestCreateTCPListenerFallsBackWhenPortsInUse(t *testing.T) {
	first, err := createTCPListener(context.Background(), "127.0.0.1", 0, true)
	require.NoError(t, err)
	defer first.Close()

	_, portStr, err := net.SplitHostPort(first.Addr().String())
	require.NoError(t, err)

	busyPort, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	second, err := createTCPListener(context.Background(), "127.0.0.1", busyPort, true)
	require.NoError(t, err)
	defer second.Close()

	_, secondPort, err := net.SplitHostPort(second.Addr().String())
	require.NoError(t, err)
	assert.NotEqual(t, portStr, secondPort)
}

func TestCreateTCPListenerRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := createTCPListener(ctx, "127.0.0.1", 54321, true)
	require.Error(t, err)
}

func TestIsAddrInUse(t *testing.T) {
	l, err := createTCPListener(context.Background(), "127.0.0.1", 0, true)
	require.NoError(t, err)
	defer l.Close()

	_, err = net.Listen("tcp", l.Addr().String())
	require.Error(t, err)
	assert.True(t, isAddrInUse(err))
}
