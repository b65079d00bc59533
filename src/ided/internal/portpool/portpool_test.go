package portpool

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysFree(int) bool { return true }

func TestAvailableExcludesLeasedAndReserved(t *testing.T) {
	pool := New(10000, 5, WithProbe(alwaysFree))

	assert.Equal(t, []int{10000, 10001, 10002, 10003, 10004}, pool.Available(nil))

	require.NoError(t, pool.Lease(10000))
	reserved := map[int]struct{}{10002: {}}
	assert.Equal(t, []int{10001, 10003, 10004}, pool.Available(reserved))

	pool.Release(10000)
	assert.Equal(t, []int{10000, 10001, 10003, 10004}, pool.Available(reserved))
}

func TestAvailableExcludesUnbindablePorts(t *testing.T) {
	pool := New(10000, 3, WithProbe(func(port int) bool {
		return port != 10001
	}))
	assert.Equal(t, []int{10000, 10002}, pool.Available(nil))
}

func TestLeaseErrors(t *testing.T) {
	pool := New(10000, 2, WithProbe(alwaysFree))

	require.NoError(t, pool.Lease(10001))
	assert.Error(t, pool.Lease(10001), "double lease")
	assert.Error(t, pool.Lease(9999), "below range")
	assert.Error(t, pool.Lease(10002), "above range")

	assert.Equal(t, []int{10001}, pool.Leased())

	// Release is idempotent.
	pool.Release(10001)
	pool.Release(10001)
	assert.Empty(t, pool.Leased())
}

func TestBindProbeAgainstRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, bindProbe(port), "occupied port must not probe as free")

	ln.Close()
	assert.True(t, bindProbe(port), "released port probes as free")
}
