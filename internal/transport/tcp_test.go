package transport

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenTCPAddrInUse(t *testing.T) {
	a, err := ListenTCP("127.0.0.1", 0, false)
	require.NoError(t, err)
	defer a.Close()

	_, err = ListenTCP("127.0.0.1", a.Port(), false)
	assert.ErrorIs(t, err, ErrAddrInUse)
}

func TestListenTCPSubsequentPorts(t *testing.T) {
	a, err := ListenTCP("127.0.0.1", 0, false)
	require.NoError(t, err)
	defer a.Close()

	b, err := ListenTCP("127.0.0.1", a.Port(), true)
	require.NoError(t, err)
	defer b.Close()

	assert.Greater(t, b.Port(), a.Port())
	assert.True(t, strings.HasSuffix(b.DialInstructions(), "_"+strconv.Itoa(b.Port())))
}

func TestTCPAcceptAndDial(t *testing.T) {
	a, err := ListenTCP("127.0.0.1", 0, false)
	require.NoError(t, err)
	defer a.Close()

	addr, err := TCPAddr(a.DialInstructions())
	require.NoError(t, err)

	type result struct {
		conn Connection
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := a.Accept(0, 2*time.Second)
		accepted <- result{c, err}
	}()

	peer, err := DialTCP(addr, 0)
	require.NoError(t, err)
	defer peer.Close()

	r := <-accepted
	require.NoError(t, r.err)
	defer r.conn.Close()

	require.NoError(t, peer.WriteLine("ping"))
	got, err := r.conn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "ping", got)
}

func TestTCPAcceptTimeout(t *testing.T) {
	a, err := ListenTCP("127.0.0.1", 0, false)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Accept(0, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTCPAddrParsing(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		addr, err := TCPAddr("127.0.0.1_4000")
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:4000", addr)
	})
	t.Run("no_separator", func(t *testing.T) {
		_, err := TCPAddr("127.0.0.1")
		assert.Error(t, err)
	})
	t.Run("bad_port", func(t *testing.T) {
		_, err := TCPAddr("host_abc")
		assert.Error(t, err)
	})
}
