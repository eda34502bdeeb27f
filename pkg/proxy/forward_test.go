package proxy

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedConnReplaysFirst(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_, _ = b.Write([]byte("world"))
	}()

	conn := Wrap(a, []byte("hello "))
	buf := make([]byte, 11)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))

	assert.Same(t, a, Wrap(a, nil))
}

func TestSplice(t *testing.T) {
	clientA, legA := net.Pipe()
	legB, serverB := net.Pipe()

	done := make(chan SpliceResult, 1)
	go func() { done <- Splice(legA, legB) }()

	go func() {
		_, _ = clientA.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	_, err := io.ReadFull(serverB, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	go func() {
		_, _ = serverB.Write([]byte("pong!"))
	}()
	buf = make([]byte, 5)
	_, err = io.ReadFull(clientA, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong!", string(buf))

	require.NoError(t, clientA.Close())
	res := <-done
	assert.Equal(t, int64(4), res.BytesTx)
	assert.Equal(t, int64(5), res.BytesRx)
	_ = serverB.Close()
}
