package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPDialListen(t *testing.T) {
	tf := NewTCP()
	ln, err := tf.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Write([]byte("hi"))
	}()

	conn, err := tf.Dial(context.Background(), ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
	assert.Equal(t, ln.Addr().String(), RemoteAddr(conn))
}

func TestDialFailureIsWrapped(t *testing.T) {
	tf := NewTCP()
	ln, err := tf.Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = tf.Dial(context.Background(), addr, 200*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

func TestAdvertiseAddr(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	assert.Equal(t, net.JoinHostPort("10.1.2.3", port), AdvertiseAddr(ln, "10.1.2.3"))

	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln2.Close()
	assert.Equal(t, ln2.Addr().String(), AdvertiseAddr(ln2, "10.1.2.3"))
}
