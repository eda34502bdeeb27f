package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// BufferedConn connection wrapper that replays bytes read ahead by a framed
// decoder before reading from the underlying connection.
type BufferedConn struct {
	net.Conn
	Buf []byte
	Pos int
}

// Read implements io.Reader interface
func (bc *BufferedConn) Read(b []byte) (n int, err error) {
	if bc.Pos < len(bc.Buf) {
		n = copy(b, bc.Buf[bc.Pos:])
		bc.Pos += n
		return n, nil
	}
	return bc.Conn.Read(b)
}

// Wrap returns conn unchanged when nothing was read ahead.
func Wrap(conn net.Conn, buffered []byte) net.Conn {
	if len(buffered) == 0 {
		return conn
	}
	return &BufferedConn{Conn: conn, Buf: buffered}
}

// SpliceResult reports the bytes moved in each direction.
type SpliceResult struct {
	BytesTx int64 // a -> b
	BytesRx int64 // b -> a
	Err     error // first non-EOF copy error
}

// Splice copies bytes between a and b until either side closes, then closes
// both. It blocks until both directions finish.
func Splice(a, b net.Conn) SpliceResult {
	var tx, rx atomic.Int64
	var once sync.Once
	var firstErr error
	closeBoth := func(err error) {
		once.Do(func() {
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				firstErr = err
			}
			_ = a.Close()
			_ = b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := io.Copy(b, a)
		tx.Store(n)
		closeBoth(err)
	}()
	go func() {
		defer wg.Done()
		n, err := io.Copy(a, b)
		rx.Store(n)
		closeBoth(err)
	}()
	wg.Wait()

	return SpliceResult{BytesTx: tx.Load(), BytesRx: rx.Load(), Err: firstErr}
}
