package shared

import (
	"net"
	"sync/atomic"
)

// CountedConn wraps a net.Conn and atomically counts the bytes moved in each
// direction. Reads add to readBytes, writes to writeBytes; the caller decides
// which direction those map onto.
type CountedConn struct {
	net.Conn
	readBytes  *atomic.Uint64
	writeBytes *atomic.Uint64
}

func NewCountedConn(conn net.Conn, readBytes, writeBytes *atomic.Uint64) *CountedConn {
	return &CountedConn{
		Conn:       conn,
		readBytes:  readBytes,
		writeBytes: writeBytes,
	}
}

func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.readBytes.Add(uint64(n))
	}
	return n, err
}

func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.writeBytes.Add(uint64(n))
	}
	return n, err
}

// CloseWrite half-closes the underlying connection when it supports it, so
// relays can signal EOF without tearing down the read side.
func (c *CountedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
