package respserver

import (
	"bufio"
	"net"
	"sync/atomic"

	"github.com/fedis/fedis-go/internal/resp"
)

// Conn is the state of one client connection. It is only touched by the
// connection's own goroutine, except Close.
type Conn struct {
	netConn net.Conn
	reader  *resp.Reader
	bw      *bufio.Writer

	id    uint64
	proto int    // negotiated protocol version, 2 unless HELLO 3
	name  string // CLIENT SETNAME
	user  string // authenticated user, empty before AUTH
	db    int

	requestID       uint64
	closeAfterReply bool

	closed atomic.Bool
}

func newConn(c net.Conn, id uint64, lim resp.Limits) *Conn {
	return &Conn{
		netConn: c,
		reader:  resp.NewReader(c, lim),
		bw:      bufio.NewWriter(c),
		id:      id,
		proto:   2,
	}
}

// Close closes the underlying socket once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.netConn.Close()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// remoteIP returns the peer IP without the port, for rate limiting.
func (c *Conn) remoteIP() string {
	host, _, err := net.SplitHostPort(c.netConn.RemoteAddr().String())
	if err != nil {
		return c.netConn.RemoteAddr().String()
	}
	return host
}
