// Package transport supplies the per-hop authenticated byte stream that
// onion setup packets and Frames ride over. The routing and replication
// layers above treat a Link as an assumption, not something they secure
// themselves — matching the wire package's split in Katzenpost, where
// core/wire negotiates a Noise-based authenticated channel and everything
// above it (commands, packet dispatch) just reads and writes framed
// bytes across whatever satisfies net.Conn.
package transport

import (
	"io"
	"net"
	"time"
)

// Link is one authenticated connection to a neighboring node: an entry
// hop from a client, or hop-to-hop between relays. Everything above this
// package (onion setup packets, Frames) is opaque bytes to a Link; the
// two lengths it needs to know about are handled by its callers, not the
// Link itself — setup packets are read with io.ReadFull for a fixed
// geo.PacketLength, and Frames use onion.WriteFrame/ReadFrame's own
// length prefix.
type Link interface {
	io.ReadWriter
	io.Closer

	// RemoteAddress identifies the peer this Link reaches, as recorded
	// in a registry.Record or a PathHop.
	RemoteAddress() string

	// SetDeadline bounds the next read or write, so a stalled peer
	// cannot hold a circuit-setup goroutine open indefinitely.
	SetDeadline(t time.Time) error
}

// tcpLink adapts a net.Conn to Link. Grounded on Katzenpost's
// server/internal/outgoing (dialing) and incoming (accepting) packages,
// which both operate on the bare net.Conn returned by net.Dial/Accept
// rather than layering a QUIC or Noise wrapper at this level — that
// wrapping happens one level up in Katzenpost's core/wire, and would be
// the natural place to add link-layer authentication here too, left as
// an extension point (see DESIGN.md).
type tcpLink struct {
	net.Conn
	remote string
}

// DialTCP opens a Link to addr, the shape a client uses to reach its
// entry hop and a relay uses to reach the next hop in a path.
func DialTCP(addr string, timeout time.Duration) (Link, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return &tcpLink{Conn: conn, remote: addr}, nil
}

func (l *tcpLink) RemoteAddress() string { return l.remote }

// wrapAccepted adapts an already-accepted net.Conn, used by Listener.
func wrapAccepted(conn net.Conn) Link {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return &tcpLink{Conn: conn, remote: conn.RemoteAddr().String()}
}
