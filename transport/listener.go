package transport

import (
	"net"

	"github.com/charmbracelet/log"

	"github.com/nyxmesh/corerelay/worker"
)

// Handler processes one accepted Link until it closes. A relay runs one
// Handler invocation per inbound connection, on its own goroutine.
type Handler func(Link)

// Listener accepts inbound Links and hands each to a Handler, the
// generalization of Katzenpost's server/internal/incoming.listener:
// same worker.Worker-driven accept loop, minus the PKI-driven descriptor
// lookup and QUIC branch, since a relay here has one fixed transport.
type Listener struct {
	worker.Worker

	ln      net.Listener
	handler Handler
	log     *log.Logger
}

// Listen starts accepting TCP connections on addr, dispatching each to
// handler.
func Listen(addr string, handler Handler, logger *log.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{ln: ln, handler: handler, log: logger}
	l.Go(l.worker)
	return l, nil
}

// Addr returns the address the listener bound to, useful when addr was
// passed as ":0" in tests.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Halt stops accepting and unblocks the accept loop's blocking call.
func (l *Listener) Halt() {
	_ = l.ln.Close()
	l.Worker.Halt()
}

func (l *Listener) worker() {
	defer l.log.Debugf("transport: listener on %v stopped", l.ln.Addr())
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.HaltCh():
				return
			default:
			}
			l.log.Warnf("transport: accept: %v", err)
			return
		}
		link := wrapAccepted(conn)
		go l.handler(link)
	}
}
