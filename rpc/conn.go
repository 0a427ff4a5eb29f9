package rpc

import (
	"io"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/nyxmesh/corerelay/worker"
)

// Conn drives one RPC message stream over an ordered byte transport
// (in production, the client's circuit session or a relay's terminal
// circuit stream). It splits reading and writing into their own worker goroutines
// feeding buffered channels, exactly the shape of Katzenpost's
// CommandIO (cborplugin/common.go) generalized from a fixed unix-socket
// pair to whatever io.ReadWriter the onion layer hands it.
type Conn struct {
	worker.Worker

	rw  io.ReadWriter
	log *log.Logger

	readCh  chan *Message
	writeCh chan *Message

	nextRequestID atomic.Uint64
}

// NewConn wraps rw and starts its reader/writer loops.
func NewConn(rw io.ReadWriter, logger *log.Logger) *Conn {
	c := &Conn{
		rw:      rw,
		log:     logger,
		readCh:  make(chan *Message, 32),
		writeCh: make(chan *Message, 32),
	}
	c.Go(c.reader)
	c.Go(c.writer)
	return c
}

// ReadCh delivers messages as they arrive, in wire order.
func (c *Conn) ReadCh() <-chan *Message { return c.readCh }

// NextRequestID returns a fresh, connection-unique request id for an
// originated call.
func (c *Conn) NextRequestID() uint64 { return c.nextRequestID.Add(1) }

// Send queues msg for write, blocking only if the write channel is
// full; it never holds a lock while blocked.
func (c *Conn) Send(msg *Message) {
	select {
	case c.writeCh <- msg:
	case <-c.HaltCh():
	}
}

func (c *Conn) reader() {
	defer close(c.readCh)
	for {
		msg, err := Decode(c.rw)
		if err != nil {
			if err != io.EOF {
				c.log.Debugf("rpc: read error: %v", err)
			}
			go c.Halt()
			return
		}
		select {
		case c.readCh <- msg:
		case <-c.HaltCh():
			return
		}
	}
}

func (c *Conn) writer() {
	for {
		select {
		case <-c.HaltCh():
			return
		case msg := <-c.writeCh:
			b, err := Encode(msg)
			if err != nil {
				c.log.Warnf("rpc: encode error: %v", err)
				continue
			}
			if _, err := c.rw.Write(b); err != nil {
				c.log.Debugf("rpc: write error: %v", err)
				go c.Halt()
				return
			}
		}
	}
}
