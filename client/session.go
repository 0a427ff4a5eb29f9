// Package client implements the originating side of a circuit: building
// a path, dialing the entry hop, and running the request/response RPCs
// a chat operation needs over the resulting anonymous channel.
//
// Grounded on Katzenpost's client/session.go, which likewise owns one
// PKI-selected path and one long-lived duplex connection per session;
// generalized here from a per-message Sphinx packet stream to one
// standing circuit multiplexing many RPC calls.
package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/nyxmesh/corerelay/onion"
	"github.com/nyxmesh/corerelay/transport"
)

// session adapts a ClientCircuit and its entry-hop Link to an
// io.ReadWriteCloser: each Write seals exactly one Frame per hop and
// sends it, each Read recovers one such logical write's worth of bytes.
// A background pump does the recovery so Read can be called with
// arbitrarily small buffers, mirroring relay.terminalStream's
// pipe-based approach to the same boundary problem on the other end of
// the circuit.
type session struct {
	cc   *onion.ClientCircuit
	link transport.Link

	pr *io.PipeReader
	pw *io.PipeWriter

	pumpErr chan error
}

func newSession(cc *onion.ClientCircuit, link transport.Link) *session {
	pr, pw := io.Pipe()
	s := &session{cc: cc, link: link, pr: pr, pw: pw, pumpErr: make(chan error, 1)}
	go s.pump()
	return s
}

// pump reads return-direction Frames off the entry Link, peels the
// circuit's nested AEAD layers with OpenReturn, and feeds the plaintext
// into the pipe for Read to drain.
func (s *session) pump() {
	defer s.pw.Close()
	for {
		raw, err := onion.ReadRaw(s.link)
		if err != nil {
			s.pumpErr <- err
			return
		}
		pt, err := s.cc.OpenReturn(raw)
		if err != nil {
			s.pumpErr <- fmt.Errorf("client: open return frame: %w", err)
			return
		}
		if _, err := s.pw.Write(pt); err != nil {
			return
		}
	}
}

func (s *session) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *session) Write(p []byte) (int, error) {
	wire, err := s.cc.SealForward(0, p)
	if err != nil {
		return 0, fmt.Errorf("client: seal forward frame: %w", err)
	}
	if err := onion.WriteRaw(s.link, wire); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *session) Close() error {
	return s.link.Close()
}

// dialCircuit builds a fresh path through candidates ending at exit,
// establishes a circuit over it, and opens the underlying TCP Link to
// the entry hop, writing the setup packet before returning.
func dialCircuit(ctx context.Context, geo *onion.Geometry, candidates []*onion.PathHop, exit *onion.PathHop, hops int, idleTimeout, dialTimeout time.Duration) (*onion.ClientCircuit, *session, error) {
	path, err := onion.ChoosePath(candidates, exit, hops)
	if err != nil {
		return nil, nil, err
	}
	cc, pkt, err := onion.BuildCircuit(rand.Reader, geo, path, idleTimeout)
	if err != nil {
		return nil, nil, err
	}
	link, err := transport.DialTCP(path[0].Address, dialTimeout)
	if err != nil {
		return nil, nil, err
	}
	if _, err := link.Write(pkt); err != nil {
		link.Close()
		return nil, nil, fmt.Errorf("client: write setup packet: %w", err)
	}
	return cc, newSession(cc, link), nil
}
