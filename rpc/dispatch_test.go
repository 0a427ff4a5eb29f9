package rpc

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nyxmesh/corerelay/chat"
	"github.com/nyxmesh/corerelay/logging"
	"github.com/nyxmesh/corerelay/replication"
)

func newTestConn(t *testing.T, rw io.ReadWriter) *Conn {
	t.Helper()
	backend, err := logging.New(io.Discard, "error")
	require.NoError(t, err)
	return NewConn(rw, backend.GetLogger("test"))
}

func TestDispatcherCallRoutesToHandler(t *testing.T) {
	require := require.New(t)
	clientRW, serverRW := net.Pipe()
	defer clientRW.Close()
	defer serverRW.Close()

	client := newTestConn(t, clientRW)
	server := newTestConn(t, serverRW)
	defer client.Halt()
	defer server.Halt()

	NewDispatcher(server, server.log, map[OpCode]Handler{
		OpPing: func(ctx context.Context, req *Message) (*Message, error) {
			return &Message{Op: OpPong, Body: req.Body}, nil
		},
	})
	clientDispatcher := NewDispatcher(client, client.log, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := clientDispatcher.Call(ctx, OpPing, []byte("ping payload"))
	require.NoError(err)
	require.Equal(OpPong, reply.Op)
	require.Equal([]byte("ping payload"), reply.Body)
}

func TestDispatcherCallSurfacesPeerError(t *testing.T) {
	require := require.New(t)
	clientRW, serverRW := net.Pipe()
	defer clientRW.Close()
	defer serverRW.Close()

	client := newTestConn(t, clientRW)
	server := newTestConn(t, serverRW)
	defer client.Halt()
	defer server.Halt()

	NewDispatcher(server, server.log, map[OpCode]Handler{
		OpCreateChat: func(ctx context.Context, req *Message) (*Message, error) {
			return nil, errDenied
		},
	})
	clientDispatcher := NewDispatcher(client, client.log, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := clientDispatcher.Call(ctx, OpCreateChat, nil)
	require.Error(err)
}

func TestDispatcherCallReturnsUnknownOpError(t *testing.T) {
	require := require.New(t)
	clientRW, serverRW := net.Pipe()
	defer clientRW.Close()
	defer serverRW.Close()

	client := newTestConn(t, clientRW)
	server := newTestConn(t, serverRW)
	defer client.Halt()
	defer server.Halt()

	NewDispatcher(server, server.log, map[OpCode]Handler{})
	clientDispatcher := NewDispatcher(client, client.log, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := clientDispatcher.Call(ctx, OpSendMessage, nil)
	require.Error(err)
}

func TestClassifyMapsSentinelErrorsToTheirKind(t *testing.T) {
	require := require.New(t)
	require.Equal(ErrKindCapacity, classify(chat.ErrOverflow))
	require.Equal(ErrKindConsistency, classify(replication.ErrNoQuorum))
	require.Equal(ErrKindAuthorization, classify(chat.ErrDenied))
	require.Equal(ErrKindAuthorization, classify(chat.ErrInvalidProof))
	require.Equal(ErrKindProtocol, classify(chat.ErrUnknownChat))
	require.Equal(ErrKindProtocol, classify(errDenied))
}

func TestDispatcherCallSurfacesClassifiedErrorKind(t *testing.T) {
	require := require.New(t)
	clientRW, serverRW := net.Pipe()
	defer clientRW.Close()
	defer serverRW.Close()

	client := newTestConn(t, clientRW)
	server := newTestConn(t, serverRW)
	defer client.Halt()
	defer server.Halt()

	NewDispatcher(server, server.log, map[OpCode]Handler{
		OpSendMessage: func(ctx context.Context, req *Message) (*Message, error) {
			return nil, chat.ErrOverflow
		},
	})

	// Talk to the server dispatcher over the raw client Conn (no client
	// Dispatcher of our own) so the wire ErrorBody's Kind can be
	// inspected directly instead of through Call's plain-error surface.
	client.Send(&Message{Op: OpSendMessage, RequestID: 1})

	select {
	case msg, ok := <-client.ReadCh():
		require.True(ok)
		require.Equal(OpError, msg.Op)
		var eb ErrorBody
		require.NoError(DecodeBody(msg, &eb))
		require.Equal(ErrKindCapacity, eb.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply received")
	}
}

func TestDispatcherCallTimesOutOnCancellation(t *testing.T) {
	require := require.New(t)
	clientRW, serverRW := net.Pipe()
	defer clientRW.Close()
	defer serverRW.Close()

	client := newTestConn(t, clientRW)
	server := newTestConn(t, serverRW)
	defer client.Halt()
	defer server.Halt()

	NewDispatcher(server, server.log, map[OpCode]Handler{
		OpPing: func(ctx context.Context, req *Message) (*Message, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	clientDispatcher := NewDispatcher(client, client.log, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := clientDispatcher.Call(ctx, OpPing, nil)
	require.ErrorIs(err, context.DeadlineExceeded)
}

var errDenied = &testError{"denied"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
