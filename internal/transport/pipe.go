package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

const pipeBufferSize = 64

var pipeCounter atomic.Uint64

// PipeConn is one end of an in-memory connection created by Pipe.
type PipeConn struct {
	local  string
	remote string

	in  <-chan []byte
	out chan<- []byte

	localDone  chan struct{}
	remoteDone chan struct{}
	closeOnce  sync.Once
}

// Pipe returns two connected in-memory ends. Closing either end closes the
// pair; the other end then sees ErrPeerClosed once buffered messages are read.
func Pipe() (*PipeConn, *PipeConn) {
	n := pipeCounter.Add(1)
	return newPipe(fmt.Sprintf("pipe-%d-a", n), fmt.Sprintf("pipe-%d-b", n))
}

func newPipe(addrA, addrB string) (*PipeConn, *PipeConn) {
	ab := make(chan []byte, pipeBufferSize)
	ba := make(chan []byte, pipeBufferSize)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &PipeConn{
		local: addrA, remote: addrB,
		in: ba, out: ab,
		localDone: aDone, remoteDone: bDone,
	}
	b := &PipeConn{
		local: addrB, remote: addrA,
		in: ab, out: ba,
		localDone: bDone, remoteDone: aDone,
	}
	return a, b
}

// ReadMessage returns the next message written by the other end.
func (p *PipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-p.localDone:
		return nil, ErrClosed
	default:
	}

	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.localDone:
		return nil, ErrClosed
	case <-p.remoteDone:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrPeerClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteMessage queues a copy of data for the other end.
func (p *PipeConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-p.localDone:
		return ErrClosed
	case <-p.remoteDone:
		return ErrPeerClosed
	default:
	}

	msg := append([]byte(nil), data...)
	select {
	case p.out <- msg:
		return nil
	case <-p.localDone:
		return ErrClosed
	case <-p.remoteDone:
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes this end.
func (p *PipeConn) Close() error {
	p.closeOnce.Do(func() {
		close(p.localDone)
	})
	return nil
}

// RemoteAddr returns the other end's name.
func (p *PipeConn) RemoteAddr() string {
	return p.remote
}

// TransportType returns TransportPipe.
func (p *PipeConn) TransportType() TransportType {
	return TransportPipe
}

// PipeListener is an in-memory Listener. Dial creates a pipe and hands the
// server end to Accept.
type PipeListener struct {
	connCh    chan *PipeConn
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewPipeListener creates an in-memory listener.
func NewPipeListener() *PipeListener {
	return &PipeListener{
		connCh:  make(chan *PipeConn),
		closeCh: make(chan struct{}),
	}
}

// Dial connects to the listener and returns the client end.
func (l *PipeListener) Dial(ctx context.Context) (*PipeConn, error) {
	client, server := Pipe()
	select {
	case l.connCh <- server:
		return client, nil
	case <-l.closeCh:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept returns the server end of the next dialed pipe.
func (l *PipeListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closeCh:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns a placeholder address.
func (l *PipeListener) Addr() net.Addr {
	return pipeAddr{}
}

// Close stops the listener.
func (l *PipeListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
	})
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
