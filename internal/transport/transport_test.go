package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, StatusOK},
		{"peer closed", ErrPeerClosed, StatusPeerClosed},
		{"wrapped peer closed", fmt.Errorf("read: %w", ErrPeerClosed), StatusPeerClosed},
		{"local close", ErrClosed, StatusError},
		{"other", errors.New("boom"), StatusError},
		{"timeout", context.DeadlineExceeded, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "ok"},
		{StatusPeerClosed, "peer_closed"},
		{StatusError, "error"},
		{Status(42), "status(42)"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	for _, typ := range []TransportType{TransportWebSocket, TransportQUIC} {
		tr, err := New(typ)
		if err != nil {
			t.Fatalf("New(%s) error = %v", typ, err)
		}
		if tr.Type() != typ {
			t.Errorf("Type() = %s, want %s", tr.Type(), typ)
		}
		tr.Close()
	}

	if _, err := New("h3"); err == nil {
		t.Error("New() should fail for unknown transport")
	}
}

func TestDefaultOptions(t *testing.T) {
	dialOpts := DefaultDialOptions()
	if dialOpts.Timeout != 30*time.Second {
		t.Errorf("DialOptions.Timeout = %v, want 30s", dialOpts.Timeout)
	}

	listenOpts := DefaultListenOptions()
	if listenOpts.Path != "/" {
		t.Errorf("ListenOptions.Path = %q, want /", listenOpts.Path)
	}
	if listenOpts.MaxMessageSize != DefaultMaxMessageSize {
		t.Errorf("ListenOptions.MaxMessageSize = %d, want %d", listenOpts.MaxMessageSize, DefaultMaxMessageSize)
	}
}

func TestPipe_ReadWrite(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	ctx := context.Background()

	if a.RemoteAddr() == b.RemoteAddr() {
		t.Error("pipe ends share an address")
	}

	msg := []byte("hello")
	if err := a.WriteMessage(ctx, msg); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	msg[0] = 'X'

	got, err := b.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("ReadMessage() = %q, want hello", got)
	}

	if err := b.WriteMessage(ctx, []byte("back")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	got, _ = a.ReadMessage(ctx)
	if string(got) != "back" {
		t.Errorf("ReadMessage() = %q, want back", got)
	}
}

func TestPipe_Close(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	a.WriteMessage(ctx, []byte("last"))
	a.Close()
	a.Close()

	got, err := b.ReadMessage(ctx)
	if err != nil || string(got) != "last" {
		t.Fatalf("buffered message lost: %q, %v", got, err)
	}

	_, err = b.ReadMessage(ctx)
	if StatusOf(err) != StatusPeerClosed {
		t.Errorf("ReadMessage() after peer close status = %v, want peer_closed", StatusOf(err))
	}
	if err := b.WriteMessage(ctx, []byte("x")); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("WriteMessage() after peer close error = %v, want ErrPeerClosed", err)
	}
	if _, err := a.ReadMessage(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadMessage() on closed end error = %v, want ErrClosed", err)
	}
	if err := a.WriteMessage(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteMessage() on closed end error = %v, want ErrClosed", err)
	}
}

func TestPipe_ReadContext(t *testing.T) {
	a, _ := Pipe()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := a.ReadMessage(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReadMessage() error = %v, want deadline exceeded", err)
	}
}

func TestPipeListener(t *testing.T) {
	ln := NewPipeListener()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan Conn, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("Accept() error = %v", err)
		}
		done <- conn
	}()

	client, err := ln.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	server := <-done

	client.WriteMessage(ctx, []byte("ping"))
	got, err := server.ReadMessage(ctx)
	if err != nil || string(got) != "ping" {
		t.Errorf("ReadMessage() = %q, %v", got, err)
	}
	if server.TransportType() != TransportPipe {
		t.Errorf("TransportType() = %s, want pipe", server.TransportType())
	}

	ln.Close()
	if _, err := ln.Accept(ctx); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Accept() after Close error = %v, want ErrListenerClosed", err)
	}
	if _, err := ln.Dial(ctx); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Dial() after Close error = %v, want ErrListenerClosed", err)
	}
}
