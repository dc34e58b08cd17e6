package forward

import (
	"context"
	"net"
	"testing"
	"time"
)

type recordingHandler struct {
	conns chan net.Conn
}

func (h *recordingHandler) SessionCreated(ctx context.Context, conn net.Conn, bound SocketEndpoint) {
	h.conns <- conn
}

func TestNetAcceptorBindAcceptsConnections(t *testing.T) {
	a := newNetAcceptor()
	handler := &recordingHandler{conns: make(chan net.Conn, 1)}

	bound, err := a.Bind(context.Background(), SocketEndpoint{Host: "127.0.0.1", Port: 0}, handler)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if bound.Port == 0 {
		t.Fatalf("expected assigned port")
	}

	conn, err := net.Dial("tcp", bound.Address())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case got := <-handler.conns:
		got.Close()
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for accepted connection")
	}

	if err := a.Unbind(bound); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if err := a.Unbind(bound); err == nil {
		t.Fatalf("expected second unbind to fail")
	}
}

func TestNetAcceptorCloseUnbindsEverything(t *testing.T) {
	a := newNetAcceptor()
	handler := &recordingHandler{conns: make(chan net.Conn, 1)}

	bound, err := a.Bind(context.Background(), SocketEndpoint{Host: "127.0.0.1", Port: 0}, handler)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if len(a.BoundAddresses()) != 1 {
		t.Fatalf("expected 1 bound address")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := a.Bind(context.Background(), bound, handler); err == nil {
		t.Fatalf("expected Bind after Close to fail")
	}
}
