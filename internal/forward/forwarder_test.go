package forward

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestStartLocalPortForwardingDialsDirectTCPIP(t *testing.T) {
	session := newFakeSession()

	type opened struct {
		name  string
		extra directTCPIPExtra
	}
	openedCh := make(chan opened, 1)
	session.openChannelFunc = func(name string, data []byte) (ssh.Channel, <-chan *ssh.Request, error) {
		var extra directTCPIPExtra
		ssh.Unmarshal(data, &extra)
		openedCh <- opened{name: name, extra: extra}
		reqs := make(chan *ssh.Request)
		close(reqs)
		return &fakeSSHChannel{}, reqs, nil
	}

	fw := NewForwarder(session)
	defer fw.Close()

	remote := SocketEndpoint{Host: "internal.example", Port: 9000}
	bound, err := fw.StartLocalPortForwarding(context.Background(), SocketEndpoint{Host: "127.0.0.1", Port: 0}, remote)
	if err != nil {
		t.Fatalf("StartLocalPortForwarding: %v", err)
	}
	if bound.Port == 0 {
		t.Fatalf("expected an assigned port, got 0")
	}

	conn, err := net.Dial("tcp", bound.Address())
	if err != nil {
		t.Fatalf("dial bound address: %v", err)
	}
	conn.Write([]byte("hello"))
	conn.Close()

	var got opened
	select {
	case got = <-openedCh:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for direct-tcpip channel open")
	}

	if got.name != "direct-tcpip" {
		t.Fatalf("want direct-tcpip channel open, got %q", got.name)
	}
	if got.extra.HostToConnect != remote.Host || int(got.extra.PortToConnect) != remote.Port {
		t.Fatalf("unexpected direct-tcpip extra: %+v", got.extra)
	}

	if err := fw.StopLocalPortForwarding(bound); err != nil {
		t.Fatalf("StopLocalPortForwarding: %v", err)
	}
	if err := fw.StopLocalPortForwarding(bound); err == nil {
		t.Fatalf("expected second stop to fail")
	}
}

func TestStartRemotePortForwardingAssignsPort(t *testing.T) {
	session := newFakeSession()
	session.sendRequestFunc = func(name string, wantReply bool, payload []byte) (bool, []byte, error) {
		if name != "tcpip-forward" {
			t.Fatalf("unexpected request %q", name)
		}
		return true, MarshalAssignedPortReply(4000), nil
	}

	fw := NewForwarder(session)
	defer fw.Close()

	local := SocketEndpoint{Host: "127.0.0.1", Port: 8080}
	bound, err := fw.StartRemotePortForwarding(context.Background(), SocketEndpoint{Port: 0}, local)
	if err != nil {
		t.Fatalf("StartRemotePortForwarding: %v", err)
	}
	if bound.Port != 4000 {
		t.Fatalf("want assigned port 4000, got %d", bound.Port)
	}

	got, ok := fw.registry.remoteToLocal.get(4000)
	if !ok || got != local {
		t.Fatalf("remoteToLocal not populated correctly: %+v, %v", got, ok)
	}
}

// S2 / property 5: GetForwardedPort(p) == l iff a startRemote(_, l) with
// resolved port p is currently active.
func TestGetForwardedPort(t *testing.T) {
	session := newFakeSession()
	session.sendRequestFunc = func(name string, wantReply bool, payload []byte) (bool, []byte, error) {
		return true, MarshalAssignedPortReply(4000), nil
	}
	fw := NewForwarder(session)
	defer fw.Close()

	if _, ok := fw.GetForwardedPort(4000); ok {
		t.Fatalf("expected no forward before StartRemotePortForwarding")
	}

	local := SocketEndpoint{Host: "127.0.0.1", Port: 8080}
	bound, err := fw.StartRemotePortForwarding(context.Background(), SocketEndpoint{Port: 0}, local)
	if err != nil {
		t.Fatalf("StartRemotePortForwarding: %v", err)
	}

	got, ok := fw.GetForwardedPort(bound.Port)
	if !ok || got != local {
		t.Fatalf("GetForwardedPort(%d) = %v, %v; want %v, true", bound.Port, got, ok, local)
	}

	if err := fw.StopRemotePortForwarding(bound); err != nil {
		t.Fatalf("StopRemotePortForwarding: %v", err)
	}
	if _, ok := fw.GetForwardedPort(bound.Port); ok {
		t.Fatalf("expected no forward after StopRemotePortForwarding")
	}
}

func TestStartRemotePortForwardingDenied(t *testing.T) {
	session := newFakeSession()
	session.sendRequestFunc = func(name string, wantReply bool, payload []byte) (bool, []byte, error) {
		return false, nil, nil
	}
	fw := NewForwarder(session)
	defer fw.Close()

	_, err := fw.StartRemotePortForwarding(context.Background(), SocketEndpoint{Port: 4000}, SocketEndpoint{Port: 80})
	var denied *ErrRequestDenied
	if !errors.As(err, &denied) || denied.Timeout {
		t.Fatalf("expected non-timeout denial, got %v", err)
	}
}

func TestStartRemotePortForwardingTimeout(t *testing.T) {
	session := newFakeSession()
	session.sendRequestFunc = func(name string, wantReply bool, payload []byte) (bool, []byte, error) {
		time.Sleep(50 * time.Millisecond)
		return true, nil, nil
	}
	fw := NewForwarder(session, WithRequestTimeout(5*time.Millisecond))
	defer fw.Close()

	_, err := fw.StartRemotePortForwarding(context.Background(), SocketEndpoint{Port: 4000}, SocketEndpoint{Port: 80})
	var denied *ErrRequestDenied
	if !errors.As(err, &denied) || !denied.Timeout {
		t.Fatalf("expected timeout denial, got %v", err)
	}
}

func TestLocalPortForwardingRequestedAndCancelled(t *testing.T) {
	session := newFakeSession()
	fw := NewForwarder(session, WithFilter(AllowAllFilter{}))
	defer fw.Close()

	requested := SocketEndpoint{Host: "0.0.0.0", Port: 0}
	assigned, err := fw.LocalPortForwardingRequested(context.Background(), requested, SocketEndpoint{})
	if err != nil {
		t.Fatalf("LocalPortForwardingRequested: %v", err)
	}
	if assigned == 0 {
		t.Fatalf("expected a nonzero assigned port")
	}

	if err := fw.LocalPortForwardingCancelled("0.0.0.0", assigned); err != nil {
		t.Fatalf("LocalPortForwardingCancelled: %v", err)
	}
	if err := fw.LocalPortForwardingCancelled("0.0.0.0", assigned); err == nil {
		t.Fatalf("expected second cancellation to fail")
	}
}

func TestLocalPortForwardingRequestedAndCancelledEmitEvents(t *testing.T) {
	session := newFakeSession()
	listener := &recordingListener{}
	fw := NewForwarder(session, WithFilter(AllowAllFilter{}), WithEventListener(listener))
	defer fw.Close()

	requested := SocketEndpoint{Host: "0.0.0.0", Port: 0}
	assigned, err := fw.LocalPortForwardingRequested(context.Background(), requested, SocketEndpoint{})
	if err != nil {
		t.Fatalf("LocalPortForwardingRequested: %v", err)
	}
	if err := fw.LocalPortForwardingCancelled("0.0.0.0", assigned); err != nil {
		t.Fatalf("LocalPortForwardingCancelled: %v", err)
	}

	want := []string{"establishing:remote", "established:remote", "tearingDown:remote", "tornDown:remote"}
	listener.mu.Lock()
	got := append([]string(nil), listener.events...)
	listener.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestLocalPortForwardingRequestedDeniedByFilter(t *testing.T) {
	session := newFakeSession()
	fw := NewForwarder(session, WithFilter(DenyAllFilter{}))
	defer fw.Close()

	_, err := fw.LocalPortForwardingRequested(context.Background(), SocketEndpoint{Port: 0}, SocketEndpoint{})
	var denied *ErrRequestDenied
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial, got %v", err)
	}
}

// S4: no filter installed at all must deny, not silently allow.
func TestLocalPortForwardingRequestedDeniedByMissingFilter(t *testing.T) {
	session := newFakeSession()
	fw := NewForwarder(session)
	defer fw.Close()

	_, err := fw.LocalPortForwardingRequested(context.Background(), SocketEndpoint{Host: "x", Port: 80}, SocketEndpoint{})
	var denied *ErrRequestDenied
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial with no filter configured, got %v", err)
	}
	if _, ok := fw.registry.findLocalForward("x", 80); ok {
		t.Fatalf("expected no binding to have been created")
	}
}

func TestStartAndStopDynamicPortForwarding(t *testing.T) {
	session := newFakeSession()
	fw := NewForwarder(session)
	defer fw.Close()

	bound, err := fw.StartDynamicPortForwarding(context.Background(), SocketEndpoint{Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("StartDynamicPortForwarding: %v", err)
	}
	if bound.Port == 0 {
		t.Fatalf("expected assigned port")
	}
	if err := fw.StopDynamicPortForwarding(bound); err != nil {
		t.Fatalf("StopDynamicPortForwarding: %v", err)
	}
}

func TestStartAndStopDynamicPortForwardingEmitDynamicEvents(t *testing.T) {
	session := newFakeSession()
	listener := &recordingListener{}
	fw := NewForwarder(session, WithEventListener(listener))
	defer fw.Close()

	bound, err := fw.StartDynamicPortForwarding(context.Background(), SocketEndpoint{Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("StartDynamicPortForwarding: %v", err)
	}
	if err := fw.StopDynamicPortForwarding(bound); err != nil {
		t.Fatalf("StopDynamicPortForwarding: %v", err)
	}

	want := []string{"establishing:dynamic", "established:dynamic", "tearingDown:dynamic", "tornDown:dynamic"}
	listener.mu.Lock()
	got := append([]string(nil), listener.events...)
	listener.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

// Stopping a forward that was never started must not emit any lifecycle
// event at all: the original just logs and returns, it never calls the
// listener.
func TestStopOnUnknownForwardingEmitsNoEvents(t *testing.T) {
	session := newFakeSession()
	listener := &recordingListener{}
	fw := NewForwarder(session, WithEventListener(listener))
	defer fw.Close()

	if err := fw.StopLocalPortForwarding(SocketEndpoint{Port: 9999}); err == nil {
		t.Fatalf("expected error for unknown local forward")
	}
	if err := fw.StopRemotePortForwarding(SocketEndpoint{Port: 9999}); err == nil {
		t.Fatalf("expected error for unknown remote forward")
	}
	if err := fw.StopDynamicPortForwarding(SocketEndpoint{Port: 9999}); err == nil {
		t.Fatalf("expected error for unknown dynamic forward")
	}
	if err := fw.LocalPortForwardingCancelled("nowhere", 9999); err == nil {
		t.Fatalf("expected error for unknown server-side forward")
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.events) != 0 {
		t.Fatalf("expected no events for unknown forwards, got %v", listener.events)
	}
}

// spec.md §4.1 point 6: a bind failure that leaves zero bindings on the
// acceptor closes the whole forwarder, not just the failed Start* call.
func TestBindFailureWithNoRemainingBindingsClosesForwarder(t *testing.T) {
	session := newFakeSession()
	acceptor := &failingAcceptor{netAcceptor: newNetAcceptor()}
	fw := NewForwarder(session, withAcceptor(acceptor))

	_, err := fw.StartLocalPortForwarding(context.Background(), SocketEndpoint{Host: "127.0.0.1", Port: 0}, SocketEndpoint{Port: 80})
	var bindErr *ErrBindFailure
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected *ErrBindFailure, got %v", err)
	}

	deadline := time.After(time.Second)
	for {
		fw.mu.Lock()
		closed := fw.closed
		fw.mu.Unlock()
		if closed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Close to run after exhausted bindings")
		case <-time.After(time.Millisecond):
		}
	}
}

// failingAcceptor always fails to bind, with no other bindings ever present,
// so BoundAddresses() is always empty.
type failingAcceptor struct {
	*netAcceptor
}

func (a *failingAcceptor) Bind(ctx context.Context, requested SocketEndpoint, handler IoHandler) (SocketEndpoint, error) {
	return SocketEndpoint{}, &ErrBindFailure{Addr: requested.Address(), Err: errors.New("refused")}
}

func TestCloseIsIdempotent(t *testing.T) {
	fw := NewForwarder(newFakeSession())
	if err := fw.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
