package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const defaultRequestTimeout = 15 * time.Second

// Forwarder is the facade: the single entry point for starting and stopping
// local, remote, and dynamic port forwards over one SSH session, and for
// answering the peer's own forwarding requests when this side acts as the
// server. One Forwarder serves one Session for its lifetime.
//
// mu is the "facade monitor" from spec.md §5/§9: every mutating operation
// (start*/stop*/localPortForwardingRequested/Cancelled) holds it for its
// whole duration, exactly like the original's synchronized methods. Lookups
// driven by acceptor or channel-open callbacks do not hold it — they go
// through the registry's own per-map locks instead, which is why those maps
// guard themselves.
type Forwarder struct {
	session Session

	mu      sync.Mutex
	closed  bool
	closing bool

	acceptor   IoAcceptor
	registry   *bindingRegistry
	channels   *channelRegistry
	events     *eventBroadcaster
	filter     ForwardingFilter
	reqTimeout time.Duration

	dynWg sync.WaitGroup

	dispatchOnce sync.Once
}

// Option configures a Forwarder at construction time.
type Option func(*Forwarder)

func WithFilter(f ForwardingFilter) Option {
	return func(fw *Forwarder) { fw.filter = f }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(fw *Forwarder) { fw.reqTimeout = d }
}

func WithEventListener(l PortForwardingEventListener) Option {
	return func(fw *Forwarder) { fw.events.add(l) }
}

// withAcceptor overrides the net.Listen-backed acceptor; used by tests.
func withAcceptor(a IoAcceptor) Option {
	return func(fw *Forwarder) { fw.acceptor = a }
}

func NewForwarder(session Session, opts ...Option) *Forwarder {
	fw := &Forwarder{
		session:    session,
		acceptor:   newNetAcceptor(),
		registry:   newBindingRegistry(),
		channels:   newChannelRegistry(),
		events:     newEventBroadcaster(),
		reqTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(fw)
	}
	fw.dispatchOnce.Do(func() {
		go fw.dispatchForwardedTCPIP()
		go fw.dispatchDirectTCPIP()
	})
	return fw
}

func (fw *Forwarder) String() string {
	return fmt.Sprintf("Forwarder[%v]", fw.session)
}

// Session returns the underlying connection, mirroring the original's
// SessionHolder<Session> accessor.
func (fw *Forwarder) Session() Session { return fw.session }

func (fw *Forwarder) log() *slog.Logger { return slog.With("component", "forward.Forwarder") }

// --- local forwarding: bind here, dial the peer's target on accept ---

// StartLocalPortForwarding binds local and, on every accepted connection,
// opens a direct-tcpip channel toward remote, bridging the two.
func (fw *Forwarder) StartLocalPortForwarding(ctx context.Context, local, remote SocketEndpoint) (SocketEndpoint, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if local.Port < 0 {
		return SocketEndpoint{}, &ErrInvalidArgument{msg: "negative local port in " + local.String()}
	}
	if fw.closed || fw.closing {
		return SocketEndpoint{}, &ErrClosed{closing: fw.closing}
	}

	fw.events.establishing(ModeLocal, local, remote)

	handler := newStaticBridgeHandler(fw.channels, func(ctx context.Context, bound, originator SocketEndpoint) (ssh.Channel, error) {
		return fw.openDirectTCPIP(ctx, remote, originator)
	})

	bound, err := fw.acceptor.Bind(ctx, local, handler)
	if err != nil {
		fw.events.established(ModeLocal, local, remote, err)
		fw.closeOnExhaustedBindings()
		return SocketEndpoint{}, err
	}
	if err := fw.registry.localToRemote.insert(bound.Port, remote); err != nil {
		fw.acceptor.Unbind(bound)
		fw.events.established(ModeLocal, local, remote, err)
		return SocketEndpoint{}, err
	}

	fw.log().Debug("startLocalPortForwarding", "local", bound, "remote", remote)
	fw.events.established(ModeLocal, bound, remote, nil)
	return bound, nil
}

func (fw *Forwarder) StopLocalPortForwarding(local SocketEndpoint) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, ok := fw.registry.localToRemote.remove(local.Port); !ok {
		fw.log().Debug("stopLocalPortForwarding: no such forwarding", "local", local)
		return &ErrInvalidArgument{msg: "no local forwarding on " + local.String()}
	}
	fw.events.tearingDown(ModeLocal, local)
	err := fw.acceptor.Unbind(local)
	fw.events.tornDown(ModeLocal, local, err)
	return err
}

func (fw *Forwarder) openDirectTCPIP(ctx context.Context, target, originator SocketEndpoint) (ssh.Channel, error) {
	extra := marshalDirectTCPIP(target, originator)
	ch, reqs, err := fw.session.OpenChannel("direct-tcpip", extra)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// --- remote forwarding: ask the peer to bind, accept forwarded-tcpip ---

// StartRemotePortForwarding asks the peer to bind remote via a
// "tcpip-forward" global request, then records remote -> local so an
// incoming "forwarded-tcpip" channel can be routed. The insertion happens
// strictly after the request's reply is observed — carried forward from the
// original unfixed, per spec.md §9: a forwarded-tcpip channel that races in
// between the peer's bind and this insert finds no registry entry and is
// rejected.
func (fw *Forwarder) StartRemotePortForwarding(ctx context.Context, remote, local SocketEndpoint) (SocketEndpoint, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.closed || fw.closing {
		return SocketEndpoint{}, &ErrClosed{closing: fw.closing}
	}

	fw.events.establishing(ModeRemote, local, remote)

	assigned, err := fw.requestTcpipForward(remote)
	if err != nil {
		fw.events.established(ModeRemote, local, remote, err)
		return SocketEndpoint{}, err
	}
	bound := SocketEndpoint{Host: remote.Host, Port: assigned}

	if err := fw.registry.remoteToLocal.insert(bound.Port, local); err != nil {
		fw.sendCancelTcpipForward(bound)
		fw.events.established(ModeRemote, local, bound, err)
		return SocketEndpoint{}, err
	}

	fw.log().Debug("startRemotePortForwarding", "remote", bound, "local", local)
	fw.events.established(ModeRemote, local, bound, nil)
	return bound, nil
}

func (fw *Forwarder) requestTcpipForward(remote SocketEndpoint) (int, error) {
	type reqResult struct {
		ok      bool
		payload []byte
		err     error
	}
	resultCh := make(chan reqResult, 1)
	go func() {
		ok, payload, err := fw.session.SendRequest("tcpip-forward", true, marshalTCPIPForwardRequest(remote))
		resultCh <- reqResult{ok, payload, err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return 0, &ErrIoFailure{Err: res.err}
		}
		if !res.ok {
			return 0, &ErrRequestDenied{}
		}
		if remote.Port != 0 {
			return remote.Port, nil
		}
		return unmarshalAssignedPort(res.payload)
	case <-time.After(fw.reqTimeout):
		return 0, &ErrRequestDenied{Timeout: true}
	}
}

func (fw *Forwarder) sendCancelTcpipForward(remote SocketEndpoint) {
	if _, _, err := fw.session.SendRequest("cancel-tcpip-forward", false, marshalCancelTCPIPForward(remote)); err != nil {
		fw.log().Debug("cancel-tcpip-forward send failed", "err", err)
	}
}

// GetForwardedPort reports the local endpoint a remote forward at remotePort
// currently routes to, and whether one is active at all. Read-only: it takes
// no facade lock, consulting the registry's own inner lock directly, the
// same way acceptor/channel-open callbacks do.
func (fw *Forwarder) GetForwardedPort(remotePort int) (SocketEndpoint, bool) {
	return fw.registry.remoteToLocal.get(remotePort)
}

func (fw *Forwarder) StopRemotePortForwarding(remote SocketEndpoint) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, ok := fw.registry.remoteToLocal.remove(remote.Port); !ok {
		fw.log().Debug("stopRemotePortForwarding: no such forwarding", "remote", remote)
		return &ErrInvalidArgument{msg: "no remote forwarding on " + remote.String()}
	}
	fw.events.tearingDown(ModeRemote, remote)

	_, _, err := fw.session.SendRequest("cancel-tcpip-forward", false, marshalCancelTCPIPForward(remote))
	if err != nil {
		err = &ErrIoFailure{Err: err}
	}
	fw.events.tornDown(ModeRemote, remote, err)
	return err
}

// dispatchForwardedTCPIP routes incoming "forwarded-tcpip" channel-open
// requests (the peer notifying us of a connection accepted on a port we
// asked it to bind) to the local target recorded by StartRemotePortForwarding.
func (fw *Forwarder) dispatchForwardedTCPIP() {
	channels := fw.session.HandleChannelOpen("forwarded-tcpip")
	if channels == nil {
		return
	}
	for newChannel := range channels {
		nc := newChannel
		go fw.handleForwardedTCPIP(nc)
	}
}

func (fw *Forwarder) handleForwardedTCPIP(newChannel ssh.NewChannel) {
	var extra forwardedTCPIPExtra
	if err := ssh.Unmarshal(newChannel.ExtraData(), &extra); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload")
		return
	}

	local, ok := fw.registry.remoteToLocal.get(int(extra.ConnectedPort))
	if !ok {
		newChannel.Reject(ssh.ConnectionFailed, "no such forwarding")
		return
	}

	ch, reqs, err := newChannel.Accept()
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	conn, err := net.Dial("tcp", local.Address())
	if err != nil {
		fw.log().Debug("dial for forwarded-tcpip failed", "target", local, "err", err)
		ch.Close()
		return
	}

	bc := newBridgeChannel(conn)
	fw.channels.register(bc)
	defer fw.channels.unregister(bc)
	go bc.readLoop()
	bc.openedWith(ch)
}

// dispatchDirectTCPIP routes incoming "direct-tcpip" channel-open requests
// (the peer asking us, acting as server, to connect out to a target on its
// behalf) to a dialed TCP connection, subject to the forwarding filter.
func (fw *Forwarder) dispatchDirectTCPIP() {
	channels := fw.session.HandleChannelOpen("direct-tcpip")
	if channels == nil {
		return
	}
	for newChannel := range channels {
		nc := newChannel
		go fw.handleDirectTCPIP(nc)
	}
}

func (fw *Forwarder) handleDirectTCPIP(newChannel ssh.NewChannel) {
	extra, err := unmarshalDirectTCPIP(newChannel.ExtraData())
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "malformed direct-tcpip payload")
		return
	}
	target := SocketEndpoint{Host: extra.HostToConnect, Port: int(extra.PortToConnect)}
	originator := SocketEndpoint{Host: extra.OriginatorAddress, Port: int(extra.OriginatorPort)}

	if err := fw.checkFilter(ModeLocal, target, originator); err != nil {
		newChannel.Reject(ssh.Prohibited, err.Error())
		return
	}

	ch, reqs, err := newChannel.Accept()
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	conn, err := net.Dial("tcp", target.Address())
	if err != nil {
		fw.log().Debug("dial for direct-tcpip failed", "target", target, "err", err)
		ch.Close()
		return
	}

	bc := newBridgeChannel(conn)
	fw.channels.register(bc)
	defer fw.channels.unregister(bc)
	go bc.readLoop()
	bc.openedWith(ch)
}

// --- dynamic (SOCKS) forwarding ---

func (fw *Forwarder) StartDynamicPortForwarding(ctx context.Context, local SocketEndpoint) (SocketEndpoint, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.closed || fw.closing {
		return SocketEndpoint{}, &ErrClosed{closing: fw.closing}
	}

	fw.events.establishingDynamic(local)

	proxy := newSocksProxy(local, func(ctx context.Context, target, originator SocketEndpoint) (ssh.Channel, error) {
		return fw.openDirectTCPIP(ctx, target, originator)
	})

	bound, err := fw.acceptor.Bind(ctx, local, proxy)
	if err != nil {
		fw.events.establishedDynamic(local, err)
		fw.closeOnExhaustedBindings()
		return SocketEndpoint{}, err
	}
	proxy.bound = bound

	if err := fw.registry.dynamicLocal.insert(bound.Port, proxy); err != nil {
		fw.acceptor.Unbind(bound)
		fw.events.establishedDynamic(bound, err)
		return SocketEndpoint{}, err
	}

	fw.log().Debug("startDynamicPortForwarding", "local", bound)
	fw.events.establishedDynamic(bound, nil)
	return bound, nil
}

func (fw *Forwarder) StopDynamicPortForwarding(local SocketEndpoint) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, ok := fw.registry.dynamicLocal.remove(local.Port); !ok {
		fw.log().Debug("stopDynamicPortForwarding: no such forwarding", "local", local)
		return &ErrInvalidArgument{msg: "no dynamic forwarding on " + local.String()}
	}
	fw.events.tearingDownDynamic(local)
	err := fw.acceptor.Unbind(local)
	fw.events.tornDownDynamic(local, err)
	return err
}

// --- server-side: answering the peer's own forwarding requests ---

// LocalPortForwardingRequested handles an inbound "tcpip-forward" global
// request: the peer wants us, as server, to bind requested and forward
// whatever arrives back to it as "forwarded-tcpip" channels. Returns the
// assigned port to reply with.
func (fw *Forwarder) LocalPortForwardingRequested(ctx context.Context, requested SocketEndpoint, originator SocketEndpoint) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.closed || fw.closing {
		return 0, &ErrClosed{closing: fw.closing}
	}

	fw.events.establishing(ModeRemote, originator, requested)

	if err := fw.checkFilter(ModeRemote, requested, originator); err != nil {
		fw.events.established(ModeRemote, originator, requested, err)
		return 0, err
	}

	handler := newStaticBridgeHandler(fw.channels, func(ctx context.Context, bound, peerOriginator SocketEndpoint) (ssh.Channel, error) {
		return fw.openForwardedTCPIP(bound, peerOriginator)
	})

	bound, err := fw.acceptor.Bind(ctx, requested, handler)
	if err != nil {
		fw.events.established(ModeRemote, originator, requested, err)
		fw.closeOnExhaustedBindings()
		return 0, err
	}

	// NOTE: the bound host is inserted first, matching the original's
	// comment that this ordering is crucial for localPortForwardingCancelled
	// lookups, which must match on either the bound or the originally
	// requested host.
	entry := LocalForwardingEntry{BoundHost: bound.Host, RequestedHost: requested.Host, Port: bound.Port}
	if err := fw.registry.addLocalForward(entry); err != nil {
		unbindErr := fw.acceptor.Unbind(bound)
		if unbindErr != nil {
			// Secondary cleanup error: joined onto the primary, not onto
			// itself. The original mistakenly calls e.addSuppressed(e) here;
			// this is the corrected Go rendition spec.md calls for.
			err = errors.Join(err, unbindErr)
		}
		fw.events.established(ModeRemote, originator, bound, err)
		return 0, err
	}

	fw.log().Debug("localPortForwardingRequested", "bound", bound, "requested", requested)
	fw.events.established(ModeRemote, originator, bound, nil)
	return bound.Port, nil
}

// LocalPortForwardingCancelled handles an inbound "cancel-tcpip-forward"
// global request, looking the entry up by either its bound or requested
// host, per the original's NOTE preserved in LocalPortForwardingRequested.
func (fw *Forwarder) LocalPortForwardingCancelled(host string, port int) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	entry, ok := fw.registry.findLocalForward(host, port)
	if !ok {
		fw.log().Debug("localPortForwardingCancelled: no such forwarding", "host", host, "port", port)
		return &ErrInvalidArgument{msg: fmt.Sprintf("no local forwarding for %s:%d", host, port)}
	}
	fw.events.tearingDown(ModeRemote, entry.endpoint())
	fw.registry.removeLocalForward(entry)
	err := fw.acceptor.Unbind(entry.endpoint())
	fw.events.tornDown(ModeRemote, entry.endpoint(), err)
	return err
}

func (fw *Forwarder) openForwardedTCPIP(bound, originator SocketEndpoint) (ssh.Channel, error) {
	extra := marshalForwardedTCPIP(bound, originator)
	ch, reqs, err := fw.session.OpenChannel("forwarded-tcpip", extra)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// closeOnExhaustedBindings implements spec.md's "on bind failure, if the
// acceptor has no remaining bindings, close the forwarder entirely": the
// caller re-raises the bind error immediately, while the whole forwarder is
// torn down in the background, since Close acquires the facade monitor the
// caller is still holding for the rest of its own call.
func (fw *Forwarder) closeOnExhaustedBindings() {
	if len(fw.acceptor.BoundAddresses()) == 0 {
		go fw.Close()
	}
}

// --- lifecycle ---

// Close tears every forward down in the order spec.md §4.5 calls for:
// dynamic SOCKS proxies are force-closed concurrently first (draining their
// already-bridged connections, not just stopping new ones), then the
// acceptor, then every remaining open bridge channel. This mirrors
// getInnerCloseable's two-phase parallel-then-sequential shutdown without a
// generic Closeable tree.
func (fw *Forwarder) Close() error {
	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		return nil
	}
	fw.closing = true
	proxies := fw.registry.dynamicLocal.values()
	fw.mu.Unlock()

	for _, p := range proxies {
		fw.dynWg.Add(1)
		proxy := p
		go func() {
			defer fw.dynWg.Done()
			proxy.Close()
			fw.acceptor.Unbind(proxy.bound)
		}()
	}
	fw.dynWg.Wait()

	err := fw.acceptor.Close()
	fw.channels.closeAll()

	fw.mu.Lock()
	fw.closed = true
	fw.closing = false
	fw.mu.Unlock()

	return err
}
