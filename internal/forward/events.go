package forward

import (
	"log/slog"
	"sync"
)

// PortForwardingEventListener receives notifications about forwarding
// lifecycle transitions. Each method is enumerated explicitly, mirroring the
// original's listener interface one-for-one rather than building the
// dispatch through reflection.
type PortForwardingEventListener interface {
	EstablishingExplicitTunnel(mode ForwardingMode, local, remote SocketEndpoint)
	EstablishedExplicitTunnel(mode ForwardingMode, local, remote SocketEndpoint, err error)
	TearingDownExplicitTunnel(mode ForwardingMode, address SocketEndpoint)
	TornDownExplicitTunnel(mode ForwardingMode, address SocketEndpoint, err error)

	// Dynamic (SOCKS) forwarding gets its own pair, mirroring the original's
	// separate establishingDynamicTunnel/establishedDynamicTunnel/etc. rather
	// than overloading the Explicit methods with a ModeDynamic tag.
	EstablishingDynamicTunnel(local SocketEndpoint)
	EstablishedDynamicTunnel(local SocketEndpoint, err error)
	TearingDownDynamicTunnel(local SocketEndpoint)
	TornDownDynamicTunnel(local SocketEndpoint, err error)
}

// eventBroadcaster fans a lifecycle event out to every registered listener,
// logging and swallowing whatever an individual listener panics on so one
// broken listener can't take the others down with it.
type eventBroadcaster struct {
	mu        sync.Mutex
	listeners []PortForwardingEventListener
}

func newEventBroadcaster() *eventBroadcaster {
	return &eventBroadcaster{}
}

func (b *eventBroadcaster) add(l PortForwardingEventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *eventBroadcaster) remove(l PortForwardingEventListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *eventBroadcaster) snapshot() []PortForwardingEventListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PortForwardingEventListener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

func (b *eventBroadcaster) establishing(mode ForwardingMode, local, remote SocketEndpoint) {
	for _, l := range b.snapshot() {
		b.safeCall(func() { l.EstablishingExplicitTunnel(mode, local, remote) })
	}
}

func (b *eventBroadcaster) established(mode ForwardingMode, local, remote SocketEndpoint, err error) {
	for _, l := range b.snapshot() {
		b.safeCall(func() { l.EstablishedExplicitTunnel(mode, local, remote, err) })
	}
}

func (b *eventBroadcaster) tearingDown(mode ForwardingMode, address SocketEndpoint) {
	for _, l := range b.snapshot() {
		b.safeCall(func() { l.TearingDownExplicitTunnel(mode, address) })
	}
}

func (b *eventBroadcaster) tornDown(mode ForwardingMode, address SocketEndpoint, err error) {
	for _, l := range b.snapshot() {
		b.safeCall(func() { l.TornDownExplicitTunnel(mode, address, err) })
	}
}

func (b *eventBroadcaster) establishingDynamic(local SocketEndpoint) {
	for _, l := range b.snapshot() {
		b.safeCall(func() { l.EstablishingDynamicTunnel(local) })
	}
}

func (b *eventBroadcaster) establishedDynamic(local SocketEndpoint, err error) {
	for _, l := range b.snapshot() {
		b.safeCall(func() { l.EstablishedDynamicTunnel(local, err) })
	}
}

func (b *eventBroadcaster) tearingDownDynamic(local SocketEndpoint) {
	for _, l := range b.snapshot() {
		b.safeCall(func() { l.TearingDownDynamicTunnel(local) })
	}
}

func (b *eventBroadcaster) tornDownDynamic(local SocketEndpoint, err error) {
	for _, l := range b.snapshot() {
		b.safeCall(func() { l.TornDownDynamicTunnel(local, err) })
	}
}

func (b *eventBroadcaster) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.With("function", "eventBroadcaster.safeCall").Error("listener panicked", "panic", r)
		}
	}()
	fn()
}
