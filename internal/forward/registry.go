package forward

import "sync"

// portMap is a single port-indexed mapping with its own inner lock, per
// spec's nested-monitor discipline: the facade monitor serializes
// start*/stop* sequences, but lookups driven by acceptor/channel callbacks
// never hold the facade monitor, so each map still needs to protect itself.
type portMap[V any] struct {
	mu sync.Mutex
	m  map[int]V
}

func newPortMap[V any]() *portMap[V] {
	return &portMap[V]{m: make(map[int]V)}
}

// insert stores value under port, reporting ErrDuplicateBinding if the port
// was already occupied (the previous value is left in place).
func (p *portMap[V]) insert(port int, value V) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.m[port]; exists {
		return &ErrDuplicateBinding{Port: port}
	}
	p.m[port] = value
	return nil
}

// remove deletes and returns the value at port, reporting whether it was
// present.
func (p *portMap[V]) remove(port int) (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[port]
	if ok {
		delete(p.m, port)
	}
	return v, ok
}

func (p *portMap[V]) get(port int) (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[port]
	return v, ok
}

func (p *portMap[V]) values() []V {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]V, 0, len(p.m))
	for _, v := range p.m {
		out = append(out, v)
	}
	return out
}

func (p *portMap[V]) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// bindingRegistry is the single source of truth for what is currently
// forwarded: one mapping per forwarding mode, plus the set of server-side
// accepted local forwarding entries (which are looked up by host, not just
// port, so they get their own small linear-scan set rather than a portMap).
type bindingRegistry struct {
	localToRemote *portMap[SocketEndpoint]
	remoteToLocal *portMap[SocketEndpoint]
	dynamicLocal  *portMap[*socksProxy]

	localForwardsMu sync.Mutex
	localForwards   map[int][]LocalForwardingEntry
}

func newBindingRegistry() *bindingRegistry {
	return &bindingRegistry{
		localToRemote: newPortMap[SocketEndpoint](),
		remoteToLocal: newPortMap[SocketEndpoint](),
		dynamicLocal:  newPortMap[*socksProxy](),
		localForwards: make(map[int][]LocalForwardingEntry),
	}
}

// addLocalForward inserts a LocalForwardingEntry, failing if an entry for
// the exact same (boundHost, requestedHost, port) triple already exists.
func (r *bindingRegistry) addLocalForward(entry LocalForwardingEntry) error {
	r.localForwardsMu.Lock()
	defer r.localForwardsMu.Unlock()
	for _, existing := range r.localForwards[entry.Port] {
		if existing == entry {
			return &ErrDuplicateBinding{Port: entry.Port}
		}
	}
	r.localForwards[entry.Port] = append(r.localForwards[entry.Port], entry)
	return nil
}

// findLocalForward returns the entry matching host at port by either its
// bound or requested host name, per spec's "lookup matches on either field".
func (r *bindingRegistry) findLocalForward(host string, port int) (LocalForwardingEntry, bool) {
	r.localForwardsMu.Lock()
	defer r.localForwardsMu.Unlock()
	for _, entry := range r.localForwards[port] {
		if entry.matches(host, port) {
			return entry, true
		}
	}
	return LocalForwardingEntry{}, false
}

// removeLocalForward deletes a specific entry.
func (r *bindingRegistry) removeLocalForward(entry LocalForwardingEntry) {
	r.localForwardsMu.Lock()
	defer r.localForwardsMu.Unlock()
	entries := r.localForwards[entry.Port]
	for i, existing := range entries {
		if existing == entry {
			r.localForwards[entry.Port] = append(entries[:i], entries[i+1:]...)
			if len(r.localForwards[entry.Port]) == 0 {
				delete(r.localForwards, entry.Port)
			}
			return
		}
	}
}
