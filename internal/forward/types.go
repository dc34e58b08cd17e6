// Package forward implements the TCP/IP port forwarding core of an SSH
// client/server: local, remote, and dynamic (SOCKS) tunnels, the binding
// registry that tracks them, and the bridge that pumps bytes between an
// accepted TCP session and an SSH channel.
package forward

import (
	"fmt"
	"net"
	"strconv"
)

// SocketEndpoint is a logical (host, port) pair. Port 0 means "assign a
// port"; an empty host means "any interface".
type SocketEndpoint struct {
	Host string
	Port int
}

// NewSocketEndpoint builds an endpoint, clamping a negative port to 0.
func NewSocketEndpoint(host string, port int) SocketEndpoint {
	if port < 0 {
		port = 0
	}
	return SocketEndpoint{Host: host, Port: port}
}

func (e SocketEndpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Address renders the endpoint as a "host:port" string suitable for
// net.Listen/net.Dial. A zero host is passed through unchanged so callers
// that want "any interface" binding semantics still get it from net.Listen.
func (e SocketEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// fromNetAddr recovers a SocketEndpoint from a *net.TCPAddr-shaped address.
func fromNetAddr(addr net.Addr) (SocketEndpoint, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return SocketEndpoint{}, fmt.Errorf("forward: cannot parse bound address %q: %w", addr.String(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return SocketEndpoint{}, fmt.Errorf("forward: cannot parse bound port %q: %w", portStr, err)
	}
	return SocketEndpoint{Host: host, Port: port}, nil
}

// ForwardingMode selects which binding map and handler a tunnel uses.
type ForwardingMode int

const (
	ModeLocal ForwardingMode = iota
	ModeRemote
	ModeDynamic
)

func (m ForwardingMode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeRemote:
		return "remote"
	case ModeDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// LocalForwardingEntry records a server-side accepted local forwarding
// request: the address the acceptor actually bound to, the host name the
// peer originally asked for, and the port both share. Lookups by
// localPortForwardingCancelled may match on either host field, so both are
// kept even though they're often equal.
type LocalForwardingEntry struct {
	BoundHost     string
	RequestedHost string
	Port          int
}

func (e LocalForwardingEntry) matches(host string, port int) bool {
	if e.Port != port {
		return false
	}
	return e.BoundHost == host || e.RequestedHost == host
}

func (e LocalForwardingEntry) endpoint() SocketEndpoint {
	return SocketEndpoint{Host: e.BoundHost, Port: e.Port}
}
