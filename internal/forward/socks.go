package forward

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"

	"golang.org/x/crypto/ssh"
)

// SOCKS version 5, per RFC 1928. Only no-auth and the CONNECT command are
// implemented, matching the minimal dynamic-forwarding handlers throughout
// the retrieval pack (none of them implement BIND or UDP ASSOCIATE either).
const (
	socksVersion5   = 0x05
	socksAuthNone   = 0x00
	socksCmdConnect = 0x01
	socksAddrIPv4   = 0x01
	socksAddrDomain = 0x03
	socksAddrIPv6   = 0x04

	socksReplySucceeded     = 0x00
	socksReplyGeneralFailed = 0x01
)

var errUnsupportedSocksRequest = errors.New("forward: unsupported SOCKS request")

// socksProxy is the dynamic-forwarding handler: a bound listener that speaks
// just enough SOCKS5 to learn the requested destination, then opens a
// direct-tcpip channel toward it and bridges the two — the same mechanics as
// a local forward, except the destination is negotiated per-connection
// instead of fixed at bind time.
//
// channels is the proxy's own registry, separate from the facade's: Close
// needs to force-drain exactly this proxy's bridged connections before the
// acceptor is torn down, without touching any other mode's channels.
type socksProxy struct {
	bound    SocketEndpoint
	channels *channelRegistry
	open     func(ctx context.Context, target, originator SocketEndpoint) (ssh.Channel, error)
}

func newSocksProxy(bound SocketEndpoint, open func(ctx context.Context, target, originator SocketEndpoint) (ssh.Channel, error)) *socksProxy {
	return &socksProxy{bound: bound, channels: newChannelRegistry(), open: open}
}

// Close force-closes every connection this proxy has bridged so far. Called
// by Forwarder.Close before the acceptor is closed, so in-flight SOCKS
// tunnels are torn down rather than left to drain on their own.
func (s *socksProxy) Close() error {
	s.channels.closeAll()
	return nil
}

// SessionCreated implements IoHandler: it runs the SOCKS5 handshake inline
// on the accepted connection, then hands off to a bridgeChannel exactly as
// staticBridgeHandler does for local forwarding.
func (s *socksProxy) SessionCreated(ctx context.Context, conn net.Conn, _ SocketEndpoint) {
	target, err := socksHandshake(conn)
	if err != nil {
		slog.With("function", "socksProxy.SessionCreated").Debug("SOCKS handshake failed", "err", err)
		conn.Close()
		return
	}

	originator, err := fromNetAddr(conn.RemoteAddr())
	if err != nil {
		conn.Close()
		return
	}

	bc := newBridgeChannel(conn)
	s.channels.register(bc)
	defer s.channels.unregister(bc)

	go bc.readLoop()

	ch, err := s.open(ctx, target, originator)
	if err != nil {
		socksReply(conn, socksReplyGeneralFailed)
		bc.deniedOrFailed()
		return
	}
	if err := socksReply(conn, socksReplySucceeded); err != nil {
		ch.Close()
		bc.deniedOrFailed()
		return
	}
	bc.openedWith(ch)
}

// socksHandshake reads the SOCKS5 greeting and request off conn, replying
// with no-auth and rejecting anything but a CONNECT command, and returns the
// requested destination.
func socksHandshake(conn net.Conn) (SocketEndpoint, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return SocketEndpoint{}, err
	}
	if hdr[0] != socksVersion5 {
		return SocketEndpoint{}, errUnsupportedSocksRequest
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return SocketEndpoint{}, err
	}
	if _, err := conn.Write([]byte{socksVersion5, socksAuthNone}); err != nil {
		return SocketEndpoint{}, err
	}

	reqHdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, reqHdr); err != nil {
		return SocketEndpoint{}, err
	}
	if reqHdr[0] != socksVersion5 || reqHdr[1] != socksCmdConnect {
		return SocketEndpoint{}, errUnsupportedSocksRequest
	}

	var host string
	switch reqHdr[3] {
	case socksAddrIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return SocketEndpoint{}, err
		}
		host = net.IP(addr).String()
	case socksAddrIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return SocketEndpoint{}, err
		}
		host = net.IP(addr).String()
	case socksAddrDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return SocketEndpoint{}, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return SocketEndpoint{}, err
		}
		host = string(domain)
	default:
		return SocketEndpoint{}, errUnsupportedSocksRequest
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return SocketEndpoint{}, err
	}
	port := int(binary.BigEndian.Uint16(portBuf))
	return SocketEndpoint{Host: host, Port: port}, nil
}

func socksReply(conn net.Conn, code byte) error {
	reply := []byte{socksVersion5, code, 0x00, socksAddrIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}
