package forward

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// bridgeState is the bridge channel's lifecycle: data arriving before the
// SSH side opens is buffered, then flushed once it does, or dropped if the
// channel is torn down first. This replaces the original's blocking
// channel.waitFor(...) in messageReceived, per spec.md §4.3/§9: rather than
// park a goroutine waiting for the channel-open handshake to finish, bytes
// that arrive early are queued and replayed once openedWith is called.
type bridgeState int

const (
	statePending bridgeState = iota
	stateOpened
	stateClosed
)

// bridgeChannel pumps bytes between one accepted TCP connection and one SSH
// channel, in either direction of origination (local- or remote-forwarded).
type bridgeChannel struct {
	conn net.Conn
	mu   sync.Mutex
	st   bridgeState
	ch   ssh.Channel
	buf  [][]byte
}

func newBridgeChannel(conn net.Conn) *bridgeChannel {
	return &bridgeChannel{conn: conn, st: statePending}
}

// feed handles one chunk read from conn by readLoop: it is buffered while
// st == statePending, written to the SSH channel once opened, and dropped
// once closed.
func (b *bridgeChannel) feed(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.st {
	case statePending:
		cp := make([]byte, len(p))
		copy(cp, p)
		b.buf = append(b.buf, cp)
	case stateOpened:
		if _, err := b.ch.Write(p); err != nil {
			slog.With("function", "bridgeChannel.feed").Debug("write to channel failed", "err", err)
		}
	case stateClosed:
		// discarded
	}
}

// openedWith transitions pending -> opened, flushing any buffered bytes onto
// the now-live SSH channel, then starts copying the channel's half back to
// conn (the conn-to-channel half is already carried by feed's caller).
func (b *bridgeChannel) openedWith(ch ssh.Channel) {
	b.mu.Lock()
	if b.st == stateClosed {
		b.mu.Unlock()
		ch.Close()
		return
	}
	b.ch = ch
	b.st = stateOpened
	pending := b.buf
	b.buf = nil
	b.mu.Unlock()

	for _, chunk := range pending {
		if _, err := ch.Write(chunk); err != nil {
			slog.With("function", "bridgeChannel.openedWith").Debug("flush to channel failed", "err", err)
			break
		}
	}

	io.Copy(b.conn, ch)
	if tcpConn, ok := b.conn.(*net.TCPConn); ok {
		tcpConn.CloseWrite()
	}
	b.Close()
}

// deniedOrFailed transitions pending -> closed when the SSH side never
// materializes (channel-open rejected, dial failed, request denied).
func (b *bridgeChannel) deniedOrFailed() {
	b.mu.Lock()
	b.st = stateClosed
	b.buf = nil
	b.mu.Unlock()
	b.conn.Close()
}

// readLoop is the conn-to-channel half: it starts the moment the TCP
// connection is accepted, independent of whether the SSH channel exists
// yet. Bytes read while st == statePending go into feed's buffer; once
// openedWith flips the state, feed writes straight through. This is the
// non-blocking replacement for the original's channel.waitFor(...): no
// goroutine blocks waiting for the channel-open handshake, the accept-side
// reader just keeps running and feed sorts out where the bytes go.
func (b *bridgeChannel) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := b.conn.Read(buf)
		if n > 0 {
			b.feed(buf[:n])
		}
		if err != nil {
			b.mu.Lock()
			ch := b.ch
			st := b.st
			b.mu.Unlock()
			if st == stateOpened && ch != nil {
				ch.CloseWrite()
			}
			return
		}
	}
}

func (b *bridgeChannel) Close() error {
	b.mu.Lock()
	b.st = stateClosed
	ch := b.ch
	b.mu.Unlock()

	connErr := b.conn.Close()
	var chErr error
	if ch != nil {
		chErr = ch.Close()
	}
	if connErr != nil {
		return connErr
	}
	return chErr
}

// staticBridgeHandler is the IoHandler installed for local forwards and for
// server-side accepted forwarding requests (dynamic forwards use socksProxy
// instead): on each accepted connection it asks open to produce the peer SSH
// channel (a direct-tcpip channel-open for local forwarding, a
// forwarded-tcpip channel-open for a peer's tcpip-forward request), then
// bridges the two. It is "static" in the same sense as the original's
// StaticIoHandler: its peer target is fixed by the open callback rather than
// negotiated per connection. A new instance is created for each bind.
type staticBridgeHandler struct {
	registry *channelRegistry
	open     func(ctx context.Context, bound SocketEndpoint, originator SocketEndpoint) (ssh.Channel, error)
}

func newStaticBridgeHandler(registry *channelRegistry, open func(context.Context, SocketEndpoint, SocketEndpoint) (ssh.Channel, error)) *staticBridgeHandler {
	return &staticBridgeHandler{registry: registry, open: open}
}

func (h *staticBridgeHandler) SessionCreated(ctx context.Context, conn net.Conn, bound SocketEndpoint) {
	originator, err := fromNetAddr(conn.RemoteAddr())
	if err != nil {
		conn.Close()
		return
	}

	bc := newBridgeChannel(conn)
	h.registry.register(bc)
	defer h.registry.unregister(bc)

	go bc.readLoop()

	ch, err := h.open(ctx, bound, originator)
	if err != nil {
		slog.With("function", "staticBridgeHandler.SessionCreated").Debug("failed to open peer channel", "err", err)
		bc.deniedOrFailed()
		return
	}
	bc.openedWith(ch)
}
