package forward

import (
	"sync"

	"golang.org/x/crypto/ssh"
)

// Session is the narrow slice of golang.org/x/crypto/ssh.Conn (plus the
// client-only channel-open-notification method) the forwarder needs.
// *ssh.Client satisfies it structurally. *ssh.ServerConn has no
// HandleChannelOpen, so the server side plugs in through
// sshconn.ServerSession, which adds it.
type Session interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	OpenChannel(name string, data []byte) (ssh.Channel, <-chan *ssh.Request, error)
	HandleChannelOpen(channelType string) <-chan ssh.NewChannel
}

// channelRegistry tracks live bridge channels so Close can tear every one of
// them down, mirroring ConnectionService.registerChannel/unregisterChannel.
type channelRegistry struct {
	mu       sync.Mutex
	channels map[*bridgeChannel]struct{}
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{channels: make(map[*bridgeChannel]struct{})}
}

func (r *channelRegistry) register(c *bridgeChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c] = struct{}{}
}

func (r *channelRegistry) unregister(c *bridgeChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, c)
}

func (r *channelRegistry) closeAll() {
	r.mu.Lock()
	channels := make([]*bridgeChannel, 0, len(r.channels))
	for c := range r.channels {
		channels = append(channels, c)
	}
	r.channels = make(map[*bridgeChannel]struct{})
	r.mu.Unlock()

	for _, c := range channels {
		c.Close()
	}
}
