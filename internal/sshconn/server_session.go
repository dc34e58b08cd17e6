package sshconn

import (
	"sync"

	"golang.org/x/crypto/ssh"
)

// ServerSession adapts the single mixed NewChannel stream ssh.NewServerConn
// hands back into the per-channel-type dispatch style *ssh.Client exposes
// via HandleChannelOpen, so the forwarder's Session boundary is satisfied
// the same way on both sides of a connection. Channel-open requests of a
// type nobody ever calls HandleChannelOpen for are rejected with
// ssh.UnknownChannelType, matching *ssh.Client's own default.
type ServerSession struct {
	*ssh.ServerConn

	raw       <-chan ssh.NewChannel
	startOnce sync.Once
	mu        sync.Mutex
	typed     map[string]chan ssh.NewChannel
}

// NewServerSession wraps conn and the raw channel-open stream returned
// alongside it by ssh.NewServerConn. Dispatch to per-type channels starts
// lazily, on the first HandleChannelOpen call.
func NewServerSession(conn *ssh.ServerConn, raw <-chan ssh.NewChannel) *ServerSession {
	return &ServerSession{ServerConn: conn, raw: raw, typed: make(map[string]chan ssh.NewChannel)}
}

func (s *ServerSession) HandleChannelOpen(channelType string) <-chan ssh.NewChannel {
	s.startOnce.Do(func() { go s.dispatch() })

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.typed[channelType]
	if !ok {
		ch = make(chan ssh.NewChannel, 16)
		s.typed[channelType] = ch
	}
	return ch
}

func (s *ServerSession) dispatch() {
	for nc := range s.raw {
		s.mu.Lock()
		ch, ok := s.typed[nc.ChannelType()]
		s.mu.Unlock()
		if !ok {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type: "+nc.ChannelType())
			continue
		}
		ch <- nc
	}
	s.mu.Lock()
	for _, ch := range s.typed {
		close(ch)
	}
	s.mu.Unlock()
}
