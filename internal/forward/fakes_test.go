package forward

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// This file holds fake/mock implementations used only by this package's
// tests, in the same minimal-functionality spirit as the teacher's
// ssh/fakes.go: enough behavior to drive the facade without a real
// network or SSH handshake.

// fakeSession implements Session with fully customizable hooks, mirroring
// fakeClient's sendRequestFunc pattern.
type fakeSession struct {
	sendRequestFunc func(name string, wantReply bool, payload []byte) (bool, []byte, error)
	openChannelFunc func(name string, data []byte) (ssh.Channel, <-chan *ssh.Request, error)
	channelsByType  map[string]chan ssh.NewChannel
	mu              sync.Mutex
}

func newFakeSession() *fakeSession {
	return &fakeSession{channelsByType: make(map[string]chan ssh.NewChannel)}
}

func (f *fakeSession) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	if f.sendRequestFunc != nil {
		return f.sendRequestFunc(name, wantReply, payload)
	}
	return true, nil, nil
}

func (f *fakeSession) OpenChannel(name string, data []byte) (ssh.Channel, <-chan *ssh.Request, error) {
	if f.openChannelFunc != nil {
		return f.openChannelFunc(name, data)
	}
	reqs := make(chan *ssh.Request)
	close(reqs)
	return &fakeSSHChannel{}, reqs, nil
}

func (f *fakeSession) HandleChannelOpen(channelType string) <-chan ssh.NewChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channelsByType[channelType]
	if !ok {
		ch = make(chan ssh.NewChannel, 4)
		f.channelsByType[channelType] = ch
	}
	return ch
}

// deliver pushes a fake incoming channel-open of the given type, as if the
// peer had sent it. Tests use this to exercise dispatchForwardedTCPIP /
// dispatchDirectTCPIP without a real SSH session.
func (f *fakeSession) deliver(channelType string, extra []byte) {
	f.HandleChannelOpen(channelType) // ensures the map entry exists
	f.mu.Lock()
	ch := f.channelsByType[channelType]
	f.mu.Unlock()
	ch <- &fakeNewChannel{channelType: channelType, extraData: extra}
}

// fakeNewChannel is a minimal ssh.NewChannel.
type fakeNewChannel struct {
	channelType string
	extraData   []byte
	rejected    bool
	rejectMu    sync.Mutex
}

func (f *fakeNewChannel) ChannelType() string { return f.channelType }
func (f *fakeNewChannel) ExtraData() []byte   { return f.extraData }

func (f *fakeNewChannel) Accept() (ssh.Channel, <-chan *ssh.Request, error) {
	reqs := make(chan *ssh.Request)
	close(reqs)
	return &fakeSSHChannel{}, reqs, nil
}

func (f *fakeNewChannel) Reject(reason ssh.RejectionReason, message string) error {
	f.rejectMu.Lock()
	f.rejected = true
	f.rejectMu.Unlock()
	return fmt.Errorf("channel rejected: %s", message)
}

// fakeSSHChannel is a minimal ssh.Channel: reads return EOF immediately,
// writes succeed and discard, matching the teacher's fakeSshChannel.
type fakeSSHChannel struct {
	readOnce sync.Once
	closed   bool
	mu       sync.Mutex
}

func (f *fakeSSHChannel) Read(b []byte) (int, error) {
	var err error
	f.readOnce.Do(func() { err = io.EOF })
	if err != nil {
		return 0, err
	}
	return 0, nil
}

func (f *fakeSSHChannel) Write(b []byte) (int, error) { return len(b), nil }

func (f *fakeSSHChannel) SendRequest(string, bool, []byte) (bool, error) { return true, nil }

func (f *fakeSSHChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSSHChannel) CloseWrite() error { return nil }

func (f *fakeSSHChannel) Stderr() io.ReadWriter { return &fakeReadWriter{} }

type fakeReadWriter struct{}

func (*fakeReadWriter) Read(p []byte) (int, error)  { return 0, io.EOF }
func (*fakeReadWriter) Write(p []byte) (int, error) { return len(p), nil }
