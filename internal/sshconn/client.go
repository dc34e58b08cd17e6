// Package sshconn builds *ssh.ClientConfig and *ssh.ServerConfig values for
// the forwarder's two roles, and the host-key fingerprint pinning the client
// role relies on instead of a known_hosts file.
package sshconn

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientConfig carries the parameters needed to dial an SSH server and
// authenticate as a client with a private key, mirroring the teacher's
// SSHTunnelManager fields.
type ClientConfig struct {
	ServerAddress  string
	User           string
	PrivateKeyPath string
	// HostKeyFingerprint, if set, must match the server's host key in
	// "SHA256:<base64>" form. Left empty, the connection falls back to
	// ssh.InsecureIgnoreHostKey(), logged loudly since it disables host
	// verification entirely.
	HostKeyFingerprint string
	DialTimeout        time.Duration
}

// Dial loads the configured private key and opens an authenticated SSH
// connection to ServerAddress.
func (c ClientConfig) Dial() (*ssh.Client, error) {
	signer, err := loadPrivateKey(c.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		Timeout:         timeout,
		HostKeyCallback: fingerprintCallback(c.HostKeyFingerprint),
	}

	client, err := ssh.Dial("tcp", c.ServerAddress, cfg)
	if err != nil {
		return nil, fmt.Errorf("sshconn: dial %s: %w", c.ServerAddress, err)
	}
	slog.With("function", "ClientConfig.Dial").Info("ssh connection established", "server", c.ServerAddress)
	return client, nil
}

func loadPrivateKey(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sshconn: unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("sshconn: unable to parse private key: %w", err)
	}
	return signer, nil
}

// fingerprintCallback builds a HostKeyCallback that pins against a single
// SHA256 fingerprint, or falls back to InsecureIgnoreHostKey when none is
// configured.
func fingerprintCallback(want string) ssh.HostKeyCallback {
	if want == "" {
		slog.With("function", "fingerprintCallback").Warn("no host key fingerprint configured, falling back to InsecureIgnoreHostKey")
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		got := Fingerprint(key)
		if got != want {
			return fmt.Errorf("sshconn: host key verification failed: expected %s, got %s", want, got)
		}
		return nil
	}
}

// Fingerprint renders key's SHA256 fingerprint in the "SHA256:<base64>" form
// used by HostKeyFingerprint.
func Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
}
