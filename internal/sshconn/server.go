package sshconn

import (
	"fmt"
	"log/slog"
	"os"

	pam "github.com/msteinert/pam/v2"
	"golang.org/x/crypto/ssh"
)

// ServerConfig carries the parameters needed to accept an inbound SSH
// connection and authenticate the client against PAM, mirroring ssh-ify's
// PasswordAuthCallback wiring.
type ServerConfig struct {
	HostKeyPath string
	// PAMServiceName is the PAM service to authenticate against, e.g. "sshd".
	PAMServiceName string
}

// Build loads the host key and returns an *ssh.ServerConfig whose
// PasswordCallback authenticates against PAM.
func (c ServerConfig) Build() (*ssh.ServerConfig, error) {
	keyBytes, err := os.ReadFile(c.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sshconn: unable to read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("sshconn: unable to parse host key: %w", err)
	}

	service := c.PAMServiceName
	if service == "" {
		service = "sshd"
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: pamPasswordCallback(service),
	}
	cfg.AddHostKey(signer)
	return cfg, nil
}

// pamPasswordCallback builds an ssh.PasswordCallback that authenticates the
// connecting user against the named PAM service.
func pamPasswordCallback(service string) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
		if pamAuthenticate(service, meta.User(), string(password)) {
			return nil, nil
		}
		return nil, fmt.Errorf("sshconn: invalid credentials for user %q", meta.User())
	}
}

func pamAuthenticate(service, user, password string) bool {
	t, err := pam.StartFunc(service, user, func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOff:
			return password, nil
		case pam.TextInfo:
			return "", nil
		default:
			return "", nil
		}
	})
	if err != nil {
		slog.With("function", "pamAuthenticate").Warn("PAM session start failed", "user", user, "err", err)
		return false
	}
	if err := t.Authenticate(0); err != nil {
		slog.With("function", "pamAuthenticate").Debug("PAM authentication denied", "user", user, "err", err)
		return false
	}
	return true
}
