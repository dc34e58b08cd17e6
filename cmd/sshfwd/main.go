// Command sshfwd dials or accepts one SSH connection and wires it to the
// port forwarder: local (-L), remote (-R), and dynamic (-D) forwards in
// client mode, or PAM-authenticated inbound forwarding requests in server
// mode (-server).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh"

	"github.com/dguerri/go-sshfwd/internal/config"
	"github.com/dguerri/go-sshfwd/internal/forward"
	"github.com/dguerri/go-sshfwd/internal/sshconn"
)

type forwardSpec struct {
	mode  forward.ForwardingMode
	local forward.SocketEndpoint
	// remote is unset (zero value) for -D dynamic forwards.
	remote forward.SocketEndpoint
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("SLOG_LEVEL") == "DEBUG" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	serverMode := flag.Bool("server", false, "run as the SSH server side, authenticating clients via PAM")
	var localSpecs, remoteSpecs, dynamicSpecs stringList
	flag.Var(&localSpecs, "L", "local forward, [bind_host:]bind_port:host:hostport (repeatable)")
	flag.Var(&remoteSpecs, "R", "remote forward, [bind_host:]bind_port:host:hostport (repeatable)")
	flag.Var(&dynamicSpecs, "D", "dynamic (SOCKS) forward, [bind_host:]bind_port (repeatable)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	if *serverMode {
		if err := runServer(ctx, cfg); err != nil {
			slog.Error("server exited with error", "err", err)
			os.Exit(1)
		}
		return
	}

	specs, err := parseSpecs(localSpecs, remoteSpecs, dynamicSpecs)
	if err != nil {
		slog.Error("invalid forward spec", "err", err)
		os.Exit(2)
	}
	if len(specs) == 0 {
		fmt.Fprintln(os.Stderr, "sshfwd: at least one of -L, -R, -D is required in client mode")
		os.Exit(2)
	}

	if err := runClient(ctx, cfg, specs); err != nil {
		slog.Error("client exited with error", "err", err)
		os.Exit(1)
	}
}

func runClient(ctx context.Context, cfg config.Config, specs []forwardSpec) error {
	client, err := sshconn.ClientConfig{
		ServerAddress:      cfg.SSHServerAddress,
		User:               cfg.SSHUsername,
		PrivateKeyPath:     cfg.PrivateKeyPath,
		HostKeyFingerprint: cfg.HostKeyFingerprint,
		DialTimeout:        cfg.ConnectTimeout,
	}.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	fw := forward.NewForwarder(client, forward.WithRequestTimeout(cfg.ForwardReqTimeout))
	defer fw.Close()

	for _, spec := range specs {
		switch spec.mode {
		case forward.ModeLocal:
			bound, err := fw.StartLocalPortForwarding(ctx, spec.local, spec.remote)
			if err != nil {
				return fmt.Errorf("sshfwd: -L %s: %w", spec.local, err)
			}
			slog.Info("local forward active", "bound", bound, "remote", spec.remote)
		case forward.ModeRemote:
			bound, err := fw.StartRemotePortForwarding(ctx, spec.remote, spec.local)
			if err != nil {
				return fmt.Errorf("sshfwd: -R %s: %w", spec.remote, err)
			}
			slog.Info("remote forward active", "bound", bound, "local", spec.local)
		case forward.ModeDynamic:
			bound, err := fw.StartDynamicPortForwarding(ctx, spec.local)
			if err != nil {
				return fmt.Errorf("sshfwd: -D %s: %w", spec.local, err)
			}
			slog.Info("dynamic forward active", "bound", bound)
		}
	}

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func runServer(ctx context.Context, cfg config.Config) error {
	serverCfg, err := sshconn.ServerConfig{
		HostKeyPath:    cfg.ServerHostKeyPath,
		PAMServiceName: cfg.PAMServiceName,
	}.Build()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.SSHServerAddress)
	if err != nil {
		return fmt.Errorf("sshfwd: listen %s: %w", cfg.SSHServerAddress, err)
	}
	defer ln.Close()

	slog.Info("ssh server listening", "addr", cfg.SSHServerAddress)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go serveConn(conn, serverCfg)
	}
}

func serveConn(conn net.Conn, serverCfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, serverCfg)
	if err != nil {
		slog.With("function", "serveConn").Warn("handshake failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	defer sshConn.Close()

	session := sshconn.NewServerSession(sshConn, chans)
	fw := forward.NewForwarder(session)
	defer fw.Close()

	serveGlobalRequests(reqs, fw)
}

// serveGlobalRequests answers "tcpip-forward"/"cancel-tcpip-forward" global
// requests against fw, and drains everything else (e.g.
// "keepalive@openssh.com") with a false reply. Runs until reqs closes, i.e.
// for the life of the connection, so this also doubles as serveConn's wait.
func serveGlobalRequests(reqs <-chan *ssh.Request, fw *forward.Forwarder) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			handleTcpipForward(req, fw)
		case "cancel-tcpip-forward":
			handleCancelTcpipForward(req, fw)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func handleTcpipForward(req *ssh.Request, fw *forward.Forwarder) {
	requested, err := forward.UnmarshalTcpipForwardRequest(req.Payload)
	if err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	assigned, err := fw.LocalPortForwardingRequested(context.Background(), requested, forward.SocketEndpoint{})
	if err != nil {
		slog.With("function", "handleTcpipForward").Warn("denied", "requested", requested, "err", err)
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	if !req.WantReply {
		return
	}
	if requested.Port == 0 {
		req.Reply(true, forward.MarshalAssignedPortReply(assigned))
		return
	}
	req.Reply(true, nil)
}

func handleCancelTcpipForward(req *ssh.Request, fw *forward.Forwarder) {
	requested, err := forward.UnmarshalCancelTcpipForwardRequest(req.Payload)
	if err != nil {
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	err = fw.LocalPortForwardingCancelled(requested.Host, requested.Port)
	if req.WantReply {
		req.Reply(err == nil, nil)
	}
}

// stringList implements flag.Value for repeatable -L/-R/-D flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseSpecs(local, remote, dynamic []string) ([]forwardSpec, error) {
	var specs []forwardSpec
	for _, raw := range local {
		bind, target, err := parseHostPortHostPort(raw)
		if err != nil {
			return nil, fmt.Errorf("-L %s: %w", raw, err)
		}
		specs = append(specs, forwardSpec{mode: forward.ModeLocal, local: bind, remote: target})
	}
	for _, raw := range remote {
		bind, target, err := parseHostPortHostPort(raw)
		if err != nil {
			return nil, fmt.Errorf("-R %s: %w", raw, err)
		}
		specs = append(specs, forwardSpec{mode: forward.ModeRemote, local: target, remote: bind})
	}
	for _, raw := range dynamic {
		bind, err := parseHostPort(raw)
		if err != nil {
			return nil, fmt.Errorf("-D %s: %w", raw, err)
		}
		specs = append(specs, forwardSpec{mode: forward.ModeDynamic, local: bind})
	}
	return specs, nil
}

// parseHostPortHostPort parses "[bind_host:]bind_port:host:hostport", the
// same layout ssh(1) accepts for -L/-R.
func parseHostPortHostPort(spec string) (bind, target forward.SocketEndpoint, err error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 3:
		// bind_port:host:hostport
		bindPort, e := strconv.Atoi(parts[0])
		if e != nil {
			return bind, target, fmt.Errorf("invalid bind port %q", parts[0])
		}
		hostPort, e := strconv.Atoi(parts[2])
		if e != nil {
			return bind, target, fmt.Errorf("invalid target port %q", parts[2])
		}
		return forward.NewSocketEndpoint("", bindPort), forward.NewSocketEndpoint(parts[1], hostPort), nil
	case 4:
		// bind_host:bind_port:host:hostport
		bindPort, e := strconv.Atoi(parts[1])
		if e != nil {
			return bind, target, fmt.Errorf("invalid bind port %q", parts[1])
		}
		hostPort, e := strconv.Atoi(parts[3])
		if e != nil {
			return bind, target, fmt.Errorf("invalid target port %q", parts[3])
		}
		return forward.NewSocketEndpoint(parts[0], bindPort), forward.NewSocketEndpoint(parts[2], hostPort), nil
	default:
		return bind, target, fmt.Errorf("expected bind_port:host:hostport or bind_host:bind_port:host:hostport")
	}
}

// parseHostPort parses "[bind_host:]bind_port", the layout ssh(1) accepts
// for -D.
func parseHostPort(spec string) (forward.SocketEndpoint, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		port, err := strconv.Atoi(parts[0])
		if err != nil {
			return forward.SocketEndpoint{}, fmt.Errorf("invalid port %q", parts[0])
		}
		return forward.NewSocketEndpoint("", port), nil
	case 2:
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return forward.SocketEndpoint{}, fmt.Errorf("invalid port %q", parts[1])
		}
		return forward.NewSocketEndpoint(parts[0], port), nil
	default:
		return forward.SocketEndpoint{}, fmt.Errorf("expected bind_port or bind_host:bind_port")
	}
}
