package forward

import "golang.org/x/crypto/ssh"

// Wire payloads for the four RFC 4254 messages the facade speaks. Field
// order matters: ssh.Marshal/ssh.Unmarshal encode struct fields positionally,
// in declaration order, matching the wire layout documented in spec.md §6
// and cross-checked against the original source and other_examples'
// independent implementations of the same messages.

// tcpipForwardRequest is the payload of a "tcpip-forward" global request.
type tcpipForwardRequest struct {
	BindHost string
	BindPort uint32
}

// tcpipForwardReply is the payload of a successful "tcpip-forward" reply
// when the request used BindPort 0 ("assign a port").
type tcpipForwardReply struct {
	AssignedPort uint32
}

// cancelTcpipForwardRequest is the payload of a "cancel-tcpip-forward"
// global request.
type cancelTcpipForwardRequest struct {
	BindHost string
	BindPort uint32
}

// directTCPIPExtra is the channel-open extra data for a "direct-tcpip"
// channel: the destination the opener wants connected, plus its own
// originating address (informational).
type directTCPIPExtra struct {
	HostToConnect     string
	PortToConnect     uint32
	OriginatorAddress string
	OriginatorPort    uint32
}

// forwardedTCPIPExtra is the channel-open extra data for a "forwarded-tcpip"
// channel: the bound address the connection arrived on, plus the address
// the peer connection came from.
type forwardedTCPIPExtra struct {
	ConnectedAddress  string
	ConnectedPort     uint32
	OriginatorAddress string
	OriginatorPort    uint32
}

func marshalTCPIPForwardRequest(e SocketEndpoint) []byte {
	return ssh.Marshal(&tcpipForwardRequest{BindHost: e.Host, BindPort: uint32(e.Port)})
}

func marshalCancelTCPIPForward(e SocketEndpoint) []byte {
	return ssh.Marshal(&cancelTcpipForwardRequest{BindHost: e.Host, BindPort: uint32(e.Port)})
}

func unmarshalAssignedPort(payload []byte) (int, error) {
	var reply tcpipForwardReply
	if err := ssh.Unmarshal(payload, &reply); err != nil {
		return 0, err
	}
	return int(reply.AssignedPort), nil
}

func marshalDirectTCPIP(target, originator SocketEndpoint) []byte {
	return ssh.Marshal(&directTCPIPExtra{
		HostToConnect:     target.Host,
		PortToConnect:     uint32(target.Port),
		OriginatorAddress: originator.Host,
		OriginatorPort:    uint32(originator.Port),
	})
}

func marshalForwardedTCPIP(connected, originator SocketEndpoint) []byte {
	return ssh.Marshal(&forwardedTCPIPExtra{
		ConnectedAddress:  connected.Host,
		ConnectedPort:     uint32(connected.Port),
		OriginatorAddress: originator.Host,
		OriginatorPort:    uint32(originator.Port),
	})
}

func unmarshalDirectTCPIP(extra []byte) (directTCPIPExtra, error) {
	var d directTCPIPExtra
	err := ssh.Unmarshal(extra, &d)
	return d, err
}

// MarshalAssignedPortReply encodes the reply payload a server sends back
// for a "tcpip-forward" request that asked for bindPort 0, so a caller
// answering that global request directly (outside the facade, e.g. the CLI
// server role) doesn't need to know the wire layout itself.
func MarshalAssignedPortReply(port int) []byte {
	return ssh.Marshal(&tcpipForwardReply{AssignedPort: uint32(port)})
}

// UnmarshalTcpipForwardRequest decodes an inbound "tcpip-forward" global
// request's payload into the endpoint it asked to bind.
func UnmarshalTcpipForwardRequest(payload []byte) (SocketEndpoint, error) {
	var req tcpipForwardRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return SocketEndpoint{}, err
	}
	return SocketEndpoint{Host: req.BindHost, Port: int(req.BindPort)}, nil
}

// UnmarshalCancelTcpipForwardRequest decodes an inbound
// "cancel-tcpip-forward" global request's payload.
func UnmarshalCancelTcpipForwardRequest(payload []byte) (SocketEndpoint, error) {
	var req cancelTcpipForwardRequest
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return SocketEndpoint{}, err
	}
	return SocketEndpoint{Host: req.BindHost, Port: int(req.BindPort)}, nil
}
