package transport

import (
	"fmt"
	"net"
	"strings"
)

// Supported endpoint schemes.
const (
	SchemeTCP    = "tcp"
	SchemeIPC    = "ipc"    // unix domain socket, address is a filesystem path
	SchemeInproc = "inproc" // in-process, address is a name
	SchemeWS     = "ws"     // websocket, one frame per message
)

// Endpoint is a parsed "scheme://address" string.
type Endpoint struct {
	Scheme  string
	Address string
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address
}

// ParseEndpoint splits s into scheme and address.
func ParseEndpoint(s string) (Endpoint, error) {
	scheme, addr, ok := strings.Cut(s, "://")
	if !ok || addr == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: want scheme://address", s)
	}
	switch scheme {
	case SchemeTCP, SchemeWS:
		host := addr
		if scheme == SchemeWS {
			host, _, _ = strings.Cut(addr, "/")
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
		}
	case SchemeIPC, SchemeInproc:
	default:
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", s, scheme)
	}
	return Endpoint{Scheme: scheme, Address: addr}, nil
}

// AuxEndpoint derives a second endpoint next to s, used for the control channel:
// path-like addresses get a "_control" suffix, network addresses keep the host and
// take any free port.
func AuxEndpoint(s string) (string, error) {
	ep, err := ParseEndpoint(s)
	if err != nil {
		return "", err
	}
	switch ep.Scheme {
	case SchemeIPC, SchemeInproc:
		ep.Address += "_control"
	case SchemeTCP:
		host, _, _ := net.SplitHostPort(ep.Address)
		ep.Address = net.JoinHostPort(host, "0")
	case SchemeWS:
		hostPort, path, _ := strings.Cut(ep.Address, "/")
		host, _, _ := net.SplitHostPort(hostPort)
		ep.Address = net.JoinHostPort(host, "0") + "/" + path
	}
	return ep.String(), nil
}
