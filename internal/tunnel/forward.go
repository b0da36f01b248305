package tunnel

import (
	"fmt"
	"strings"

	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/util"
)

// ParseForwardArg parses an ad-hoc forward from the command line.
// Accepts "localPort:remoteHost:remotePort" or
// "localAddr:localPort:remoteHost:remotePort", optionally prefixed with
// "name=". The local address, when given, must be loopback.
func ParseForwardArg(s string) (model.TunnelSpec, error) {
	var name string
	if i := strings.Index(s, "="); i >= 0 {
		name, s = strings.TrimSpace(s[:i]), s[i+1:]
	}
	parts := strings.Split(strings.TrimSpace(s), ":")
	switch len(parts) {
	case 3:
	case 4:
		switch parts[0] {
		case "127.0.0.1", "localhost":
		default:
			return model.TunnelSpec{}, fmt.Errorf("local address %q is not loopback; tunnels listen on 127.0.0.1 only", parts[0])
		}
		parts = parts[1:]
	default:
		return model.TunnelSpec{}, fmt.Errorf("forward format must be localPort:remoteHost:remotePort or localAddr:localPort:remoteHost:remotePort")
	}

	lp, err := util.ParsePort(parts[0])
	if err != nil {
		return model.TunnelSpec{}, fmt.Errorf("invalid local port: %w", err)
	}
	host := strings.TrimSpace(parts[1])
	if host == "" {
		return model.TunnelSpec{}, fmt.Errorf("remote host is empty")
	}
	rp, err := util.ParsePort(parts[2])
	if err != nil {
		return model.TunnelSpec{}, fmt.Errorf("invalid remote port: %w", err)
	}
	return model.TunnelSpec{Name: name, LocalPort: lp, RemoteHost: host, RemotePort: rp}, nil
}
