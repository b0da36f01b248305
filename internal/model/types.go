// Package model holds the data types shared by the connection core, the
// persistence layer and the user-facing surfaces.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/treykane/hshell/internal/util"
)

// DefaultSSHPort is used when a server record does not specify a port.
const DefaultSSHPort = 22

// TunnelSpec defines one local->remote forward carried over an SSH connection.
type TunnelSpec struct {
	Name       string `json:"name,omitempty"`
	LocalPort  int    `json:"local"`
	RemoteHost string `json:"remote_host"`
	RemotePort int    `json:"remote_port"`
}

// DisplayName returns the tunnel name, or "unnamed" when none was configured.
func (t TunnelSpec) DisplayName() string {
	if strings.TrimSpace(t.Name) == "" {
		return "unnamed"
	}
	return t.Name
}

// Validate checks the ports and remote host of a tunnel.
func (t TunnelSpec) Validate() error {
	if err := util.ValidatePort(t.LocalPort); err != nil {
		return fmt.Errorf("local port: %w", err)
	}
	if strings.TrimSpace(t.RemoteHost) == "" {
		return fmt.Errorf("remote host is empty")
	}
	if err := util.ValidatePort(t.RemotePort); err != nil {
		return fmt.Errorf("remote port: %w", err)
	}
	return nil
}

// LocalString is the loopback address the tunnel listens on.
func (t TunnelSpec) LocalString() string {
	return fmt.Sprintf("127.0.0.1:%d", t.LocalPort)
}

// RemoteString is the endpoint the remote SSH server dials for this tunnel.
func (t TunnelSpec) RemoteString() string {
	return fmt.Sprintf("%s:%d", t.RemoteHost, t.RemotePort)
}

// ServerRecord is one configured SSH server with its tunnels.
//
// Password holds ciphertext; it is only decrypted right before a connection
// attempt. KeyPath points at a private key file.
type ServerRecord struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Host     string       `json:"host"`
	Port     int          `json:"port"`
	Username string       `json:"username"`
	Password string       `json:"password,omitempty"`
	KeyPath  string       `json:"key_path,omitempty"`
	Tunnels  []TunnelSpec `json:"tunnels,omitempty"`
}

// EffectivePort returns Port, or 22 when unset.
func (s ServerRecord) EffectivePort() int {
	if s.Port <= 0 {
		return DefaultSSHPort
	}
	return s.Port
}

// Address is the host:port pair used to dial the server.
func (s ServerRecord) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.EffectivePort())
}

// DisplayName returns Name, falling back to the dial target.
func (s ServerRecord) DisplayName() string {
	if strings.TrimSpace(s.Name) != "" {
		return s.Name
	}
	return s.Target()
}

// Target renders user@host:port for display.
func (s ServerRecord) Target() string {
	if s.Username == "" {
		return s.Address()
	}
	return s.Username + "@" + s.Address()
}

// Equal reports whether two records describe the same connection. A
// connected server whose record is no longer Equal must be reconnected.
func (s ServerRecord) Equal(o ServerRecord) bool {
	if s.ID != o.ID || s.Name != o.Name || s.Host != o.Host || s.EffectivePort() != o.EffectivePort() ||
		s.Username != o.Username || s.Password != o.Password || s.KeyPath != o.KeyPath {
		return false
	}
	if len(s.Tunnels) != len(o.Tunnels) {
		return false
	}
	for i := range s.Tunnels {
		if s.Tunnels[i] != o.Tunnels[i] {
			return false
		}
	}
	return true
}

// ConnState is the lifecycle state of one SSH connection.
type ConnState string

const (
	ConnDisconnected  ConnState = "disconnected"
	ConnConnecting    ConnState = "connecting"
	ConnConnected     ConnState = "connected"
	ConnDisconnecting ConnState = "disconnecting"
)

// TunnelState is the lifecycle state of one local listener.
type TunnelState string

const (
	TunnelStarting  TunnelState = "starting"
	TunnelListening TunnelState = "listening"
	TunnelStopping  TunnelState = "stopping"
	TunnelStopped   TunnelState = "stopped"
	TunnelError     TunnelState = "error"
)

// TunnelStatus is a point-in-time view of one tunnel listener.
type TunnelStatus struct {
	Name         string      `json:"name"`
	Local        string      `json:"local"`
	Remote       string      `json:"remote"`
	State        TunnelState `json:"state"`
	ActiveRelays int         `json:"active_relays"`
	Accepted     int64       `json:"accepted"`
	BytesIn      int64       `json:"bytes_in"`
	BytesOut     int64       `json:"bytes_out"`
	LastError    string      `json:"last_error,omitempty"`
}

// ServerStatus is a point-in-time view of one configured server.
type ServerStatus struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Target      string         `json:"target"`
	State       ConnState      `json:"state"`
	ConnectedAt time.Time      `json:"connected_at,omitempty"`
	UptimeSec   int64          `json:"uptime_seconds"`
	Tunnels     []TunnelStatus `json:"tunnels,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}
