// Package util provides common utility functions and constants used across
// hshell. It imports no other internal package so every layer can depend on it.
package util

import "time"

const (
	// MaxIncludeDepth bounds nested Include directives when importing an
	// OpenSSH client config.
	MaxIncludeDepth = 16

	// DialTimeout bounds the TCP dial to an SSH server. The SSH handshake
	// that follows is bounded only by the caller's context.
	DialTimeout = 5 * time.Second

	// KeepaliveInterval is how often a connected transport sends a
	// keepalive@openssh.com request.
	KeepaliveInterval = 30 * time.Second

	// ProbeTimeout bounds a single liveness probe so a hung peer cannot stall
	// a registry sweep.
	ProbeTimeout = time.Second

	// TunnelStopTimeout is how long stopping a listener waits for its accept
	// loop and relays to exit before giving up and logging.
	TunnelStopTimeout = 2 * time.Second

	// RelayBufferSize is the per-direction copy buffer of one relay.
	RelayBufferSize = 1024

	// SweepInterval is the period of the registry liveness sweep.
	SweepInterval = 5 * time.Second

	// DefaultRefreshSeconds is the TUI dashboard refresh period.
	DefaultRefreshSeconds = 3
)
