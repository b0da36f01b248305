package util

import (
	"net"
	"strconv"
	"strings"
)

// NormalizeAddr returns addr trimmed, or fallback when addr is blank.
//
//	NormalizeAddr("",         "localhost") → "localhost"
//	NormalizeAddr(" 10.0.0.1", "localhost") → "10.0.0.1"
func NormalizeAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	return addr
}

// LoopbackAddr renders the 127.0.0.1 listen address for a local port.
func LoopbackAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// PortFree reports whether a loopback TCP port can currently be bound.
func PortFree(port int) bool {
	ln, err := net.Listen("tcp", LoopbackAddr(port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
