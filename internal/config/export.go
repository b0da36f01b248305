package config

import (
	"fmt"
	"strings"

	"github.com/treykane/hshell/internal/model"
)

// FormatHostBlock renders a record as an OpenSSH Host block so the same
// server and tunnels can be used with plain ssh. Passwords are never
// exported. Only non-empty, non-default fields are written.
func FormatHostBlock(r model.ServerRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Host %s\n", hostAlias(r))
	if r.Host != "" && r.Host != hostAlias(r) {
		fmt.Fprintf(&b, "  HostName %s\n", r.Host)
	}
	if r.Username != "" {
		fmt.Fprintf(&b, "  User %s\n", r.Username)
	}
	if p := r.EffectivePort(); p != model.DefaultSSHPort {
		fmt.Fprintf(&b, "  Port %d\n", p)
	}
	if r.KeyPath != "" {
		fmt.Fprintf(&b, "  IdentityFile %s\n", r.KeyPath)
	}
	for _, t := range r.Tunnels {
		fmt.Fprintf(&b, "  LocalForward %s %s\n", t.LocalString(), t.RemoteString())
	}
	return b.String()
}

// FormatSSHConfig renders every record, separated by blank lines.
func FormatSSHConfig(records []model.ServerRecord) string {
	blocks := make([]string, 0, len(records))
	for _, r := range records {
		blocks = append(blocks, FormatHostBlock(r))
	}
	return strings.Join(blocks, "\n")
}

// hostAlias turns the display name into a token usable after "Host".
func hostAlias(r model.ServerRecord) string {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return r.Host
	}
	return strings.Map(func(c rune) rune {
		switch c {
		case ' ', '\t', '*', '?', '!':
			return '-'
		}
		return c
	}, name)
}
