// Package doctor runs offline diagnostics over the configured servers and
// the local data files.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/hshell/internal/appconfig"
	"github.com/treykane/hshell/internal/config"
	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/secret"
	"github.com/treykane/hshell/internal/security"
	"github.com/treykane/hshell/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// HasHigh reports whether any issue is high severity.
func (r Report) HasHigh() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Input is what a diagnostic run inspects.
type Input struct {
	Config    appconfig.Config
	Records   []model.ServerRecord
	Warnings  []string // from config.Store.Load
	Decrypter secret.Decrypter
	// PortFree reports whether a local port can be bound; defaults to
	// util.PortFree. Ports held by the calling process should be excluded
	// by the caller.
	PortFree func(port int) bool
}

// Run executes local diagnostics.
func Run(in Input) (Report, error) {
	if in.PortFree == nil {
		in.PortFree = util.PortFree
	}
	var issues []Issue

	for _, w := range in.Warnings {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "servers-warning",
			Target:         "servers.json",
			Message:        w,
			Recommendation: "fix or remove the offending server entry",
		})
	}
	for _, r := range in.Records {
		issues = append(issues, recordIssues(r, in.Decrypter, in.PortFree)...)
	}
	issues = append(issues, duplicatePortIssues(in.Records)...)

	audit, err := security.RunLocalAudit(in.Config, in.Records)
	if err != nil {
		return Report{}, fmt.Errorf("audit: %w", err)
	}
	for _, f := range audit.Findings {
		sev := SeverityLow
		if f.Severity == security.SeverityMedium {
			sev = SeverityMedium
		}
		if f.Severity == security.SeverityHigh {
			sev = SeverityHigh
		}
		issues = append(issues, Issue{
			Severity:       sev,
			Check:          "security-audit",
			Target:         f.Target,
			Message:        f.Message,
			Recommendation: f.Recommendation,
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

func recordIssues(r model.ServerRecord, dec secret.Decrypter, portFree func(int) bool) []Issue {
	name := r.DisplayName()
	var issues []Issue
	if err := config.ValidateRecord(r); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "invalid-server",
			Target:         name,
			Message:        err.Error(),
			Recommendation: "edit the server with `hshell server add` or remove it",
		})
	}

	switch {
	case strings.TrimSpace(r.KeyPath) != "":
		if _, err := os.Stat(expandHome(r.KeyPath)); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "key-file",
				Target:         name,
				Message:        fmt.Sprintf("key file unreadable: %v", err),
				Recommendation: "point key_path at an existing private key",
			})
		}
	case r.Password != "":
		if dec == nil {
			break
		}
		if _, err := dec.Decrypt(r.Password); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "password-decrypt",
				Target:         name,
				Message:        "stored password cannot be decrypted with the current key",
				Recommendation: "re-enter the password; secret.key may have been replaced",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "no-credential",
			Target:         name,
			Message:        "server has neither a key file nor a password",
			Recommendation: "set key_path or a password",
		})
	}

	for _, t := range r.Tunnels {
		target := name + "/" + t.DisplayName()
		if err := t.Validate(); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "invalid-tunnel",
				Target:         target,
				Message:        err.Error(),
				Recommendation: "fix the tunnel ports and remote host",
			})
			continue
		}
		if !portFree(t.LocalPort) {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "port-in-use",
				Target:         target,
				Message:        fmt.Sprintf("%s is already bound by another process", t.LocalString()),
				Recommendation: "stop the other process or choose another local port",
			})
		}
	}
	return issues
}

func duplicatePortIssues(records []model.ServerRecord) []Issue {
	seen := map[int][]string{}
	for _, r := range records {
		for _, t := range r.Tunnels {
			if t.LocalPort <= 0 {
				continue
			}
			seen[t.LocalPort] = append(seen[t.LocalPort], r.DisplayName()+"/"+t.DisplayName())
		}
	}
	var issues []Issue
	for port, refs := range seen {
		if len(refs) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-local-port",
			Target:         util.LoopbackAddr(port),
			Message:        fmt.Sprintf("local port is configured by %d tunnels: %s", len(refs), strings.Join(refs, ", ")),
			Recommendation: "use unique local ports so tunnels can be up at the same time",
		})
	}
	return issues
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
