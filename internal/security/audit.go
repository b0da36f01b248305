package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/hshell/internal/appconfig"
	"github.com/treykane/hshell/internal/model"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the permissions of hshell data files and of the
// private keys referenced by records.
func RunLocalAudit(cfg appconfig.Config, records []model.ServerRecord) (AuditReport, error) {
	paths, err := cfg.DataPaths()
	if err != nil {
		return AuditReport{}, err
	}

	var findings []Finding
	if !cfg.Security.RedactErrors {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         "config.yaml",
			Message:        "error redaction is disabled",
			Recommendation: "set security.redact_errors to true",
		})
	}

	checkPathPerm(&findings, paths.Dir, 0o700, false)
	// The key file decrypts every stored password.
	checkSecret(&findings, paths.SecretKey)
	checkPathPerm(&findings, paths.Servers, 0o600, true)
	checkPathPerm(&findings, paths.KnownHosts, 0o600, true)
	checkPathPerm(&findings, paths.Events, 0o600, true)

	if cfgDir, err := appconfig.ConfigDir(); err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false)
		checkPathPerm(&findings, filepath.Join(cfgDir, "config.yaml"), 0o600, true)
	}

	home, _ := os.UserHomeDir()
	seen := map[string]struct{}{}
	for _, r := range records {
		identity := strings.TrimSpace(r.KeyPath)
		if identity == "" {
			continue
		}
		if strings.HasPrefix(identity, "~/") && home != "" {
			identity = filepath.Join(home, identity[2:])
		}
		if _, ok := seen[identity]; ok {
			continue
		}
		seen[identity] = struct{}{}
		checkPathPerm(&findings, identity, 0o600, true)
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
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

func checkSecret(findings *[]Finding, path string) {
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := st.Mode().Perm(); mode&0o077 != 0 {
		*findings = append(*findings, Finding{
			Severity:       SeverityHigh,
			Target:         path,
			Message:        fmt.Sprintf("credential key is readable by other users (%#o)", mode),
			Recommendation: "chmod 600 the key file",
		})
	}
}

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
