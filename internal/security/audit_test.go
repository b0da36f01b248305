package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/hshell/internal/appconfig"
	"github.com/treykane/hshell/internal/fault"
	"github.com/treykane/hshell/internal/model"
)

func isolated(t *testing.T) appconfig.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	return appconfig.Default()
}

func hasTarget(r AuditReport, suffix string, sev Severity) bool {
	for _, f := range r.Findings {
		if strings.HasSuffix(f.Target, suffix) && f.Severity == sev {
			return true
		}
	}
	return false
}

func TestRunLocalAudit_CleanDataDir(t *testing.T) {
	cfg := isolated(t)
	paths, err := cfg.DataPaths()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(paths.Dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.Servers, []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}
	report, err := RunLocalAudit(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", report.Findings)
	}
}

func TestRunLocalAudit_FindsLoosePermissions(t *testing.T) {
	cfg := isolated(t)
	cfg.Security.RedactErrors = false
	paths, err := cfg.DataPaths()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.SecretKey, []byte("k"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.Servers, []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}
	key := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(key, []byte("key"), 0o640); err != nil {
		t.Fatal(err)
	}

	report, err := RunLocalAudit(cfg, []model.ServerRecord{{KeyPath: key}, {KeyPath: key}})
	if err != nil {
		t.Fatal(err)
	}
	if !report.HasHigh() || report.Findings[0].Severity != SeverityHigh {
		t.Fatalf("expected the key file finding first, got %+v", report.Findings)
	}
	for _, want := range []struct {
		suffix string
		sev    Severity
	}{
		{"secret.key", SeverityHigh},
		{"servers.json", SeverityMedium},
		{"hshell", SeverityMedium},
		{"id_ed25519", SeverityMedium},
		{"config.yaml", SeverityLow},
	} {
		if !hasTarget(report, want.suffix, want.sev) {
			t.Errorf("missing %s finding for %s in %+v", want.sev, want.suffix, report.Findings)
		}
	}
	n := 0
	for _, f := range report.Findings {
		if f.Target == key {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("shared key file reported %d times", n)
	}
}

func TestRedactMessage(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	msg := home + "/.ssh/id_ed25519 permission denied"
	got := RedactMessage(msg)
	if strings.Contains(got, home) || !strings.HasPrefix(got, "~/.ssh/[redacted]/") {
		t.Fatalf("RedactMessage = %q", got)
	}
}

func TestUserMessageClassifiesFaults(t *testing.T) {
	err := fault.New(fault.Auth, "connect", "web", errors.New("ssh: unable to authenticate, attempted methods [none password]"))
	got := UserMessage(err, false)
	if got != "authentication failed (web)" {
		t.Fatalf("auth UserMessage = %q", got)
	}
	if !strings.Contains(DebugMessage(Classify(err)), "attempted methods") {
		t.Fatalf("debug detail lost")
	}

	bind := fault.New(fault.Bind, "start tunnel", "db", errors.New("address already in use"))
	if got := UserMessage(bind, false); got != "local port unavailable (db): address already in use" {
		t.Fatalf("bind UserMessage = %q", got)
	}

	plain := errors.New("boom")
	if got := UserMessage(plain, true); got != "boom" {
		t.Fatalf("plain UserMessage = %q", got)
	}
	ce := NewClassifiedError("", "detail")
	if UserMessage(ce, false) != "operation failed" || DebugMessage(ce) != "detail" {
		t.Fatalf("classified error messages: %q %q", UserMessage(ce, false), DebugMessage(ce))
	}
}
