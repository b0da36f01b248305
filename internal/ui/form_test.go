package ui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

type fakeEncrypter struct{ err error }

func (f fakeEncrypter) Encrypt(p string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "enc:" + p, nil
}

func TestParseQuickConnect(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantHost string
		wantUser string
		wantPort int
		wantErr  bool
	}{
		{name: "hostname only", input: "example.com", wantHost: "example.com", wantPort: 22},
		{name: "user@hostname", input: "deploy@example.com", wantHost: "example.com", wantUser: "deploy", wantPort: 22},
		{name: "hostname:port", input: "example.com:2222", wantHost: "example.com", wantPort: 2222},
		{name: "user@hostname:port", input: "deploy@example.com:2222", wantHost: "example.com", wantUser: "deploy", wantPort: 2222},
		{name: "IP address", input: "192.168.1.1", wantHost: "192.168.1.1", wantPort: 22},
		{name: "user@IP:port", input: "root@10.0.0.1:22", wantHost: "10.0.0.1", wantUser: "root", wantPort: 22},
		{name: "empty input", input: "", wantErr: true},
		{name: "whitespace only", input: "   ", wantErr: true},
		{name: "with leading/trailing spaces", input: "  example.com  ", wantHost: "example.com", wantPort: 22},
		{name: "invalid port falls back to hostname with colon", input: "example.com:notaport", wantHost: "example.com:notaport", wantPort: 22},
		{name: "out of range port is not a port", input: "example.com:70000", wantHost: "example.com:70000", wantPort: 22},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := parseQuickConnect(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Host != tt.wantHost {
				t.Errorf("host: want %q, got %q", tt.wantHost, rec.Host)
			}
			if rec.Username != tt.wantUser {
				t.Errorf("user: want %q, got %q", tt.wantUser, rec.Username)
			}
			if rec.Port != tt.wantPort {
				t.Errorf("port: want %d, got %d", tt.wantPort, rec.Port)
			}
			if rec.Name != rec.Host {
				t.Errorf("name: want %q, got %q", rec.Host, rec.Name)
			}
		})
	}
}

func fullForm(values map[int]string) *serverForm {
	f := newForm()
	f.mode = formModeFull
	for i, v := range values {
		f.fields[i].SetValue(v)
	}
	return f
}

func TestBuildRecord(t *testing.T) {
	f := fullForm(map[int]string{
		fieldHost:     "db.internal",
		fieldUser:     "deploy",
		fieldPort:     "2222",
		fieldPassword: " pw ",
		fieldTunnels:  "pg=5432:localhost:5432, 8080:web:80",
	})
	rec, err := f.buildRecord(fakeEncrypter{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Name != "db.internal" || rec.Port != 2222 || rec.Username != "deploy" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Password != "enc: pw " {
		t.Fatalf("password must be encrypted verbatim, got %q", rec.Password)
	}
	if len(rec.Tunnels) != 2 || rec.Tunnels[0].Name != "pg" || rec.Tunnels[1].LocalPort != 8080 || rec.Tunnels[1].RemoteHost != "web" {
		t.Fatalf("unexpected tunnels: %+v", rec.Tunnels)
	}
}

func TestBuildRecordErrors(t *testing.T) {
	tests := []struct {
		name   string
		values map[int]string
		enc    Encrypter
		want   string
	}{
		{"missing host", map[int]string{fieldUser: "u", fieldKeyPath: "k"}, fakeEncrypter{}, "host is required"},
		{"missing user", map[int]string{fieldHost: "h", fieldKeyPath: "k"}, fakeEncrypter{}, "user is required"},
		{"bad port", map[int]string{fieldHost: "h", fieldUser: "u", fieldKeyPath: "k", fieldPort: "0"}, fakeEncrypter{}, "port must be"},
		{"bad tunnel", map[int]string{fieldHost: "h", fieldUser: "u", fieldKeyPath: "k", fieldTunnels: "80:web"}, fakeEncrypter{}, "tunnel"},
		{"no credential", map[int]string{fieldHost: "h", fieldUser: "u"}, fakeEncrypter{}, "key file or a password"},
		{"encrypt failure", map[int]string{fieldHost: "h", fieldUser: "u", fieldPassword: "p"}, fakeEncrypter{err: errors.New("no key")}, "encrypt password"},
		{"no encrypter", map[int]string{fieldHost: "h", fieldUser: "u", fieldPassword: "p"}, nil, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fullForm(tt.values).buildRecord(tt.enc)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestQuickEntryPrefillsFullForm(t *testing.T) {
	f := newForm()
	f.update(tea.KeyMsg{Type: tea.KeyEnter}, nil) // quick mode
	if f.mode != formModeQuick {
		t.Fatalf("expected quick mode, got %v", f.mode)
	}
	f.quickInput.SetValue("deploy@example.com:2222")
	res, _ := f.update(tea.KeyMsg{Type: tea.KeyEnter}, nil)
	if res != nil {
		t.Fatal("quick entry must not submit without credentials")
	}
	if f.mode != formModeFull || f.focusIdx != fieldKeyPath {
		t.Fatalf("expected full mode focused on key file, got mode=%v focus=%d", f.mode, f.focusIdx)
	}
	if f.fields[fieldHost].Value() != "example.com" || f.fields[fieldUser].Value() != "deploy" || f.fields[fieldPort].Value() != "2222" {
		t.Fatalf("fields not prefilled: host=%q user=%q port=%q",
			f.fields[fieldHost].Value(), f.fields[fieldUser].Value(), f.fields[fieldPort].Value())
	}

	f.fields[fieldKeyPath].SetValue("~/.ssh/id_ed25519")
	f.update(tea.KeyMsg{Type: tea.KeyCtrlS}, nil)
	res, _ = f.update(tea.KeyMsg{Type: tea.KeyEnter}, nil)
	if res == nil {
		t.Fatalf("expected submit, error=%q", f.errMsg)
	}
	if res.connect {
		t.Fatal("ctrl+s should have turned connect-after off")
	}
	if res.record.KeyPath != "~/.ssh/id_ed25519" || res.record.Host != "example.com" {
		t.Fatalf("unexpected record: %+v", res.record)
	}
}
