package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/tunnel"
	"github.com/treykane/hshell/internal/util"
)

// formMode distinguishes between the mode-select, quick-entry, and full screens.
type formMode int

const (
	formModeSelect formMode = iota
	formModeQuick
	formModeFull
)

// Field indices for the full server form.
const (
	fieldName = iota
	fieldHost
	fieldUser
	fieldPort
	fieldKeyPath
	fieldPassword
	fieldTunnels
	fieldCount
)

// formResult is returned when the user completes the form.
type formResult struct {
	record  model.ServerRecord
	connect bool // connect right after adding
}

// serverForm holds all state for the "add server" form.
type serverForm struct {
	mode    formMode
	modeSel int // 0 = quick, 1 = full

	quickInput textinput.Model

	fields   []textinput.Model
	focusIdx int

	connectAfter bool

	errMsg string
}

func newForm() *serverForm {
	f := &serverForm{mode: formModeSelect, connectAfter: true}

	qi := textinput.New()
	qi.Placeholder = "user@hostname:port"
	qi.CharLimit = 256
	qi.Width = 50
	f.quickInput = qi

	placeholders := []string{
		"db-prod (defaults to host)",
		"192.168.1.1 or example.com (required)",
		"deploy (required)",
		"22 (default)",
		"~/.ssh/id_ed25519",
		"password, if no key file",
		"pg=5432:localhost:5432, 8080:web:80",
	}
	limits := []int{64, 256, 64, 6, 256, 256, 512}

	f.fields = make([]textinput.Model, fieldCount)
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 40
		f.fields[i] = ti
	}
	f.fields[fieldPassword].EchoMode = textinput.EchoPassword
	f.fields[fieldPassword].EchoCharacter = '•'
	return f
}

// update processes a key message and returns a formResult once the form is
// submitted. enc encrypts the password field.
func (f *serverForm) update(msg tea.KeyMsg, enc Encrypter) (*formResult, tea.Cmd) {
	switch f.mode {
	case formModeSelect:
		return f.updateModeSelect(msg)
	case formModeQuick:
		return f.updateQuick(msg)
	case formModeFull:
		return f.updateFull(msg, enc)
	}
	return nil, nil
}

func (f *serverForm) updateModeSelect(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		if f.modeSel < 1 {
			f.modeSel++
		}
	case "k", "up":
		if f.modeSel > 0 {
			f.modeSel--
		}
	case "enter":
		if f.modeSel == 0 {
			f.mode = formModeQuick
			f.quickInput.Focus()
			return nil, f.quickInput.Cursor.BlinkCmd()
		}
		return nil, f.focusFull(fieldName)
	}
	return nil, nil
}

func (f *serverForm) focusFull(idx int) tea.Cmd {
	f.mode = formModeFull
	f.fields[f.focusIdx].Blur()
	f.focusIdx = idx
	f.fields[idx].Focus()
	return f.fields[idx].Cursor.BlinkCmd()
}

// updateQuick parses the destination into the full form and hands over to
// it for credentials.
func (f *serverForm) updateQuick(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "enter":
		rec, err := parseQuickConnect(f.quickInput.Value())
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		f.fields[fieldName].SetValue(rec.Name)
		f.fields[fieldHost].SetValue(rec.Host)
		f.fields[fieldUser].SetValue(rec.Username)
		f.fields[fieldPort].SetValue(strconv.Itoa(rec.Port))
		f.errMsg = ""
		next := fieldKeyPath
		if rec.Username == "" {
			next = fieldUser
		}
		return nil, f.focusFull(next)
	default:
		var cmd tea.Cmd
		f.quickInput, cmd = f.quickInput.Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *serverForm) updateFull(msg tea.KeyMsg, enc Encrypter) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab":
		next := (f.focusIdx + 1) % fieldCount
		if msg.String() == "shift+tab" {
			next = (f.focusIdx - 1 + fieldCount) % fieldCount
		}
		return nil, f.focusFull(next)
	case "ctrl+s":
		f.connectAfter = !f.connectAfter
		return nil, nil
	case "enter":
		rec, err := f.buildRecord(enc)
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{record: rec, connect: f.connectAfter}, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *serverForm) buildRecord(enc Encrypter) (model.ServerRecord, error) {
	value := func(i int) string { return strings.TrimSpace(f.fields[i].Value()) }

	rec := model.ServerRecord{
		Name:     value(fieldName),
		Host:     value(fieldHost),
		Username: value(fieldUser),
		Port:     model.DefaultSSHPort,
		KeyPath:  value(fieldKeyPath),
	}
	if rec.Host == "" {
		return model.ServerRecord{}, fmt.Errorf("host is required")
	}
	if rec.Username == "" {
		return model.ServerRecord{}, fmt.Errorf("user is required")
	}
	if rec.Name == "" {
		rec.Name = rec.Host
	}
	if p := value(fieldPort); p != "" {
		port, err := util.ParsePort(p)
		if err != nil {
			return model.ServerRecord{}, fmt.Errorf("port must be %d-%d", util.MinPort, util.MaxPort)
		}
		rec.Port = port
	}
	for _, arg := range strings.Split(value(fieldTunnels), ",") {
		if strings.TrimSpace(arg) == "" {
			continue
		}
		spec, err := tunnel.ParseForwardArg(arg)
		if err != nil {
			return model.ServerRecord{}, fmt.Errorf("tunnel %q: %w", strings.TrimSpace(arg), err)
		}
		rec.Tunnels = append(rec.Tunnels, spec)
	}

	// Password is taken verbatim; spaces are significant.
	if pw := f.fields[fieldPassword].Value(); pw != "" {
		if enc == nil {
			return model.ServerRecord{}, fmt.Errorf("password storage is unavailable")
		}
		ct, err := enc.Encrypt(pw)
		if err != nil {
			return model.ServerRecord{}, fmt.Errorf("encrypt password: %w", err)
		}
		rec.Password = ct
	}
	if rec.KeyPath == "" && rec.Password == "" {
		return model.ServerRecord{}, fmt.Errorf("a key file or a password is required")
	}
	return rec, nil
}

// view renders the form panel.
func (f *serverForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	accent := lipgloss.Color("214")
	switch f.mode {
	case formModeSelect:
		return renderPanel("Add Server", f.modeSelectView(), width, accent)
	case formModeQuick:
		return renderPanel("Add Server - Destination", f.quickView(), width, accent)
	case formModeFull:
		return renderPanel("Add Server", f.fullView(), width, accent)
	}
	return ""
}

func (f *serverForm) modeSelectView() string {
	var b strings.Builder
	b.WriteString("How do you want to start?\n\n")

	options := []struct {
		label string
		desc  string
	}{
		{"Quick", "Type user@host:port, then add credentials"},
		{"Full", "Fill in every field"},
	}
	for i, opt := range options {
		cursor := "  "
		if i == f.modeSel {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s[%s]  %s\n", cursor, opt.label, opt.desc))
	}

	b.WriteString("\nj/k to select, Enter to confirm, Esc to cancel")
	return b.String()
}

func (f *serverForm) quickView() string {
	var b strings.Builder
	b.WriteString("Destination:\n\n")
	b.WriteString("  " + f.quickInput.View() + "\n\n")
	b.WriteString("Formats: hostname | user@hostname | hostname:port | user@host:port\n")
	f.writeErr(&b)
	b.WriteString("\nEnter to continue, Esc to cancel")
	return b.String()
}

func (f *serverForm) fullView() string {
	labels := []string{"Name:", "Host:", "User:", "Port:", "Key file:", "Password:", "Tunnels:"}

	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-10s %s\n", cursor, label, f.fields[i].View()))
	}

	mark := " "
	if f.connectAfter {
		mark = "x"
	}
	b.WriteString(fmt.Sprintf("\n  (%s) Connect after saving\n", mark))
	f.writeErr(&b)
	b.WriteString("\nTab/Shift-Tab navigate | Ctrl+S toggle connect | Enter save | Esc cancel")
	return b.String()
}

func (f *serverForm) writeErr(b *strings.Builder) {
	if f.errMsg == "" {
		return
	}
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
}

// parseQuickConnect parses a destination into a partial ServerRecord.
// Supported formats: hostname, user@hostname, hostname:port, user@hostname:port
func parseQuickConnect(input string) (model.ServerRecord, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return model.ServerRecord{}, fmt.Errorf("destination cannot be empty")
	}

	rec := model.ServerRecord{Port: model.DefaultSSHPort}

	if atIdx := strings.Index(input, "@"); atIdx > 0 {
		rec.Username = input[:atIdx]
		input = input[atIdx+1:]
	}

	if colonIdx := strings.LastIndex(input, ":"); colonIdx > 0 {
		if port, err := util.ParsePort(input[colonIdx+1:]); err == nil {
			rec.Port = port
			input = input[:colonIdx]
		}
	}

	rec.Host = input
	rec.Name = input
	if rec.Host == "" {
		return model.ServerRecord{}, fmt.Errorf("hostname cannot be empty")
	}
	return rec, nil
}
