// Package ui implements the terminal dashboard.
package ui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/security"
	"github.com/treykane/hshell/internal/util"
)

// Backend is the part of the connection registry the dashboard drives.
type Backend interface {
	Status() []model.ServerStatus
	Connect(ctx context.Context, id string) error
	Disconnect(id string) error
	DisconnectAll()
	Sweep(ctx context.Context) []string
	Add(rec model.ServerRecord) (model.ServerRecord, error)
}

// Encrypter seals passwords entered in the add-server form.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// History provides last successful connect times by server id.
type History interface {
	LastUsed() (map[string]int64, error)
}

// Options configures Run. Backend is required.
type Options struct {
	Backend        Backend
	Encrypter      Encrypter
	History        History
	RefreshSeconds int
	Redact         bool
}

type tickMsg time.Time

type sweepMsg struct{ removed []string }

type actionMsg struct {
	id   string
	name string
	verb string
	err  error
}

type statusMsg string

type dashboardModel struct {
	ctx  context.Context
	opts Options

	servers     []model.ServerStatus
	filtered    []model.ServerStatus
	lastUsed    map[string]int64
	pending     map[string]string // id -> verb in flight
	sel         int
	filter      string
	filterMode  bool
	recentFirst bool
	showHelp    bool
	status      string
	form        *serverForm
	width       int
	height      int
}

func initialModel(ctx context.Context, opts Options) dashboardModel {
	m := dashboardModel{
		ctx:     ctx,
		opts:    opts,
		pending: map[string]string{},
	}
	m.refresh()
	m.status = "Ready. Enter toggles the selected server, n adds one."
	return m
}

func (m *dashboardModel) refresh() {
	m.servers = m.opts.Backend.Status()
	if m.opts.History != nil {
		if lu, err := m.opts.History.LastUsed(); err == nil {
			m.lastUsed = lu
		}
	}
	m.applyFilter()
}

func (m *dashboardModel) applyFilter() {
	f := strings.ToLower(strings.TrimSpace(m.filter))
	m.filtered = make([]model.ServerStatus, 0, len(m.servers))
	for _, s := range m.servers {
		if f == "" || strings.Contains(strings.ToLower(s.Name), f) || strings.Contains(strings.ToLower(s.Target), f) {
			m.filtered = append(m.filtered, s)
		}
	}
	if m.recentFirst {
		sort.SliceStable(m.filtered, func(i, j int) bool {
			return m.lastUsed[m.filtered[i].ID] > m.lastUsed[m.filtered[j].ID]
		})
	}
	if m.sel >= len(m.filtered) {
		m.sel = len(m.filtered) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

func (m dashboardModel) selected() (model.ServerStatus, bool) {
	if len(m.filtered) == 0 {
		return model.ServerStatus{}, false
	}
	return m.filtered[m.sel], true
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) sweepCmd() tea.Cmd {
	b, ctx := m.opts.Backend, m.ctx
	return func() tea.Msg { return sweepMsg{removed: b.Sweep(ctx)} }
}

func (m dashboardModel) connectCmd(s model.ServerStatus) tea.Cmd {
	b, ctx := m.opts.Backend, m.ctx
	return func() tea.Msg {
		return actionMsg{id: s.ID, name: s.Name, verb: "connect", err: b.Connect(ctx, s.ID)}
	}
}

func (m dashboardModel) disconnectCmd(s model.ServerStatus) tea.Cmd {
	b := m.opts.Backend
	return func() tea.Msg {
		return actionMsg{id: s.ID, name: s.Name, verb: "disconnect", err: b.Disconnect(s.ID)}
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tickCmd(m.opts.RefreshSeconds)
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tea.Batch(m.sweepCmd(), tickCmd(m.opts.RefreshSeconds))
	case sweepMsg:
		m.refresh()
		if len(msg.removed) > 0 {
			m.status = fmt.Sprintf("Connection lost: %d server(s) disconnected", len(msg.removed))
		}
		return m, nil
	case actionMsg:
		delete(m.pending, msg.id)
		m.refresh()
		if msg.err != nil {
			m.status = fmt.Sprintf("%s %s failed: %s", msg.verb, msg.name, security.UserMessage(msg.err, m.opts.Redact))
		} else {
			m.status = fmt.Sprintf("%s %s: ok", msg.verb, msg.name)
		}
		return m, nil
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		if m.form != nil {
			return m.updateForm(msg)
		}
		if m.filterMode {
			return m.updateFilter(msg), nil
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m dashboardModel) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		m.form = nil
		m.status = "Add server cancelled"
		return m, nil
	}
	res, cmd := m.form.update(msg, m.opts.Encrypter)
	if res == nil {
		return m, cmd
	}
	m.form = nil
	added, err := m.opts.Backend.Add(res.record)
	if err != nil {
		m.status = "Add server failed: " + security.UserMessage(err, m.opts.Redact)
		return m, nil
	}
	m.refresh()
	m.status = "Added " + added.DisplayName()
	if !res.connect {
		return m, nil
	}
	s := model.ServerStatus{ID: added.ID, Name: added.DisplayName()}
	m.pending[s.ID] = "connect"
	return m, m.connectCmd(s)
}

func (m dashboardModel) updateFilter(msg tea.KeyMsg) dashboardModel {
	switch msg.String() {
	case "enter", "esc":
		m.filterMode = false
	case "backspace":
		if len(m.filter) > 0 {
			m.filter = m.filter[:len(m.filter)-1]
		}
	default:
		if len(msg.String()) == 1 {
			m.filter += msg.String()
		}
	}
	m.applyFilter()
	return m
}

func (m dashboardModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.opts.Backend.DisconnectAll()
		return m, tea.Quit
	case "j", "down":
		if m.sel < len(m.filtered)-1 {
			m.sel++
		}
	case "k", "up":
		if m.sel > 0 {
			m.sel--
		}
	case "/":
		m.filterMode = true
		m.status = "Filter mode: type and press Enter"
	case "?":
		m.showHelp = !m.showHelp
	case "s":
		m.recentFirst = !m.recentFirst
		m.applyFilter()
		if m.recentFirst {
			m.status = "Sorted by last connect"
		} else {
			m.status = "Sorted by configuration order"
		}
	case "r":
		m.refresh()
		return m, m.sweepCmd()
	case "n":
		m.form = newForm()
	case "enter", " ":
		s, ok := m.selected()
		if !ok {
			break
		}
		if verb, busy := m.pending[s.ID]; busy {
			m.status = fmt.Sprintf("%s already in progress for %s", verb, s.Name)
			break
		}
		switch s.State {
		case model.ConnConnected:
			m.pending[s.ID] = "disconnect"
			m.status = "Disconnecting " + s.Name
			return m, m.disconnectCmd(s)
		case model.ConnDisconnected:
			m.pending[s.ID] = "connect"
			m.status = "Connecting " + s.Name
			return m, m.connectCmd(s)
		default:
			m.status = fmt.Sprintf("%s is %s", s.Name, s.State)
		}
	}
	return m, nil
}

func (m dashboardModel) View() string {
	if m.form != nil {
		return m.form.view(m.renderPanel, m.effectiveWidth())
	}
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("hshell")
	connected, tunnels := 0, 0
	for _, s := range m.servers {
		if s.State == model.ConnConnected {
			connected++
		}
		tunnels += len(s.Tunnels)
	}
	subhead := fmt.Sprintf("servers=%d shown=%d connected=%d tunnels=%d refresh=%ds",
		len(m.servers), len(m.filtered), connected, tunnels, clampRefresh(m.opts.RefreshSeconds))

	left := strings.Builder{}
	left.WriteString("j/k to navigate; [*] connected, [~] changing.\n")
	for i, s := range m.filtered {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		left.WriteString(fmt.Sprintf("%s[%s] %-22s %-26s\n", cursor, m.stateMark(s), util.Truncate(s.Name, 22), util.Truncate(s.Target, 26)))
	}
	if len(m.filtered) == 0 {
		left.WriteString("  (no servers; press n to add one)\n")
	}

	detail := strings.Builder{}
	if s, ok := m.selected(); ok {
		detail.WriteString(fmt.Sprintf("Name: %s\nTarget: %s\nState: %s\n", s.Name, s.Target, s.State))
		if s.State == model.ConnConnected {
			detail.WriteString("Uptime: " + (time.Duration(s.UptimeSec) * time.Second).String() + "\n")
		}
		detail.WriteString("Last error: " + util.EmptyDash(security.RedactMessage(s.LastError)) + "\n")
		if lu := m.lastUsed[s.ID]; lu > 0 {
			detail.WriteString("Last connect: " + time.Unix(lu, 0).Local().Format("2006-01-02 15:04") + "\n")
		}
	} else {
		detail.WriteString("Pick a server to view its connection.\n")
	}

	filterLine := fmt.Sprintf("Filter: %s", m.filter)
	if m.filterMode {
		filterLine += " (typing...)"
	}
	quickHelp := "Keys: Enter connect/disconnect | n add | / filter | s sort | r refresh | ? help | q quit"
	width := m.effectiveWidth()
	help := ""
	if m.showHelp {
		help = m.renderPanel("Help", m.helpBlock(), width, lipgloss.Color("244"))
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		head,
		subhead,
		filterLine,
		quickHelp,
		m.renderMainPanels(left.String(), detail.String()),
		m.renderPanel("Tunnels", m.tunnelTable(), width, lipgloss.Color("63")),
		help,
		m.renderPanel("Status", m.status, width, lipgloss.Color("205")),
	)
}

func (m dashboardModel) stateMark(s model.ServerStatus) string {
	if _, busy := m.pending[s.ID]; busy {
		return "~"
	}
	switch s.State {
	case model.ConnConnected:
		return "*"
	case model.ConnConnecting, model.ConnDisconnecting:
		return "~"
	}
	return " "
}

// tunnelTable renders the tunnels of the selected server.
func (m dashboardModel) tunnelTable() string {
	s, ok := m.selected()
	if !ok || len(s.Tunnels) == 0 {
		return "(none)"
	}
	cols := []table.Column{
		{Title: "NAME", Width: 12},
		{Title: "LOCAL", Width: 15},
		{Title: "REMOTE", Width: 22},
		{Title: "STATE", Width: 10},
		{Title: "RELAYS", Width: 6},
		{Title: "IN", Width: 8},
		{Title: "OUT", Width: 8},
	}
	rows := make([]table.Row, 0, len(s.Tunnels))
	for _, t := range s.Tunnels {
		state := string(t.State)
		if t.LastError != "" {
			state += "!"
		}
		rows = append(rows, table.Row{
			util.Truncate(t.Name, 12), t.Local, util.Truncate(t.Remote, 22), state,
			strconv.Itoa(t.ActiveRelays), humanBytes(t.BytesIn), humanBytes(t.BytesOut),
		})
	}
	tbl := table.New(table.WithColumns(cols), table.WithRows(rows), table.WithHeight(len(rows)+1))
	return tbl.View()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + "B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Run starts the dashboard and blocks until the user quits or ctx is
// cancelled. Every connection is closed on exit.
func Run(ctx context.Context, opts Options) error {
	if opts.Backend == nil {
		return errors.New("ui: no backend")
	}
	defer opts.Backend.DisconnectAll()
	p := tea.NewProgram(initialModel(ctx, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

func (m dashboardModel) renderMainPanels(serversPanel, detailsPanel string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Servers", serversPanel, width, lipgloss.Color("39")),
			m.renderPanel("Details", detailsPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Servers", serversPanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Details", detailsPanel, rightWidth, lipgloss.Color("69")),
	)
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection.",
		"  Filtering: press /, type name or host text, then Enter.",
		"  Connect: Enter or space toggles the selected server and its tunnels.",
		"  Add: press n to add a server; Esc cancels.",
		"  Sort: press s to toggle recent-first ordering.",
		"  Refresh: press r to probe connections now; dead ones are dropped.",
		"  Quit: press q (or Ctrl+C) and every connection is closed.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
