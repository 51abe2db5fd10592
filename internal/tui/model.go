// Package tui renders a presence session in the terminal.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"liveuser/internal/protocol"
	"liveuser/internal/session"
)

var (
	appTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	countBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 3).MarginTop(1)
	countStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	labelStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle  = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle      = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	menuHintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	dividerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
)

type sessionErrMsg struct{ err error }

// Model is the watcher view. The session owns all state; the model only
// mirrors what the session writes into its two elements.
type Model struct {
	cfg       protocol.ClientConfig
	spinner   spinner.Model
	liveText  string
	liveCount string
	totalText string
	showCount bool
	err       error
}

func NewModel(cfg protocol.ClientConfig) Model {
	cfg.ApplyDefaults()
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	return Model{cfg: cfg, spinner: spin, liveText: session.StatusConnecting}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case elementTextMsg:
		switch msg.id {
		case m.cfg.DisplayElementID:
			m.liveText = msg.text
			m.showCount = false
		case m.cfg.TotalCountElementID:
			m.totalText = msg.text
		}
	case elementAttrMsg:
		if msg.id == m.cfg.DisplayElementID && msg.name == session.AttrLiveCount {
			m.liveCount = msg.value
			m.showCount = true
		}
	case sessionErrMsg:
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	title := appTitleStyle.Render("LiveUser")
	subtitle := subtitleStyle.Render(fmt.Sprintf("site %s%s%s", m.cfg.SiteID, dividerStyle, m.cfg.ServerURL))

	lines := []string{labelStyle.Render("Online now: ") + countStyle.Render(m.liveDisplay())}
	if m.cfg.EnableTotalCount {
		total := m.totalText
		if total == "" {
			total = session.StatusLoading
		}
		lines = append(lines, labelStyle.Render("Total visits: ")+countStyle.Render(total))
	}

	sections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		countBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)),
		m.statusLine(),
		menuHintStyle.Render("Press q to quit."),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func (m Model) liveDisplay() string {
	if m.showCount {
		return m.liveText
	}
	return "–"
}

func (m Model) statusLine() string {
	switch {
	case m.err != nil:
		return errorStyle.Render("Error: " + m.err.Error())
	case m.showCount:
		return connectedStyle.Render(session.StatusConnected + " (" + m.liveCount + " live)")
	case m.liveText == session.StatusError:
		return errorStyle.Render(m.liveText)
	case strings.HasSuffix(m.liveText, "..."):
		return connectingStyle.Render(m.spinner.View() + " " + m.liveText)
	default:
		return statusStyle.Render(m.liveText)
	}
}
