package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"liveuser/internal/session"
)

// elementTextMsg and elementAttrMsg carry session writes into the Bubble Tea
// update loop.
type elementTextMsg struct {
	id   string
	text string
}

type elementAttrMsg struct {
	id    string
	name  string
	value string
}

// Screen is a session.Document whose elements forward every write to the
// running program.
type Screen struct {
	send      func(tea.Msg)
	liveID    string
	totalID   string
	hasTotals bool
}

func NewScreen(send func(tea.Msg), liveID, totalID string, hasTotals bool) *Screen {
	return &Screen{send: send, liveID: liveID, totalID: totalID, hasTotals: hasTotals}
}

func (s *Screen) Element(id string) session.Element {
	switch {
	case id == s.liveID:
		return &screenElement{id: id, send: s.send}
	case s.hasTotals && id == s.totalID:
		return &screenElement{id: id, send: s.send}
	default:
		return nil
	}
}

type screenElement struct {
	id   string
	send func(tea.Msg)
}

func (e *screenElement) SetText(text string) {
	e.send(elementTextMsg{id: e.id, text: text})
}

func (e *screenElement) SetAttribute(name, value string) {
	e.send(elementAttrMsg{id: e.id, name: name, value: value})
}
