package display

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/firminia/internal/devconfig"
)

const (
	cardWidth = 26
	barWidth  = 20
)

var (
	colorOK      = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorBorder  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Width(cardWidth).
			Padding(1, 1).
			Align(lipgloss.Center)

	countStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	titleStyle = lipgloss.NewStyle().Faint(true)
)

// stateColor picks the text color for s.
func stateColor(s State) lipgloss.TerminalColor {
	switch s {
	case StateApiError, StateOtaFailed:
		return colorError
	case StateNoWifi:
		return colorWarning
	case StateNoItems, StateConfigUpdated:
		return colorOK
	case StateShowingCount:
		return colorAccent
	default:
		return colorInfo
	}
}

// TerminalRenderer draws the round display as a card on a terminal.
type TerminalRenderer struct {
	w     io.Writer
	title string

	mu   sync.Mutex
	lang devconfig.Language
	user string
	last string
}

// NewTerminalRenderer draws to w. title is shown above every card.
func NewTerminalRenderer(w io.Writer, title string) *TerminalRenderer {
	return &TerminalRenderer{w: w, title: title}
}

func (r *TerminalRenderer) Show(s State, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draw(RenderCard(r.title, s, count, r.lang, r.user))
}

func (r *TerminalRenderer) ShowOTA(percent int, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draw(RenderOTA(r.title, percent, text, r.lang))
}

func (r *TerminalRenderer) SetLanguage(lang devconfig.Language) {
	if !lang.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lang = lang
}

func (r *TerminalRenderer) SetUser(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user = user
}

// draw writes frame unless it is already on screen. Caller holds mu.
func (r *TerminalRenderer) draw(frame string) {
	if frame == r.last {
		return
	}
	r.last = frame
	fmt.Fprintln(r.w, frame)
}

// RenderCard renders a status screen.
func RenderCard(title string, s State, count int, lang devconfig.Language, user string) string {
	msg := Message(s, count, lang, user)
	body := lipgloss.NewStyle().Foreground(stateColor(s)).Render(msg)
	if s == StateShowingCount {
		lines := strings.SplitN(msg, "\n", 2)
		body = countStyle.Render(lines[0])
		if len(lines) > 1 {
			body += "\n" + lipgloss.NewStyle().Foreground(stateColor(s)).Render(lines[1])
		}
	}
	return cardStyle.Render(titleStyle.Render(title) + "\n\n" + body)
}

// RenderOTA renders the update progress screen.
func RenderOTA(title string, percent int, text string, lang devconfig.Language) string {
	percent = max(0, min(percent, 100))
	filled := percent * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	return cardStyle.Render(
		titleStyle.Render(title) + "\n\n" +
			lipgloss.NewStyle().Foreground(colorInfo).Render(Text(StrUpdating, lang)) + "\n\n" +
			bar + "\n" +
			fmt.Sprintf("%d%%", percent) + "\n" +
			text,
	)
}

var _ Renderer = (*TerminalRenderer)(nil)
