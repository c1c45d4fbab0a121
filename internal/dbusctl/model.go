package dbusctl

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/junegunn/fzf/src/util"

	"github.com/dbusd/dbusd/internal/dbusclient"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

const refreshInterval = 2 * time.Second

// entry is one row of the name list.
type entry struct {
	name string
}

// Model is the bubbletea model for the peer/name browser. Like
// lib/ticketui.Model it is a value-receiver type rebuilt on every
// Update and carries its own two-pane layout (name list on the left,
// a scrollable detail viewport on the right).
type Model struct {
	client *dbusclient.Client

	width, height int
	ready         bool

	names    []entry
	filtered []int // indices into names surviving the current filter
	cursor   int

	filtering    bool
	filterBuffer []rune
	filterSlab   *util.Slab

	detail   viewport.Model
	status   string
	statusAt time.Time
}

// NewModel constructs a browser Model connected to an already-dialed
// client.
func NewModel(client *dbusclient.Client) Model {
	return Model{
		client:     client,
		detail:     viewport.New(0, 0),
		filterSlab: util.MakeSlab(100*1024, 2048),
	}
}

type namesMsg struct {
	names []string
	err   error
}

type credentialsMsg struct {
	name string
	data map[string]any
	err  error
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchNames(m.client), tickRefresh())
}

func fetchNames(client *dbusclient.Client) tea.Cmd {
	return func() tea.Msg {
		names, err := client.ListNames()
		return namesMsg{names: names, err: err}
	}
}

func fetchCredentials(client *dbusclient.Client, name string) tea.Cmd {
	return func() tea.Msg {
		data, err := client.GetConnectionCredentials(name)
		return credentialsMsg{name: name, data: data, err: err}
	}
}

func tickRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

type refreshTickMsg struct{}

func (m Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = message.Width, message.Height
		m.ready = true
		listWidth := m.width / 3
		m.detail.Width = m.width - listWidth - 4
		m.detail.Height = m.height - 4
		return m, nil

	case refreshTickMsg:
		return m, tea.Batch(fetchNames(m.client), tickRefresh())

	case namesMsg:
		if message.err != nil {
			m.status = fmt.Sprintf("list names failed: %v", message.err)
			m.statusAt = time.Now()
			return m, nil
		}
		m.names = make([]entry, len(message.names))
		for i, n := range message.names {
			m.names[i] = entry{name: n}
		}
		m.status = ""
		m.statusAt = time.Now()
		m.applyFilter()
		var cmd tea.Cmd
		if sel, ok := m.selected(); ok {
			cmd = fetchCredentials(m.client, sel.name)
		}
		return m, cmd

	case credentialsMsg:
		if sel, ok := m.selected(); !ok || sel.name != message.name {
			return m, nil // stale reply for a no-longer-selected name
		}
		if message.err != nil {
			m.detail.SetContent(dimStyle.Render(message.err.Error()))
			return m, nil
		}
		m.detail.SetContent(renderCredentials(message.data))
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(message)
	}
	return m, nil
}

func (m Model) handleKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.filtering {
		switch key.Type {
		case tea.KeyEsc:
			m.filtering = false
			m.filterBuffer = nil
			m.applyFilter()
			return m, nil
		case tea.KeyEnter:
			m.filtering = false
			return m, nil
		case tea.KeyBackspace:
			if len(m.filterBuffer) > 0 {
				m.filterBuffer = m.filterBuffer[:len(m.filterBuffer)-1]
			}
			m.applyFilter()
			return m, nil
		case tea.KeyRunes:
			m.filterBuffer = append(m.filterBuffer, key.Runes...)
			m.applyFilter()
			return m, nil
		}
		return m, nil
	}

	switch key.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "/":
		m.filtering = true
		return m, nil
	case "j", "down":
		if m.cursor < len(m.filtered)-1 {
			m.cursor++
		}
		return m, m.selectCmd()
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, m.selectCmd()
	case "r":
		return m, fetchNames(m.client)
	default:
		var cmd tea.Cmd
		m.detail, cmd = m.detail.Update(key)
		return m, cmd
	}
}

func (m *Model) selectCmd() tea.Cmd {
	if sel, ok := m.selected(); ok {
		return fetchCredentials(m.client, sel.name)
	}
	return nil
}

func (m Model) selected() (entry, bool) {
	if m.cursor < 0 || m.cursor >= len(m.filtered) {
		return entry{}, false
	}
	return m.names[m.filtered[m.cursor]], true
}

// applyFilter re-ranks m.names against the current filter buffer using
// fzf's matcher, keeping only names that match as a fuzzy subsequence,
// sorted by descending score. An empty filter keeps every name in its
// original order.
func (m *Model) applyFilter() {
	if len(m.filterBuffer) == 0 {
		m.filtered = make([]int, len(m.names))
		for i := range m.names {
			m.filtered[i] = i
		}
		if m.cursor >= len(m.filtered) {
			m.cursor = max(0, len(m.filtered)-1)
		}
		return
	}

	type scored struct {
		index int
		score int
	}
	var matches []scored
	for i, e := range m.names {
		score, ok := fuzzyScore(e.name, m.filterBuffer, m.filterSlab)
		if !ok {
			continue
		}
		matches = append(matches, scored{index: i, score: score})
	}
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].score > matches[j-1].score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	m.filtered = make([]int, len(matches))
	for i, s := range matches {
		m.filtered[i] = s.index
	}
	if m.cursor >= len(m.filtered) {
		m.cursor = max(0, len(m.filtered)-1)
	}
}

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	listWidth := m.width / 3
	var list strings.Builder
	fmt.Fprintln(&list, headerStyle.Render(fmt.Sprintf("names (%d)", len(m.filtered))))
	if m.filtering {
		fmt.Fprintf(&list, "/%s\n", string(m.filterBuffer))
	}
	for i, idx := range m.filtered {
		name := m.names[idx].name
		if i == m.cursor {
			fmt.Fprintln(&list, selectedStyle.Render("> "+name))
		} else {
			fmt.Fprintln(&list, "  "+name)
		}
	}

	listPane := lipgloss.NewStyle().Width(listWidth).Height(m.height - 2).Render(list.String())
	detailPane := lipgloss.NewStyle().Width(m.detail.Width).Render(m.detail.View())

	row := lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)
	footer := dimStyle.Render("j/k move  /  filter  r refresh  q quit")
	if !m.statusAt.IsZero() {
		footer += dimStyle.Render(fmt.Sprintf("  (refreshed %s)", humanize.Time(m.statusAt)))
	}
	if m.status != "" {
		footer += "  " + statusStyle.Render(m.status)
	}
	return row + "\n" + footer
}

// renderCredentials formats a GetConnectionCredentials reply as
// indented JSON for the detail pane, the cheapest structured rendering
// that still benefits from chromaHighlightJSON's syntax coloring.
func renderCredentials(data map[string]any) string {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err.Error()
	}
	highlighted, err := chromaHighlightJSON(string(encoded))
	if err != nil {
		return string(encoded)
	}
	return highlighted
}
