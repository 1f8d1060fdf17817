// Package tui is a Bubble Tea host for the render scheduler. It maps
// terminal rows onto document offsets so scrolling the list drives the
// scheduler's visibility passes, and shows per-page render state as it
// changes.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	bviewport "github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wudi/docview/pages"
	"github.com/wudi/docview/scheduler"
)

// pageRows is how many terminal rows one average page occupies.
const pageRows = 6

const tickInterval = 250 * time.Millisecond

// Options configures the TUI.
type Options struct {
	Scheduler *scheduler.Scheduler
	Title     string

	// Events receives scheduler notifications; Scrolls receives
	// offsets issued by GoToPage so the view can follow.
	Events  <-chan scheduler.Event
	Scrolls <-chan float64
}

type (
	eventMsg  scheduler.Event
	scrollMsg float64
	tickMsg   struct{}
)

// Model is the root Bubble Tea model.
type Model struct {
	sched   *scheduler.Scheduler
	title   string
	events  <-chan scheduler.Event
	scrolls <-chan float64

	keys   keyMap
	styles styles

	width  int
	height int
	ready  bool

	offset     float64
	viewLength float64
	rowUnits   float64

	list      bviewport.Model
	gotoInput textinput.Model
	entering  bool

	metrics scheduler.Metrics
	status  string
}

type styles struct {
	header  lipgloss.Style
	footer  lipgloss.Style
	current lipgloss.Style
	visible lipgloss.Style
	failed  lipgloss.Style
	dim     lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		header:  lipgloss.NewStyle().Bold(true),
		footer:  lipgloss.NewStyle().Faint(true),
		current: lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true),
		visible: lipgloss.NewStyle().Foreground(lipgloss.Color("84")),
		failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dim:     lipgloss.NewStyle().Faint(true),
	}
}

// New creates the model. The scheduler must already be initialized.
func New(opts Options) Model {
	input := textinput.New()
	input.Placeholder = "page"
	input.CharLimit = 6
	input.Width = 8

	layout := opts.Scheduler.Layout()
	rowUnits := 1.0
	if n := layout.Len(); n > 0 {
		rowUnits = layout.TotalExtent() / float64(n) / pageRows
	}

	return Model{
		sched:     opts.Scheduler,
		title:     opts.Title,
		events:    opts.Events,
		scrolls:   opts.Scrolls,
		keys:      defaultKeyMap(),
		styles:    defaultStyles(),
		rowUnits:  rowUnits,
		gotoInput: input,
		metrics:   opts.Scheduler.Metrics(),
	}
}

// Run drives the TUI until the user quits or ctx is canceled.
func Run(ctx context.Context, opts Options) error {
	program := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitEvent(), m.waitScroll(), tick())
}

func (m Model) waitEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func (m Model) waitScroll() tea.Cmd {
	if m.scrolls == nil {
		return nil
	}
	return func() tea.Msg {
		offset, ok := <-m.scrolls
		if !ok {
			return nil
		}
		return scrollMsg(offset)
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		listHeight := m.height - 4
		if listHeight < 1 {
			listHeight = 1
		}
		if !m.ready {
			m.list = bviewport.New(m.width, listHeight)
			m.ready = true
		} else {
			m.list.Width = m.width
			m.list.Height = listHeight
		}
		m.viewLength = m.rowUnits * float64(listHeight)
		m.sched.OnResize(m.offset, m.viewLength)
		m.refreshList()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		m.status = describeEvent(scheduler.Event(msg))
		m.metrics = m.sched.Metrics()
		m.refreshList()
		return m, m.waitEvent()

	case scrollMsg:
		m.offset = float64(msg)
		m.refreshList()
		return m, m.waitScroll()

	case tickMsg:
		m.metrics = m.sched.Metrics()
		m.refreshList()
		return m, tick()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.entering {
		switch {
		case key.Matches(msg, m.keys.Confirm):
			m.entering = false
			index, err := parseGoto(m.gotoInput.Value(), m.metrics.TotalPages)
			m.gotoInput.Reset()
			m.gotoInput.Blur()
			if err != nil {
				m.status = err.Error()
				return m, nil
			}
			if err := m.sched.GoToPage(index); err != nil {
				m.status = err.Error()
			}
			return m, nil
		case key.Matches(msg, m.keys.Escape):
			m.entering = false
			m.gotoInput.Reset()
			m.gotoInput.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.gotoInput, cmd = m.gotoInput.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		m.setOffset(m.offset - 2*m.rowUnits)
	case key.Matches(msg, m.keys.Down):
		m.setOffset(m.offset + 2*m.rowUnits)
	case key.Matches(msg, m.keys.PageUp):
		m.setOffset(m.offset - m.viewLength)
	case key.Matches(msg, m.keys.PageDown):
		m.setOffset(m.offset + m.viewLength)
	case key.Matches(msg, m.keys.Top):
		m.setOffset(0)
	case key.Matches(msg, m.keys.Bottom):
		m.setOffset(m.sched.Layout().TotalExtent())
	case key.Matches(msg, m.keys.GoTo):
		m.entering = true
		return m, m.gotoInput.Focus()
	case key.Matches(msg, m.keys.Rerender):
		if err := m.sched.RerenderPage(m.metrics.CurrentPage); err != nil {
			m.status = err.Error()
		}
	case key.Matches(msg, m.keys.RerenderVisible):
		if err := m.sched.RerenderVisible(); err != nil {
			m.status = err.Error()
		}
	}
	m.refreshList()
	return m, nil
}

func (m *Model) setOffset(offset float64) {
	m.offset = clampOffset(offset, m.sched.Layout().TotalExtent(), m.viewLength)
	m.sched.OnScroll(m.offset)
}

// clampOffset keeps the viewport inside [0, total-length].
func clampOffset(offset, total, length float64) float64 {
	max := total - length
	if max < 0 {
		max = 0
	}
	if offset > max {
		offset = max
	}
	if offset < 0 {
		offset = 0
	}
	return offset
}

// parseGoto converts one-based user input into a page index.
func parseGoto(input string, total int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return 0, fmt.Errorf("not a page number: %q", input)
	}
	if n < 1 || n > total {
		return 0, fmt.Errorf("page %d out of range 1..%d", n, total)
	}
	return n - 1, nil
}

func (m *Model) refreshList() {
	if !m.ready {
		return
	}
	total := m.metrics.TotalPages
	lines := make([]string, 0, total)
	for i := 0; i < total; i++ {
		lines = append(lines, m.renderRow(i))
	}
	m.list.SetContent(strings.Join(lines, "\n"))

	// Keep the current page in view.
	target := m.metrics.CurrentPage - m.list.Height/2
	if target < 0 {
		target = 0
	}
	m.list.SetYOffset(target)
}

func (m *Model) renderRow(index int) string {
	snap, ok := m.sched.Page(index)
	if !ok {
		return ""
	}
	marker := " "
	if snap.Visible {
		marker = m.styles.visible.Render("•")
	}
	if index == m.metrics.CurrentPage {
		marker = m.styles.current.Render("▸")
	}

	label := pageLabel(snap)
	switch snap.State {
	case pages.Failed:
		label = m.styles.failed.Render(label)
	case pages.Unrendered, pages.Dimensioned:
		label = m.styles.dim.Render(label)
	}
	return fmt.Sprintf("%s %s", marker, label)
}

// pageLabel formats one page row: number, state, and geometry when
// known.
func pageLabel(snap pages.Snapshot) string {
	geom := "?×?"
	if snap.Geometry.Known() {
		geom = fmt.Sprintf("%.0f×%.0f", snap.Geometry.Width, snap.Geometry.Height)
	}
	label := fmt.Sprintf("%4d  %-11s %s", snap.Index+1, snap.State, geom)
	if snap.State == pages.Failed && snap.Err != nil {
		label += "  " + snap.Err.Error()
	}
	return label
}

func describeEvent(ev scheduler.Event) string {
	switch ev.Kind {
	case scheduler.EventPageChanged:
		return fmt.Sprintf("page %d/%d", ev.Page+1, ev.TotalPages)
	case scheduler.EventRenderQueued:
		return fmt.Sprintf("queued page %d (%s)", ev.Page+1, tierLabel(ev.Tier))
	case scheduler.EventRenderSucceeded:
		return fmt.Sprintf("rendered page %d (%s)", ev.Page+1, tierLabel(ev.Tier))
	case scheduler.EventRenderFailed:
		return fmt.Sprintf("render failed page %d: %v", ev.Page+1, ev.Err)
	}
	return ""
}

func tierLabel(t pages.Tier) string {
	if t == pages.TierHigh {
		return "high"
	}
	return "low"
}

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	header := m.styles.header.Render(m.title) +
		fmt.Sprintf("  page %d/%d", m.metrics.CurrentPage+1, m.metrics.TotalPages)

	footer := m.styles.footer.Render(fmt.Sprintf(
		"queue %d running / %d backlog · done %d · failed %d · canceled %d · evicted %d",
		m.metrics.Queue.Running, m.metrics.Queue.Backlog,
		m.metrics.Queue.Completed, m.metrics.Queue.Failed,
		m.metrics.Queue.Canceled, m.metrics.Evictions,
	))

	statusLine := m.status
	if m.entering {
		statusLine = "go to " + m.gotoInput.View()
	}
	if statusLine == "" {
		statusLine = m.styles.footer.Render("j/k scroll · f/b page · : goto · r rerender · q quit")
	}

	return strings.Join([]string{header, m.list.View(), statusLine, footer}, "\n")
}
