package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/lattice-batch/internal/monitor"
)

const defaultRefreshInterval = 250 * time.Millisecond

// ReportSource yields the live snapshot of a batch. *monitor.Monitor
// satisfies it.
type ReportSource interface {
	Report() monitor.ExecutionReport
}

// JournalTail exposes the last lines of the lifecycle journal.
// *logbook.Logbook satisfies it.
type JournalTail interface {
	Tail(maxLines int) ([]string, int)
	Path() string
}

// WatchOption customizes a WatchModel.
type WatchOption func(*WatchModel)

// WithRefreshInterval sets how often the report is polled.
func WithRefreshInterval(d time.Duration) WatchOption {
	return func(m *WatchModel) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithJournal shows the tail of the lifecycle journal under the report.
func WithJournal(journal JournalTail) WatchOption {
	return func(m *WatchModel) {
		m.journal = journal
	}
}

// WithCancel is invoked when the user quits before the batch finishes.
func WithCancel(cancel func()) WatchOption {
	return func(m *WatchModel) {
		m.cancel = cancel
	}
}

// WithDone ends the view once done is closed. Without it the view ends when
// every item reached a final state.
func WithDone(done <-chan struct{}) WatchOption {
	return func(m *WatchModel) {
		m.done = done
	}
}

type reportMsg struct {
	report monitor.ExecutionReport
	done   bool
}

// WatchModel is a bubbletea model that polls a ReportSource and renders
// progress until the batch finishes.
type WatchModel struct {
	source   ReportSource
	journal  JournalTail
	interval time.Duration
	cancel   func()
	done     <-chan struct{}

	spinner  spinner.Model
	progress progress.Model

	report      monitor.ExecutionReport
	width       int
	finished    bool
	interrupted bool
}

// NewWatchModel creates a watch view over source.
func NewWatchModel(source ReportSource, opts ...WatchOption) *WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = labelStyleRunning
	m := &WatchModel{
		source:   source,
		interval: defaultRefreshInterval,
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Watch runs the model as a full-screen program until the batch finishes or
// the user quits.
func Watch(model *WatchModel, opts ...tea.ProgramOption) error {
	_, err := tea.NewProgram(model, opts...).Run()
	return err
}

// Report returns the last polled snapshot.
func (m *WatchModel) Report() monitor.ExecutionReport {
	return m.report
}

// Interrupted reports whether the user quit before the batch finished.
func (m *WatchModel) Interrupted() bool {
	return m.interrupted
}

// Init is called once when the program starts.
func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

// Update is called when a message is received.
func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = max(10, msg.Width-4)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !m.finished {
				m.interrupted = true
				if m.cancel != nil {
					m.cancel()
				}
			}
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}
		return m, nil

	case reportMsg:
		m.report = msg.report
		if msg.done || (m.done == nil && msg.report.Total > 0 && msg.report.Finished()) {
			m.finished = true
			return m, tea.Quit
		}
		return m, m.schedule()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the progress header, the report and the journal tail.
func (m *WatchModel) View() string {
	var status string
	switch {
	case m.finished:
		status = labelStyleDone.Render("✓ finished")
	case m.interrupted:
		status = labelStyleFailed.Render("✗ interrupted")
	default:
		status = m.spinner.View() + " running"
	}
	done := m.report.Total - m.report.Pending - m.report.Running
	header := fmt.Sprintf("%s  %d/%d", status, done, m.report.Total)
	sections := []string{header, m.progress.ViewAs(m.fraction()), RenderReport(m.report, m.width)}
	if panel := m.renderJournalPanel(); panel != "" {
		sections = append(sections, panel)
	}
	sections = append(sections, detailTextStyle.Render("q: stop batch · r: refresh"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func (m *WatchModel) fraction() float64 {
	if m.report.Total == 0 {
		return 0
	}
	done := m.report.Total - m.report.Pending - m.report.Running
	return float64(done) / float64(m.report.Total)
}

func (m *WatchModel) renderJournalPanel() string {
	if m.journal == nil {
		return ""
	}
	lines, total := m.journal.Tail(6)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(m.journal.Path())
	if fileName == "." || fileName == "" {
		fileName = "journal"
	}
	head := headStyle.Render(fmt.Sprintf("LOG · %s · %d entries", fileName, total))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return boxStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

func (m *WatchModel) poll() tea.Cmd {
	return func() tea.Msg {
		return m.snapshot()
	}
}

func (m *WatchModel) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return m.snapshot()
	})
}

func (m *WatchModel) snapshot() reportMsg {
	msg := reportMsg{}
	if m.done != nil {
		select {
		case <-m.done:
			msg.done = true
		default:
		}
	}
	if m.source != nil {
		msg.report = m.source.Report()
	}
	return msg
}
