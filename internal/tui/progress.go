// Package tui renders live fetch progress on the terminal.
package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/waabox/cilens/internal/fetch"
)

// ListedMsg is sent when the list phase has selected the pipelines to fetch.
// It is exported so that tests can inject it directly into ProgressModel.Update.
type ListedMsg struct {
	Total int
}

// FetchedMsg is sent when one pipeline's jobs are known or failed.
type FetchedMsg struct {
	PipelineID string
	Source     fetch.Source
	Err        error
}

// DoneMsg stops the program and clears the progress lines.
type DoneMsg struct{}

type tickMsg struct{}

const (
	recentLines = 5
	barWidth    = 30
	errWidth    = 60
)

var spinner = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type event struct {
	id     string
	source fetch.Source
	err    error
}

// ProgressModel is the Bubbletea model of the fetch progress view.
type ProgressModel struct {
	project   string
	listed    bool
	total     int
	fetched   int
	cacheHits int
	failed    int
	recent    []event
	frame     int
	done      bool
}

// NewProgressModel creates the progress model for one project.
func NewProgressModel(project string) ProgressModel {
	return ProgressModel{project: project}
}

// Init starts the spinner.
func (m ProgressModel) Init() tea.Cmd {
	return tickEvery(100 * time.Millisecond)
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(_ time.Time) tea.Msg {
		return tickMsg{}
	})
}

// Update folds progress events into the model.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ListedMsg:
		m.listed = true
		m.total = msg.Total

	case FetchedMsg:
		switch {
		case msg.Err != nil:
			m.failed++
		case msg.Source == fetch.FromCache:
			m.cacheHits++
			m.fetched++
		default:
			m.fetched++
		}
		m.recent = append(m.recent, event{id: msg.PipelineID, source: msg.Source, err: msg.Err})
		if len(m.recent) > recentLines {
			m.recent = m.recent[len(m.recent)-recentLines:]
		}

	case tickMsg:
		if m.done {
			return m, nil
		}
		m.frame = (m.frame + 1) % len(spinner)
		return m, tickEvery(100 * time.Millisecond)

	case DoneMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

// View renders the progress bar and the most recent pipelines.
func (m ProgressModel) View() string {
	if m.done {
		return ""
	}
	if !m.listed {
		return fmt.Sprintf("%s Listing pipelines of %s...\n", spinner[m.frame], m.project)
	}
	var sb strings.Builder
	handled := m.fetched + m.failed
	sb.WriteString(fmt.Sprintf("%s %s %s %d/%d  (cache %d, failed %d)\n",
		spinner[m.frame], m.project, bar(handled, m.total), handled, m.total, m.cacheHits, m.failed))
	for _, e := range m.recent {
		sb.WriteString(fmt.Sprintf("  %s #%s", statusIcon(e), e.id))
		if e.err != nil {
			sb.WriteString(" " + truncate(e.err.Error(), errWidth))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func bar(n, total int) string {
	filled := barWidth
	if total > 0 {
		filled = n * barWidth / total
	}
	if filled > barWidth {
		filled = barWidth
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

func statusIcon(e event) string {
	switch {
	case e.err != nil:
		return "✗"
	case e.source == fetch.FromCache:
		return "↷"
	default:
		return "✓"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

// Progress drives a ProgressModel from fetch events. It implements fetch.Observer.
type Progress struct {
	program *tea.Program
	wg      sync.WaitGroup
}

// NewProgress creates a progress view writing to w. It reads no input and
// leaves signal handling to the caller.
func NewProgress(w io.Writer, project string) *Progress {
	return &Progress{
		program: tea.NewProgram(NewProgressModel(project),
			tea.WithOutput(w),
			tea.WithInput(nil),
			tea.WithoutSignalHandler(),
		),
	}
}

// Start runs the program in the background.
func (p *Progress) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _ = p.program.Run()
	}()
}

// Stop clears the view and waits for the program to exit.
func (p *Progress) Stop() {
	p.program.Send(DoneMsg{})
	p.wg.Wait()
}

// Listed implements fetch.Observer.
func (p *Progress) Listed(total int) {
	p.program.Send(ListedMsg{Total: total})
}

// Fetched implements fetch.Observer.
func (p *Progress) Fetched(pipelineID string, src fetch.Source, err error) {
	p.program.Send(FetchedMsg{PipelineID: pipelineID, Source: src, Err: err})
}
