package tui_test

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/waabox/cilens/internal/fetch"
	"github.com/waabox/cilens/internal/tui"
)

func update(m tea.Model, msgs ...tea.Msg) tea.Model {
	for _, msg := range msgs {
		m, _ = m.Update(msg)
	}
	return m
}

func TestProgress_ListingBeforeTotalKnown(t *testing.T) {
	m := tui.NewProgressModel("group/project")
	view := m.View()
	if !strings.Contains(view, "Listing pipelines of group/project") {
		t.Errorf("expected listing message, got:\n%s", view)
	}
}

func TestProgress_CountsFetchedCachedAndFailed(t *testing.T) {
	m := update(tui.NewProgressModel("g/p"),
		tui.ListedMsg{Total: 4},
		tui.FetchedMsg{PipelineID: "1", Source: fetch.FromAPI},
		tui.FetchedMsg{PipelineID: "2", Source: fetch.FromCache},
		tui.FetchedMsg{PipelineID: "3", Err: errors.New("giving up after 31 attempt(s): HTTP 502")},
	)
	view := m.View()

	if !strings.Contains(view, "3/4  (cache 1, failed 1)") {
		t.Errorf("expected counters in view, got:\n%s", view)
	}
	if !strings.Contains(view, "✓ #1") || !strings.Contains(view, "↷ #2") || !strings.Contains(view, "✗ #3 giving up") {
		t.Errorf("expected recent pipelines in view, got:\n%s", view)
	}
}

func TestProgress_KeepsOnlyRecentLines(t *testing.T) {
	var m tea.Model = tui.NewProgressModel("g/p")
	m = update(m, tui.ListedMsg{Total: 10})
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		m = update(m, tui.FetchedMsg{PipelineID: id})
	}
	view := m.View()
	if strings.Contains(view, "#1\n") || strings.Contains(view, "#2\n") {
		t.Errorf("expected oldest pipelines to scroll out, got:\n%s", view)
	}
	if !strings.Contains(view, "#7") {
		t.Errorf("expected newest pipeline in view, got:\n%s", view)
	}
}

func TestProgress_DoneQuitsAndClears(t *testing.T) {
	m := tui.NewProgressModel("g/p")
	updated, cmd := m.Update(tui.DoneMsg{})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("expected tea.QuitMsg")
	}
	if updated.View() != "" {
		t.Errorf("expected empty view after done, got %q", updated.View())
	}
}

func TestProgress_ImplementsObserver(t *testing.T) {
	var _ fetch.Observer = (*tui.Progress)(nil)
}
