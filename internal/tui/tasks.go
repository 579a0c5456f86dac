package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/models"
)

// TasksModel lists recent tasks (§3's Task/TaskStage) with a filter by
// TaskState, newest date_queued first.
type TasksModel struct {
	s       *store.Store
	tasks   []*models.Task
	width   int
	height  int
	cursor  int
	filter  string // "" | "queued" | "running" | "failed" | "completed"
	loading bool
}

type tasksLoadedMsg struct{ tasks []*models.Task }

// NewTasksModel creates a TasksModel.
func NewTasksModel(s *store.Store) TasksModel {
	return TasksModel{s: s, loading: true}
}

func (t TasksModel) Init() tea.Cmd {
	return t.loadCmd()
}

func (t TasksModel) loadCmd() tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		tasks, _ := t.s.Tasks.FilterPaged(ctx, &store.Query{
			SortBy: "date_queued", Order: "desc", Page: 1, PageSize: 200,
		})
		return tasksLoadedMsg{tasks: tasks}
	}
}

func (t TasksModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tasksLoadedMsg:
		t.tasks = msg.tasks
		t.loading = false
		return t, tea.Tick(15*time.Second, func(tm time.Time) tea.Msg {
			return t.loadCmd()()
		})

	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			t.cursor++
		case "k", "up":
			if t.cursor > 0 {
				t.cursor--
			}
		case "q":
			t.filter = "queued"
			t.cursor = 0
		case "w":
			t.filter = "running"
			t.cursor = 0
		case "f":
			t.filter = "failed"
			t.cursor = 0
		case "c":
			t.filter = "completed"
			t.cursor = 0
		case "0":
			t.filter = ""
			t.cursor = 0
		case "r":
			t.loading = true
			return t, t.loadCmd()
		}
	}
	t = t.clampCursor()
	return t, nil
}

func (t *TasksModel) SetSize(w, h int) {
	t.width = w
	t.height = h
}

func (t TasksModel) filtered() []*models.Task {
	if t.filter == "" {
		return t.tasks
	}
	out := make([]*models.Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		if task.State.String() == t.filter {
			out = append(out, task)
		}
	}
	return out
}

func (t TasksModel) View() string {
	if t.loading && len(t.tasks) == 0 {
		return panelStyle.Width(max(20, t.width-2)).Render("Loading tasks...")
	}

	rows := ""
	visible := t.filtered()
	lineLimit := t.height - 10
	if lineLimit < 5 {
		lineLimit = 5
	}
	for i, task := range visible {
		if i >= lineLimit {
			break
		}
		rows += t.renderRow(i, task)
	}
	if rows == "" {
		rows = dimStyle.Render("No tasks match this filter.\n")
	}

	var queued, running, failed, completed int
	for _, task := range t.tasks {
		switch task.State {
		case models.TaskStateQueued:
			queued++
		case models.TaskStateRunning:
			running++
		case models.TaskStateFailed, models.TaskStateFailedToStart:
			failed++
		case models.TaskStateCompleted:
			completed++
		}
	}

	filterBar := lipgloss.JoinHorizontal(lipgloss.Left,
		t.filterChip("All", "", len(t.tasks), "0"),
		" ",
		t.filterChip("Queued", "queued", queued, "q"),
		" ",
		t.filterChip("Running", "running", running, "w"),
		" ",
		t.filterChip("Failed", "failed", failed, "f"),
		" ",
		t.filterChip("Completed", "completed", completed, "c"),
		"  ",
		keycapStyle.Render("r"),
		" ",
		dimStyle.Render("refresh"),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		panelStyle.Width(max(20, t.width-2)).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				panelHeaderStyle.Render("Tasks"),
				filterBar,
				"",
				dimStyle.Render("Name                        Type                 State          Worker          Queued"),
				rows,
				"",
				dimStyle.Render("j/k navigate  q queued  w running  f failed  c completed  0 all"),
			),
		),
	)
}

func (t TasksModel) renderRow(idx int, task *models.Task) string {
	cursor := " "
	if idx == t.cursor {
		cursor = "▌"
	}
	line := lipgloss.JoinHorizontal(lipgloss.Left,
		lipgloss.NewStyle().Width(2).Foreground(accent).Render(cursor),
		lipgloss.NewStyle().Width(28).Foreground(ink).Render(truncate(task.Name, 26)),
		lipgloss.NewStyle().Width(21).Foreground(slate).Render(task.TaskType.String()),
		lipgloss.NewStyle().Width(15).Render(taskStateBadge(task.State.String())),
		lipgloss.NewStyle().Width(16).Foreground(slate).Render(truncate(task.Worker, 14)),
		dimStyle.Render(task.DateQueued.Format("01-02 15:04:05")),
	)
	if idx == t.cursor {
		return selectedRowStyle.Width(max(20, t.width-6)).Render(line) + "\n"
	}
	return line + "\n"
}

func (t TasksModel) filterChip(label, value string, count int, key string) string {
	text := fmt.Sprintf("%s %d", label, count)
	if t.filter == value {
		return activeTabStyle.Render(text)
	}
	return tabStyle.Render(text + " [" + key + "]")
}

func (t TasksModel) clampCursor() TasksModel {
	total := len(t.filtered())
	if total == 0 {
		t.cursor = 0
		return t
	}
	if t.cursor < 0 {
		t.cursor = 0
	}
	if t.cursor >= total {
		t.cursor = total - 1
	}
	return t
}
