package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pulpfleet/manager/internal/store"
	"github.com/pulpfleet/manager/models"
)

// DashboardModel shows the fleet overview: one row per backend with its
// rollup health (§4.3's repo_sync_health_rollup) and how stale that rollup
// is.
type DashboardModel struct {
	s        *store.Store
	backends []*models.Backend
	width    int
	height   int
	lastLoad time.Time
	loading  bool
}

type dashLoadedMsg struct{ backends []*models.Backend }

// NewDashboardModel creates a DashboardModel.
func NewDashboardModel(s *store.Store) DashboardModel {
	return DashboardModel{s: s, loading: true}
}

func (d DashboardModel) Init() tea.Cmd {
	return d.loadCmd()
}

func (d DashboardModel) loadCmd() tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		backends, _ := d.s.Backends.Filter(ctx, &store.Query{SortBy: "name"})
		return dashLoadedMsg{backends: backends}
	}
}

func (d DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case dashLoadedMsg:
		d.backends = msg.backends
		d.loading = false
		d.lastLoad = time.Now()
		// Refresh every 10 seconds.
		return d, tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
			return d.loadCmd()()
		})
	case tea.KeyMsg:
		if msg.String() == "r" {
			d.loading = true
			return d, d.loadCmd()
		}
	}
	return d, nil
}

func (d *DashboardModel) SetSize(w, h int) {
	d.width = w
	d.height = h
}

func (d DashboardModel) View() string {
	if d.loading && len(d.backends) == 0 {
		return panelStyle.Width(max(20, d.width-2)).Render("Loading backends...")
	}

	var green, amber, red, none int
	for _, b := range d.backends {
		switch b.RepoSyncHealthRollup {
		case models.HealthGreen:
			green++
		case models.HealthAmber:
			amber++
		case models.HealthRed:
			red++
		default:
			none++
		}
	}

	cardW := 18
	if d.width >= 100 {
		cardW = 20
	}
	summary := lipgloss.JoinHorizontal(lipgloss.Top,
		renderCounter("Green", green, greenCountStyle, cardW),
		renderCounter("Amber", amber, amberCountStyle, cardW),
		renderCounter("Red", red, redCountStyle, cardW),
		renderCounter("None", none, noneCountStyle, cardW),
	)

	lineLimit := d.height - 12
	if lineLimit < 5 {
		lineLimit = 5
	}
	rows := ""
	for i, b := range d.backends {
		if i >= lineLimit {
			break
		}
		age := "never"
		if b.RepoSyncHealthRollupUpdatedAt != nil {
			age = time.Since(*b.RepoSyncHealthRollupUpdatedAt).Round(time.Second).String() + " ago"
		}
		name := truncate(b.Name, 28)
		base := truncate(b.BaseURL, 34)
		line := lipgloss.JoinHorizontal(lipgloss.Left,
			lipgloss.NewStyle().Width(30).Foreground(ink).Render(name),
			lipgloss.NewStyle().Width(36).Foreground(slate).Render(base),
			lipgloss.NewStyle().Width(14).Render(healthBadge(b.RepoSyncHealthRollup.String())),
			dimStyle.Render(age),
		)
		rows += line + "\n"
	}

	if len(d.backends) == 0 {
		rows = dimStyle.Render("No backends registered. Run: fleetctl config apply --path <repo-groups.yaml>\n")
	}

	updated := "never"
	if !d.lastLoad.IsZero() {
		updated = d.lastLoad.Format("15:04:05")
	}
	refreshInfo := lipgloss.JoinHorizontal(lipgloss.Left,
		keycapStyle.Render("r"),
		" ",
		dimStyle.Render("refresh"),
		"   ",
		dimStyle.Render("updated "+updated),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.NewStyle().Padding(0, 1).Render(summary),
		panelStyle.Width(max(20, d.width-2)).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				panelHeaderStyle.Render("Backends"),
				dimStyle.Render("Name                          Base URL                            Rollup Health  Age"),
				rows,
				refreshInfo,
			),
		),
	)
}

func renderCounter(label string, count int, style lipgloss.Style, width int) string {
	return boxStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Center,
			style.Render(fmt.Sprintf("%d", count)),
			dimStyle.Render(strings.ToUpper(label)),
		),
	) + "  "
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
