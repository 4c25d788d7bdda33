package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	statusURL   string
	statusToken string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Live terminal dashboard of per-profile runner counts",
	Long: `status polls the control plane's /dashboard.json endpoint and
renders a live per-profile table (target/healthy/idle/busy/reserved/excess)
without duplicating the HTTP server's own JSON shape.`,
	RunE: runStatusCmd,
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "http://127.0.0.1:8443/dashboard.json", "control plane dashboard URL")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "monitor API bearer token (without the \"Bearer \" prefix)")
	rootCmd.AddCommand(statusCmd)
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(newStatusModel(statusURL, statusToken))
	_, err := p.Run()
	return err
}

type profileCounts struct {
	Target           int      `json:"Target"`
	Healthy          int      `json:"Healthy"`
	StartedOrCrashed int      `json:"StartedOrCrashed"`
	Idle             int      `json:"Idle"`
	Reserved         int      `json:"Reserved"`
	Busy             int      `json:"Busy"`
	ExcessHealthy    int      `json:"ExcessHealthy"`
	Wanted           int      `json:"Wanted"`
	ImageAge         *float64 `json:"ImageAge"`
}

type dashboardSnapshot struct {
	Profiles map[string]profileCounts `json:"profiles"`
}

type statusModel struct {
	url      string
	token    string
	client   *http.Client
	snapshot dashboardSnapshot
	err      error
}

func newStatusModel(url, token string) statusModel {
	return statusModel{url: url, token: token, client: &http.Client{Timeout: 3 * time.Second}}
}

type tickMsg time.Time
type snapshotMsg struct {
	snap dashboardSnapshot
	err  error
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), tickEvery())
}

func tickEvery() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m statusModel) poll() tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, m.url, nil)
		if err != nil {
			return snapshotMsg{err: err}
		}
		if m.token != "" {
			req.Header.Set("Authorization", "Bearer "+m.token)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return snapshotMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return snapshotMsg{err: fmt.Errorf("dashboard returned %s", resp.Status)}
		}
		var snap dashboardSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{snap: snap}
	}
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), tickEvery())
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snapshot = msg.snap
		}
	}
	return m, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	excessStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func (m statusModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("dashboard fetch failed: %v\n", m.err)) + "(press q to quit)\n"
	}

	keys := make([]string, 0, len(m.snapshot.Profiles))
	for k := range m.snapshot.Profiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := headerStyle.Render(fmt.Sprintf("%-14s %7s %7s %7s %7s %7s %7s", "profile", "target", "healthy", "idle", "busy", "reserv", "excess")) + "\n"
	for _, key := range keys {
		c := m.snapshot.Profiles[key]
		excess := ""
		if c.ExcessHealthy > 0 {
			excess = excessStyle.Render(fmt.Sprintf("%d", c.ExcessHealthy))
		} else {
			excess = fmt.Sprintf("%d", c.ExcessHealthy)
		}
		out += fmt.Sprintf("%-14s %7d %7d %7d %7d %7d %7s\n", key, c.Target, c.Healthy, c.Idle, c.Busy, c.Reserved, excess)
	}
	out += "\n(press q to quit)\n"
	return out
}
