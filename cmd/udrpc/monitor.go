package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var (
	monitorTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("57")).
				Padding(0, 1)

	monitorLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("12")).
				PaddingRight(1)

	monitorValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("252"))

	monitorStatusStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("241")).
				PaddingLeft(1)

	monitorErrorStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("1")).
				Bold(true).
				PaddingLeft(1)
)

const monitorRefreshInterval = 1 * time.Second

type monitorOpts struct {
	URL string `flag:"url,http://localhost:7902,base URL of a running serve process's HTTP endpoint"`
}

var monitorOptsV monitorOpts

var monitorCmd = &command.C{
	Name:  "monitor",
	Usage: "monitor [flags]",
	Help: `Render a live terminal dashboard of a running serve process's counters.

Polls /debug/vars on the target's HTTP endpoint once per second and displays
the packet and session counters it publishes.`,
	SetFlags: func(env *command.Env, fs *flag.FlagSet) {
		flax.MustBind(fs, &monitorOptsV)
	},
	Run: runMonitor,
}

func runMonitor(env *command.Env) error {
	p := tea.NewProgram(newMonitorModel(monitorOptsV.URL))
	_, err := p.Run()
	return err
}

type monitorTickMsg time.Time
type monitorDataMsg monitorVars
type monitorErrMsg error

// monitorVars mirrors the counters an Endpoint publishes at /debug/vars
// (see metrics.go's metricsSet.emap keys).
type monitorVars struct {
	ReqPktsTx       int64 `json:"req_pkts_tx"`
	ReqPktsRx       int64 `json:"req_pkts_rx"`
	RespPktsTx      int64 `json:"resp_pkts_tx"`
	RespPktsRx      int64 `json:"resp_pkts_rx"`
	RFRTx           int64 `json:"rfr_tx"`
	CRTx            int64 `json:"cr_tx"`
	RxBadPkts       int64 `json:"rx_bad_pkts"`
	LossRetransmits int64 `json:"loss_retransmits"`
}

type monitorModel struct {
	url       string
	vars      monitorVars
	err       error
	loading   bool
	lastFetch time.Time
	width     int
}

func newMonitorModel(url string) monitorModel {
	return monitorModel{url: url, loading: true}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(monitorTick(), fetchMonitorVars(m.url))
}

func monitorTick() tea.Cmd {
	return tea.Tick(monitorRefreshInterval, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func fetchMonitorVars(url string) tea.Cmd {
	return func() tea.Msg {
		resp, err := http.Get(strings.TrimRight(url, "/") + "/debug/vars")
		if err != nil {
			return monitorErrMsg(err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return monitorErrMsg(fmt.Errorf("read /debug/vars: %w", err))
		}
		var v monitorVars
		if err := json.Unmarshal(body, &v); err != nil {
			return monitorErrMsg(fmt.Errorf("decode /debug/vars: %w", err))
		}
		return monitorDataMsg(v)
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.loading = true
			m.err = nil
			return m, fetchMonitorVars(m.url)
		}
		return m, nil
	case monitorTickMsg:
		m.loading = true
		return m, tea.Batch(monitorTick(), fetchMonitorVars(m.url))
	case monitorDataMsg:
		m.loading = false
		m.err = nil
		m.vars = monitorVars(msg)
		m.lastFetch = time.Now()
		return m, nil
	case monitorErrMsg:
		m.loading = false
		m.err = msg
		return m, nil
	}
	return m, nil
}

func (m monitorModel) View() string {
	var sb strings.Builder
	sb.WriteString(monitorTitleStyle.Render("  udrpc monitor  "))
	sb.WriteString("\n\n")

	row := func(label string, value int64) {
		sb.WriteString(monitorLabelStyle.Render(fmt.Sprintf("%-20s", label)))
		sb.WriteString(monitorValueStyle.Render(fmt.Sprintf("%d", value)))
		sb.WriteString("\n")
	}
	row("request packets tx", m.vars.ReqPktsTx)
	row("request packets rx", m.vars.ReqPktsRx)
	row("response packets tx", m.vars.RespPktsTx)
	row("response packets rx", m.vars.RespPktsRx)
	row("RFR packets tx", m.vars.RFRTx)
	row("CR packets tx", m.vars.CRTx)
	row("bad packets rx", m.vars.RxBadPkts)
	row("loss retransmits", m.vars.LossRetransmits)

	sb.WriteString("\n")
	if m.err != nil {
		sb.WriteString(monitorErrorStyle.Render(fmt.Sprintf("error: %v", m.err)))
	} else {
		status := fmt.Sprintf("source: %s", m.url)
		if !m.lastFetch.IsZero() {
			status += fmt.Sprintf("  |  last refresh: %s", m.lastFetch.Format("15:04:05"))
		}
		if m.loading {
			status += "  |  refreshing…"
		}
		status += "  |  q: quit  r: refresh"
		sb.WriteString(monitorStatusStyle.Render(status))
	}
	return sb.String()
}
