package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"taxid2wgs/internal/pipeline"
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

const watchRefreshInterval = 2 * time.Second

type watchTickMsg time.Time

type watchLoadedMsg struct {
	rep pipeline.StatusReport
	err error
}

type watchModel struct {
	opts  pipeline.StatusOptions
	bar   progress.Model
	rep   pipeline.StatusReport
	err   error
	ready bool
	width int
}

func watchStatus(opts pipeline.StatusOptions) error {
	m := watchModel{
		opts: opts,
		bar:  progress.New(progress.WithDefaultGradient()),
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func loadStatusCmd(opts pipeline.StatusOptions) tea.Cmd {
	return func() tea.Msg {
		rep, err := pipeline.Inspect(opts)
		return watchLoadedMsg{rep: rep, err: err}
	}
}

func watchTickCmd() tea.Cmd {
	return tea.Tick(watchRefreshInterval, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(loadStatusCmd(m.opts), watchTickCmd())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 10
		if m.bar.Width > 60 {
			m.bar.Width = 60
		}
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	case watchTickMsg:
		return m, tea.Batch(loadStatusCmd(m.opts), watchTickCmd())
	case watchLoadedMsg:
		m.rep = msg.rep
		m.err = msg.err
		m.ready = true
		return m, nil
	}
	return m, nil
}

func (m watchModel) View() string {
	header := watchTitleStyle.Render("taxid2wgs " + m.opts.IncludeTaxid + watchExcludeSuffix(m.opts.ExcludeTaxid))
	hints := watchMutedStyle.Render("q quit · refreshes every " + watchRefreshInterval.String())

	if !m.ready {
		return lipgloss.JoinVertical(lipgloss.Left, header, hints, watchMutedStyle.Render("loading..."))
	}
	if m.err != nil {
		panel := watchPanelStyle.Render(watchErrorStyle.Render(m.err.Error()))
		return lipgloss.JoinVertical(lipgloss.Left, header, hints, panel)
	}

	mf := m.rep.Manifest
	ratio := 0.0
	if mf.Total > 0 {
		ratio = float64(mf.Done+mf.Failed) / float64(mf.Total)
	}

	var b strings.Builder
	b.WriteString(m.bar.ViewAs(ratio))
	b.WriteString("\n")
	fmt.Fprintf(&b, "projects  %d total · %s · %s\n",
		mf.Total,
		watchOKStyle.Render(fmt.Sprintf("%d done", mf.Done)),
		failedLabel(mf.Failed))
	fmt.Fprintf(&b, "in flight %d pending · %d downloading · %d downloaded · %d parsing\n",
		mf.Pending, mf.Downloading, mf.Downloaded, mf.Parsing)
	fmt.Fprintf(&b, "output    %s (%s)\n", m.rep.OutputPath, formatBytesIEC(m.rep.OutputBytes))
	fmt.Fprintf(&b, "instances download=%t parse=%t", m.rep.ActiveDownload, m.rep.ActiveParse)

	shown := 0
	for _, row := range m.rep.Rows {
		if row.LastError == "" || shown >= 5 {
			continue
		}
		if shown == 0 {
			b.WriteString("\n")
		}
		b.WriteString("\n" + watchErrorStyle.Render(row.Prefix) + " " + watchMutedStyle.Render(row.LastError))
		shown++
	}

	panel := watchPanelStyle.Render(b.String())
	return lipgloss.JoinVertical(lipgloss.Left, header, hints, panel)
}

func watchExcludeSuffix(exclude string) string {
	if exclude == "" {
		return ""
	}
	return " minus " + exclude
}

func failedLabel(n int) string {
	if n == 0 {
		return watchMutedStyle.Render("0 failed")
	}
	return watchErrorStyle.Render(fmt.Sprintf("%d failed", n))
}
