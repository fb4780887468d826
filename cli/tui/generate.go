package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/inkwell/job"
	"github.com/pithecene-io/inkwell/types"
)

// Controller is the slice of the job session the TUI drives.
// *job.Session satisfies it.
type Controller interface {
	State() types.JobState
	Updates() <-chan types.JobState
	Cancel(ctx context.Context) error
	Retry(ctx context.Context) error
	RetryConnection() error
	Disconnect()
}

// previewTailLines is how many trailing preview lines the view shows.
const previewTailLines = 8

type stateMsg types.JobState

type keyMap struct {
	Quit   key.Binding
	Cancel key.Binding
	Retry  key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "cancel job"),
	),
	Retry: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "retry"),
	),
}

// GenerateModel is the Bubble Tea model for a running generation job.
type GenerateModel struct {
	session Controller
	state   types.JobState

	spinner spinner.Model
	bar     progress.Model

	width    int
	quitting bool
}

// NewGenerateModel creates the model around a live session.
func NewGenerateModel(session Controller) GenerateModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = WarningStyle
	bar := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)
	return GenerateModel{
		session: session,
		state:   session.State(),
		spinner: sp,
		bar:     bar,
	}
}

// Init implements tea.Model.
func (m GenerateModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForUpdate())
}

// waitForUpdate blocks on the session's snapshot channel.
func (m GenerateModel) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-m.session.Updates())
	}
}

// Update implements tea.Model.
func (m GenerateModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			// Quit leaves the job running server-side but closes the
			// local connection.
			m.quitting = true
			m.session.Disconnect()
			return m, tea.Quit

		case key.Matches(msg, keys.Cancel):
			if !m.state.Status.IsTerminal() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = m.session.Cancel(ctx)
				m.state = m.session.State()
			}
			return m, nil

		case key.Matches(msg, keys.Retry):
			if m.state.CanRetry {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = m.session.Retry(ctx)
			} else {
				_ = m.session.RetryConnection()
			}
			m.state = m.session.State()
			return m, nil
		}
		return m, nil

	case stateMsg:
		m.state = types.JobState(msg)
		if m.state.Status.IsTerminal() {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.waitForUpdate()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model.
func (m GenerateModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("inkwell generate"))
	b.WriteString("\n\n")

	st := m.state

	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Status:"),
		StatusStyle(string(st.Status)).Render(string(st.Status))))
	if st.JobID != "" {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Job:"),
			ValueStyle.Render(st.JobID)))
	}
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Connection:"),
		m.connectionLine()))

	b.WriteString("\n")
	if st.Status == types.JobQueued {
		b.WriteString(m.spinner.View() + " " + job.ProgressMessage(st) + "\n")
	} else {
		b.WriteString(m.bar.ViewAs(float64(st.Progress)/100) + "\n")
		line := job.ProgressMessage(st)
		if eta := job.ETAString(st); eta != "" {
			line += "  " + HelpStyle.Render(eta)
		}
		b.WriteString(line + "\n")
	}

	if tail := previewTail(st.PreviewContent); tail != "" {
		b.WriteString("\n")
		b.WriteString(PreviewStyle.Render(tail))
		b.WriteString("\n")
	}

	if st.Err != nil {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("%s: %s", st.Err.Code, st.Err.Message)))
		b.WriteString("\n")
	}

	b.WriteString(m.helpLine())
	return BoxStyle.Render(b.String())
}

// connectionLine renders the connection badge plus retry context.
func (m GenerateModel) connectionLine() string {
	cs := m.state.Connection
	badge := ConnStyle(string(cs.State)).Render(string(cs.State))
	switch cs.State {
	case types.ConnRetrying:
		return fmt.Sprintf("%s (attempt %d/%d, next in %s)",
			badge, cs.RetryCount, cs.MaxRetries, cs.NextRetryIn.Round(time.Millisecond))
	case types.ConnCircuitOpen:
		return fmt.Sprintf("%s (cooling down %s)", badge, cs.NextRetryIn.Round(time.Second))
	case types.ConnClosed:
		// Exhausted retries park here with the last error set; the job
		// may still be running server-side.
		if cs.LastError != "" && !m.state.Status.IsTerminal() {
			return fmt.Sprintf("%s %s", badge, ErrorStyle.Render(cs.LastError))
		}
		return badge
	default:
		return badge
	}
}

// connectionParked reports the exhausted wait state: the connection is
// closed with an error while the job has not finished.
func (m GenerateModel) connectionParked() bool {
	cs := m.state.Connection
	return cs.State == types.ConnClosed && cs.LastError != "" && !m.state.Status.IsTerminal()
}

func (m GenerateModel) helpLine() string {
	parts := []string{"q quit"}
	if !m.state.Status.IsTerminal() {
		parts = append(parts, "c cancel")
	}
	if m.state.CanRetry || m.connectionParked() ||
		m.state.Connection.State == types.ConnCircuitOpen ||
		m.state.Connection.State == types.ConnRetrying {
		parts = append(parts, "r retry")
	}
	return HelpStyle.Render(strings.Join(parts, " · "))
}

// previewTail returns the last few lines of the streamed preview.
func previewTail(content string) string {
	if content == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) > previewTailLines {
		lines = lines[len(lines)-previewTailLines:]
	}
	return strings.Join(lines, "\n")
}

// Run drives the generation TUI until the job finishes or the user quits.
func Run(session Controller) error {
	p := tea.NewProgram(NewGenerateModel(session))
	_, err := p.Run()
	return err
}
