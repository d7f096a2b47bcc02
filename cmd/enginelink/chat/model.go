// Package chat implements the interactive terminal front-end: a bubbletea
// model that renders the session and forwards keys to the bridge client.
package chat

import (
	"context"
	"errors"
	"fmt"

	"enginelink/internal/bridge"
	"enginelink/internal/dispatch"
	"enginelink/internal/protocol"
	"enginelink/internal/session"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"go.uber.org/zap"
)

// Client is the part of bridge.Client the model drives.
type Client interface {
	Updates() <-chan bridge.Update
	Submit(content string) (string, error)
	Abort() error
	SetMode(mode protocol.Mode) error
	Acknowledge() bool
	Clear() error
	Snapshot() dispatch.Session
}

// updateMsg carries one bridge update into the bubbletea loop.
type updateMsg bridge.Update

// startedMsg reports the outcome of the engine handshake.
type startedMsg struct{ err error }

// Model is the chat UI state.
type Model struct {
	client Client
	start  func() error
	logger *zap.Logger
	done   chan struct{}

	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	styles   Styles

	session dispatch.Session
	notice  string // last outcome or local error, shown in the status line
	width   int
	height  int
	ready   bool
}

// New creates the model. start runs the engine handshake and may be nil when
// the client is already started.
func New(client Client, start func() error, logger *zap.Logger) Model {
	if logger == nil {
		logger = zap.NewNop()
	}

	ta := textarea.New()
	ta.Placeholder = "Ask something... (enter to send, esc to abort, tab to switch mode)"
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	styles := DefaultStyles()
	sp.Style = styles.Spinner

	return Model{
		client:   client,
		start:    start,
		logger:   logger,
		done:     make(chan struct{}),
		textarea: ta,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		styles:   styles,
		session:  client.Snapshot(),
	}
}

// Run starts the engine and the UI and blocks until the user quits.
func Run(ctx context.Context, client *bridge.Client, logger *zap.Logger) error {
	start := func() error { return client.Start(ctx) }
	p := tea.NewProgram(New(client, start, logger), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, m.spinner.Tick, m.waitForUpdate()}
	if m.start != nil {
		start := m.start
		cmds = append(cmds, func() tea.Msg { return startedMsg{err: start()} })
	}
	return tea.Batch(cmds...)
}

// waitForUpdate reads the next bridge update. It returns nil once the model
// has quit so the pending read does not outlive the program.
func (m Model) waitForUpdate() tea.Cmd {
	updates, done := m.client.Updates(), m.done
	return func() tea.Msg {
		select {
		case u := <-updates:
			return updateMsg(u)
		case <-done:
			return nil
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		next, cmd, handled := m.handleKey(msg)
		if handled {
			return next, cmd
		}
		m = next

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		m.refresh()

	case startedMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("Engine failed to start: %v", msg.err)
			m.logger.Error("Engine handshake failed", zap.Error(msg.err))
		}
		m.session = m.client.Snapshot()

	case updateMsg:
		m = m.applyUpdate(bridge.Update(msg))
		cmds = append(cmds, m.waitForUpdate())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var taCmd, vpCmd tea.Cmd
	m.textarea, taCmd = m.textarea.Update(msg)
	// Keys belong to the input; the viewport scrolls only with pgup/pgdown.
	if _, isKey := msg.(tea.KeyMsg); !isKey {
		m.viewport, vpCmd = m.viewport.Update(msg)
	}
	cmds = append(cmds, taCmd, vpCmd)
	return m, tea.Batch(cmds...)
}

// handleKey processes global keys. handled=false means the key should also
// reach the textarea.
func (m Model) handleKey(msg tea.KeyMsg) (Model, tea.Cmd, bool) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.quit()
		return m, tea.Quit, true

	case tea.KeyEsc:
		if m.session.RequestStatus != session.StatusStreaming {
			return m, nil, true
		}
		if err := m.client.Abort(); err != nil {
			m.notice = err.Error()
		} else {
			m.notice = ""
		}
		m.session = m.client.Snapshot()
		return m, nil, true

	case tea.KeyTab:
		next := nextMode(m.session.Mode, m.session.Capabilities)
		if err := m.client.SetMode(next); err != nil {
			m.notice = err.Error()
		} else {
			m.notice = ""
		}
		m.session = m.client.Snapshot()
		return m, nil, true

	case tea.KeyCtrlL:
		if err := m.client.Clear(); err != nil {
			m.notice = err.Error()
		} else {
			m.notice = ""
		}
		m.session = m.client.Snapshot()
		m.refresh()
		return m, nil, true

	case tea.KeyEnter:
		return m.submit(), nil, true

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd, true
	}
	return m, nil, false
}

func (m Model) submit() Model {
	content := m.textarea.Value()
	if _, err := m.client.Submit(content); err != nil {
		m.notice = err.Error()
		return m
	}
	m.textarea.Reset()
	m.notice = ""
	m.session = m.client.Snapshot()
	m.refresh()
	return m
}

// applyUpdate renders the client's current session rather than the one
// carried by u: updates queue up behind the UI, and a queued snapshot may
// predate an acknowledgement. An aborted or failed request is acknowledged
// once its outcome has been captured in the notice so the next submit is
// accepted.
func (m Model) applyUpdate(u bridge.Update) Model {
	m.session = m.client.Snapshot()

	switch m.session.RequestStatus {
	case session.StatusAborted, session.StatusError:
		m.notice = m.session.ActiveStep
		if m.client.Acknowledge() {
			m.session = m.client.Snapshot()
		}
	}
	if u.Kind == bridge.UpdateExited {
		m.notice = u.Session.ActiveStep
	}
	if u.Kind == bridge.UpdateAnomaly {
		m.logger.Debug("Engine event discarded", zap.Error(u.Err))
	}

	m.refresh()
	return m
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.textarea.SetWidth(width)

	// header (1) + status (1) + textarea + margins (2)
	vpHeight := max(height-m.textarea.Height()-4, 3)
	if !m.ready {
		m.viewport = viewport.New(width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = vpHeight
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width-4, 20)),
	)
	if err != nil {
		m.logger.Warn("Markdown renderer unavailable", zap.Error(err))
		return
	}
	m.renderer = renderer
}

func (m *Model) refresh() {
	m.viewport.SetContent(renderMessages(m.session.Messages, m.renderer, m.styles))
	m.viewport.GotoBottom()
}

func (m *Model) quit() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m Model) View() string {
	status := m.styles.Status.Render(m.session.ActiveStep)
	if m.session.RequestStatus == session.StatusStreaming {
		status = m.spinner.View() + " " + status
	}
	if m.notice != "" && m.notice != m.session.ActiveStep {
		status += "  " + m.styles.Notice.Render(m.notice)
	}

	return fmt.Sprintf("%s\n%s\n%s\n%s",
		m.header(),
		m.viewport.View(),
		status,
		m.textarea.View(),
	)
}

func (m Model) header() string {
	engine := string(m.session.Engine)
	if engine == "" {
		engine = string(dispatch.EngineStarting)
	}
	return m.styles.Header.Render("enginelink") + " " +
		m.styles.Mode.Render(string(m.session.Mode)) + " " +
		m.styles.Muted.Render("engine: "+engine)
}

// nextMode cycles through the advertised modes. Without a handshake it cycles
// through every mode the protocol knows.
func nextMode(current protocol.Mode, capabilities []protocol.Mode) protocol.Mode {
	modes := capabilities
	if len(modes) == 0 {
		modes = protocol.Modes
	}
	for i, mode := range modes {
		if mode == current {
			return modes[(i+1)%len(modes)]
		}
	}
	return modes[0]
}
