package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the countdowns.
type tickMsg time.Time

// state represents the current phase of the session.
type state int

const (
	stateInit      state = iota
	stateLoggingIn       // password login in flight
	stateActive          // authenticated, timer running
	stateLoggedOut       // session ended, no credentials
	stateBanned          // account disabled by the server
	stateError           // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// maxStatusLines bounds the status log of a long-running session.
const maxStatusLines = 12

// statusLine is one row in the scrolling status log.
type statusLine struct {
	at   time.Time
	kind statusKind
	text string
}

// Actions are the callbacks the model fires on user input and focus changes.
// Nil callbacks are skipped.
type Actions struct {
	Visibility func(visible bool)
	Refresh    func()
}

// Model is the BubbleTea model for the session TUI.
type Model struct {
	state   state
	spinner spinner.Model
	actions Actions
	width   int
	height  int

	origin      string
	store       string
	visible     bool
	expiresAt   time.Time
	nextRefresh time.Time
	lastAPICall string

	errMsg string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel(actions Actions) Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
		actions: actions,
		visible: true,
	}
}

// Init starts the spinner animation and the countdown ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickAfterSecond())
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tickAfterSecond()

	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			if m.state == stateActive && m.actions.Refresh != nil {
				refresh := m.actions.Refresh
				m.addStatus(statusInfo, "Manual refresh requested")
				return m, func() tea.Msg { refresh(); return nil }
			}
		}
		return m, nil

	case tea.FocusMsg:
		return m, m.visibilityCmd(true)

	case tea.BlurMsg:
		return m, m.visibilityCmd(false)

	// ── Session messages ────────────────────────────────────────────────────

	case MsgBanner:
		m.origin = msg.Origin
		m.store = msg.Store
		return m, nil

	case MsgSessionFound:
		m.state = stateActive
		m.expiresAt = msg.ExpiresAt
		m.addStatus(statusOK, "Found existing session")
		return m, nil

	case MsgSessionMissing:
		m.addStatus(statusInfo, "No existing session")
		return m, nil

	case MsgLoggingIn:
		m.state = stateLoggingIn
		m.addStatus(statusInfo, "Logging in as "+msg.Email)
		return m, nil

	case MsgLoginOK:
		m.state = stateActive
		m.expiresAt = msg.ExpiresAt
		m.addStatus(statusOK, "Login successful")
		return m, nil

	case MsgLoginFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Login failed: %v", msg.Err))
		return m, nil

	case MsgRefreshed:
		m.state = stateActive
		m.expiresAt = msg.ExpiresAt
		m.addStatus(statusOK, "Token refreshed")
		return m, nil

	case MsgRemoteUpdate:
		m.state = stateActive
		m.expiresAt = msg.ExpiresAt
		m.addStatus(statusInfo, "Token updated by another process")
		return m, nil

	case MsgLoggedOut:
		m.state = stateLoggedOut
		m.expiresAt = time.Time{}
		m.nextRefresh = time.Time{}
		if msg.Err != nil {
			m.addStatus(statusWarn, fmt.Sprintf("Session ended: %v", msg.Err))
		} else {
			m.addStatus(statusInfo, "Logged out")
		}
		return m, nil

	case MsgBanned:
		m.state = stateBanned
		m.errMsg = msg.Message
		m.expiresAt = time.Time{}
		m.nextRefresh = time.Time{}
		return m, nil

	case MsgVisibility:
		m.visible = msg.Visible
		if msg.Visible {
			m.addStatus(statusInfo, "Focused, refresh timer resumed")
		} else {
			m.addStatus(statusInfo, "Unfocused, refresh timer paused")
		}
		return m, nil

	case MsgSchedule:
		m.expiresAt = msg.ExpiresAt
		m.nextRefresh = msg.NextRefresh
		return m, nil

	case MsgAPICallOK:
		m.lastAPICall = msg.Summary
		m.addStatus(statusOK, "API call successful")
		return m, nil

	case MsgAPICallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("API call failed: %v", msg.Err))
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

func (m Model) visibilityCmd(visible bool) tea.Cmd {
	if m.actions.Visibility == nil {
		return nil
	}
	fn := m.actions.Visibility
	return func() tea.Msg {
		fn(visible)
		return nil
	}
}

// View renders the TUI. Focus reporting drives the session's visibility.
func (m Model) View() tea.View {
	var content string
	switch m.state {
	case stateBanned:
		content = m.viewBanned()
	case stateError:
		content = m.viewError()
	default:
		content = m.viewMain()
	}
	v := tea.NewView(content)
	v.ReportFocus = true
	return v
}

// viewMain is shown while logging in and while the session is active.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Session Manager  "))
	b.WriteString("\n")
	if m.origin != "" {
		b.WriteString(styleDim.Render(fmt.Sprintf("  %s · %s store", m.origin, m.store)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.state {
	case stateLoggingIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Logging in...\n")

	case stateActive:
		b.WriteString(stylePanel.Render(m.viewSession()))
		b.WriteString("\n")
		b.WriteString(styleDim.Render("  r: refresh now · q: quit"))
		b.WriteString("\n")

	case stateLoggedOut:
		b.WriteString(styleWarn.Render("  Not logged in"))
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSession() string {
	var b strings.Builder

	b.WriteString(styleBold.Render("Expires In:   "))
	b.WriteString(formatDuration(time.Until(m.expiresAt)) + "\n")

	b.WriteString(styleBold.Render("Next Refresh: "))
	switch {
	case !m.visible:
		b.WriteString(styleDim.Render("paused while unfocused"))
	case m.nextRefresh.IsZero():
		b.WriteString(styleDim.Render("not scheduled"))
	default:
		b.WriteString(formatDuration(time.Until(m.nextRefresh)))
	}
	b.WriteString("\n")

	b.WriteString(styleBold.Render("Last Call:    "))
	if m.lastAPICall == "" {
		b.WriteString(styleDim.Render("none yet"))
	} else {
		b.WriteString(m.lastAPICall)
	}
	return b.String()
}

// viewBanned is shown when the server disabled the account.
func (m Model) viewBanned() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Account disabled"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Session failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		stamp := styleDim.Render(line.at.Format("15:04:05") + " ")
		b.WriteString(stamp)
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("· " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, dropping the oldest beyond
// maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{at: time.Now(), kind: kind, text: text})
	if over := len(m.statusLines) - maxStatusLines; over > 0 {
		m.statusLines = m.statusLines[over:]
	}
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
