package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/go-authgate/vakya-cli/session"
)

// tickMsg is fired every second to update the countdown timer.
type tickMsg time.Time

// state represents the current phase of the command.
type state int

const (
	stateInit       state = iota
	stateRestoring        // restoring a session from the refresh cookie
	stateSigningIn        // explicit sign-in in progress
	stateDeviceFlow       // device code received, showing to user
	statePolling          // waiting for user authorization
	stateWorking          // product request in flight
	stateDone
	stateError
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the CLI status display.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	// Device code info
	userCode          string
	verifyURI         string
	verifyURIComplete string
	codeExpiry        time.Time
	remaining         time.Duration

	profile   *session.Profile
	refreshAt time.Time
	working   string
	summary   string
	errMsg    string

	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleCodeBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
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
		m.remaining = max(time.Until(m.codeExpiry), 0)
		if m.remaining > 0 && (m.state == stateDeviceFlow || m.state == statePolling) {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case MsgBanner:
		return m, nil

	case MsgRestoring:
		m.state = stateRestoring
		return m, nil

	case MsgStatus:
		switch msg.Status.Kind {
		case session.KindActive:
			m.profile = msg.Status.Profile
			m.addStatus(statusOK, describeStatus(msg.Status))
		case session.KindError:
			m.profile = nil
			m.addStatus(statusWarn, describeStatus(msg.Status))
		default:
			m.profile = nil
			m.addStatus(statusInfo, describeStatus(msg.Status))
		}
		if m.state == stateRestoring || m.state == stateSigningIn || m.state == statePolling {
			m.state = stateInit
		}
		return m, nil

	case MsgSigningIn:
		m.state = stateSigningIn
		m.addStatus(statusInfo, "Signing in with "+msg.Method)
		return m, nil

	case MsgDeviceCodeReady:
		m.userCode = msg.UserCode
		m.verifyURI = msg.VerifyURI
		m.verifyURIComplete = msg.VerifyURIComplete
		m.codeExpiry = msg.Expiry
		m.remaining = time.Until(msg.Expiry)
		m.state = stateDeviceFlow
		m.addStatus(statusInfo, "Device code ready")
		return m, tickAfterSecond()

	case MsgWaitingForAuth:
		m.state = statePolling
		return m, nil

	case MsgPollSlowDown:
		m.addStatus(
			statusWarn,
			fmt.Sprintf("Server requested slower polling (%s)", msg.NewInterval),
		)
		return m, nil

	case MsgTokenInstalled:
		m.refreshAt = msg.Info.RefreshAt
		m.addStatus(statusOK, "Session token obtained via "+msg.Info.Source)
		return m, nil

	case MsgSessionExpired:
		m.profile = nil
		m.addStatus(statusWarn, fmt.Sprintf("Session expired: %v", msg.Err))
		return m, nil

	case MsgLoggedOut:
		m.profile = nil
		m.addStatus(statusOK, "Signed out")
		return m, nil

	case MsgWorking:
		m.working = msg.What
		m.state = stateWorking
		return m, nil

	case MsgDone:
		m.summary = msg.Summary
		m.state = stateDone
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateDone:
		return tea.NewView(m.viewDone())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Vakya Shuddhi  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateDeviceFlow, statePolling:
		b.WriteString(styleBold.Render("Open this link to authorize:"))
		b.WriteString("\n")
		b.WriteString(m.verifyURIComplete)
		b.WriteString("\n\n")

		b.WriteString(styleDim.Render("Or visit: " + m.verifyURI))
		b.WriteString("\n")
		b.WriteString(styleDim.Render("Enter code:"))
		b.WriteString("\n\n")

		b.WriteString(styleCodeBox.Render("  " + m.userCode + "  "))
		b.WriteString("\n\n")

		b.WriteString(m.spinner.View())
		b.WriteString(" Waiting for authorization...")
		if m.remaining > 0 {
			b.WriteString("  ")
			b.WriteString(styleDim.Render(formatDuration(m.remaining) + " remaining"))
		}
		b.WriteString("\n")

	case stateRestoring:
		b.WriteString(m.spinner.View())
		b.WriteString(" Restoring session...\n")

	case stateSigningIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Signing in...\n")

	case stateWorking:
		b.WriteString(m.spinner.View())
		b.WriteString(" " + m.working + "...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewDone() string {
	var b strings.Builder

	b.WriteString("\n")
	if m.profile != nil {
		b.WriteString(styleOK.Render("  ✓ " + m.profile.Email))
		b.WriteString("\n\n")
		b.WriteString(styleBold.Render("Plan:         "))
		b.WriteString(m.profile.Plan + "\n")
		b.WriteString(styleBold.Render("Paraphrases:  "))
		b.WriteString(fmt.Sprintf("%d\n", m.profile.Usage.ParaphraseCount))
		b.WriteString(styleBold.Render("Grammar:      "))
		b.WriteString(fmt.Sprintf("%d\n", m.profile.Usage.GrammarCheckCount))
		if !m.refreshAt.IsZero() {
			b.WriteString(styleBold.Render("Next refresh: "))
			b.WriteString(formatDuration(time.Until(m.refreshAt)) + "\n")
		}
	} else {
		b.WriteString(styleDim.Render("  Not signed in"))
		b.WriteString("\n")
	}
	if m.summary != "" {
		b.WriteString("\n" + m.summary + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
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
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
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
