package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the countdown timer.
type tickMsg time.Time

// state represents the current phase of the CLI flow.
type state int

const (
	stateInit        state = iota
	stateAuthorizing       // authorization URL shown, waiting for the redirect
	stateSigningIn         // password grant in progress
	stateCalling           // querying the vehicle API
	stateSuccess           // all done
	stateError             // fatal error
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

// Model is the BubbleTea model for the CLI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	// Authorization info
	authURL     string
	redirectURI string
	username    string
	urlExpiry   time.Time
	remaining   time.Duration

	vehicles []string

	// Success / error display
	tokenPreview string
	tokenType    string
	expiresIn    time.Duration
	errMsg       string

	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleURLBox = lipgloss.NewStyle().
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 1)

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
		if m.state != stateAuthorizing {
			return m, nil
		}
		m.remaining = max(time.Until(m.urlExpiry), 0)
		if m.remaining > 0 {
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

	case MsgTokensFound:
		m.addStatus(statusOK, "Found stored token in "+msg.Source)
		return m, nil

	case MsgTokenValid:
		m.addStatus(statusOK, "Access token is usable ("+msg.State+")")
		return m, nil

	case MsgTokenExpired:
		m.addStatus(statusWarn, "Access token expired, refreshing on first use")
		return m, nil

	case MsgTokensNotFound:
		m.addStatus(statusInfo, "No usable token, starting authorization")
		return m, nil

	case MsgAuthURLReady:
		m.authURL = msg.URL
		m.urlExpiry = msg.Expiry
		m.remaining = time.Until(msg.Expiry)
		m.state = stateAuthorizing
		m.addStatus(statusInfo, "Authorization URL ready")
		return m, tickAfterSecond()

	case MsgWaitingForCallback:
		m.redirectURI = msg.RedirectURI
		return m, nil

	case MsgSigningIn:
		m.username = msg.Username
		m.state = stateSigningIn
		return m, nil

	case MsgAuthSuccess:
		m.state = stateInit
		m.addStatus(statusOK, "Authorization successful!")
		return m, nil

	case MsgTokenSaved:
		m.addStatus(statusOK, "Token saved to "+msg.Location)
		return m, nil

	case MsgTokenSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: failed to save token: %v", msg.Err))
		return m, nil

	case MsgTokenRefreshed:
		m.addStatus(statusOK, "Access token refreshed, expires in "+formatDuration(msg.ExpiresIn))
		return m, nil

	case MsgCallingAPI:
		m.state = stateCalling
		return m, nil

	case MsgVehiclesListed:
		m.vehicles = msg.Names
		m.addStatus(statusOK, fmt.Sprintf("Found %d vehicle(s)", len(msg.Names)))
		return m, nil

	case MsgAPICallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("API call failed: %v", msg.Err))
		return m, nil

	case MsgReAuthRequired:
		m.addStatus(statusWarn, "Refresh token rejected, re-authorizing...")
		return m, nil

	case MsgMetricsServing:
		m.addStatus(statusInfo, "Serving metrics on "+msg.Addr+"/metrics")
		return m, nil

	case MsgDone:
		m.tokenPreview = msg.Preview
		m.tokenType = msg.TokenType
		m.expiresIn = msg.ExpiresIn
		m.state = stateSuccess
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
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Vehicle Link Authorization  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateAuthorizing:
		b.WriteString(styleBold.Render("Open this link to authorize:"))
		b.WriteString("\n")
		b.WriteString(styleURLBox.Render(m.authURL))
		b.WriteString("\n\n")

		if m.redirectURI != "" {
			b.WriteString(styleDim.Render("Listening for the redirect on " + m.redirectURI))
			b.WriteString("\n")
		}
		b.WriteString(m.spinner.View())
		b.WriteString(" Waiting for authorization...")
		if m.remaining > 0 {
			b.WriteString("  ")
			b.WriteString(styleDim.Render(formatDuration(m.remaining) + " remaining"))
		}
		b.WriteString("\n")

	case stateSigningIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Signing in as " + m.username + "...\n")

	case stateCalling:
		b.WriteString(m.spinner.View())
		b.WriteString(" Listing vehicles...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Connected"))
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Access Token: "))
	b.WriteString(m.tokenPreview + "...\n")

	b.WriteString(styleBold.Render("Token Type:   "))
	b.WriteString(m.tokenType + "\n")

	b.WriteString(styleBold.Render("Expires In:   "))
	b.WriteString(formatDuration(m.expiresIn) + "\n")

	if len(m.vehicles) > 0 {
		b.WriteString(styleBold.Render("Vehicles:     "))
		b.WriteString(strings.Join(m.vehicles, ", ") + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

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

func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
