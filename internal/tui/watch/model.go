package watch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/runlane/internal/events"
)

// maxEventLog bounds the event stream panel's history.
const maxEventLog = 50

// Model is the bubbletea model behind `runlane system watch`.
type Model struct {
	apiURL string
	apiKey string
	client *http.Client
	now    func() time.Time

	width  int
	height int

	health   HealthState
	board    *Board
	eventLog []events.Event
	lastID   int64

	ticker   Ticker
	activity Activity

	theme    Theme
	help     help.Model
	selected int

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model reading from the API at apiURL.
func New(apiURL, apiKey string) *Model {
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		client:    &http.Client{},
		now:       time.Now,
		board:     NewBoard(),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     NewDefaultTheme(),
		help:      help.New(),
	}
}

// Run starts the TUI and blocks until the user quits.
func Run(apiURL, apiKey string) error {
	_, err := tea.NewProgram(New(apiURL, apiKey), tea.WithAltScreen()).Run()
	return err
}

func (m Model) healthCmd() tea.Cmd {
	client := &http.Client{Timeout: 2 * time.Second}
	return func() tea.Msg { return fetchHealth(client, m.apiURL, m.apiKey) }
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.healthCmd(),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.selected > 0 {
				m.selected--
			}
		case key.Matches(msg, keys.Down):
			if m.selected < len(m.board.Lanes)-1 {
				m.selected++
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case tickMsg:
		m.activity.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		now := m.now()
		if e.ID > m.lastID {
			m.lastID = e.ID
		}
		m.health.Connected = true
		m.lastError = ""

		// Ticks arrive several times a second; they drive the ticker only.
		if e.Type == events.SchedulerTick {
			m.ticker.Tick(now)
			return m, receiveNextEvent(m.hubEvents)
		}

		m.activity.OnEvent(now)
		m.board.Apply(e, now)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.ProcessingEnabled = msg.ProcessingEnabled
		m.health.Epoch = msg.ControlEpoch
		m.health.Active = msg.ActiveDispatches
		m.health.Queued = msg.Dispatches["queued"]
		m.health.Unknown = msg.Effects["unknown"]
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.board.Paused = !msg.ProcessingEnabled
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.healthCmd()() })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, subscribeToEvents(m.client, m.apiURL, m.apiKey, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return m.healthCmd()() })
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to runlane..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.health, m.board, m.ticker, m.activity, m.theme, m.width, now),
		renderLanes(m.board, m.selected, m.theme, m.width, now),
		renderOutbox(m.board, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, " "+m.help.View(keys))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
