package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/commands"
	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/realtime"
)

const watchLogSize = 200

// WatchCmd creates the live event viewer command
func WatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a running bridge's events in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := serverIn
			if addr == "" {
				addr = ServerConfig.ServerAddr()
			}
			return runWatch(eventsURL(addr, ServerConfig.Server.Token))
		},
	}
	cmd.Flags().StringVar(&serverIn, "server", "", "bridge address host:port (default from config)")
	return cmd
}

func eventsURL(addr, token string) string {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/api/events"}
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}

func runWatch(target string) error {
	conn, _, err := gws.DefaultDialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", target, err)
	}
	defer conn.Close()

	p := tea.NewProgram(newWatchModel(conn), tea.WithAltScreen())
	go readFrames(conn, p)
	_, err = p.Run()
	return err
}

// readFrames forwards every websocket frame to the program until the
// connection drops.
func readFrames(conn *gws.Conn, p *tea.Program) {
	for {
		var msg realtime.Message
		if err := conn.ReadJSON(&msg); err != nil {
			p.Send(watchClosedMsg{err: err})
			return
		}
		p.Send(watchFrameMsg(msg))
	}
}

type (
	watchFrameMsg  realtime.Message
	watchClosedMsg struct{ err error }
	watchTickMsg   time.Time
)

type watchLine struct {
	at    time.Time
	topic string
	text  string
}

type watchModel struct {
	conn    *gws.Conn
	writeMu *sync.Mutex

	width  int
	height int

	adapter string
	state   string
	url     string
	toggles string
	stats   string

	lines  []watchLine
	closed error
}

func newWatchModel(conn *gws.Conn) watchModel {
	return watchModel{conn: conn, writeMu: &sync.Mutex{}, state: "unknown"}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.requestStats(), watchTick())
}

func watchTick() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg { return watchTickMsg(t) })
}

// requestStats asks the bridge for a getStats snapshot. The reply arrives as a
// result frame.
func (m watchModel) requestStats() tea.Cmd {
	conn, mu := m.conn, m.writeMu
	return func() tea.Msg {
		if conn == nil {
			return nil
		}
		msg := realtime.Message{
			Type:      realtime.TypeCommand,
			ID:        uuid.NewString(),
			Name:      commands.GetStats,
			Timestamp: time.Now(),
		}
		mu.Lock()
		err := conn.WriteJSON(msg)
		mu.Unlock()
		if err != nil {
			return watchClosedMsg{err: err}
		}
		return nil
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.requestStats()
		case "c":
			m.lines = nil
		}
	case watchTickMsg:
		if m.closed != nil {
			return m, nil
		}
		return m, tea.Batch(m.requestStats(), watchTick())
	case watchClosedMsg:
		m.closed = msg.err
	case watchFrameMsg:
		m.apply(realtime.Message(msg))
	}
	return m, nil
}

func (m *watchModel) apply(msg realtime.Message) {
	switch msg.Type {
	case realtime.TypeResult:
		if msg.Name == commands.GetStats {
			m.applyStats(msg.Data)
		}
	case realtime.TypeError:
		m.push(watchLine{at: msg.Timestamp, topic: "error", text: string(msg.Data)})
	case realtime.TypeEvent:
		switch msg.Topic {
		case events.TopicAdapterStateChanged:
			var sc events.StateChanged
			if json.Unmarshal(msg.Data, &sc) == nil {
				m.adapter, m.state = sc.Adapter, sc.To
			}
		case events.TopicHostChanged:
			var hc events.HostChanged
			if json.Unmarshal(msg.Data, &hc) == nil {
				m.url = hc.To
			}
		}
		m.push(watchLine{at: msg.Timestamp, topic: msg.Topic, text: compact(msg.Data)})
	}
}

func (m *watchModel) applyStats(data json.RawMessage) {
	var res commands.Result
	if err := json.Unmarshal(data, &res); err != nil || !res.Success {
		return
	}
	if a, ok := res.Fields["adapter"].(map[string]any); ok {
		if v, ok := a["name"].(string); ok {
			m.adapter = v
		}
		if v, ok := a["state"].(string); ok {
			m.state = v
		}
	}
	if v, ok := res.Fields["toggles"]; ok {
		m.toggles = compact(mustJSON(v))
	}
	if v, ok := res.Fields["executions"]; ok {
		m.stats = compact(mustJSON(v))
	}
}

func (m *watchModel) push(l watchLine) {
	if l.at.IsZero() {
		l.at = time.Now()
	}
	m.lines = append(m.lines, l)
	if len(m.lines) > watchLogSize {
		m.lines = m.lines[len(m.lines)-watchLogSize:]
	}
}

var (
	watchLabel = lipgloss.NewStyle().Faint(true).Width(10)
	watchTopic = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Width(28)
	watchBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("chatbridge watch"))
	b.WriteString("\n")

	state := m.state
	switch adapter.State(state) {
	case adapter.StateActive:
		state = okStyle.Render(state)
	case adapter.StateDisabled:
		state = errStyle.Render(state)
	}
	header := []string{
		watchLabel.Render("adapter") + orDash(m.adapter),
		watchLabel.Render("state") + state,
		watchLabel.Render("url") + orDash(m.url),
		watchLabel.Render("toggles") + orDash(m.toggles),
		watchLabel.Render("runs") + orDash(m.stats),
	}
	b.WriteString(watchBox.Render(strings.Join(header, "\n")))
	b.WriteString("\n")

	rows := m.height - len(header) - 6
	if rows < 5 {
		rows = 5
	}
	start := 0
	if len(m.lines) > rows {
		start = len(m.lines) - rows
	}
	for _, l := range m.lines[start:] {
		text := l.text
		if m.width > 50 && len(text) > m.width-50 {
			text = text[:m.width-51] + "…"
		}
		fmt.Fprintf(&b, "%s %s %s\n", dimStyle.Render(l.at.Format("15:04:05")), watchTopic.Render(l.topic), text)
	}

	if m.closed != nil {
		b.WriteString(errStyle.Render("disconnected: "+m.closed.Error()) + "\n")
	}
	b.WriteString(dimStyle.Render("q quit · r refresh stats · c clear"))
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return dimStyle.Render("-")
	}
	return s
}

func compact(data []byte) string {
	return strings.Join(strings.Fields(string(data)), " ")
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
