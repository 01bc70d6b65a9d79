// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/thermovalve/pkg/rfproto"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings
}

// Latest report heard from one valve
type valveView struct {
	address  rfproto.Address
	report   rfproto.StatusReport
	rssi     int
	lastSeen time.Time
}

// TUI model
type model struct {
	connInfo      string
	statsInterval int
	showAll       bool
	stats         *rfproto.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	valves        map[rfproto.Address]*valveView
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type frameMsg frameResult

// Shared styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	statsValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func initialModel(connInfo string, statsInterval int, showAll bool) model {
	return model{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         rfproto.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		valves:        make(map[rfproto.Address]*valveView),
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case frameMsg:
		m.stats.Update(msg.err, msg.anomalies)
		switch {
		case msg.err != nil:
			m.addLogEntry(fmt.Sprintf("DROPPED %s: %v", rfproto.KindOf(msg.err), msg.err), true)
		case len(msg.anomalies) > 0:
			msgType := rfproto.FormatMessageType(msg.msg.Type)
			for _, a := range msg.anomalies {
				m.addLogEntry(fmt.Sprintf("%s from %s: %s", msgType, msg.msg.Source, a.Message), true)
			}
		case m.showAll:
			m.addLogEntry(fmt.Sprintf("%s %s -> %s (valid)", rfproto.FormatMessageType(msg.msg.Type), msg.msg.Source, msg.msg.Destination), false)
		}
		if msg.err == nil && msg.msg.Type == rfproto.MsgStatusReport {
			m.trackReport(msg.msg)
		}
	}

	return m, nil
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

// trackReport records the latest status of the reporting valve
func (m *model) trackReport(msg rfproto.Message) {
	r, err := rfproto.UnmarshalStatusReport(msg)
	if err != nil {
		return
	}
	v := m.valves[msg.Source]
	if v == nil {
		v = &valveView{address: msg.Source}
		m.valves[msg.Source] = v
		m.addLogEntry(fmt.Sprintf("New valve %s", msg.Source), false)
	}
	v.report = r
	v.rssi = msg.RSSI
	v.lastSeen = msg.Timestamp
}

// renderValves renders one line per known valve, ordered by address
func renderValves(valves []*valveView) string {
	slices.SortFunc(valves, func(a, b *valveView) int { return int(a.address) - int(b.address) })

	var s strings.Builder
	for _, v := range valves {
		r := v.report
		faults := statsValueStyle.Render(r.Faults.String())
		if r.Faults != 0 {
			faults = errorStyle.Render(r.Faults.String())
		}
		s.WriteString(fmt.Sprintf("%s %s°  %s %s°  %s %3d%%  %s %-12s  %s %s  %s %d dBm  %s\n",
			statsLabelStyle.Render(v.address.String()),
			statsValueStyle.Render(r.Temperature.String()),
			headerStyle.Render("set"), r.Setpoint,
			headerStyle.Render("open"), r.Position,
			headerStyle.Render("state"), r.CalibrationState(),
			headerStyle.Render("faults"), faults,
			headerStyle.Render("rssi"), v.rssi,
			headerStyle.Render(v.lastSeen.Format("15:04:05")),
		))
	}
	return strings.TrimSuffix(s.String(), "\n")
}

// renderLog renders the newest entries that fit in height lines
func renderLog(entries []errorLogEntry, height int) string {
	if len(entries) == 0 {
		return headerStyle.Render("  (no events yet)")
	}
	start := max(len(entries)-height, 0)

	var s strings.Builder
	for _, entry := range entries[start:] {
		timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
		if entry.isError {
			s.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
		} else {
			s.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message)))
		}
	}
	return strings.TrimSuffix(s.String(), "\n")
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("THERMOVALVE - ERROR DETECTION"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All frames"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | r=reset q=quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	// Statistics
	st := m.stats
	var validPercent, errorPercent float64
	errors := st.TotalFrames - st.ValidFrames
	if st.TotalFrames > 0 {
		validPercent = float64(st.ValidFrames) * 100.0 / float64(st.TotalFrames)
		errorPercent = float64(errors) * 100.0 / float64(st.TotalFrames)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", st.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.ValidFrames, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", errors, errorPercent)),
	))

	var kinds []string
	for kind := rfproto.KindPayloadTooLarge; kind <= rfproto.KindOther; kind++ {
		if n := st.Errors[kind]; n > 0 {
			kinds = append(kinds, fmt.Sprintf("%s: %d", headerStyle.Render(kind.String()), n))
		}
	}
	if st.DecodeErrors > 0 {
		kinds = append(kinds, fmt.Sprintf("%s: %d", headerStyle.Render("undecodable"), st.DecodeErrors))
	}
	if st.AnomalousValues > 0 {
		kinds = append(kinds, fmt.Sprintf("%s: %d", headerStyle.Render("anomalous"), st.AnomalousValues))
	}
	if len(kinds) > 0 {
		statsContent.WriteString(strings.Join(kinds, "  "))
		statsContent.WriteString("\n")
	}

	rateStyle := statsValueStyle
	if st.ErrorRate > 0 {
		rateStyle = errorStyle
	}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", st.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), rateStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate)),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	if len(m.valves) > 0 {
		s.WriteString(statsLabelStyle.Render("Valves:"))
		s.WriteString("\n")
		views := make([]*valveView, 0, len(m.valves))
		for _, v := range m.valves {
			views = append(views, v)
		}
		s.WriteString(boxStyle.Render(renderValves(views)))
		s.WriteString("\n\n")
	}

	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	logHeight := max(m.height-15-len(m.valves), 5)
	s.WriteString(boxStyle.Width(m.width - 4).Render(renderLog(m.errorLog, logHeight)))

	return s.String()
}
