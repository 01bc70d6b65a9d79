// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/thermovalve/pkg/gateway"
	"github.com/Thermoquad/thermovalve/pkg/netsched"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/valve"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const listWidth = 30

// Focus states
const (
	focusValveList = iota
	focusSetpointInput
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// valveItem is a valve in the list
type valveItem gateway.Valve

// Implement list.Item interface
func (v valveItem) Title() string { return fmt.Sprintf("Valve %s", v.Address) }
func (v valveItem) Description() string {
	return fmt.Sprintf("%s° → %s°  %d%%", v.Report.Temperature, v.Report.Setpoint, v.Report.Position)
}
func (v valveItem) FilterValue() string { return v.Address.String() }

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	hub      commander
	connInfo string

	// Valve tracking
	valves    map[rfproto.Address]gateway.Valve
	valveList list.Model

	// Command completions, delivered on the bridge goroutine
	results chan commandResultMsg
	pending int

	// Monitoring
	netStats      netsched.Stats
	counters      rfproto.Counters
	errorLog      []errorLogEntry
	maxLogEntries int

	// Control
	setpointInput textinput.Model
	focusedField  int

	// UI state
	width      int
	height     int
	quitting   bool
	hubStopped bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type valveMsg gateway.Valve

type commandResultMsg struct {
	what string
	dst  rfproto.Address
	err  error
}

type hubStoppedMsg struct {
	err error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(hub commander, connInfo string) controlModel {
	ti := textinput.New()
	ti.Placeholder = "21.0"
	ti.CharLimit = 6
	ti.Width = 10

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	valveList := list.New([]list.Item{}, delegate, listWidth, 10)
	valveList.Title = "Valves"
	valveList.SetShowStatusBar(false)
	valveList.SetShowHelp(false)
	valveList.SetFilteringEnabled(false)

	return controlModel{
		hub:           hub,
		connInfo:      connInfo,
		valves:        make(map[rfproto.Address]gateway.Valve),
		valveList:     valveList,
		results:       make(chan commandResultMsg, 32),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		setpointInput: ti,
		focusedField:  focusValveList,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return tea.Batch(controlTickCmd(), waitForResult(m.results))
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

// waitForResult delivers the next command completion as a message
func waitForResult(ch <-chan commandResultMsg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionRelease && msg.Button == tea.MouseButtonLeft {
			var cmd tea.Cmd
			m.valveList, cmd = m.valveList.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlTickMsg:
		m.netStats, m.counters = m.hub.Stats()
		return m, controlTickCmd()

	case valveMsg:
		cmds = append(cmds, m.trackValve(gateway.Valve(msg)))

	case commandResultMsg:
		m.pending--
		m.logResult(msg)
		cmds = append(cmds, waitForResult(m.results))

	case hubStoppedMsg:
		m.hubStopped = true
		m.addLogEntry(fmt.Sprintf("Network stopped: %v", msg.err), true)
	}

	if m.focusedField == focusSetpointInput {
		var cmd tea.Cmd
		m.setpointInput, cmd = m.setpointInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		m.toggleFocus()
		return m, nil

	case "enter":
		if m.focusedField == focusSetpointInput {
			m.sendSetpoint()
		}
		return m, nil
	}

	if m.focusedField == focusSetpointInput {
		var cmd tea.Cmd
		m.setpointInput, cmd = m.setpointInput.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit

	case "r":
		m.sendRecalibrate()
		return m, nil

	case "d":
		if err := m.hub.Discover(); err != nil {
			m.addLogEntry(fmt.Sprintf("Discovery failed: %v", err), true)
		} else {
			m.addLogEntry("Sent STATUS_REQUEST to all valves", false)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.valveList, cmd = m.valveList.Update(msg)
	return m, cmd
}

func (m *controlModel) toggleFocus() {
	if m.focusedField == focusSetpointInput || m.selectedValve() == nil {
		m.focusedField = focusValveList
		m.setpointInput.Blur()
		return
	}
	m.focusedField = focusSetpointInput
	m.setpointInput.Focus()
}

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	helpText := "q=quit Tab=switch r=recalibrate d=discover"
	if m.focusedField == focusSetpointInput {
		helpText = "Enter=send Tab=back"
	}
	s.WriteString(titleStyle.Render("THERMOVALVE CONTROL"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.hubStopped {
		connStatus = errorStyle.Render("STOPPED")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s", connStatus, helpText)))
	s.WriteString("\n\n")

	if len(m.valves) == 0 {
		s.WriteString(warningStyle.Render("Discovering valves..."))
		s.WriteString("\n")
		s.WriteString(headerStyle.Render("Valves answer during their listen window; press d to ask again."))
		s.WriteString("\n\n")
	} else {
		listStyle := boxStyle.Width(listWidth)
		if m.focusedField == focusValveList {
			listStyle = focusedBoxStyle.Width(listWidth)
		}
		valvePanel := listStyle.Render(m.valveList.View())
		detailStyle := boxStyle.Width(max(m.width-listWidth-6, 30))
		detailPanel := detailStyle.Render(m.renderDetails())

		s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, valvePanel, " ", detailPanel))
		s.WriteString("\n\n")
	}

	s.WriteString(m.renderStatisticsBar())
	s.WriteString("\n\n")

	s.WriteString(statsLabelStyle.Render("Event Log:"))
	s.WriteString("\n")
	logHeight := 5
	if len(m.valves) == 0 {
		logHeight = max(m.height-12, 5)
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(renderLog(m.errorLog, logHeight)))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m controlModel) renderDetails() string {
	v := m.selectedValve()
	if v == nil {
		return headerStyle.Render("No valve selected")
	}
	r := v.Report

	var s strings.Builder
	row := func(label, value string) {
		s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render(fmt.Sprintf("%-12s", label)), value))
	}
	row("Valve:", statsValueStyle.Render(v.Address.String()))
	row("Temperature:", statsValueStyle.Render(r.Temperature.String()+"°"))
	row("Setpoint:", statsValueStyle.Render(r.Setpoint.String()+"°"))
	row("Position:", statsValueStyle.Render(fmt.Sprintf("%d%% open", r.Position)))

	state := r.CalibrationState()
	stateStyle := statsValueStyle
	switch state {
	case valve.Homing, valve.Uncalibrated:
		stateStyle = warningStyle
	case valve.Failed:
		stateStyle = errorStyle
	}
	row("Calibration:", stateStyle.Render(state.String()))

	faultStyle := statsValueStyle
	if r.Faults != 0 {
		faultStyle = errorStyle
	}
	row("Faults:", faultStyle.Render(r.Faults.String()))
	row("Uptime:", statsValueStyle.Render((time.Duration(r.Uptime) * time.Second).String()))
	row("RSSI:", statsValueStyle.Render(fmt.Sprintf("%d dBm", v.RSSI)))
	row("Last seen:", headerStyle.Render(v.LastSeen.Format("15:04:05")))
	s.WriteString("\n")

	s.WriteString(statsLabelStyle.Render("New setpoint: "))
	s.WriteString(m.setpointInput.View())
	s.WriteString(headerStyle.Render(fmt.Sprintf("  (%s to %s°)", valve.MinTemperature, valve.MaxTemperature)))

	return s.String()
}

func (m controlModel) renderStatisticsBar() string {
	st := m.netStats
	noAckStyle := statsValueStyle
	if st.NoAck > 0 {
		noAckStyle = errorStyle
	}
	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Sent:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Transmitted)),
		statsLabelStyle.Render("Retries:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Retries)),
		statsLabelStyle.Render("Acked:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Acked)),
		statsLabelStyle.Render("No ack:"), noAckStyle.Render(fmt.Sprintf("%d", st.NoAck)),
		statsLabelStyle.Render("Received:"), statsValueStyle.Render(fmt.Sprintf("%d", m.counters.Accepted)),
		statsLabelStyle.Render("Dropped:"), statsValueStyle.Render(fmt.Sprintf("%d", m.counters.Dropped())),
		statsLabelStyle.Render("Pending:"), statsValueStyle.Render(fmt.Sprintf("%d", m.pending)),
	)
	return boxStyle.Render(content)
}

//////////////////////////////////////////////////////////////
// Valve Tracking
//////////////////////////////////////////////////////////////

// trackValve records a status report and logs what changed
func (m *controlModel) trackValve(v gateway.Valve) tea.Cmd {
	old, known := m.valves[v.Address]
	m.valves[v.Address] = v

	if !known {
		m.addLogEntry(fmt.Sprintf("Valve discovered: %s", v.Address), false)
	} else {
		if o, n := old.Report.CalibrationState(), v.Report.CalibrationState(); o != n {
			m.addLogEntry(fmt.Sprintf("Valve %s: %s -> %s", v.Address, o, n), n == valve.Failed)
		}
		if old.Report.Faults != v.Report.Faults {
			m.addLogEntry(fmt.Sprintf("Valve %s faults: %s", v.Address, v.Report.Faults), v.Report.Faults != 0)
		}
	}
	return m.updateValveList()
}

func (m *controlModel) updateValveList() tea.Cmd {
	addrs := make([]rfproto.Address, 0, len(m.valves))
	for a := range m.valves {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)

	items := make([]list.Item, len(addrs))
	for i, a := range addrs {
		items[i] = valveItem(m.valves[a])
	}
	return m.valveList.SetItems(items)
}

func (m *controlModel) updateListSize() {
	m.valveList.SetSize(listWidth, max(m.height-16, 6))
}

func (m *controlModel) selectedValve() *gateway.Valve {
	item, ok := m.valveList.SelectedItem().(valveItem)
	if !ok {
		return nil
	}
	v := gateway.Valve(item)
	if latest, ok := m.valves[v.Address]; ok {
		v = latest
	}
	return &v
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

// done returns a completion callback feeding the result channel
func (m *controlModel) done(what string, dst rfproto.Address) func(error) {
	results := m.results
	return func(err error) {
		results <- commandResultMsg{what: what, dst: dst, err: err}
	}
}

func (m *controlModel) sendSetpoint() {
	v := m.selectedValve()
	if v == nil {
		return
	}
	input := strings.TrimSpace(m.setpointInput.Value())
	t, err := valve.ParseTemperature(input)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Invalid setpoint %q: %v", input, err), true)
		return
	}

	what := fmt.Sprintf("setpoint %s°", t)
	if err := m.hub.SetSetpointFunc(v.Address, t, m.done(what, v.Address)); err != nil {
		m.addLogEntry(fmt.Sprintf("Failed to send %s: %v", what, err), true)
		return
	}
	m.pending++
	m.setpointInput.Reset()
	m.addLogEntry(fmt.Sprintf("Sent SETPOINT_UPDATE (%s°) to %s", t, v.Address), false)
}

func (m *controlModel) sendRecalibrate() {
	v := m.selectedValve()
	if v == nil {
		return
	}
	if err := m.hub.Recalibrate(v.Address, m.done("recalibrate", v.Address)); err != nil {
		m.addLogEntry(fmt.Sprintf("Failed to send recalibrate: %v", err), true)
		return
	}
	m.pending++
	m.addLogEntry(fmt.Sprintf("Sent RECALIBRATE to %s", v.Address), false)
}

func (m *controlModel) logResult(r commandResultMsg) {
	switch {
	case r.err == nil:
		m.addLogEntry(fmt.Sprintf("Valve %s accepted %s", r.dst, r.what), false)
	case errors.Is(r.err, netsched.ErrRejected):
		m.addLogEntry(fmt.Sprintf("Valve %s rejected %s", r.dst, r.what), true)
	case errors.Is(r.err, netsched.ErrNoAck):
		m.addLogEntry(fmt.Sprintf("Valve %s did not acknowledge %s", r.dst, r.what), true)
	default:
		m.addLogEntry(fmt.Sprintf("Valve %s %s failed: %v", r.dst, r.what, r.err), true)
	}
}

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.errorLog = append(m.errorLog, errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}
