package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/inkroom/server/internal/client/board"
	"github.com/inkroom/server/internal/client/media"
	"github.com/inkroom/server/internal/client/session"
	"github.com/inkroom/server/internal/protocol"
)

var (
	primary = lipgloss.Color("#22d3ee")
	success = lipgloss.Color("#10B981")
	warning = lipgloss.Color("#F59E0B")
	failure = lipgloss.Color("#EF4444")
	muted   = lipgloss.Color("#6B7280")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primary)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
	errorStyle   = lipgloss.NewStyle().Foreground(failure).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	promptStyle  = lipgloss.NewStyle().Foreground(primary)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primary).
			Padding(0, 2)
)

var stateStyles = map[session.State]lipgloss.Style{
	session.Absent:     mutedStyle,
	session.Connecting: warningStyle,
	session.Connected:  successStyle,
}

var out io.Writer = os.Stdout

func printError(msg string) {
	fmt.Fprintln(out, errorStyle.Render("error: "+msg))
}

func printSuccess(msg string) {
	fmt.Fprintln(out, successStyle.Render(msg))
}

func printInfo(msg string) {
	fmt.Fprintln(out, msg)
}

func printMuted(msg string) {
	fmt.Fprintln(out, mutedStyle.Render(msg))
}

// describeEvent renders a server event for the log. It returns "" for events that are
// not worth showing.
func describeEvent(messageType string, payload any) string {
	switch p := payload.(type) {
	case protocol.SessionPayload:
		return mutedStyle.Render("connected as " + p.MemberID)
	case protocol.RoomCreatedPayload:
		return successStyle.Render("created room ") + titleStyle.Render(p.RoomID)
	case protocol.RoomJoinedPayload:
		return successStyle.Render("joined room ") + titleStyle.Render(p.RoomID) +
			mutedStyle.Render(fmt.Sprintf(" (%d members)", len(p.Members)))
	case protocol.RoomLeftPayload:
		return warningStyle.Render("left room " + p.RoomID)
	case protocol.MemberPayload:
		if messageType == protocol.UserConnected {
			return successStyle.Render("+ ") + p.MemberID
		}
		return warningStyle.Render("- ") + p.MemberID
	case protocol.CapabilityPayload:
		capability := "video"
		if messageType == protocol.UserAudioChange {
			capability = "audio"
		}
		return mutedStyle.Render(fmt.Sprintf("%s turned %s %s", p.MemberID, capability, onOff(p.Enabled)))
	case protocol.ErrorPayload:
		return errorStyle.Render("server: " + p.Message)
	case error:
		return errorStyle.Render("disconnected: " + p.Error())
	default:
		if messageType == "disconnected" {
			return warningStyle.Render("disconnected")
		}
		return ""
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func describeMedia(st media.State) string {
	if !st.Live {
		return mutedStyle.Render("no local media")
	}

	source := "camera"
	if st.ScreenSharing {
		source = "screen"
	}

	return fmt.Sprintf("%s  video %s  audio %s", titleStyle.Render(source), onOff(st.VideoEnabled), onOff(st.AudioEnabled))
}

func renderStatus(st board.Status) string {
	var b strings.Builder

	room := st.RoomID
	if room == "" {
		room = "-"
	}
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("member"), st.MemberID)
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("room  "), room)
	fmt.Fprintf(&b, "%s %s", titleStyle.Render("media "), describeMedia(st.Media))

	members := slices.Clone(st.Sessions.Members)
	slices.Sort(members)
	for _, id := range members {
		state := st.Sessions.States[id]
		fmt.Fprintf(&b, "\n  %s %s", id, stateStyles[state].Render(state.String()))
	}

	return boxStyle.Render(b.String())
}
