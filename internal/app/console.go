package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/samber/lo"

	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/replog"
	"github.com/1ureka/meshcall/internal/session"
	"github.com/1ureka/meshcall/internal/signaling"
)

// Verb is a console command.
type Verb string

const (
	VerbChat       Verb = "chat"
	VerbVideo      Verb = "video"
	VerbAudio      Verb = "audio"
	VerbScreen     Verb = "screen"
	VerbStopScreen Verb = "stopscreen"
	VerbDraw       Verb = "draw"
	VerbErase      Verb = "erase"
	VerbClear      Verb = "clear"
	VerbWho        Verb = "who"
	VerbLinks      Verb = "links"
	VerbSnapshot   Verb = "snapshot"
	VerbHelp       Verb = "help"
	VerbQuit       Verb = "quit"
)

var errEmptyCommand = errors.New("empty command")

// Command is one parsed console line.
type Command struct {
	Verb   Verb
	Text   string // chat text or snapshot path
	Color  string
	Width  float64
	Points []signaling.Point
}

const helpText = `/video            toggle camera
/audio            toggle microphone
/screen           share the screen
/stopscreen       stop sharing
/draw [#rgb] [w=N] x,y x,y ...   draw a stroke
/erase [w=N] x,y x,y ...         erase along a path
/clear            clear the whiteboard
/who              list participants
/links            list peer links
/snapshot FILE    save the whiteboard as PNG
/quit             leave the session
anything else is sent as chat`

// ParseCommand turns a console line into a Command. Lines that do not
// start with "/" are chat.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, errEmptyCommand
	}
	if !strings.HasPrefix(line, "/") {
		return Command{Verb: VerbChat, Text: line}, nil
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return Command{}, errEmptyCommand
	}
	verb, args := Verb(strings.ToLower(fields[0])), fields[1:]

	switch verb {
	case VerbVideo, VerbAudio, VerbScreen, VerbStopScreen, VerbClear, VerbWho, VerbLinks, VerbHelp, VerbQuit:
		if len(args) > 0 {
			return Command{}, fmt.Errorf("/%s takes no arguments", verb)
		}
		return Command{Verb: verb}, nil

	case VerbSnapshot:
		if len(args) != 1 {
			return Command{}, errors.New("usage: /snapshot FILE")
		}
		return Command{Verb: verb, Text: args[0]}, nil

	case VerbDraw, VerbErase:
		return parseStroke(verb, args)

	default:
		return Command{}, fmt.Errorf("unknown command /%s (try /help)", verb)
	}
}

func parseStroke(verb Verb, args []string) (Command, error) {
	cmd := Command{Verb: verb}
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "#"):
			if verb == VerbErase {
				return Command{}, errors.New("/erase takes no color")
			}
			if _, err := replog.ParseColor(arg); err != nil {
				return Command{}, err
			}
			cmd.Color = arg

		case strings.HasPrefix(arg, "w="):
			w, err := strconv.ParseFloat(arg[2:], 64)
			if err != nil || w <= 0 {
				return Command{}, fmt.Errorf("invalid width %q", arg)
			}
			cmd.Width = w

		default:
			p, err := parsePoint(arg)
			if err != nil {
				return Command{}, err
			}
			cmd.Points = append(cmd.Points, p)
		}
	}
	if len(cmd.Points) == 0 {
		return Command{}, fmt.Errorf("/%s needs at least one x,y point", verb)
	}
	return cmd, nil
}

func parsePoint(s string) (signaling.Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return signaling.Point{}, fmt.Errorf("invalid point %q, want x,y", s)
	}
	x, errX := strconv.ParseFloat(xs, 64)
	y, errY := strconv.ParseFloat(ys, 64)
	if errX != nil || errY != nil {
		return signaling.Point{}, fmt.Errorf("invalid point %q, want x,y", s)
	}
	return signaling.Point{X: x, Y: y}, nil
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

type console struct {
	coord *session.Coordinator
	out   io.Writer
}

// exec runs one console line and reports whether the user asked to quit.
func (c *console) exec(ctx context.Context, line string) (bool, error) {
	cmd, err := ParseCommand(line)
	if errors.Is(err, errEmptyCommand) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch cmd.Verb {
	case VerbQuit:
		return true, nil

	case VerbHelp:
		fmt.Fprintln(c.out, helpText)

	case VerbChat:
		_, err = c.coord.SendChat(cmd.Text)

	case VerbVideo:
		var on bool
		if on, err = c.coord.ToggleVideo(); err == nil {
			pterm.Info.Printfln("camera %s", onOff(on))
		}

	case VerbAudio:
		var on bool
		if on, err = c.coord.ToggleAudio(); err == nil {
			pterm.Info.Printfln("microphone %s", onOff(on))
		}

	case VerbScreen:
		if err = c.coord.ShareScreen(ctx); err == nil {
			pterm.Info.Println("sharing screen")
		}

	case VerbStopScreen:
		if err = c.coord.StopScreenShare(ctx); err == nil {
			pterm.Info.Println("screen share stopped")
		}

	case VerbDraw, VerbErase:
		kind := signaling.OpStroke
		if cmd.Verb == VerbErase {
			kind = signaling.OpErase
		}
		err = c.coord.Draw(signaling.WhiteboardOp{
			Kind:   kind,
			Points: cmd.Points,
			Style:  signaling.Style{Color: cmd.Color, Width: cmd.Width},
		})

	case VerbClear:
		err = c.coord.ClearWhiteboard()

	case VerbWho:
		c.printRoster()

	case VerbLinks:
		c.printLinks()

	case VerbSnapshot:
		if err = writeSnapshot(cmd.Text, c.coord.Whiteboard()); err == nil {
			pterm.Success.Printfln("whiteboard saved to %s", cmd.Text)
		}
	}
	return false, err
}

func (c *console) printRoster() {
	local := c.coord.Local()
	rows := [][]string{{"ID", "Name", "Role", "Video", "Audio", "Screen", "Link"}}
	rows = append(rows, []string{
		short(local.ID), local.DisplayName + " (you)", local.Role,
		onOff(local.VideoEnabled), onOff(local.AudioEnabled), onOff(local.ScreenSharing), "-",
	})
	rows = append(rows, lo.Map(c.coord.Roster(), func(p session.Participant, _ int) []string {
		link := "ok"
		if p.LinkBroken {
			link = "broken"
		}
		return []string{
			short(p.ID), p.DisplayName, p.Role,
			onOff(p.VideoEnabled), onOff(p.AudioEnabled), onOff(p.ScreenSharing), link,
		}
	})...)
	pterm.DefaultTable.WithHasHeader().WithWriter(c.out).WithData(rows).Render()
}

func (c *console) printLinks() {
	links := c.coord.Links()
	if len(links) == 0 {
		fmt.Fprintln(c.out, "no peer links")
		return
	}
	rows := [][]string{{"Remote", "Role", "State", "Remote media"}}
	rows = append(rows, lo.Map(links, func(l peer.LinkInfo, _ int) []string {
		return []string{short(l.RemoteID), l.Role.String(), l.State.String(), yesNo(l.HasRemoteMedia)}
	})...)
	pterm.DefaultTable.WithHasHeader().WithWriter(c.out).WithData(rows).Render()
}

// ---------------------------------------------------------------------------
// Event output
// ---------------------------------------------------------------------------

func printWelcome(coord *session.Coordinator) {
	local := coord.Local()
	host := ""
	if local.IsHost {
		host = " (host)"
	}
	pterm.DefaultBox.WithTitle("meshcall").Println(pterm.Sprintf(
		"You     : %s%s\nPresent : %d other(s)\nChat    : %d message(s)\nType /help for commands",
		local.DisplayName, host, len(coord.Roster()), len(coord.Chat()),
	))
	for _, m := range coord.Chat() {
		printChat(m)
	}
}

func printEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventParticipantJoined:
		pterm.Info.Printfln("%s joined", ev.Participant.DisplayName)
	case session.EventParticipantLeft:
		pterm.Info.Printfln("%s left", ev.Participant.DisplayName)
	case session.EventParticipantUpdated:
		p := ev.Participant
		pterm.Debug.Printfln("%s: video %s, audio %s, screen %s", p.DisplayName, onOff(p.VideoEnabled), onOff(p.AudioEnabled), onOff(p.ScreenSharing))
	case session.EventLinkChanged:
		if ev.LinkState == peer.StateClosed {
			pterm.Warning.Printfln("media link to %s lost", ev.Participant.DisplayName)
		} else {
			pterm.Success.Printfln("media link to %s %s", ev.Participant.DisplayName, ev.LinkState)
		}
	case session.EventChat:
		if ev.Chat.Seq != 0 {
			printChat(ev.Chat)
		}
	case session.EventWhiteboard:
		pterm.Debug.Printfln("whiteboard: %s (%d points)", ev.Op.Kind, len(ev.Op.Points))
	case session.EventScreenShareEnded:
		pterm.Info.Println("screen share ended")
	case session.EventReconnecting:
		pterm.Warning.Printfln("connection to relay lost, reconnecting (attempt %d)", ev.Attempt)
	case session.EventReconnected:
		pterm.Success.Println("reconnected")
	case session.EventStateChanged:
		if ev.State == session.StateFailed {
			pterm.Error.Printfln("session ended: %v", ev.Err)
		}
	}
}

func printChat(m signaling.ChatMessage) {
	pterm.Printfln("%s %s: %s", pterm.Gray(m.Timestamp.Local().Format("15:04")), pterm.Bold.Sprint(m.Author), m.Text)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
