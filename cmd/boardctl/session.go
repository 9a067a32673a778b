package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inkroom/server/internal/client/board"
	"github.com/inkroom/server/internal/client/media"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room and stay in it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd.Context(), func(c *board.Client) error { return c.CreateRoom() })
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join an existing room",
	Long: `Join an existing room and negotiate media sessions with its members.

Commands while in the room:
  video     toggle the camera (starts media when there is none)
  audio     toggle the microphone
  share     share the screen instead of the camera
  unshare   stop sharing and go back to the camera
  status    show members and session states
  leave     leave the room
  quit      disconnect and exit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		return runSession(cmd.Context(), func(c *board.Client) error { return c.JoinRoom(roomID) })
	},
}

func runSession(ctx context.Context, enter func(*board.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p, err := resolveProfile()
	if err != nil {
		return err
	}
	codec, _ := p.codec()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	c, err := board.Connect(ctx, board.Config{
		Server:     p.Server,
		Codec:      codec,
		ICEServers: p.ICEServers,
		Hooks: board.Hooks{
			Event: func(messageType string, payload any) {
				if line := describeEvent(messageType, payload); line != "" {
					printInfo(line)
				}
			},
			Media: func(st media.State) { printMuted(describeMedia(st)) },
			Error: func(err error) { printError(err.Error()) },
		},
	}, newLogger())
	if err != nil {
		return err
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	if flagMedia {
		c.StartMedia(ctx, reportErr)
	}

	if err := enter(c); err != nil {
		return err
	}

	lines := make(chan string)
	go scanLines(os.Stdin, lines)

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			c.Close()
			return <-done
		case line, ok := <-lines:
			if !ok {
				c.Close()
				return <-done
			}

			quit, err := execute(ctx, c, line)
			if err != nil {
				printError(err.Error())
			}
			if quit {
				c.Close()
				return <-done
			}
		}
	}
}

func reportErr(err error) {
	if errors.Is(err, media.ErrPermissionDenied) {
		printError("media permission denied")
		return
	}
	if err != nil {
		printError(err.Error())
	}
}

func scanLines(r io.Reader, lines chan<- string) {
	defer close(lines)

	fmt.Fprint(out, promptStyle.Render("> "))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
		fmt.Fprint(out, promptStyle.Render("> "))
	}
}

// execute runs one interactive command. It reports whether the session should end.
func execute(ctx context.Context, c *board.Client, line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case "":
	case "video":
		c.ToggleVideo(ctx)
	case "audio":
		c.ToggleAudio()
	case "share":
		c.StartScreenShare(ctx, reportErr)
	case "unshare":
		c.StopScreenShare()
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return false, err
		}
		printInfo(renderStatus(st))
	case "leave":
		return false, c.LeaveRoom()
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", strings.TrimSpace(line))
	}

	return false, nil
}
