package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/inkroom/server/internal/client/board"
)

const restTimeout = 10 * time.Second

var roomCmd = &cobra.Command{
	Use:   "room <room-id>",
	Short: "Show the members of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := resolveProfile()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()

		info, err := board.FetchRoom(ctx, http.DefaultClient, p.Server, args[0])
		if err != nil {
			return err
		}

		renderRoom(info)
		return nil
	},
}

func renderRoom(info board.RoomInfo) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle("room " + info.RoomID)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Member"})
	for i, id := range info.Members {
		t.AppendRow(table.Row{i + 1, id})
	}
	t.AppendFooter(table.Row{"", "joined order"})
	t.Render()
}
