package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/inkroom/server/pkg/ctxlogger"
)

var (
	flagServer  string
	flagConfig  string
	flagCodec   string
	flagMedia   bool
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "boardctl",
	Short: "Headless client for inkroom boards",
	Long: `boardctl opens, joins and inspects inkroom board rooms from a terminal.

It speaks the same signaling protocol as the browser client and negotiates
WebRTC sessions with the other members using synthetic media.`,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServer, "server", "", "board server url (default from profile, then localhost:3030)")
	flags.StringVar(&flagConfig, "config", "", "profile path (default $HOME/.config/boardctl.toml)")
	flags.StringVar(&flagCodec, "codec", "", "wire codec: json or msgpack")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "log debug output to stderr")

	for _, cmd := range []*cobra.Command{createCmd, joinCmd} {
		cmd.Flags().BoolVar(&flagMedia, "media", false, "start camera and microphone on connect")
	}

	rootCmd.AddCommand(createCmd, joinCmd, roomCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}

	return slog.New(ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}
