package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/rag-chat-widget/internal/chat"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool

	cfg config
)

var rootCmd = &cobra.Command{
	Use:   "ragwidget",
	Short: "Chat with a retrieval augmented assistant from the terminal",
	Long: `A terminal chat widget for a retrieval augmented chat backend.

It opens conversations on the backend, streams answers as they are generated,
shows the function calls the assistant makes, and lets you answer the tools
that wait for a response.

The backend is configured in $XDG_CONFIG_HOME/ragwidget/config.yaml, or with
the RAGWIDGET_BACKEND_URL and RAGWIDGET_TOKEN environment variables.

Quick Start:
  ragwidget chat                          # Open the chat window
  ragwidget ask "What is on the menu?"    # Print a single answer
  ragwidget history list                  # List stored conversations
  ragwidget transcripts list              # List archived chat windows`,
	SilenceUsage: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		path := configPath
		if path == "" {
			p, err := defaultConfigPath()
			if err != nil {
				return err
			}
			path = p
		}

		c, err := loadConfig(path)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path of the config file (default $XDG_CONFIG_HOME/ragwidget/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log at debug level")

	rootCmd.AddCommand(chatCmd, askCmd, historyCmd, transcriptsCmd)
}

// openLogger builds the configured logger. Logs go to the configured file, else to stderr unless quiet is
// set, in which case they are discarded. The returned function closes the log file.
func openLogger(quiet bool) (*slog.Logger, func() error, error) {
	var w io.Writer = os.Stderr
	closeLog := func() error { return nil }

	switch {
	case cfg.Log.File != "":
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening log file: %w", err)
		}
		w = f
		closeLog = f.Close
	case quiet:
		w = io.Discard
	}

	logger, err := cfg.Log.newLogger(w, debug)
	if err != nil {
		_ = closeLog()
		return nil, nil, err
	}
	return logger, closeLog, nil
}

// newChat wires a store, a session and a send orchestrator over the configured backend.
func newChat(logger *slog.Logger) *chat.Chat {
	backend := cfg.backend(logger)
	store := chat.NewStore()
	session := chat.NewSession(store, backend, cfg.sessionConfig(), logger)
	return chat.New(store, session, backend, logger)
}
