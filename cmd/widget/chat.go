package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

const closeTimeout = 5 * time.Second

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the chat window",
	Long: `Open the chat window on a new conversation.

The window follows the answer while it streams. Scrolling up stops following
until you press end or send a new question. When a tool waits for a response,
the next input is sent as its response. Closing the window archives the
conversation in the local transcript archive.`,
	RunE: func(*cobra.Command, []string) error {
		logger, closeLog, err := openLogger(true)
		if err != nil {
			return err
		}
		defer closeLog()

		db, err := openArchive()
		if err != nil {
			return err
		}
		defer db.Close()

		m := tui.New(newChat(logger), tui.Options{
			Title:   fmt.Sprintf("RAG Chat • %s", cfg.Mode.backendOptions().Mode),
			Archive: db,
			Logger:  logger,
		})

		_, runErr := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion()).Run()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return errors.Join(runErr, m.Close(ctx))
	},
}
