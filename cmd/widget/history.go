package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	historyPage  int
	historyLimit int
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	roleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage the conversations stored by the backend",
	Long: `List, show and delete the conversations stored by the backend.
Listing and deleting require a token.`,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, closeLog, err := openLogger(false)
		if err != nil {
			return err
		}
		defer closeLog()

		convs, total, err := cfg.backend(logger).Conversations(cmd.Context(), historyPage, historyLimit)
		if err != nil {
			return err
		}
		printConversations(cmd.OutOrStdout(), convs, total)
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show the messages of a stored conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog, err := openLogger(false)
		if err != nil {
			return err
		}
		defer closeLog()

		msgs, err := cfg.backend(logger).Conversation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if msgs == nil {
			return fmt.Errorf("conversation %s not found", args[0])
		}
		printHistory(cmd.OutOrStdout(), msgs)
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a stored conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog, err := openLogger(false)
		if err != nil {
			return err
		}
		defer closeLog()

		if err := cfg.backend(logger).DeleteConversation(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", args[0])
		return nil
	},
}

func init() {
	historyListCmd.Flags().IntVar(&historyPage, "page", 1, "Page to list")
	historyListCmd.Flags().IntVar(&historyLimit, "limit", 20, "Conversations per page")

	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyDeleteCmd)
}

func printConversations(out io.Writer, convs []models.Conversation, total int) {
	if len(convs) == 0 {
		fmt.Fprintln(out, headerStyle.Render("No conversations found"))
		return
	}

	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Showing %d of %d conversation(s)", len(convs), total)))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, titleStyle.Render("ID")+"\t"+titleStyle.Render("Title")+"\t"+titleStyle.Render("Last updated")+"\t")
	for _, c := range convs {
		_, _ = fmt.Fprintln(w, idStyle.Render(c.ID)+"\t"+c.Title+"\t"+dateStyle.Render(formatDate(c.LastUpdated))+"\t")
	}
	_ = w.Flush()
}

func printHistory(out io.Writer, msgs []models.HistoryMessage) {
	for i, msg := range msgs {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, roleStyle.Render(msg.Role)+" "+dateStyle.Render(formatDate(msg.CreatedAt)))
		fmt.Fprintln(out, strings.TrimSpace(msg.Text))
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
