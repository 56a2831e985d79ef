package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/MegaGrindStone/rag-chat-widget/internal/services"
	"github.com/spf13/cobra"
)

var transcriptsWithCalls bool

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts",
	Short: "Manage the local archive of closed chat windows",
}

var transcriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived transcripts, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openArchive()
		if err != nil {
			return err
		}
		defer db.Close()

		ts, err := db.Transcripts(cmd.Context())
		if err != nil {
			return err
		}
		printTranscripts(cmd.OutOrStdout(), ts)
		return nil
	},
}

var transcriptsShowCmd = &cobra.Command{
	Use:   "show <transcript-id>",
	Short: "Show an archived transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openArchive()
		if err != nil {
			return err
		}
		defer db.Close()

		t, err := db.Transcript(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, headerStyle.Render(t.Title))
		fmt.Fprintln(out, dateStyle.Render(fmt.Sprintf("conversation %s, closed %s", t.SessionID, formatDate(t.ClosedAt))))
		fmt.Fprintln(out)
		fmt.Fprint(out, models.RenderTranscript(t.Messages, transcriptsWithCalls))
		return nil
	},
}

var transcriptsDeleteCmd = &cobra.Command{
	Use:   "delete <transcript-id>",
	Short: "Delete an archived transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openArchive()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DeleteTranscript(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted transcript %s\n", args[0])
		return nil
	},
}

func init() {
	transcriptsShowCmd.Flags().BoolVar(&transcriptsWithCalls, "calls", false, "List the function calls of each message")

	transcriptsCmd.AddCommand(transcriptsListCmd, transcriptsShowCmd, transcriptsDeleteCmd)
}

// openArchive opens the transcript archive, creating its directory if needed.
func openArchive() (services.BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.TranscriptDB), 0o755); err != nil {
		return services.BoltDB{}, fmt.Errorf("error creating transcript directory: %w", err)
	}
	return services.NewBoltDB(cfg.TranscriptDB)
}

func printTranscripts(out io.Writer, ts []models.Transcript) {
	if len(ts) == 0 {
		fmt.Fprintln(out, headerStyle.Render("No transcripts archived"))
		return
	}

	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d transcript(s)", len(ts))))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, titleStyle.Render("ID")+"\t"+titleStyle.Render("Title")+"\t"+titleStyle.Render("Closed")+"\t")
	for _, t := range ts {
		_, _ = fmt.Fprintln(w, idStyle.Render(t.ID)+"\t"+t.Title+"\t"+dateStyle.Render(formatDate(t.ClosedAt))+"\t")
	}
	_ = w.Flush()
}
