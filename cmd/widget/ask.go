package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/MegaGrindStone/rag-chat-widget/internal/chat"
	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/spf13/cobra"
)

var askNoStream bool

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single question and print the answer",
	Long: `Open a conversation, ask a single question and print the answer as it
streams. Function calls are reported on stderr. With --no-stream the answer is
requested as a whole.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog, err := openLogger(false)
		if err != nil {
			return err
		}
		defer closeLog()

		question := strings.Join(args, " ")
		ctx := cmd.Context()
		c := newChat(logger)
		if err := c.Session().CreateConversation(ctx); err != nil {
			return err
		}

		if askNoStream {
			answer, err := cfg.backend(logger).AskOnce(ctx, models.Question{
				Text:      question,
				SessionID: c.Session().ID(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		}

		return streamAnswer(ctx, c, question, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	askCmd.Flags().BoolVar(&askNoStream, "no-stream", false, "Request the whole answer at once")
}

// answerPrinter writes the answer to a question incrementally, from the snapshots of the store.
type answerPrinter struct {
	out  io.Writer
	info io.Writer

	text  map[string]int
	calls map[string]int
}

// streamAnswer sends question and writes the answer text to out as it arrives. Function calls and a
// waiting tool are reported on info.
func streamAnswer(ctx context.Context, c *chat.Chat, question string, out, info io.Writer) error {
	p := answerPrinter{
		out:   out,
		info:  info,
		text:  make(map[string]int),
		calls: make(map[string]int),
	}

	changes, stop := c.Store().Subscribe()
	done := make(chan error, 1)
	go func() {
		err := c.Send(ctx, question)
		stop()
		done <- err
	}()

	for range changes {
		p.print(c.Store().State())
	}
	st := c.Store().State()
	p.print(st)
	fmt.Fprintln(out)

	if err := <-done; err != nil {
		return err
	}
	if ta := st.PendingToolAction(); ta != nil {
		fmt.Fprintf(info, "%s is waiting for a response, which ask cannot send\n", ta.FunctionName)
	}
	return nil
}

// print writes what is new in the messages that follow the question.
func (p answerPrinter) print(st chat.State) {
	asked := false
	for _, msg := range st.Messages {
		if msg.Sender == models.SenderUser {
			asked = true
			continue
		}
		if !asked {
			continue
		}

		for _, fc := range msg.FunctionCalls[min(p.calls[msg.ID], len(msg.FunctionCalls)):] {
			fmt.Fprintf(p.info, "→ %s\n", fc.Name)
		}
		p.calls[msg.ID] = len(msg.FunctionCalls)

		if n := p.text[msg.ID]; n < len(msg.Text) {
			fmt.Fprint(p.out, msg.Text[n:])
			p.text[msg.ID] = len(msg.Text)
		}
	}
}
