package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/localclaw/internal/agent"
	"github.com/KafClaw/localclaw/internal/bus"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [conversation]",
	Short: "Resume interrupted conversations from their checkpoints",
	Long: `Resume one conversation, or every conversation whose last checkpoint is not
completed when no id is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printer := &tokenPrinter{w: out}
	a, err := startApp(appOptions{sinks: []bus.Sink{printer}})
	if err != nil {
		return err
	}
	defer a.Close()

	p := newPrompter(cmd.InOrStdin(), out, a.approvals)
	a.approvals.OnRequest(p.notify)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var results []agent.Result
	if len(args) == 1 {
		res, err := a.manager.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		results = append(results, res)
	} else {
		results, err = a.manager.ResumeOpen(ctx, a.timeline)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Fprintln(out, "Nothing to resume.")
			return nil
		}
	}
	a.drain(2 * time.Second)

	printer.mu.Lock()
	defer printer.mu.Unlock()
	var errs []error
	for _, res := range results {
		printResult(out, res)
		if err := res.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.ConversationID, err))
		}
	}
	return errors.Join(errs...)
}
