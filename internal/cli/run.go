package cli

import (
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/localclaw/internal/agent"
	"github.com/KafClaw/localclaw/internal/bus"
)

var (
	runConversation string
	runSession      string
	runStream       bool
	runVerbose      bool
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run one request through the agent loop",
	Long: `Run a single request. Tool calls that need approval are asked on stdin:
answer y to allow once, a to always allow the tool in this session, n to deny.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func init() {
	runCmd.Flags().StringVar(&runConversation, "id", "", "conversation id (generated when empty)")
	runCmd.Flags().StringVar(&runSession, "session", "cli:run", "session id for always-allow exceptions")
	runCmd.Flags().BoolVar(&runStream, "stream", true, "stream model tokens as they are generated")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "print state transitions")
	rootCmd.AddCommand(runCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printer := &tokenPrinter{w: out, tokens: runStream, verbose: runVerbose}
	a, err := startApp(appOptions{sinks: []bus.Sink{printer}})
	if err != nil {
		return err
	}
	defer a.Close()

	p := newPrompter(cmd.InOrStdin(), out, a.approvals)
	a.approvals.OnRequest(p.notify)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	res, err := a.manager.Run(ctx, agent.Request{
		ConversationID: runConversation,
		SessionID:      runSession,
		Text:           strings.Join(args, " "),
	})
	if err != nil {
		return err
	}
	a.drain(2 * time.Second)

	printer.mu.Lock()
	if runStream {
		// The answer was already streamed.
		res.Text = ""
	}
	printResult(out, res)
	printer.mu.Unlock()
	return res.Err()
}
