package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/localclaw/internal/bus"
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent in one session",
	Long: `Start an interactive chat. Earlier turns of the session are kept on disk and
handed to the agent as history. Commands: /history, /clear, /exit.
Ctrl-C cancels the running turn.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "cli:default", "session key")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printer := &tokenPrinter{w: out}
	a, err := startApp(appOptions{sinks: []bus.Sink{printer}})
	if err != nil {
		return err
	}
	defer a.Close()

	p := newPrompter(cmd.InOrStdin(), out, a.approvals)
	a.approvals.OnRequest(p.notify)

	printHeader(out, "Chat session "+chatSession)
	for {
		line, err := p.readLine(color.CyanString("you> "))
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			s := a.sessions.GetOrCreate(chatSession)
			s.Clear()
			if err := a.sessions.Save(s); err != nil {
				return err
			}
			fmt.Fprintln(out, "Session cleared.")
			continue
		case "/history":
			for _, m := range a.sessions.GetOrCreate(chatSession).History(0) {
				fmt.Fprintf(out, "%s %s\n", color.HiBlackString("%s:", m.Role), m.Content)
			}
			continue
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		res, err := a.manager.Send(ctx, chatSession, line)
		stop()
		if err != nil {
			fmt.Fprintf(out, "%s %v\n", color.RedString("Error:"), err)
			continue
		}
		a.drain(time.Second)
		printer.mu.Lock()
		printResult(out, res)
		printer.mu.Unlock()
	}
}
