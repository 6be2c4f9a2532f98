package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history [conversation]",
	Short: "List conversations or show the events of one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "maximum rows (0 for the default)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline()
	if err != nil {
		return err
	}
	defer tl.Close()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		convs, err := tl.Conversations(historyLimit)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(out, convs)
		}
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations yet.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CONVERSATION\tEVENTS\tLAST STATE\tSTARTED\tLAST SEEN")
		for _, c := range convs {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", c.ConversationID, c.Events, c.LastState,
				c.FirstSeen.Local().Format(time.DateTime), c.LastSeen.Local().Format(time.DateTime))
		}
		return tw.Flush()
	}

	id := args[0]
	events, err := tl.Events(id, historyLimit)
	if err != nil {
		return err
	}
	approvals, err := tl.ApprovalsByConversation(id)
	if err != nil {
		return err
	}
	if historyJSON {
		return writeJSON(out, map[string]any{"events": events, "approvals": approvals})
	}
	if len(events) == 0 {
		return fmt.Errorf("no events for conversation %s", id)
	}

	printHeader(out, "Conversation "+id)
	for _, e := range events {
		line := fmt.Sprintf("%s  %-18s", e.Timestamp.Local().Format("15:04:05.000"), e.Type)
		if e.Iteration > 0 {
			line += fmt.Sprintf(" #%-2d", e.Iteration)
		}
		if e.State != "" {
			line += " " + e.State
		}
		if e.Tool != "" {
			line += " " + color.YellowString(e.Tool)
		}
		if e.Outcome != "" {
			line += " " + e.Outcome
		}
		if len(e.Payload) > 0 {
			line += " " + color.HiBlackString(formatPayload(e.Payload))
		}
		fmt.Fprintln(out, line)
	}
	if len(approvals) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Approvals:")
		for _, a := range approvals {
			fmt.Fprintf(out, "  %s %s %s %s\n", a.ApprovalID, a.Tool, a.Level, a.Status)
		}
	}
	return nil
}

func formatPayload(p map[string]any) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return truncate(strings.Join(parts, " "), 100)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
