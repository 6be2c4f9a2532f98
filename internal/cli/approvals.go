package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/localclaw/internal/approval"
	"github.com/KafClaw/localclaw/internal/policy"
	"github.com/KafClaw/localclaw/internal/timeline"
)

var approveAlways bool

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and decide pending tool approvals",
	Long: `Pending approvals are stored in the timeline database. A running agent
polls for decisions recorded here, so approvals can be given from another terminal.`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals",
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := policy.Approve
		if approveAlways {
			d = policy.AlwaysAllow
		}
		return decideApproval(cmd, args[0], d)
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideApproval(cmd, args[0], policy.Deny)
	},
}

func init() {
	approvalsApproveCmd.Flags().BoolVar(&approveAlways, "always", false, "always allow this tool for the session")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsDenyCmd)
	rootCmd.AddCommand(approvalsCmd)
}

// openTimeline opens the configured timeline database without starting the
// rest of the runtime.
func openTimeline() (*timeline.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return timeline.NewService(cfg.TimelinePath())
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline()
	if err != nil {
		return err
	}
	defer tl.Close()

	pending, err := tl.PendingApprovals()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending approvals.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONVERSATION\tTOOL\tLEVEL\tAGE\tPARAMS")
	for _, req := range pending {
		params, _ := json.Marshal(req.Params)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", req.ID, req.ConversationID, req.Tool, req.Level,
			time.Since(req.CreatedAt).Round(time.Second), truncate(string(params), 60))
	}
	return tw.Flush()
}

func decideApproval(cmd *cobra.Command, id string, d policy.Decision) error {
	tl, err := openTimeline()
	if err != nil {
		return err
	}
	defer tl.Close()

	if err := tl.DecidePending(id, approval.StatusOf(d)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", color.GreenString("✓"), id, approval.StatusOf(d))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
