package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/localclaw/internal/cliconfig"
)

var (
	doctorFix     bool
	doctorOffline bool
	doctorJSON    bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, model, inference server and event transport",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := cliconfig.RunDoctorWithOptions(cmd.Context(), cliconfig.DoctorOptions{
			ConfigFile: flagConfig,
			Fix:        doctorFix,
			Offline:    doctorOffline,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if doctorJSON {
			if err := writeJSON(out, report); err != nil {
				return err
			}
		} else {
			printHeader(out, "Doctor")
			for _, c := range report.Checks {
				var mark string
				switch c.Status {
				case cliconfig.DoctorPass:
					mark = color.GreenString("✓")
				case cliconfig.DoctorWarn:
					mark = color.YellowString("!")
				default:
					mark = color.RedString("✗")
				}
				fmt.Fprintf(out, "%s %-20s %s\n", mark, c.Name, c.Message)
			}
		}
		if report.HasFailures() {
			return fmt.Errorf("doctor found failing checks")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "create missing directories and merge discovered env files")
	doctorCmd.Flags().BoolVar(&doctorOffline, "offline", false, "skip the inference server and kafka checks")
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(doctorCmd)
}
