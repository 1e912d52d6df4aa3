// ABOUTME: Audit trail subcommand: list recent entries with optional filters

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)

	auditListCmd.Flags().Int("limit", 50, "maximum entries to return")
	auditListCmd.Flags().String("device", "", "filter by device id")
	auditListCmd.Flags().String("action", "", "filter by action")
	auditListCmd.Flags().String("target-type", "", "filter by target type")
	auditListCmd.Flags().String("target-id", "", "filter by target id")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the gateway audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		params := map[string]any{"limit": limit}
		for flag, key := range map[string]string{
			"device":      "deviceId",
			"action":      "action",
			"target-type": "targetType",
			"target-id":   "targetId",
		} {
			if v, _ := cmd.Flags().GetString(flag); v != "" {
				params[key] = v
			}
		}

		var res struct {
			Entries []struct {
				DeviceID   string
				Action     string
				TargetType string
				TargetID   string
				Timestamp  time.Time
			} `json:"entries"`
		}
		if err := call(cmd.Context(), "audit.list", params, &res); err != nil {
			return err
		}
		if len(res.Entries) == 0 {
			fmt.Println("No audit entries.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tDEVICE\tACTION\tTARGET")
		for _, e := range res.Entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\n",
				e.Timestamp.Format("2006-01-02 15:04:05"),
				e.DeviceID, e.Action, e.TargetType, e.TargetID,
			)
		}
		return w.Flush()
	},
}
