// ABOUTME: Workflow approval subcommands: list pending, resolve, wait
// ABOUTME: wait holds the connection open until a decision or the timeout

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(approvalsCmd)
	approvalsCmd.AddCommand(approvalsListCmd, approvalsResolveCmd, approvalsWaitCmd)

	approvalsWaitCmd.Flags().Duration("timeout", 0, "give up after this long (0 waits until expiry)")
}

type approvalRecord struct {
	ID          string `json:"id"`
	CreatedAtMs int64  `json:"createdAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
	Request     struct {
		Kind    string `json:"kind"`
		Title   string `json:"title"`
		AgentID string `json:"agentId"`
	} `json:"request"`
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Manage pending workflow approvals",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Approvals []approvalRecord `json:"approvals"`
		}
		if err := call(cmd.Context(), "workflow.approvals.list", nil, &res); err != nil {
			return err
		}
		if len(res.Approvals) == 0 {
			fmt.Println("No pending approvals.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tTITLE\tAGENT\tEXPIRES")
		for _, a := range res.Approvals {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.Request.Kind, a.Request.Title, a.Request.AgentID,
				time.UnixMilli(a.ExpiresAtMs).Format("15:04:05"),
			)
		}
		return w.Flush()
	},
}

var approvalsResolveCmd = &cobra.Command{
	Use:   "resolve <id> <approve|deny>",
	Short: "Resolve a pending approval",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			OK bool `json:"ok"`
		}
		err := call(cmd.Context(), "workflow.approval.resolve", map[string]string{
			"id":       args[0],
			"decision": args[1],
		}, &res)
		if err != nil {
			return err
		}
		if !res.OK {
			fmt.Println("Already settled; nothing changed.")
			return nil
		}
		fmt.Printf("Approval %s: %s\n", args[0], args[1])
		return nil
	},
}

var approvalsWaitCmd = &cobra.Command{
	Use:   "wait <id>",
	Short: "Block until an approval is decided or expires",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		params := map[string]any{"id": args[0]}
		if timeout > 0 {
			params["timeoutMs"] = timeout.Milliseconds()
		}

		var res struct {
			ID       string  `json:"id"`
			Decision *string `json:"decision"`
		}
		if err := call(cmd.Context(), "workflow.approval.wait", params, &res); err != nil {
			return err
		}
		if res.Decision == nil {
			fmt.Println("No decision yet.")
			return nil
		}
		fmt.Printf("Decision: %s\n", *res.Decision)
		return nil
	},
}
