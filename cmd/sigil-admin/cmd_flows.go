// ABOUTME: Auth flow subcommands: list available sign-in flows, mint device tokens

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(flowsCmd, tokenCmd)
	flowsCmd.AddCommand(flowsListCmd)
}

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Inspect available provider sign-in flows",
}

var flowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the provider/method catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Flows []struct {
				ProviderID     string `json:"providerId"`
				MethodID       string `json:"methodId"`
				Kind           string `json:"kind"`
				Label          string `json:"label"`
				Curated        bool   `json:"curated"`
				SupportsRemote bool   `json:"supportsRemote"`
			} `json:"flows"`
		}
		if err := call(cmd.Context(), "auth.flow.list", nil, &res); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tMETHOD\tKIND\tLABEL\tCURATED\tREMOTE")
		for _, f := range res.Flows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%v\n",
				f.ProviderID, f.MethodID, f.Kind, f.Label, f.Curated, f.SupportsRemote)
		}
		return w.Flush()
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <device-id>",
	Short: "Mint a device token (requires an authenticated connection)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Token string `json:"token"`
		}
		err := call(cmd.Context(), "device.token", map[string]string{"deviceId": args[0]}, &res)
		if err != nil {
			return err
		}
		fmt.Println(res.Token)
		return nil
	},
}
