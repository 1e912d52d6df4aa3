// ABOUTME: Agent configuration subcommands: list effective config, update fields
// ABOUTME: Updates go through the gateway so lock policy is enforced server-side

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsListCmd, agentsUpdateCmd)

	agentsUpdateCmd.Flags().StringArray("set", nil, "field to set, as key=value (repeatable; value parsed as JSON when possible)")
	agentsUpdateCmd.Flags().StringArray("unset", nil, "field to clear (repeatable)")
	agentsUpdateCmd.Flags().String("base-hash", "", "expected document hash (optional)")
}

type agentView struct {
	AgentID       string `json:"agentId"`
	Model         string `json:"model"`
	Provider      string `json:"provider"`
	AuthProfileID string `json:"authProfileId"`
	LockMode      string `json:"lockMode"`
	ImageLockMode string `json:"imageLockMode"`
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and update agent model configuration",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents with their effective model and lock mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Exists       bool        `json:"exists"`
			BaseHash     string      `json:"baseHash"`
			Agents       []agentView `json:"agents"`
			DefaultModel *struct {
				Provider string `json:"provider"`
				Model    string `json:"model"`
			} `json:"defaultModel"`
		}
		if err := call(cmd.Context(), "agents.profile.get", nil, &res); err != nil {
			return err
		}
		if !res.Exists {
			fmt.Println("No runtime config yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tPROVIDER\tMODEL\tPROFILE\tLOCK\tIMAGE-LOCK")
		for _, a := range res.Agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.AgentID, a.Provider, a.Model, a.AuthProfileID, a.LockMode, a.ImageLockMode)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if res.DefaultModel != nil {
			fmt.Printf("\ndefault model: %s (%s)\n", res.DefaultModel.Model, res.DefaultModel.Provider)
		}
		fmt.Printf("baseHash: %s\n", res.BaseHash)
		return nil
	},
}

var agentsUpdateCmd = &cobra.Command{
	Use:   "update <agent-id>",
	Short: "Set or clear agent configuration fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		setArgs, _ := cmd.Flags().GetStringArray("set")
		unset, _ := cmd.Flags().GetStringArray("unset")
		baseHash, _ := cmd.Flags().GetString("base-hash")

		set := make(map[string]any, len(setArgs))
		for _, kv := range setArgs {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("--set %q: expected key=value", kv)
			}
			set[key] = parseValue(value)
		}
		if len(set) == 0 && len(unset) == 0 {
			return fmt.Errorf("nothing to change; pass --set or --unset")
		}

		var res struct {
			BaseHash string    `json:"baseHash"`
			Agent    agentView `json:"agent"`
		}
		err := call(cmd.Context(), "agents.profile.update", map[string]any{
			"baseHash": baseHash,
			"agentId":  args[0],
			"set":      set,
			"unset":    unset,
		}, &res)
		if err != nil {
			return err
		}
		fmt.Printf("Updated %s: provider=%s model=%s lock=%s (baseHash %s)\n",
			res.Agent.AgentID, res.Agent.Provider, res.Agent.Model, res.Agent.LockMode, res.BaseHash)
		return nil
	},
}

// parseValue lets --set carry structured values: numbers, booleans, and
// JSON arrays/objects pass through as themselves, everything else is a
// string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
