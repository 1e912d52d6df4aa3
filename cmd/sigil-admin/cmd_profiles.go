// ABOUTME: Credential profile subcommands: list, upsert, delete, set-order
// ABOUTME: Mutations thread the baseHash so concurrent edits fail loudly

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/2389/sigil-gateway/internal/credstore"
)

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesListCmd, profilesUpsertCmd, profilesDeleteCmd, profilesSetOrderCmd)

	profilesUpsertCmd.Flags().String("id", "", "profile id (e.g. openai:work)")
	profilesUpsertCmd.Flags().String("provider", "", "provider id")
	profilesUpsertCmd.Flags().String("key", "", "API key")
	profilesUpsertCmd.Flags().String("email", "", "account email (optional)")
	profilesUpsertCmd.Flags().String("base-hash", "", "expected document hash (optional)")
	_ = profilesUpsertCmd.MarkFlagRequired("id")
	_ = profilesUpsertCmd.MarkFlagRequired("provider")
	_ = profilesUpsertCmd.MarkFlagRequired("key")

	profilesDeleteCmd.Flags().String("base-hash", "", "expected document hash (optional)")
	profilesSetOrderCmd.Flags().String("base-hash", "", "expected document hash (optional)")
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage credential profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential profiles (secrets masked)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Exists   bool                      `json:"exists"`
			BaseHash string                    `json:"baseHash"`
			Profiles []credstore.MaskedProfile `json:"profiles"`
			Order    map[string][]string       `json:"order"`
			LastGood map[string]string         `json:"lastGood"`
		}
		if err := call(cmd.Context(), "auth.profiles.get", nil, &res); err != nil {
			return err
		}
		if !res.Exists {
			fmt.Println("No credentials file yet. Run a setup flow or `profiles upsert`.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROVIDER\tTYPE\tSECRET\tEMAIL")
		for _, p := range res.Profiles {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Provider, p.Type, p.Masked, p.Email)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\nbaseHash: %s\n", res.BaseHash)
		return nil
	},
}

var profilesUpsertCmd = &cobra.Command{
	Use:   "upsert",
	Short: "Create or replace an API-key profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		provider, _ := cmd.Flags().GetString("provider")
		key, _ := cmd.Flags().GetString("key")
		email, _ := cmd.Flags().GetString("email")
		baseHash, _ := cmd.Flags().GetString("base-hash")

		var res struct {
			BaseHash string `json:"baseHash"`
		}
		err := call(cmd.Context(), "auth.profiles.upsertApiKey", map[string]any{
			"baseHash":  baseHash,
			"profileId": id,
			"provider":  provider,
			"apiKey":    key,
			"email":     email,
		}, &res)
		if err != nil {
			return err
		}
		fmt.Printf("Upserted %s (baseHash %s)\n", id, res.BaseHash)
		return nil
	},
}

var profilesDeleteCmd = &cobra.Command{
	Use:   "delete <profile-id>",
	Short: "Delete a credential profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseHash, _ := cmd.Flags().GetString("base-hash")
		var res struct {
			BaseHash string `json:"baseHash"`
		}
		err := call(cmd.Context(), "auth.profiles.delete", map[string]any{
			"baseHash":  baseHash,
			"profileId": args[0],
		}, &res)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %s (baseHash %s)\n", args[0], res.BaseHash)
		return nil
	},
}

var profilesSetOrderCmd = &cobra.Command{
	Use:   "set-order <provider> <profile-id>...",
	Short: "Set the fallback order for a provider's profiles",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseHash, _ := cmd.Flags().GetString("base-hash")
		var res struct {
			BaseHash string `json:"baseHash"`
		}
		err := call(cmd.Context(), "auth.profiles.setOrder", map[string]any{
			"baseHash": baseHash,
			"provider": args[0],
			"order":    args[1:],
		}, &res)
		if err != nil {
			return err
		}
		fmt.Printf("Order for %s set (baseHash %s)\n", args[0], res.BaseHash)
		return nil
	},
}
