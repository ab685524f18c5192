package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joshp123/gohome-herohealth/internal/config"
	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"github.com/joshp123/gohome-herohealth/plugins/herohealth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type oauthOutput struct {
	Provider      string `json:"provider"`
	Flow          string `json:"flow"`
	Subject       string `json:"subject,omitempty"`
	StatePath     string `json:"state_path,omitempty"`
	StateOut      string `json:"state_out,omitempty"`
	BlobPersisted bool   `json:"blob_persisted"`
}

func oauthCmd(flags *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Manage stored OAuth state",
	}
	cmd.AddCommand(oauthPersistCmd(flags))
	return cmd
}

func oauthPersistCmd(flags *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persist",
		Short: "Push a staged state file to the configured state path and blob mirror",
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider := flags.GetString("provider")
			stagedPath := flags.GetString("state")
			if provider == "" || stagedPath == "" {
				return fmt.Errorf("--provider and --state are required")
			}

			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			decl, err := lookupDeclaration(cfg, provider)
			if err != nil {
				return err
			}
			state, err := oauth.LoadState(stagedPath)
			if err != nil {
				return err
			}

			persisted, err := persistState(cmd.Context(), cfg, decl, state, flags.GetBool("skip-blob"))
			if err != nil {
				return err
			}
			output := oauthOutput{
				Provider:      decl.Provider,
				Flow:          "persist",
				Subject:       state.Subject,
				StatePath:     persisted.StatePath,
				StateOut:      stagedPath,
				BlobPersisted: persisted.BlobSaved,
			}
			if flags.GetBool("cleanup") {
				if err := os.Remove(stagedPath); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "oauth: cleanup failed: %v\n", err)
				}
				output.StateOut = ""
			}
			return emitOAuthOutput(cmd.OutOrStdout(), output, flags.GetBool("json"))
		},
	}
	cmd.Flags().String("provider", "", "OAuth provider ID")
	cmd.Flags().String("state", "", "Path to the staged OAuth state file")
	cmd.Flags().Bool("cleanup", false, "Remove the staged file after a successful persist")
	cmd.Flags().Bool("json", false, "Output JSON to stdout")
	cmd.Flags().Bool("skip-blob", false, "Skip blob storage persistence")
	return cmd
}

func lookupDeclaration(cfg *config.Config, provider string) (oauth.Declaration, error) {
	statePath, err := config.StatePathForProvider(cfg, provider)
	if err != nil {
		return oauth.Declaration{}, err
	}
	switch provider {
	case herohealth.PluginID:
		return herohealth.Declaration(statePath), nil
	default:
		return oauth.Declaration{}, fmt.Errorf("unknown provider %q", provider)
	}
}

func emitOAuthOutput(w io.Writer, output oauthOutput, jsonOut bool) error {
	if jsonOut {
		payload, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	if output.Subject != "" {
		fmt.Fprintf(w, "Account: %s\n", output.Subject)
	}
	if output.StatePath != "" {
		fmt.Fprintf(w, "State file: %s\n", output.StatePath)
	}
	if output.StateOut != "" {
		fmt.Fprintf(w, "Staged state file: %s\n", output.StateOut)
	}
	fmt.Fprintf(w, "Blob persisted: %t\n", output.BlobPersisted)
	return nil
}
