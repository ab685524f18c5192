package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/config"
	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"github.com/joshp123/gohome-herohealth/internal/oauthflow"
	"github.com/joshp123/gohome-herohealth/plugins/herohealth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func herohealthCmd(flags *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "herohealth",
		Short: "Hero Health dispenser setup",
	}
	cmd.AddCommand(herohealthLoginCmd(flags))
	return cmd
}

func herohealthLoginCmd(flags *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the account email and password and store the refresh token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.HeroHealth == nil {
				return fmt.Errorf("herohealth is not configured")
			}
			section, err := herohealth.ConfigFromSection(cfg.HeroHealth)
			if err != nil {
				return err
			}

			email := strings.TrimSpace(flags.GetString("email"))
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			password, err := readPassword(flags.GetString("password-file"), cmd.InOrStdin(), flags.GetBool("json"))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.GetDuration("timeout"))
			defer cancel()
			result, err := herohealth.Login(ctx, email, password, herohealth.LoginOptions{
				BaseURL: section.BaseURL,
				Logger:  logger,
			})
			if errors.Is(err, herohealth.ErrInvalidCredentials) {
				return fmt.Errorf("login rejected: check the email and password")
			}
			if err != nil {
				return err
			}

			decl := herohealth.Declaration(section.StatePath)
			state := result.State()
			output := oauthOutput{Provider: decl.Provider, Flow: "login", Subject: state.Subject}
			if flags.GetBool("stage") {
				path, err := oauthflow.WriteTempState(oauthflow.DefaultTempPath(decl.Provider), state)
				if err != nil {
					return err
				}
				output.StateOut = path
				return emitOAuthOutput(cmd.OutOrStdout(), output, flags.GetBool("json"))
			}

			persisted, err := persistState(ctx, cfg, decl, state, flags.GetBool("skip-blob"))
			if err != nil {
				return err
			}
			output.StatePath = persisted.StatePath
			output.BlobPersisted = persisted.BlobSaved
			return emitOAuthOutput(cmd.OutOrStdout(), output, flags.GetBool("json"))
		},
	}
	cmd.Flags().String("email", "", "Hero Health account email")
	cmd.Flags().String("password-file", "", "Read the password from this file instead of stdin")
	cmd.Flags().Bool("json", false, "Output JSON to stdout")
	cmd.Flags().Bool("stage", false, "Write the state to a temp file for `gohome oauth persist` instead of the state path")
	cmd.Flags().Bool("skip-blob", false, "Skip blob storage persistence")
	cmd.Flags().Duration("timeout", 2*time.Minute, "Timeout for the login flow")
	return cmd
}

// readPassword reads the password from path, or the first line of stdin.
func readPassword(path string, stdin io.Reader, quiet bool) (string, error) {
	if path != "" {
		return config.ReadSecretFile(path)
	}
	if !quiet {
		fmt.Fprint(os.Stderr, "Password: ")
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("password is required")
	}
	return password, nil
}

func persistState(ctx context.Context, cfg *config.Config, decl oauth.Declaration, state oauth.State, skipBlob bool) (oauthflow.PersistResult, error) {
	var blob oauth.BlobStore
	if !skipBlob {
		store, err := oauth.NewBlobStore(cfg.OAuth)
		if err != nil {
			return oauthflow.PersistResult{}, err
		}
		blob = store
	}
	return oauthflow.PersistState(ctx, decl, state, blob, oauthflow.PersistOptions{SkipBlob: skipBlob})
}
