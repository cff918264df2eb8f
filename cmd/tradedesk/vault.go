package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/tradedesk/api"
	"github.com/gregtusar/tradedesk/pkg/secrets"
	"github.com/spf13/cobra"
)

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the encrypted exchange credentials file",
	}

	var apiKey, apiSecretFile string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Encrypt API credentials with the master password",
		Long: `Encrypts the API key and secret into the vault file. The master password is
read from TRADEDESK_VAULT_MASTER_PASSWORD. For Ed25519 keys pass the PEM file
as the secret file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			if cfg.Vault.MasterPassword == "" {
				return errors.New("TRADEDESK_VAULT_MASTER_PASSWORD is not set")
			}
			if apiKey == "" || apiSecretFile == "" {
				return errors.New("--api-key and --secret-file are required")
			}

			vault := secrets.NewVault(cfg.Vault.Path)
			if vault.Exists() && !force {
				return fmt.Errorf("vault %s already exists, use --force to overwrite", vault.Path())
			}

			secret, err := os.ReadFile(apiSecretFile)
			if err != nil {
				return fmt.Errorf("failed to read secret file: %w", err)
			}

			creds := secrets.Credentials{APIKey: apiKey, APISecret: strings.TrimSpace(string(secret))}
			if err := vault.Save(creds, cfg.Vault.MasterPassword); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credentials written to %s\n", vault.Path())
			return nil
		},
	}
	initCmd.Flags().StringVar(&apiKey, "api-key", "", "exchange API key")
	initCmd.Flags().StringVar(&apiSecretFile, "secret-file", "", "file holding the API secret or Ed25519 private key PEM")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing vault")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the master password opens the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			creds, err := secrets.NewVault(cfg.Vault.Path).Decrypt(cfg.Vault.MasterPassword)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "vault ok, api key %s...\n", prefix(creds.APIKey, 6))
			return nil
		},
	}

	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}

func newTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for the front end",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			token, err := api.NewAuthenticator(cfg.Server.JWTSecret).IssueToken(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "desk", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
