package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"genflow/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Mint a bearer token signed with the configured secret",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime; 0 issues a token without expiry")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	verifier, err := auth.NewVerifier(cfg.Server.Secret)
	if err != nil {
		return err
	}
	ttl, err := cmd.Flags().GetDuration("ttl")
	if err != nil {
		return err
	}
	subject := "genflow-cli"
	if len(args) == 1 {
		subject = args[0]
	}
	token, err := verifier.Issue(subject, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
