package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cirrusdrive/cirrus/internal/client/config"
)

var (
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

func init() {
	rootCmd.AddCommand(newLoginCmd())
}

// newLoginCmd writes the account credentials to the config file so the root
// command can sync without flags.
func newLoginCmd() *cobra.Command {
	var email string
	var token string
	var server string
	var dataDir string

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Save account credentials for the sync client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			if email == "" {
				return fmt.Errorf("an account email is required (--email)")
			}
			if token == "" {
				return fmt.Errorf("a refresh token is required (--token), create one in the drive's security settings")
			}

			configPath, _ := cmd.Flags().GetString("config")
			cfg := config.Default()
			if existing, err := config.Load(configPath); err == nil {
				cfg = existing
			}

			cfg.Email = email
			cfg.RefreshToken = token
			if server != "" {
				cfg.ServerURL = server
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Printf("%s logged in as %s\n", green("OK"), cyan(email))
			fmt.Printf("config saved to %s\n", configPath)
			fmt.Printf("sync directory is %s, run %s to start syncing\n", cyan(cfg.DataDir), cyan("cirrus"))
			return nil
		},
	}

	loginCmd.Flags().SortFlags = false
	loginCmd.Flags().StringVarP(&email, "email", "e", "", "Account email for the drive")
	loginCmd.Flags().StringVarP(&token, "token", "t", "", "Refresh token issued by the server")
	loginCmd.Flags().StringVarP(&server, "server", "s", "", "Cirrus Drive server URL")
	loginCmd.Flags().StringVarP(&dataDir, "datadir", "d", "", "Local sync directory")

	return loginCmd
}
