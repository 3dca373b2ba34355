package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Authenticate and unlock the vault",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	password, err := readSecret("Password: ")
	if err != nil {
		return err
	}

	if err = vault.Login(cmd.Context(), args[0], password); err != nil {
		return err
	}

	fmt.Println("Logged in. Vault is unlocked.")
	return nil
}
