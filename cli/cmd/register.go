package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create an account and a new vault",
	Long: `Create an account. A fresh master key is generated locally, wrapped
under your password, and only the wrapped blob is sent to the server.
The password itself never leaves this machine.`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	password, err := readSecretConfirmed("Password: ", "Confirm password: ")
	if err != nil {
		return err
	}

	if err = vault.Register(cmd.Context(), args[0], password); err != nil {
		return err
	}

	fmt.Println("Account created. Vault is unlocked.")
	return nil
}
