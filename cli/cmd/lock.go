package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Lock the vault, wiping keys from memory",
	Long: `Soft-lock the vault: keys are wiped but the session is retained, so a
PIN (if configured) or the password resumes without a full login.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		vault.Lock()
		fmt.Println("Vault locked.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lockCmd)
}
