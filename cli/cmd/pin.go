package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manage the quick-unlock PIN",
}

var pinSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Configure a PIN for quick unlock",
	Long: `Wrap the master key a second time under a PIN-derived key. The PIN can
resume a soft-locked vault; too many wrong entries hard-lock the vault
and delete the enrolment. The vault must be unlocked.`,
	RunE: runPinSet,
}

var pinDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Remove the PIN enrolment",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := vault.DisablePIN(); err != nil {
			return err
		}
		fmt.Println("PIN disabled.")
		return nil
	},
}

func init() {
	pinCmd.AddCommand(pinSetCmd)
	pinCmd.AddCommand(pinDisableCmd)
	rootCmd.AddCommand(pinCmd)
}

func runPinSet(cmd *cobra.Command, args []string) error {
	pin, err := readSecretConfirmed("PIN: ", "Confirm PIN: ")
	if err != nil {
		return err
	}

	if err = vault.ConfigurePIN(pin); err != nil {
		return err
	}

	fmt.Println("PIN configured.")
	return nil
}
