package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/satchel-vault/satchel"
)

var unlockWithPin bool

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Unlock a locked vault",
	Long: `Unlock with your password, or with --pin if a PIN is configured and the
vault is soft-locked. A hard-locked vault accepts only the password.`,
	RunE: runUnlock,
}

func init() {
	unlockCmd.Flags().BoolVar(&unlockWithPin, "pin", false, "unlock with the configured PIN")
	rootCmd.AddCommand(unlockCmd)
}

func runUnlock(cmd *cobra.Command, args []string) error {
	if vault.State() == satchel.StateUnlocked {
		fmt.Println("Vault is already unlocked.")
		return nil
	}

	if unlockWithPin {
		pin, err := readSecret("PIN: ")
		if err != nil {
			return err
		}
		if err = vault.UnlockWithPIN(pin); err != nil {
			if pinErr, ok := err.(*satchel.InvalidPinError); ok && pinErr.AttemptsRemaining == 0 {
				return fmt.Errorf("%w\nThe vault is now hard-locked; unlock with your password", err)
			}
			return err
		}
	} else {
		password, err := readSecret("Password: ")
		if err != nil {
			return err
		}
		if err = vault.Unlock(password); err != nil {
			return err
		}
	}

	fmt.Println("Vault unlocked.")
	return nil
}
