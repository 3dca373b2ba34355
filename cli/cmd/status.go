package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display the lock state, session, PIN enrolment and memory protection level.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	status := vault.Status()

	fmt.Println("Vault Status")
	fmt.Println("============")
	fmt.Printf("State:             %s\n", status.State)
	if status.UserID != "" {
		fmt.Printf("User:              %s\n", status.UserID)
		fmt.Printf("Session expires:   %s\n", status.SessionExpiresAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("PIN configured:    %t\n", status.PinConfigured)
	if status.FailedPinCount > 0 {
		fmt.Printf("Failed PIN count:  %d\n", status.FailedPinCount)
	}
	fmt.Printf("Memory protection: %s\n", status.MemoryProtection)
	fmt.Printf("Storage backend:   %s\n", status.StoreType)
	fmt.Printf("Vault path:        %s\n", vaultPath)

	return nil
}
