package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear all local vault state",
	Long: `End the session. Keys are wiped and the session, PIN enrolment, lock
state and cached manifest are removed from local storage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := vault.Logout(); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
