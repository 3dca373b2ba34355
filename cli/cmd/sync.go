package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/satchel-vault/satchel"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the encrypted manifest with the server",
}

var syncPushCmd = &cobra.Command{
	Use:   "push <manifest.json>",
	Short: "Encrypt and upload a manifest",
	Long: `Encrypt the manifest and upload it with compare-and-swap semantics. If
someone else saved first, the push fails with the server's current
revision instead of overwriting it; pull, re-apply your edits, and push
again.`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncPush,
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download and decrypt the current manifest",
	RunE:  runSyncPull,
}

var syncShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the locally cached manifest",
	RunE:  runSyncShow,
}

func init() {
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
	syncCmd.AddCommand(syncShowCmd)
	rootCmd.AddCommand(syncCmd)
}

func runSyncPush(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read manifest file: %w", err)
	}
	var manifest satchel.Manifest
	if err = json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest file: %w", err)
	}

	result, err := vault.SaveManifest(cmd.Context(), &manifest)
	if err != nil {
		if conflict, ok := satchel.AsConflict(err); ok {
			fmt.Fprintf(os.Stderr, "Conflict: server is at version %d (etag %s).\n", conflict.Version, conflict.ETag)
			fmt.Fprintln(os.Stderr, "Run 'satchel sync pull', re-apply your edits, and push again.")
		}
		return err
	}

	fmt.Printf("Saved manifest version %d (etag %s).\n", result.Version, result.ETag)
	return nil
}

func runSyncPull(cmd *cobra.Command, args []string) error {
	result, err := vault.FetchManifest(cmd.Context())
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Println("No manifest on the server yet.")
		return nil
	}

	if err = printManifest(result); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Fetched manifest version %d (etag %s).\n", result.Version, result.ETag)
	return nil
}

func runSyncShow(cmd *cobra.Command, args []string) error {
	result, err := vault.LoadManifest()
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Println("No manifest cached locally.")
		return nil
	}
	return printManifest(result)
}

func printManifest(result *satchel.SyncResult) error {
	out, err := json.MarshalIndent(result.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
