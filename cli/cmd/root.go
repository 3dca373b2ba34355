package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/satchel-vault/satchel"
	"github.com/satchel-vault/satchel/audit"
	"github.com/satchel-vault/satchel/persist"
	"github.com/satchel-vault/satchel/remote"
)

var (
	cfgFile     string
	vaultPath   string
	profileID   string
	vault       *satchel.Vault
	auditLogger audit.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "satchel",
	Short: "A zero-knowledge encrypted bookmark vault client",
	Long: `A zero-knowledge encrypted bookmark vault client. Keys are derived from
your password and live only in protected memory; the server stores an
encrypted manifest it can never read. Concurrent edits are reconciled
with optimistic concurrency, never silent overwrites.`,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if vault != nil {
			return vault.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if os.Getenv("SATCHEL_DEBUG") != "" {
			fmt.Fprintf(os.Stderr, "flags: %v\n", changedFlags(rootCmd))
		}
		os.Exit(1)
	}
}

// changedFlags reports which flags were set on the invocation. Values of
// anything that could carry a secret are redacted.
func changedFlags(cmd *cobra.Command) map[string]string {
	flags := make(map[string]string)
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if strings.Contains(flag.Name, "pin") || strings.Contains(flag.Name, "password") {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.satchel.yaml)")
	rootCmd.PersistentFlags().StringVarP(&vaultPath, "vault-path", "p", "", "path to local vault storage")
	rootCmd.PersistentFlags().String("api-url", "", "vault server base URL")
	rootCmd.PersistentFlags().StringVar(&profileID, "profile", "", "local profile identifier")
	rootCmd.PersistentFlags().String("store-type", "", "local storage backend (filesystem, bbolt)")
	rootCmd.PersistentFlags().String("auto-lock", "", "auto-lock timeout (Nmin, Nh or never)")
	rootCmd.PersistentFlags().Bool("keyring", false, "store the session in the OS keychain")
	rootCmd.PersistentFlags().Bool("no-mem-lock", false, "disable best-effort memory locking")

	bindFlagOrPanic("vault.path", "vault-path")
	bindFlagOrPanic("vault.api_url", "api-url")
	bindFlagOrPanic("vault.profile", "profile")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("vault.auto_lock", "auto-lock")
	bindFlagOrPanic("vault.keyring", "keyring")
	bindFlagOrPanic("vault.no_mem_lock", "no-mem-lock")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.path", "audit-file")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".satchel")
	}

	viper.SetEnvPrefix("SATCHEL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("vault.path", defaultVaultPath())
	viper.SetDefault("vault.profile", "default")
	viper.SetDefault("vault.store_type", "filesystem")
	viper.SetDefault("vault.auto_lock", "20min")
	viper.SetDefault("vault.keyring", false)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.path", "")
}

func defaultVaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".satchel"
	}
	return filepath.Join(home, ".satchel")
}

func initializeVault(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}

	vaultPath = viper.GetString("vault.path")
	profileID = viper.GetString("vault.profile")

	store, err := createStore()
	if err != nil {
		return fmt.Errorf("failed to initialize local storage: %w", err)
	}

	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	client, err := remote.NewHTTPClient(viper.GetString("vault.api_url"))
	if err != nil {
		return err
	}

	options := satchel.DefaultOptions()
	options.APIBaseURL = viper.GetString("vault.api_url")
	options.ProfileID = profileID
	options.AutoLockTimeout = viper.GetString("vault.auto_lock")
	options.EnableMemoryLock = !viper.GetBool("vault.no_mem_lock")

	vault, err = satchel.New(options, store, client, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}
	return nil
}

func createStore() (persist.Store, error) {
	config := persist.StoreConfig{
		Type:   persist.StoreType(viper.GetString("vault.store_type")),
		Config: map[string]interface{}{"base_path": vaultPath},
	}
	store, err := persist.NewStore(config, profileID)
	if err != nil {
		return nil, err
	}
	if viper.GetBool("vault.keyring") {
		return persist.NewKeyringSessionStore(store, profileID), nil
	}
	return store, nil
}

func createAuditLogger() (audit.Logger, error) {
	if !viper.GetBool("audit.enabled") {
		return audit.NewNoOpLogger(), nil
	}

	path := viper.GetString("audit.options.path")
	if path == "" {
		path = filepath.Join(vaultPath, profileID, "audit.log")
	}
	return audit.NewLogger(audit.Config{
		Type: viper.GetString("audit.type"),
		Options: map[string]interface{}{
			"path": path,
			"tag":  "satchel",
		},
	})
}
