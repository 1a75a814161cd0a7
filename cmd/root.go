package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/crew/internal/apiclient"
	"github.com/joescharf/crew/internal/output"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui     *output.UI
	client *apiclient.Client

	verbose bool
	dryRun  bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Crew - supervise interactive agent sessions",
	Long: `crew runs AI agent processes under persistent, attachable sessions.
The daemon (crew serve) spawns agents on pseudo-terminals, records every
session in SQLite, and relays terminal I/O to any number of attached
clients. The other commands are thin clients of the daemon API.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// CLI exit codes. Scripts key off these, so they are part of the contract.
const (
	exitOK             = 0
	exitNotFound       = 1
	exitAlreadyRunning = 2
	exitSpawnError     = 3
)

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps typed client errors onto the documented exit codes.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, apiclient.ErrNotFound):
		return exitNotFound
	case errors.Is(err, apiclient.ErrAlreadyRunning):
		return exitAlreadyRunning
	case errors.Is(err, apiclient.ErrSpawn):
		return exitSpawnError
	default:
		return 1
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/crew/config.yaml)")
	rootCmd.PersistentFlags().String("addr", "", "Daemon address (default http://127.0.0.1:7333)")
	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))

	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "crew")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CREW")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "crew")

	viper.SetDefault("addr", "http://127.0.0.1:7333")
	viper.SetDefault("listen", "127.0.0.1:7333")
	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "crew.db"))
	viper.SetDefault("pid_path", filepath.Join(defaultConfigDir, "crew.pid"))
	viper.SetDefault("agent.command", "claude")
	viper.SetDefault("agent.args", []string{})
	viper.SetDefault("agent.dir", "")
	viper.SetDefault("agent.resume_flag", "--resume")
	viper.SetDefault("agent.token_pattern", `Session ID: ([A-Za-z0-9_-]+)`)
	viper.SetDefault("kill_grace", "5s")
	viper.SetDefault("relay.buffer_bytes", 256*1024)
	viper.SetDefault("relay.subscriber_queue", 64)
	viper.SetDefault("reconcile.interval", "5s")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun
}

// getClient returns the shared daemon client, initializing it on first call.
func getClient() *apiclient.Client {
	if client == nil {
		client = apiclient.New(viper.GetString("addr"))
	}
	return client
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crew %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
	},
}
