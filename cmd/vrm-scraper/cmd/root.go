package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coff33ninja/vrm-auto-scraper/internal/config"
	"github.com/coff33ninja/vrm-auto-scraper/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logLevelFlag holds the value of the --log-level flag
var logLevelFlag string

// dataRootFlag holds the value of the --data-root flag
var dataRootFlag string

// globalConfig holds the loaded configuration
var globalConfig models.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vrm-scraper",
	Short: "A tool to acquire freely licensed 3D avatar models",
	Long: `vrm-scraper discovers, downloads, and catalogs freely licensed
3D avatar models (VRM and related formats) from VRoid Hub, Sketchfab,
DeviantArt, and GitHub.`,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dataRootFlag, "data-root", "", "Directory for downloaded files and the catalog (overrides config)")
}

// loadGlobalConfig loads the configuration and applies flag overrides
// before any command runs.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(logLevelFlag)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevelFlag, err)
	}
	log.SetLevel(level)

	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		// Not fatal: every field has a default and the token-less
		// sources still work without a config file.
		log.WithError(err).Warnf("Failed to load configuration from %s, using defaults", cfgFile)
		config.ApplyDefaults(&globalConfig)
	}

	if cmd.Flags().Changed("data-root") && dataRootFlag != "" {
		globalConfig.DataRoot = dataRootFlag
		// Derived paths follow the overridden root.
		fresh := models.Config{DataRoot: dataRootFlag}
		config.ApplyDefaults(&fresh)
		globalConfig.DatabasePath = fresh.DatabasePath
		globalConfig.BleveIndexPath = fresh.BleveIndexPath
		log.Debugf("Overriding DataRoot based on --data-root flag: %s", dataRootFlag)
	}

	return nil
}
