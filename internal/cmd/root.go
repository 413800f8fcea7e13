package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/hive/internal/config"
	"github.com/Iron-Ham/hive/internal/errors"
	"github.com/Iron-Ham/hive/internal/logging"
)

// localConfigFile is picked up from the working directory when present.
const localConfigFile = ".hive.yaml"

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Supervise a pool of workers through a task list",
	Long: `Hive runs a supervisor that drives a pool of workers through a
decomposed task list: implementation, retries, verification, review and a
termination handshake, with a budget ceiling and a push gate.

All coordination happens through JSON files in the state directory, so
workers can be goroutines of the supervisor or separate processes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ErrorMessage formats err for the terminal. Errors not meant for end users
// point at the debug log instead of standing alone.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := "Error: " + err.Error()
	if !errors.IsUserFacing(err) {
		msg += "\nSee " + logging.LogFileName + " in the state directory or run 'hive logs --level error' for details."
	}
	return msg
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/hive/config.yaml)")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory (default .hive)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("session.state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	switch cfgFile := viper.GetString("config"); {
	case cfgFile != "":
		viper.SetConfigFile(cfgFile)
	case fileExists(localConfigFile):
		viper.SetConfigFile(localConfigFile)
	default:
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/hive")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("HIVE")
	// Replace dots with underscores for nested keys in env vars
	// e.g., HIVE_BUDGET_CEILING for budget.ceiling
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// newLogger opens the debug log in the state directory, or discards logs
// when logging is disabled.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLogger(cfg.Session.StateDir, logging.ParseLevel(cfg.Logging.Level))
}
