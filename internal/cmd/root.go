package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/phoebed/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "phoebed",
	Short: "Per-user computation session orchestrator",
	Long: `Phoebed orchestrates isolated, per-user computation sessions. Each
session is backed by a dedicated worker process answering one command per
round trip on its own local port; phoebed allocates the ports, supervises the
workers, proxies commands under timeout discipline, and reclaims idle
sessions.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/phoebed/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("/etc/phoebed")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PHOEBED")
	// Replace dots with underscores for nested keys in env vars
	// e.g., PHOEBED_SESSION_IDLE_TIMEOUT_SECONDS for session.idle_timeout_seconds
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
