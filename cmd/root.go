// Package cmd wires the CLI surface of the platform daemon.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "platform",
	Short:   "Transactional command processing and process orchestration",
	Long:    `A messaging platform daemon: transactional command bus with outbox delivery, inbox-guarded consumers and an event-sourced process manager, exposed over HTTP.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./platform.yaml, then ~/.config/platform/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("database.path", defaults.Database.Path)
	viper.SetDefault("broker.kind", defaults.Broker.Kind)
	viper.SetDefault("broker.redis_addr", defaults.Broker.RedisAddr)
	viper.SetDefault("outbox.sweep_interval", defaults.Outbox.SweepInterval)
	viper.SetDefault("outbox.batch_size", defaults.Outbox.BatchSize)
	viper.SetDefault("outbox.max_backoff_millis", defaults.Outbox.MaxBackoffMillis)
	viper.SetDefault("outbox.stuck_threshold", defaults.Outbox.StuckThreshold)
	viper.SetDefault("outbox.fastpath_concurrency", defaults.Outbox.FastPathConcurrency)
	viper.SetDefault("outbox.fastpath_enabled", defaults.Outbox.FastPathEnabled)
	viper.SetDefault("consumer.handler_lease", defaults.Consumer.HandlerLease)
	viper.SetDefault("consumer.max_retries", defaults.Consumer.MaxRetries)
	viper.SetDefault("consumer.transient_error_patterns", defaults.Consumer.TransientErrorPatterns)
	viper.SetDefault("process.max_retries_default", defaults.Process.MaxRetriesDefault)
	viper.SetDefault("process.retry_base", defaults.Process.RetryBase)
	viper.SetDefault("process.reply_wait_ttl", defaults.Process.ReplyWaitTTL)
	viper.SetDefault("http.addr", defaults.HTTP.Addr)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if _, err := os.Stat("platform.yaml"); err == nil {
		viper.SetConfigFile("platform.yaml")
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "platform"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// A missing config file is fine; defaults and flags carry the daemon.
	_ = viper.ReadInConfig()
	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
