package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/app"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the platform daemon",
	Long: `Run the platform daemon: the outbox relay, command consumers, the
reply consumer, the process manager and the HTTP ingress in one process.

Handlers and process definitions are registered by programs embedding the
app package; the bare daemon still accepts commands, relays the outbox and
serves the operator endpoints.

Example:
  platform daemon                      # memory broker, ./platform.db
  platform daemon --broker redis       # redis-backed queues and topics
  platform daemon --addr :9090         # change the HTTP listen address`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().String("addr", "", "HTTP listen address (overrides config)")
	daemonCmd.Flags().String("db", "", "SQLite database path (overrides config)")
	daemonCmd.Flags().String("broker", "", "broker adapter: memory or redis (overrides config)")
	daemonCmd.Flags().String("redis-addr", "", "redis host:port (overrides config)")
	daemonCmd.Flags().String("node", "", "node name used in outbox claims (default: hostname)")

	_ = viper.BindPFlag("http.addr", daemonCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("database.path", daemonCmd.Flags().Lookup("db"))
	_ = viper.BindPFlag("broker.kind", daemonCmd.Flags().Lookup("broker"))
	_ = viper.BindPFlag("broker.redis_addr", daemonCmd.Flags().Lookup("redis-addr"))
	_ = viper.BindPFlag("node_name", daemonCmd.Flags().Lookup("node"))
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cleanup, err := log.Init(os.Getenv("PLATFORM_LOG"), debugFlag)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building platform: %w", err)
	}

	if port := a.Port(); port > 0 {
		fmt.Printf("Platform daemon listening on port %d\n", port)
	}
	fmt.Println("Press Ctrl+C to stop")

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("running platform: %w", err)
	}
	fmt.Println("Daemon stopped")
	return nil
}
