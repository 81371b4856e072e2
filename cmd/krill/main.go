// Command krill runs the reactive chat-assistant host: it wires the event
// bus and plugin manager, activates the configured plugins, and keeps them
// running until the process is told to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/config"
	"github.com/rimeworks/krill/pkg/events"
	"github.com/rimeworks/krill/pkg/logger"
	"github.com/rimeworks/krill/pkg/plugin"

	// Built-in plugins register their factories on import.
	_ "github.com/rimeworks/krill/pkg/plugins/ai"
	_ "github.com/rimeworks/krill/pkg/plugins/archive"
	_ "github.com/rimeworks/krill/pkg/plugins/console"
	_ "github.com/rimeworks/krill/pkg/plugins/discord"
	_ "github.com/rimeworks/krill/pkg/plugins/firehose"
	_ "github.com/rimeworks/krill/pkg/plugins/scheduler"
	_ "github.com/rimeworks/krill/pkg/plugins/slack"
	_ "github.com/rimeworks/krill/pkg/plugins/telegram"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "krill",
		Short: "Pluggable reactive chat-assistant runtime",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "krill.yaml", "path to config file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the runtime with the configured plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(configPath)
		},
	}

	plugins := &cobra.Command{
		Use:   "plugins",
		Short: "List the compiled-in plugins",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range plugin.FactoryNames() {
				fmt.Println(name)
			}
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("krill", version)
		},
	}

	root.AddCommand(run, plugins, versionCmd)
	return root
}

func runHost(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Logging.Level, cfg.Logging.Pretty)

	opts := []bus.Option{bus.WithHistoryCapacity(cfg.Bus.HistoryCapacity)}
	if cfg.Bus.HandlerTimeout > 0 {
		opts = append(opts, bus.WithHandlerTimeout(cfg.Bus.HandlerTimeout))
	}
	b := bus.New(opts...)
	manager := plugin.NewManager(b)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loaded := manager.LoadFromConfig(ctx, cfg)
	logger.InfoCF("host", "Runtime started", map[string]interface{}{
		"version": version,
		"plugins": loaded,
	})
	b.PublishAsync(ctx, events.New(events.SystemStartup, map[string]interface{}{
		"version": version,
	}))

	<-ctx.Done()
	logger.InfoC("host", "Shutting down")

	shutdownCtx := context.Background()
	b.PublishAsync(shutdownCtx, events.New(events.SystemShutdown, nil))

	// Unload in reverse load order so dependents go before dependencies.
	all := manager.All()
	for i := len(all) - 1; i >= 0; i-- {
		name := all[i].Meta().Name
		if err := manager.Unload(shutdownCtx, name); err != nil {
			logger.WarnCF("host", "Unload failed", map[string]interface{}{
				"plugin": name,
				"error":  err.Error(),
			})
		}
	}
	b.Close()
	return nil
}
