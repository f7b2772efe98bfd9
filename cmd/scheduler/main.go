// Command scheduler runs the SMS-driven patient self-scheduling service: the
// inbound webhook edge, the background sweep scheduler, and — as
// subcommands of the same binary — the read-only admin CLI.
package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"

    "github.com/spf13/cobra"

    "github.com/radscheduler/core/internal/admin"
    "github.com/radscheduler/core/pkg/logger"
)

var configFile string

func main() {
    rootCmd := &cobra.Command{
        Use:   "scheduler",
        Short: "Radiology patient self-scheduling service",
        Long:  "SMS-driven patient self-scheduling, mediated by an HL7 interface engine",
    }
    rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")

    rootCmd.AddCommand(createServeCommand())
    rootCmd.AddCommand(admin.Commands(func(ctx context.Context) (*admin.Service, error) {
        svc, err := initializeForCLI(ctx)
        if err != nil {
            return nil, err
        }
        return svc.adminService, nil
    }))

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}

func createServeCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "serve",
        Short: "Run the inbound webhook edge and background sweep scheduler",
        RunE: func(cmd *cobra.Command, args []string) error {
            return runServer(context.Background())
        },
    }
}

func runServer(ctx context.Context) error {
    cfg, err := loadConfig(configFile)
    if err != nil {
        return fmt.Errorf("failed to load config: %w", err)
    }

    svc, err := initialize(ctx, cfg)
    if err != nil {
        return fmt.Errorf("failed to initialize services: %w", err)
    }

    if err := svc.sweepSched.Start(); err != nil {
        return fmt.Errorf("failed to start sweep scheduler: %w", err)
    }

    if svc.healthSvc != nil {
        go func() {
            if err := svc.healthSvc.Start(); err != nil {
                logger.WithError(err).Warn("health service stopped")
            }
        }()
    }

    if cfg.Monitoring.Metrics.Enabled {
        go svc.metricsSvc.ServeHTTP(cfg.Monitoring.Metrics.Port)
    }

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

    go func() {
        if err := svc.inboundServer.Start(); err != nil {
            logger.Fatal("inbound edge server failed", "error", err)
        }
    }()

    <-sigChan
    logger.Info("shutting down scheduler")

    svc.sweepSched.Stop()
    if err := svc.inboundServer.Stop(); err != nil {
        logger.WithError(err).Error("error stopping inbound edge server")
    }
    if svc.healthSvc != nil {
        svc.healthSvc.Stop()
    }

    logger.Info("shutdown complete")
    return nil
}
