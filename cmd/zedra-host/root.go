package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tanlethanh/zedra/internal/config"
	"github.com/tanlethanh/zedra/internal/database"
	"github.com/tanlethanh/zedra/internal/host"
	"github.com/tanlethanh/zedra/internal/logging"
	"gorm.io/gorm"
)

var (
	configPath string
	logLevel   string

	db *gorm.DB
)

func execute() error {
	root := &cobra.Command{
		Use:           "zedra-host",
		Short:         "zedra host daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Process()
			if err != nil {
				return err
			}
			config.Cfg = s
			if configPath != "" {
				if err := config.LoadFile(configPath); err != nil {
					return err
				}
			}
			if logLevel != "" {
				config.Cfg.LogLevel = logLevel
			}
			if err := os.MkdirAll(config.Cfg.DataPath, 0700); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			logging.Init(config.Cfg.LogPath, config.Cfg.LogLevel)

			db, err = database.Open(config.Cfg.HostDatabasePath)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if db != nil {
				database.Close(db)
			}
			logging.Close()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides ZEDRA_* defaults)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(startCmd(), pairCmd(), devicesCmd(), revokeCmd(), auditCmd(), setPasswordCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

// newServer builds the host from the loaded settings without listening.
func newServer() (*host.Server, error) {
	cfg := host.Config{
		HostKeyPath:        config.Cfg.HostKeyPath,
		AdvertiseHost:      config.Cfg.HostAdvertise,
		Name:               config.Cfg.HostName,
		TokenTTL:           config.Cfg.PairingTokenTTL,
		AuditRetentionDays: config.Cfg.AuditRetentionDays,
		RateLimitPerMinute: config.Cfg.RateLimitPerMinute,
		AllowedSources:     config.Cfg.AllowedSources,
	}
	if cfg.Name == "" {
		cfg.Name, _ = os.Hostname()
	}
	if _, port, err := net.SplitHostPort(config.Cfg.HostListen); err == nil {
		cfg.AdvertisePort, _ = strconv.Atoi(port)
	}
	if config.Cfg.HostShell != "" {
		cfg.Shell = &host.PTYShell{Command: config.Cfg.HostShell, Log: logging.Module("shell")}
	}
	return host.New(db, cfg)
}
