package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tanlethanh/zedra/internal/config"
	"github.com/tanlethanh/zedra/internal/credstore"
	"github.com/tanlethanh/zedra/internal/database"
	"github.com/tanlethanh/zedra/internal/logging"
	"gorm.io/gorm"
)

var (
	configPath string
	logLevel   string

	db    *gorm.DB
	store *credstore.SQLStore
)

func execute() error {
	root := &cobra.Command{
		Use:           "zedra",
		Short:         "Secure remote shell to paired hosts",
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

			db, err = database.Open(config.Cfg.DatabasePath)
			if err != nil {
				return err
			}
			store = credstore.NewSQLStore(db)
			return nil
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

	root.AddCommand(pairCmd(), connectCmd(), hostsCmd(), forgetCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

// findHost resolves a fingerprint, fingerprint prefix or label to a stored
// credential.
func findHost(ctx context.Context, ref string) (credstore.Credential, error) {
	cred, ok, err := store.Lookup(ctx, ref)
	if err != nil {
		return credstore.Credential{}, err
	}
	if ok {
		return cred, nil
	}

	all, err := store.List(ctx)
	if err != nil {
		return credstore.Credential{}, err
	}
	var matches []credstore.Credential
	for _, c := range all {
		if c.Label == ref || strings.HasPrefix(c.HostFingerprint, ref) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return credstore.Credential{}, fmt.Errorf("no paired host matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return credstore.Credential{}, errors.New("more than one paired host matches " + ref + "; use the fingerprint")
	}
}
