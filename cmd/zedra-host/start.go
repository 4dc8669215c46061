package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanlethanh/zedra/internal/config"
	"github.com/tanlethanh/zedra/internal/host"
)

func startCmd() *cobra.Command {
	var showPairing bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the host daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			srv, err := newServer()
			if err != nil {
				return err
			}

			maint, err := srv.StartMaintenance()
			if err != nil {
				return fmt.Errorf("schedule maintenance: %w", err)
			}
			defer maint.Stop()

			admin := &http.Server{
				Addr:              config.Cfg.HostAdminListen,
				Handler:           srv.AdminHandler(host.AdminOptions{LogPath: config.Cfg.LogPath}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				log.Info().Str("addr", admin.Addr).Msg("admin API listening")
				if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("admin API stopped")
				}
			}()

			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.ListenAndServe(config.Cfg.HostListen) }()

			if showPairing {
				if err := printPairing(srv); err != nil {
					log.Warn().Err(err).Msg("cannot issue pairing code")
				}
			}

			select {
			case <-ctx.Done():
				log.Info().Msg("shutting down")
			case err := <-serveErr:
				if !errors.Is(err, host.ErrServerClosed) {
					admin.Close()
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := admin.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("admin API shutdown")
			}
			return srv.Close()
		},
	}
	cmd.Flags().BoolVar(&showPairing, "pair", false, "print a pairing code on startup")
	return cmd
}

func printPairing(srv *host.Server) error {
	p, err := srv.IssuePairing()
	if err != nil {
		return err
	}
	qr, err := host.RenderQR(p.URI())
	if err != nil {
		return err
	}
	fmt.Print(qr)
	fmt.Printf("\nPairing code (valid until %s):\n  %s\n", p.Expires.Local().Format(time.Kitchen), p.URI())
	fmt.Printf("Host fingerprint: %s\n", p.Fingerprint)
	return nil
}
