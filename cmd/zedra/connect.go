package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanlethanh/zedra/internal/config"
	"github.com/tanlethanh/zedra/internal/pairing"
	"github.com/tanlethanh/zedra/internal/session"
	"github.com/tanlethanh/zedra/internal/terminal"
	"github.com/tanlethanh/zedra/internal/transport"
)

// stdioSink reports connection state on stderr next to the remote output.
type stdioSink struct {
	*terminal.StdioSink
}

func (s stdioSink) OnConnectionState(st session.State) {
	switch st.(type) {
	case session.Idle:
	case session.Connecting, session.Authenticating:
		// First-time progress is quiet; recovery is worth showing.
		if session.Reconnecting(st) {
			s.Status(st.String())
		}
	case session.Connected:
		s.Status("connected (type ~. to disconnect)")
	default:
		s.Status(st.String())
	}
}

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <fingerprint|label|zedra://...>",
		Short: "Open a shell on a paired host",
		Long: "Open an interactive shell on a paired host. Passing a pairing code pairs first " +
			"if the host is not known yet. The session survives network changes; type ~. to leave.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dialer := transport.NetDialer(config.Cfg.ConnectTimeout)
			deps := session.Deps{Store: store, Dialer: dialer}

			var id session.Identity
			if strings.HasPrefix(args[0], pairing.Scheme+"://") {
				p, err := pairing.ParseURI(args[0])
				if err != nil {
					return err
				}
				deps.Pairer = pairing.NewCoordinator(store, dialer)
				id = session.FromPayload(p)
			} else {
				cred, err := findHost(ctx, args[0])
				if err != nil {
					return err
				}
				id = session.FromCredential(cred.HostFingerprint)
			}

			cfg := config.Cfg.SessionConfig()
			local := terminal.NewStdioSink()
			cfg.Cols, cfg.Rows = local.Size()
			if err := local.Start(); err != nil {
				return err
			}
			defer local.Stop()

			conn := session.New(cfg, deps, id, stdioSink{local})
			if err := conn.Start(ctx); err != nil {
				return err
			}
			select {
			case <-conn.Done():
			case <-local.Detached():
				conn.Close()
			case <-ctx.Done():
				conn.Close()
			}
			local.Stop()

			st := conn.Stats()
			ev := log.Info()
			if err := conn.LastError(); err != nil {
				ev = ev.AnErr("last_error", err)
			}
			ev.Str("session", conn.ID()).
				Str("host", conn.Fingerprint()).
				Uint64("bytes_in", st.BytesIn).
				Uint64("bytes_out", st.BytesOut).
				Uint64("channels", st.Generation).
				Msg("session ended")

			f, ok := conn.State().(session.Failed)
			if !ok {
				return nil
			}
			if f.RequiresPairing() {
				return fmt.Errorf("%s; pair again with `zedra pair <code>`", f)
			}
			return errors.New(f.String())
		},
	}
	return cmd
}
