package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanlethanh/zedra/internal/config"
	"github.com/tanlethanh/zedra/internal/pairing"
	"github.com/tanlethanh/zedra/internal/transport"
)

func pairCmd() *cobra.Command {
	var deviceName string
	cmd := &cobra.Command{
		Use:   "pair <zedra://...>",
		Short: "Pair with a host using the code it displays",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pairing.ParseURI(args[0])
			if err != nil {
				return err
			}
			var opts []pairing.Option
			if deviceName != "" {
				opts = append(opts, pairing.WithDeviceName(deviceName))
			}
			timeout := config.Cfg.ConnectTimeout + config.Cfg.AuthTimeout
			opts = append(opts, pairing.WithTimeout(timeout))

			coord := pairing.NewCoordinator(store, transport.NetDialer(config.Cfg.ConnectTimeout), opts...)
			cred, err := coord.BeginPairing(cmd.Context(), p)
			if err != nil {
				if pairing.Retryable(err) {
					return fmt.Errorf("%w (the code is still valid until %s)", err, p.Expires.Local().Format(time.Kitchen))
				}
				return err
			}
			fmt.Printf("Paired with %s (%s)\n", cred.Label, cred.Addr())
			fmt.Printf("Host fingerprint: %s\n", cred.HostFingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceName, "name", "", "device name shown on the host (default: hostname)")
	return cmd
}
