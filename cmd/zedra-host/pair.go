package main

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type pairingReply struct {
	URI         string    `json:"uri"`
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expires_at"`
	QR          string    `json:"qr"`
}

func pairCmd() *cobra.Command {
	var noQR bool
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Issue a one-time pairing code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply pairingReply
			err := adminCall(cmd.Context(), "POST", "/pairing", url.Values{"qr": {fmt.Sprint(!noQR)}}, &reply)
			if errors.Is(err, errDaemonDown) {
				// Tokens live in the database, so a daemon started later still
				// honours this code.
				log.Debug().Err(err).Msg("issuing pairing code offline")
				srv, serr := newServer()
				if serr != nil {
					return serr
				}
				if noQR {
					p, perr := srv.IssuePairing()
					if perr != nil {
						return perr
					}
					fmt.Println(p.URI())
					return nil
				}
				return printPairing(srv)
			}
			if err != nil {
				return err
			}
			if reply.QR != "" {
				fmt.Print(reply.QR)
			}
			fmt.Printf("\nPairing code (valid until %s):\n  %s\n", reply.ExpiresAt.Local().Format(time.Kitchen), reply.URI)
			fmt.Printf("Host fingerprint: %s\n", reply.Fingerprint)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "print only the pairing URI")
	return cmd
}
