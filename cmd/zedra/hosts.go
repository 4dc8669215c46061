package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func hostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List paired hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(creds) == 0 {
				fmt.Println("No paired hosts. Run `zedra pair <code>` first.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LABEL\tADDRESS\tFINGERPRINT\tLAST USED\tSTATUS")
			for _, c := range creds {
				last := "never"
				if c.LastUsedAt != nil {
					last = c.LastUsedAt.Local().Format(time.DateTime)
				}
				status := "ok"
				if c.Invalidated() {
					status = "invalid: " + c.InvalidReason
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Label, c.Addr(), c.HostFingerprint, last, status)
			}
			return w.Flush()
		},
	}
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <fingerprint|label>",
		Short: "Delete the stored credential for a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := findHost(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := store.Forget(cmd.Context(), cred.HostFingerprint); err != nil {
				return err
			}
			fmt.Printf("Forgot %s (%s)\n", cred.Label, cred.HostFingerprint)
			return nil
		},
	}
}
