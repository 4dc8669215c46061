package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanlethanh/zedra/internal/config"
	"github.com/tanlethanh/zedra/internal/host"
	"github.com/tanlethanh/zedra/internal/logging"
	"golang.org/x/term"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List paired devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devs, err := host.NewRegistry(db).List()
			if err != nil {
				return err
			}
			if len(devs) == 0 {
				fmt.Println("No paired devices. Run `zedra-host pair` to pair one.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tFINGERPRINT\tPAIRED\tLAST CONNECTED")
			for _, d := range devs {
				last := "never"
				if d.LastConnectedAt != nil {
					last = d.LastConnectedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID[:8], d.Name, d.Fingerprint, d.PairedAt.Local().Format(time.DateTime), last)
			}
			return w.Flush()
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a device and drop its live connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := adminCall(cmd.Context(), "DELETE", "/devices/"+args[0], nil, nil)
			if errors.Is(err, errDaemonDown) {
				_, err = host.NewRegistry(db).Revoke(args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("Revoked %s\n", args[0])
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var (
		event string
		limit int
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := host.AuditQuery{EventType: event, Limit: limit}
			if since > 0 {
				t := time.Now().Add(-since)
				q.Since = &t
			}
			auditor := host.NewAuditor(db, config.Cfg.AuditRetentionDays, logging.Module("audit"))
			res, err := auditor.Query(q)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tDEVICE\tUSER\tSOURCE\tDETAILS")
			for _, e := range res.Entries {
				dev := e.DeviceID
				if len(dev) > 8 {
					dev = dev[:8]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.EventType, dev, e.Username, e.SourceIP, e.Details)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d of %d events\n", len(res.Entries), res.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "only show this event type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	cmd.Flags().DurationVar(&since, "since", 0, "only show events newer than this (e.g. 24h)")
	return cmd
}

func setPasswordCmd() *cobra.Command {
	var disable bool
	cmd := &cobra.Command{
		Use:   "set-password",
		Short: "Set the fallback password for user zedra",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if disable {
				if err := host.SetPassword(db, ""); err != nil {
					return err
				}
				fmt.Println("Password login disabled.")
				return nil
			}
			pw, err := readPassword("New password: ")
			if err != nil {
				return err
			}
			confirm, err := readPassword("Repeat password: ")
			if err != nil {
				return err
			}
			if pw != confirm {
				return errors.New("passwords do not match")
			}
			if err := host.SetPassword(db, pw); err != nil {
				return err
			}
			fmt.Println("Password updated.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&disable, "clear", false, "disable password login")
	return cmd
}

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("set-password needs an interactive terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
