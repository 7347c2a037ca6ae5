package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"duplex-rpc/registry"
)

func locateCmd(flags *rootFlags) *cobra.Command {
	var (
		endpoints []string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "locate [IDENTIFIER]",
		Short: "Find which server holds a connection",
		Long: `Query the etcd connection directory. With an identifier, print the server that
holds it; without one, list every published connection. --watch keeps printing the
list as it changes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if len(endpoints) > 0 {
				cfg.Etcd.Endpoints = endpoints
			}
			if len(cfg.Etcd.Endpoints) == 0 {
				return errors.New("no etcd endpoints configured")
			}

			dir, err := registry.NewEtcdDirectory(cfg.Etcd.Endpoints, cfg.Etcd.TTL)
			if err != nil {
				return err
			}
			defer dir.Close()

			out := cmd.OutOrStdout()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if len(args) == 1 {
				lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				p, err := dir.Lookup(lookupCtx, args[0])
				if err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				fmt.Fprintln(out, p.Addr)
				return nil
			}

			listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			list, err := dir.List(listCtx)
			cancel()
			if err != nil {
				return err
			}
			printPresence(out, list)
			if !watch {
				return nil
			}
			for list := range dir.Watch(ctx) {
				fmt.Fprintln(out)
				printPresence(out, list)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&endpoints, "etcd", nil, "etcd endpoints (overrides config)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep printing the list as it changes")

	return cmd
}

func printPresence(w io.Writer, list []registry.Presence) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tSERVER\tSINCE")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Identifier, p.Addr, p.Since.Format(time.RFC3339))
	}
	tw.Flush()
}
