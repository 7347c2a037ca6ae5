package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"duplex-rpc/client"
	"duplex-rpc/config"
)

func callCmd(flags *rootFlags) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		retries int
	)

	cmd := &cobra.Command{
		Use:   "call METHOD [PARAMS_JSON]",
		Short: "Connect, send one request and print the result",
		Example: `  duplexd call echo '{"x":1}'
  duplexd call Arith.Add '{"A":1,"B":2}' --addr 127.0.0.1:8443`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				if err := splitAddr(addr, cfg); err != nil {
					return err
				}
			}
			cfg.RequestTimeout = timeout

			var params json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params are not valid JSON: %s", args[1])
				}
				params = json.RawMessage(args[1])
			}

			cli, err := client.New(cfg, client.WithLogger(newLogger(cfg)), client.WithRetry(retries, 100*time.Millisecond))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout*time.Duration(retries+2))
			defer cancel()
			if err := cli.Connect(ctx); err != nil {
				return err
			}
			defer cli.Close()

			var result json.RawMessage
			if err := cli.Call(ctx, args[0], params, &result); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Server host:port (overrides config)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Request timeout")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retries for timed out requests")

	return cmd
}

// splitAddr points cfg at host:port.
func splitAddr(addr string, cfg *config.Config) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	cfg.EndpointPath = host
	cfg.Port = n
	return nil
}
