package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/iprotod/client"
)

func newPingCommand() *cobra.Command {
	var (
		server  string
		count   int
		timeout time.Duration
		showID  bool
	)
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Connect to a running iprotod and send PING requests",
		Example: `
  iprotod ping --server 127.0.0.1:3301 --count 3
  iprotod ping --server unix/:/run/iprotod.sock --id
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be >= 1")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			cli, err := client.Dial(ctx, server)
			if err != nil {
				return err
			}
			defer cli.Close()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "connected to %s: %s\n", server, cli.Greeting().Banner)
			if showID {
				ver, features, err := cli.ID(ctx)
				if err != nil {
					return fmt.Errorf("id: %w", err)
				}
				fmt.Fprintf(out, "protocol version %d features %v\n", ver, features)
			}
			for i := 1; i <= count; i++ {
				begin := time.Now()
				if err := cli.Ping(ctx); err != nil {
					return fmt.Errorf("ping %d: %w", i, err)
				}
				fmt.Fprintf(out, "ping %d: %s\n", i, time.Since(begin).Round(time.Microsecond))
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&server, "server", "s", "127.0.0.1:3301", "server address (host:port or unix/:/path)")
	flags.IntVarP(&count, "count", "n", 1, "number of PING requests to send")
	flags.DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
	flags.BoolVar(&showID, "id", false, "also exchange ID and print the server protocol version")
	return cmd
}
