package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/sensorlink/internal/timesync"
)

func newSyncCmd(a *app) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize against the time server once and print the offset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			clock := timesync.New(a.cfg.Time.Server, a.cfg.Time.Timeout)

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := clock.Synchronize(ctx); err != nil {
				return fmt.Errorf("no reply from %s after %d attempts: %w", a.cfg.Time.Server, clock.Attempts(), err)
			}

			e := clock.Estimate()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "server:    %s\noffset:    %v\nreference: %s\n",
				a.cfg.Time.Server, e.Offset, e.Reference.UTC().Format(time.RFC3339Nano))
			return err
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "give up after this long")
	return cmd
}
