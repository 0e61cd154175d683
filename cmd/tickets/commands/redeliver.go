package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/app"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/clock"
)

func redeliverCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "redeliver",
		Short: "Publish due ticket events once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), startupTimeout+cfg.PublishTimeout*2)
			defer cancel()

			store, err := openBackends(ctx, false)
			if err != nil {
				return err
			}
			defer store.close()
			if store.redeliveries == nil {
				return errors.New("the configured store does not keep redeliveries")
			}

			publisher, closer, err := openPublisher()
			if err != nil {
				return err
			}
			defer closer.Close()

			if batch <= 0 {
				batch = cfg.RedeliveryBatch
			}
			svc := app.NewRedeliveryService(store.redeliveries, publisher, clock.NewSystem(),
				app.WithRedeliveryLogger(logger.Named("redelivery")),
				app.WithRedeliveryBatch(batch),
			)
			sent, err := svc.RunOnce(ctx)
			if err != nil {
				return err
			}
			logger.Info("redelivery pass finished", zap.Int("published", sent))
			fmt.Fprintf(cmd.OutOrStdout(), "published %d event(s)\n", sent)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "events to publish in this pass (default REDELIVERY_BATCH)")
	return cmd
}
