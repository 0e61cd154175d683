package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/app"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/clock"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/events"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/observability"
	transporthttp "github.com/cimillas/ultimate-ticket/services/tickets/internal/transport/http"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func serveCmd() *cobra.Command {
	var skipMigrations, noConsumer bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the order event consumer and the redelivery loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), !skipMigrations, !noConsumer)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply migrations on startup")
	cmd.Flags().BoolVar(&noConsumer, "no-consumer", false, "do not consume order events")
	return cmd
}

func serve(parent context.Context, migrate, consume bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.OTelEndpoint,
		AuthHeader:     cfg.OTelAuthHeader,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	store, err := openBackends(startupCtx, migrate)
	if err != nil {
		return err
	}
	defer store.close()

	publisher, pubCloser, err := openPublisher()
	if err != nil {
		return err
	}
	defer func() {
		if err := pubCloser.Close(); err != nil {
			logger.Warn("close publisher", zap.Error(err))
		}
	}()

	auth, err := newAuthenticator()
	if err != nil {
		return err
	}

	clk := clock.NewSystem()
	opts := []app.TicketServiceOption{
		app.WithLogger(logger.Named("tickets")),
		app.WithPublishTimeout(cfg.PublishTimeout),
	}
	if store.redeliveries != nil {
		opts = append(opts, app.WithRedeliveryQueue(store.redeliveries))
	}
	svc := app.NewTicketService(store.tickets, publisher, clk, opts...)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: transporthttp.NewRouter(transporthttp.RouterConfig{
			Tickets:     svc,
			Auth:        auth,
			Store:       store.tickets,
			Logger:      logger.Named("http"),
			CORSOrigins: cfg.CORSOrigins,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 3)
	go func() {
		logger.Info("api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("server: %w", err)
		}
	}()

	if store.redeliveries != nil {
		redeliverer := app.NewRedeliveryService(store.redeliveries, publisher, clk,
			app.WithRedeliveryLogger(logger.Named("redelivery")),
			app.WithRedeliveryBatch(cfg.RedeliveryBatch),
		)
		go func() {
			if err := redeliverer.Run(ctx, cfg.RedeliveryInterval); err != nil {
				errs <- fmt.Errorf("redelivery: %w", err)
			}
		}()
	}

	if consume && len(cfg.KafkaBrokers) > 0 {
		consumer := events.NewOrderConsumer(
			events.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.OrderEventsTopic),
			svc,
			events.WithConsumerLogger(logger.Named("orders")),
		)
		defer func() {
			if err := consumer.Close(); err != nil {
				logger.Warn("close order consumer", zap.Error(err))
			}
		}()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				errs <- fmt.Errorf("order consumer: %w", err)
			}
		}()
	} else {
		logger.Info("order event consumer disabled")
	}

	var runErr error
	select {
	case runErr = <-errs:
		logger.Error("component failed, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping server")
	}
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return runErr
}

func newAuthenticator() (*transporthttp.JWTAuthenticator, error) {
	var jwks *keyfunc.JWKS
	if cfg.JWKSURL != "" {
		var err error
		jwks, err = keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.Warn("jwks refresh failed", zap.Error(err))
			},
		})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
	}
	return transporthttp.NewJWTAuthenticator([]byte(cfg.JWTKey), jwks), nil
}
