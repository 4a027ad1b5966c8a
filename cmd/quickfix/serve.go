package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/patrykniedzwiecki/quickfix/internal/log"
	"github.com/patrykniedzwiecki/quickfix/internal/model"
	"github.com/patrykniedzwiecki/quickfix/internal/server"
	"github.com/patrykniedzwiecki/quickfix/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the quick fix service with the HTTP API",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), commandAttrs("serve"))

	addr, err := config.Service.ListenAddr()
	if err != nil {
		return err
	}

	mp, shutdown, err := meterProvider(ctx, config.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.ErrorContext(ctx, "shutting down meter provider", "error", err)
		}
	}()
	otel.SetMeterProvider(mp)

	svc, err := service.New(ctx, config, service.WithMeterProvider(mp))
	if err != nil {
		return err
	}
	srv := server.New(svc.Manager(), svc.Bus())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := svc.Do(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return srv.Listen(gctx, addr.String())
	})
	return g.Wait()
}

// meterProvider returns an OTLP/HTTP backed provider when telemetry is
// configured and a no-op one otherwise.
func meterProvider(ctx context.Context, cfg *model.Telemetry) (metric.MeterProvider, func(context.Context) error, error) {
	if cfg == nil {
		return noop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}

	var opts []otlpmetrichttp.Option
	if strings.Contains(cfg.Endpoint, "://") {
		opts = append(opts, otlpmetrichttp.WithEndpointURL(cfg.Endpoint))
	} else {
		opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing otlp exporter: %w", err)
	}
	slog.DebugContext(ctx, "exporting metrics", "endpoint", cfg.Endpoint)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
	)
	return mp, mp.Shutdown, nil
}
