package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-redlock/v1/metrics"
	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

// setupTracing installs a tracer provider that prints spans to out.
func setupTracing(out io.Writer) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// serveHTTP exposes the lock metrics and the lock event streams of bus on
// addr until the returned server is shut down.
func serveHTTP(addr string, bus syncbus.Bus, log zerolog.Logger) (*http.Server, error) {
	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/events", syncbus.SSEHandler(bus))
	mux.Handle("/events/ws", syncbus.WebSocketHandler(bus))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
	log.Info().Str("addr", srv.Addr).Msg("serving metrics and events")
	return srv, nil
}
