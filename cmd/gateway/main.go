package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/MAGI3/Magi/cmd/config"
	"github.com/MAGI3/Magi/lib/events"
	"github.com/MAGI3/Magi/lib/fleet"
	"github.com/MAGI3/Magi/lib/gateway"
	"github.com/MAGI3/Magi/lib/logger"
	"github.com/MAGI3/Magi/lib/sessionmux"
	"github.com/MAGI3/Magi/lib/supervisor"
	"github.com/MAGI3/Magi/lib/surface/sim"
)

// The standalone binary runs the gateway against the simulated surface
// provider, which is enough to exercise the whole protocol surface from
// Playwright or raw CDP tooling. The embedding desktop app wires its real
// surface.Provider through the same constructors.
func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("gateway configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := fleet.NewStore(slogger)
	bus := events.NewBus()
	provider := sim.New()
	sup := supervisor.New(store, bus, provider, slogger, supervisor.Options{
		NewTabURL: config.DefaultNewTabURL,
	})
	mux := sessionmux.New(provider, sup, slogger, sessionmux.Options{
		InitialSettle: time.Duration(config.AttachSettleDelayMs) * time.Millisecond,
		ReadyTimeout:  time.Duration(config.AttachReadyTimeoutMs) * time.Millisecond,
	})
	unbind := mux.BindBus(bus)
	defer unbind()

	gw := gateway.New(store, sup, mux, bus, slogger, gateway.Config{
		UserAgent:           config.UserAgent,
		EnableTestEndpoints: config.EnableTestEndpoints,
		LogCDPMessages:      config.LogCDPMessages,
	})

	// a default browser so /json/version has somewhere to point
	if _, err := sup.CreateBrowser(ctx, supervisor.CreateBrowserOptions{Name: "default"}); err != nil {
		slogger.Error("failed to create default browser", "err", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)
	gw.Routes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler: r,
	}

	go func() {
		slogger.Info("cdp gateway starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		return gw.Shutdown(context.Background())
	})
	g.Go(func() error {
		return sup.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		slogger.Error("gateway failed to shutdown", "err", err)
	}
}
