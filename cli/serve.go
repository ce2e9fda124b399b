package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/flowsim/flowsim"
	"github.com/flowsim/flowsim/bus"
	flowotel "github.com/flowsim/flowsim/otel"
	"github.com/flowsim/flowsim/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the simulation HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("store", "", "SQLite DSN for the event store (default: in-memory)")
	cmd.Flags().Duration("retention-age", 0, "Delete stored events older than this (0 = keep forever)")
	cmd.Flags().Duration("speed", flowsim.DefaultSpeed, "Default step interval for new runs")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 = none, required for SSE)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("schedule-poll", 5*time.Second, "Schedule poll interval")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint (host:port, empty = tracing off)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	storeDSN, _ := cmd.Flags().GetString("store")
	retentionAge, _ := cmd.Flags().GetDuration("retention-age")
	speed, _ := cmd.Flags().GetDuration("speed")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	schedulePoll, _ := cmd.Flags().GetDuration("schedule-poll")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// --- Event store ---
	var eventStore bus.EventStore
	if storeDSN != "" {
		sqlStore, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:          storeDSN,
			RetentionAge: retentionAge,
		})
		if err != nil {
			return fmt.Errorf("opening sqlite event store: %w", err)
		}
		defer func() { _ = sqlStore.Close() }()
		eventStore = sqlStore
	} else {
		eventStore = bus.NewMemEventStore()
	}

	// --- Event bus ---
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer func() { _ = eb.Close() }()

	// --- Telemetry (optional) ---
	var extraEvents flowsim.EventHandler
	if otlpEndpoint != "" {
		shutdown, err := flowotel.SetupTracing(cmd.Context(), "flowsim", otlpEndpoint)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()

		tracing := flowotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("flowsim/run"))
		metrics, err := flowotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("flowsim/run"))
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		extraEvents = flowsim.MultiEventHandler(tracing.Handle, metrics.Handle)
	}

	srv := server.NewServer(server.Config{
		Bus:          eb,
		EventStore:   eventStore,
		Events:       extraEvents,
		DefaultSpeed: speed,
		CORSOrigin:   corsOrigin,
		MaxBody:      maxBody,
		Logger:       logger,
	})

	// --- Scheduler ---
	scheduler, err := server.NewScheduler(server.SchedulerConfig{
		Server:       srv,
		Store:        server.NewMemScheduleStore(),
		PollInterval: schedulePoll,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	srv.SetScheduler(scheduler)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Stop(stopCtx)
	}()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-cmd.Context().Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
