// Package main provides the entrypoint for the MediSpatch alert monitor.
package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medispatch/medispatch/internal/auth"
	"github.com/medispatch/medispatch/internal/dashboard"
	"github.com/medispatch/medispatch/internal/export"
	"github.com/medispatch/medispatch/internal/geo"
	"github.com/medispatch/medispatch/internal/hospitals"
	"github.com/medispatch/medispatch/internal/monitor"
	"github.com/medispatch/medispatch/internal/render"
	"github.com/medispatch/medispatch/internal/telemetry"
	"github.com/medispatch/medispatch/internal/tracking"
	"github.com/medispatch/medispatch/internal/tracking/dispatchapi"
	"github.com/medispatch/medispatch/internal/upstream/resilience"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	backendURL    string
	patientFlag   string
	pollInterval  time.Duration
	snapMode      bool
	opsAddr       string
	exportTopic   string
	hospitalsFile string
)

func main() {
	// Local development reads .env; a missing file is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "medispatch-monitor",
		Short: "Track emergency dispatch alerts from the terminal",
		Long: `MediSpatch monitor follows dispatch alerts the way the web
dashboard does: it polls the backend for alert state, reconciles each
snapshot, and reports ambulance movement, routes and ETA as they evolve.`,
	}

	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", envOr("DISPATCH_BACKEND_URL", "http://localhost:5000"), "Dispatch backend base URL")
	rootCmd.PersistentFlags().DurationVar(&pollInterval, "poll", tracking.DefaultPollInterval, "Snapshot polling interval")
	rootCmd.PersistentFlags().BoolVar(&snapMode, "snap", false, "Jump markers to reported positions instead of animating")
	rootCmd.PersistentFlags().StringVar(&opsAddr, "ops-addr", envOr("OPS_ADDR", ":8090"), "Ops HTTP listen address (empty to disable)")
	rootCmd.PersistentFlags().StringVar(&exportTopic, "export-topic", os.Getenv("EXPORT_TOPIC"), "Pub/Sub topic for status transition events (empty to disable)")

	trackCmd := &cobra.Command{
		Use:   "track <alert-id>",
		Short: "Track a single alert until it resolves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrack(cmd.Context(), args[0])
		},
	}
	trackCmd.Flags().StringVar(&patientFlag, "patient", "", "Patient position as lat,lng for client-side distances")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow whichever alert is active, like the dashboard does",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context())
		},
	}
	watchCmd.Flags().StringVar(&hospitalsFile, "hospitals", os.Getenv("HOSPITALS_FILE"), "Hospital directory JSON for nearest-facility context")

	rootCmd.AddCommand(trackCmd, watchCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// deps holds the wired shared components of both commands.
type deps struct {
	logger    zerolog.Logger
	client    *dispatchapi.Client
	registry  *resilience.Registry
	surface   *render.LogSurface
	panel     *render.LogPanel
	exporter  *export.StatusExporter
	metrics   *tracking.Metrics
	telemetry *telemetry.Provider
	opsServer *http.Server
	sink      *export.TopicSink
}

func setup(ctx context.Context, session monitor.SessionReporter) (*deps, error) {
	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", telemetry.DefaultServiceName).
		Str("version", Version).
		Logger()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    telemetry.DefaultServiceName,
		ServiceVersion: Version,
		Environment:    envOr("APP_ENV", "development"),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Enabled:        os.Getenv("OTEL_ENABLED") == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	metrics, err := tracking.NewMetrics(tp.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating tracking metrics: %w", err)
	}

	var tokens dispatchapi.TokenSource
	if key := os.Getenv("CONSOLE_SIGNING_KEY"); key != "" {
		src, err := auth.NewTokenSource(auth.TokenSourceConfig{
			SigningKey: key,
			ConsoleID:  envOr("CONSOLE_ID", "medispatch-monitor"),
			Issuer:     envOr("CONSOLE_ISSUER", "medispatch-monitor"),
			Audience:   envOr("CONSOLE_AUDIENCE", "medispatch-api"),
		})
		if err != nil {
			return nil, fmt.Errorf("creating token source: %w", err)
		}
		tokens = src
	} else {
		logger.Warn().Msg("CONSOLE_SIGNING_KEY not set, requests go out unauthenticated")
	}

	registry := resilience.NewRegistry()
	client := dispatchapi.NewClient(dispatchapi.ClientConfig{
		BaseURL:     strings.TrimRight(backendURL, "/"),
		Registry:    registry,
		TokenSource: tokens,
		Logger:      logger,
	})

	d := &deps{
		logger:    logger,
		client:    client,
		registry:  registry,
		surface:   render.NewLogSurface(logger),
		panel:     render.NewLogPanel(logger),
		metrics:   metrics,
		telemetry: tp,
	}

	if exportTopic != "" {
		sink, err := export.NewTopicSink(ctx, export.TopicSinkConfig{
			ProjectID: os.Getenv("GOOGLE_CLOUD_PROJECT"),
			Topic:     exportTopic,
		})
		if err != nil {
			return nil, fmt.Errorf("creating export sink: %w", err)
		}
		d.sink = sink
		d.exporter = export.NewStatusExporter(export.StatusExporterConfig{
			Sink:   sink,
			Logger: logger,
		})
		logger.Info().Str("topic", exportTopic).Msg("status transition export enabled")
	}

	if opsAddr != "" {
		router := monitor.NewOpsRouter(monitor.OpsServerConfig{
			Version:   Version,
			BuildTime: BuildTime,
			Registry:  registry,
			Session:   session,
			Logger:    logger,
		})
		d.opsServer = &http.Server{
			Addr:         opsAddr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", opsAddr).Msg("ops server listening")
			if err := d.opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("ops server error")
			}
		}()
	}

	return d, nil
}

func (d *deps) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.opsServer != nil {
		if err := d.opsServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("ops server shutdown failed")
		}
	}
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			d.logger.Error().Err(err).Msg("closing export sink failed")
		}
	}
	if err := d.telemetry.Shutdown(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("telemetry shutdown failed")
	}
}

// sessionInfoHolder is a concurrency-safe SessionInfo cell shared
// between the tracking callbacks and the ops handler.
type sessionInfoHolder struct {
	mu   sync.Mutex
	info monitor.SessionInfo
}

func (h *sessionInfoHolder) set(info monitor.SessionInfo) {
	h.mu.Lock()
	h.info = info
	h.mu.Unlock()
}

func (h *sessionInfoHolder) get() monitor.SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

func runTrack(ctx context.Context, alertID string) error {
	holder := &sessionInfoHolder{info: monitor.SessionInfo{State: "idle"}}
	d, err := setup(ctx, holder.get)
	if err != nil {
		return err
	}
	defer d.close()

	patient, err := parsePosition(patientFlag)
	if err != nil {
		return err
	}

	session, err := tracking.NewSession(tracking.SessionConfig{
		AlertID:         alertID,
		PatientPosition: patient,
		Fetcher:         d.client,
		Surface:         d.surface,
		Panel:           d.panel,
		Logger:          d.logger,
		PollInterval:    pollInterval,
		SnapToPosition:  snapMode,
		Metrics:         d.metrics,
	})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var doneOnce sync.Once
	session.Subscribe(func(snap *tracking.AlertSnapshot) {
		if d.exporter != nil {
			d.exporter.Observe(ctx, snap)
		}
		holder.set(monitor.SessionInfo{AlertID: alertID, State: session.State().String()})
		if snap.Status.Terminal() {
			doneOnce.Do(func() { close(done) })
		}
	})

	holder.set(monitor.SessionInfo{AlertID: alertID, State: "polling"})
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Stop()

	d.logger.Info().Str("alert_id", alertID).Msg("tracking alert")

	select {
	case <-ctx.Done():
		d.logger.Info().Msg("interrupted, stopping")
	case <-done:
		d.logger.Info().Msg("alert reached terminal status")
	}
	return nil
}

func runWatch(ctx context.Context) error {
	var (
		watcherMu sync.Mutex
		watcher   *dashboard.Watcher
	)
	d, err := setup(ctx, func() monitor.SessionInfo {
		watcherMu.Lock()
		w := watcher
		watcherMu.Unlock()
		if w != nil {
			if id := w.ActiveAlertID(); id != "" {
				return monitor.SessionInfo{AlertID: id, State: "polling"}
			}
		}
		return monitor.SessionInfo{State: "watching"}
	})
	if err != nil {
		return err
	}
	defer d.close()

	var directory *hospitals.Directory
	if hospitalsFile != "" {
		directory, err = hospitals.LoadFile(hospitalsFile)
		if err != nil {
			return err
		}
		d.logger.Info().Int("hospitals", directory.Len()).Msg("hospital directory loaded")
	}

	countdown := dashboard.NewCountdown()

	w := dashboard.NewWatcher(dashboard.WatcherConfig{
		API:    d.client,
		Logger: d.logger,
		NewSession: func(alert tracking.AlertSummary) (dashboard.Tracker, error) {
			if directory != nil {
				patient := geo.Position{Lat: alert.Lat, Lng: alert.Lng}
				if nearest, err := directory.NearestOne(patient); err == nil {
					d.logger.Info().
						Str("hospital", nearest.Name).
						Str("distance", geo.FormatKm(nearest.DistanceKm)).
						Msg("nearest facility to patient")
				}
			}

			session, err := tracking.NewSession(tracking.SessionConfig{
				AlertID:         alert.ID,
				PatientPosition: geo.Position{Lat: alert.Lat, Lng: alert.Lng},
				Fetcher:         d.client,
				Surface:         d.surface,
				Panel:           d.panel,
				Logger:          d.logger,
				PollInterval:    pollInterval,
				SnapToPosition:  snapMode,
				Metrics:         d.metrics,
			})
			if err != nil {
				return nil, err
			}
			session.Subscribe(func(snap *tracking.AlertSnapshot) {
				countdown.Set(snap.ETAMinutes)
				if d.exporter != nil {
					d.exporter.Observe(ctx, snap)
					if snap.Status.Terminal() {
						d.exporter.Forget(snap.AlertID)
					}
				}
			})
			return session, nil
		},
		OnRecent: func(alerts []tracking.AlertSummary) {
			ev := d.logger.Info().Int("count", len(alerts))
			if mins, ok := countdown.RemainingMinutes(); ok {
				ev = ev.Int("eta_minutes_remaining", mins)
			}
			ev.Msg("recent alerts refreshed")
		},
	})

	watcherMu.Lock()
	watcher = w
	watcherMu.Unlock()

	d.logger.Info().Msg("watching for active alerts")
	w.Run(ctx)
	return nil
}

// parsePosition parses "lat,lng". An empty input is a valid absent
// position: distances then rely on server-supplied values.
func parsePosition(s string) (geo.Position, error) {
	if s == "" {
		return geo.Position{Lat: math.NaN(), Lng: math.NaN()}, nil
	}

	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return geo.Position{}, fmt.Errorf("invalid position %q, want lat,lng", s)
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Position{}, fmt.Errorf("invalid latitude in %q: %w", s, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Position{}, fmt.Errorf("invalid longitude in %q: %w", s, err)
	}

	lat, lng = geo.CorrectOrdering(lat, lng)
	return geo.Position{Lat: lat, Lng: lng}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
