package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/grandcat/zeroconf"
	"github.com/robfig/cron/v3"

	"sosguard/go-sos-server/internal/backend"
	"sosguard/go-sos-server/internal/config"
	"sosguard/go-sos-server/internal/location"
	"sosguard/go-sos-server/internal/metrics"
	"sosguard/go-sos-server/internal/model"
	"sosguard/go-sos-server/internal/notify"
	"sosguard/go-sos-server/internal/sos"
	"sosguard/go-sos-server/internal/state"
	"sosguard/go-sos-server/internal/store"
)

// App wires together the SOS services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.Store
	state      *state.Container
	mqtt       mqtt.Client
	source     *location.MQTTSource
	tracker    *location.Tracker
	controller *sos.Controller
	backend    *backend.Client
	metrics    *metrics.Metrics
	hub        *eventHub
	cron       *cron.Cron
	mdns       *zeroconf.Server

	lastSynced time.Time
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	a.state = state.New(a.store, state.Options{PersistAlerts: a.cfg.PersistAlerts})
	if err := a.state.Rehydrate(ctx); err != nil {
		return err
	}
	a.logger.Info("state rehydrated", "contacts", len(a.state.Contacts()), "alerts", len(a.state.Alerts()))

	a.metrics = metrics.New()
	a.hub = newEventHub(a.logger)
	a.backend = backend.New(a.cfg.BackendURL, a.cfg.BackendAPIKey, a.logger)

	a.connectMQTT(ctx)
	defer func() {
		a.source.Stop()
		a.mqtt.Disconnect(250)
	}()

	provider := location.NewProvider(a.source, a.logger)
	a.tracker = location.NewTracker(provider, a.cfg.LocationMinInterval, a.cfg.LocationMinDistanceM, a.logger)

	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		return err
	}

	opts := sos.Options{
		CountdownSeconds: a.cfg.SOSCountdownSeconds,
		NotifyTimeout:    a.cfg.NotifyTimeout,
	}
	if a.backend.Enabled() {
		opts.Backend = a.backend
	}
	a.controller = sos.NewController(a.state, a.tracker, notifier, opts, a.logger)
	a.observe()
	defer a.controller.Close()

	trackerCtx, stopTracker := context.WithCancel(ctx)
	defer stopTracker()
	go func() {
		if err := a.tracker.Run(trackerCtx); err != nil {
			a.logger.Error("location tracker stopped", "error", err)
		}
	}()

	if err := a.startCron(); err != nil {
		return err
	}
	defer a.stopCron()

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	httpErrCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", a.metrics.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	for name, srv := range map[string]*http.Server{"http": httpServer, "metrics": metricsServer} {
		go func(name string, srv *http.Server) {
			a.logger.Info(name+" server started", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}(name, srv)
	}

	select {
	case <-ctx.Done():
		a.hub.close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		a.logger.Info("http servers stopped")
		return nil
	case err := <-httpErrCh:
		a.hub.close()
		_ = httpServer.Shutdown(context.Background())
		_ = metricsServer.Shutdown(context.Background())
		return err
	}
}

// observe feeds lifecycle and location events to the metrics and the WebSocket hub.
func (a *App) observe() {
	a.controller.Subscribe(a.metrics.ObserveEvent)
	a.controller.Subscribe(func(e sos.Event) { a.hub.publish(e) })
	a.tracker.OnSample(func(s model.LocationSample) {
		a.metrics.ObserveLocationSample()
		a.hub.publish(locationEvent{Type: "location.sample", Sample: s, Location: s.Format()})
	})
}

// connectMQTT creates the paho client. Subscriptions are (re)established on
// every connect, so a broker that is down at startup is picked up later.
func (a *App) connectMQTT(ctx context.Context) {
	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.MQTTBroker).
		SetClientID(a.cfg.MQTTClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		a.logger.Info("connected to MQTT broker", "broker", a.cfg.MQTTBroker)
		if err := a.source.Start(ctx); err != nil {
			a.logger.Error("subscribe device topics", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		a.logger.Warn("MQTT connection lost", "error", err)
	})

	a.mqtt = mqtt.NewClient(opts)
	a.source = location.NewMQTTSource(a.mqtt, a.cfg.DeviceID, a.logger)

	token := a.mqtt.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		a.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", a.cfg.MQTTBroker)
		return
	}
	if err := token.Error(); err != nil {
		a.logger.Warn("MQTT connect failed", "broker", a.cfg.MQTTBroker, "error", err)
	}
}

func (a *App) buildNotifier(ctx context.Context) (notify.Notifier, error) {
	channels := notify.Multi{notify.NewMQTTNotifier(a.mqtt)}

	if a.cfg.FirebaseCredentials != "" {
		client, err := notify.NewMessagingClient(ctx, a.cfg.FirebaseCredentials)
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.NewPushNotifier(client, a.logger))
		a.logger.Info("push notifications enabled")
	}

	return channels, nil
}

func (a *App) startCron() error {
	if !a.backend.Enabled() {
		return nil
	}

	a.cron = cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := a.cron.AddFunc(a.cfg.LocationSyncSchedule, a.syncLocation); err != nil {
		return fmt.Errorf("schedule location sync %q: %w", a.cfg.LocationSyncSchedule, err)
	}
	a.cron.Start()
	a.logger.Info("location sync scheduled", "schedule", a.cfg.LocationSyncSchedule)
	return nil
}

func (a *App) stopCron() {
	if a.cron == nil {
		return
	}
	<-a.cron.Stop().Done()
}

// syncLocation upserts the latest fix when signed in and sharing is on.
func (a *App) syncLocation() {
	if _, ok := a.backend.Session(); !ok {
		return
	}
	if !a.state.Settings().LocationTracking {
		return
	}

	sample, ok := a.tracker.Latest()
	if !ok || !sample.CapturedAt.After(a.lastSynced) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.backend.UpsertLocation(ctx, sample); err != nil {
		a.logger.Warn("location sync failed", "error", err)
		return
	}
	a.lastSynced = sample.CapturedAt
	a.logger.Debug("location synced", "location", sample.Format())
}
