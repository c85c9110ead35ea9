// Package main is the entry point of the Care Hub crisis pipeline.
//
// cared serves the HTTP API, fans alerts out to dashboards and on-call
// staff, and runs the background jobs that replay deferred signals and
// remind staff about unanswered assignments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/care-hub/config"
	"github.com/alem-hub/care-hub/internal/application/command"
	"github.com/alem-hub/care-hub/internal/application/eventhandler"
	"github.com/alem-hub/care-hub/internal/application/query"
	"github.com/alem-hub/care-hub/internal/domain/alert"
	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	domainsignal "github.com/alem-hub/care-hub/internal/domain/signal"
	"github.com/alem-hub/care-hub/internal/infrastructure/messaging"
	"github.com/alem-hub/care-hub/internal/infrastructure/metrics"
	"github.com/alem-hub/care-hub/internal/infrastructure/notify"
	"github.com/alem-hub/care-hub/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/care-hub/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/care-hub/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/care-hub/internal/infrastructure/scheduler"
	"github.com/alem-hub/care-hub/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/alem-hub/care-hub/internal/interface/http"
	"github.com/alem-hub/care-hub/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", "", "path to a .env file (default: ./.env when present)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// stores groups the repositories the pipeline writes to.
type stores struct {
	profiles    risk.Repository
	deferred    risk.DeferredQueue
	assignments escalation.Repository
	responses   escalation.ResponseLog
}

func run(ctx context.Context, configPath, envFile string) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION AND LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: cfg.App.Name,
		Version: cfg.App.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync(log) }()

	log.Info("starting care hub",
		zap.String("environment", string(cfg.App.Environment)),
		zap.String("timezone", cfg.App.Location().String()),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	health := httpapi.NewHealthChecker(cfg.App.Version)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. STORAGE
	// ─────────────────────────────────────────────────────────────────────────
	st, closeStores, err := openStores(ctx, cfg, health, log)
	if err != nil {
		return err
	}
	defer closeStores()

	var redisClient *goredis.Client
	if cfg.Redis.Enabled() {
		rc := redis.DefaultConfig()
		rc.Host = cfg.Redis.Host
		rc.Port = cfg.Redis.Port
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		if cfg.Redis.KeyPrefix != "" {
			rc.KeyPrefix = cfg.Redis.KeyPrefix
		}
		redisClient, err = redis.NewClient(ctx, rc)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer func() { _ = redisClient.Close() }()
		health.AddCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
		log.Info("redis connection established", zap.String("addr", rc.Addr()))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. NOTIFICATIONS
	// ─────────────────────────────────────────────────────────────────────────
	dispatcher, err := buildDispatcher(cfg.Notify, m, log)
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ALERT BUS AND RELAY
	// ─────────────────────────────────────────────────────────────────────────
	var dedupe alert.Dedupe
	if redisClient != nil {
		dedupe = redis.NewAlertDedupe(redisClient, cfg.Redis.KeyPrefix)
	}
	alerts := messaging.NewAlertBus(dedupe, messaging.AlertBusConfig{
		QueueSize:  cfg.Alerts.QueueSize,
		MaxDrops:   cfg.Alerts.MaxDrops,
		Cooldown:   cfg.Alerts.Cooldown,
		InstanceID: cfg.App.InstanceID,
		Logger:     log,
		Metrics:    m,
	})

	transport, err := relayTransport(cfg, redisClient, log, m)
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT BUS AND HANDLERS
	// ─────────────────────────────────────────────────────────────────────────
	busConfig := messaging.DefaultInMemoryEventBusConfig()
	busConfig.Logger = log
	busConfig.Metrics = m
	events := messaging.NewInMemoryEventBus(busConfig)

	classifier := domainsignal.MustDefault(domainsignal.WithMaxScanRunes(cfg.Risk.MaxScanRunes))

	assignmentDeps := command.AssignmentDeps{
		Assignments: st.assignments,
		Publisher:   events,
		Logger:      log,
		Metrics:     m,
	}
	escalate := command.NewEscalateHandler(assignmentDeps)

	onRiskAdvanced := eventhandler.NewOnRiskAdvancedHandler(alerts, escalate, eventhandler.RiskAdvancedConfig{
		EscalationLevel: risk.Level(cfg.Escalation.Level),
	}, log)
	if err := events.Subscribe(shared.EventRiskAdvanced, onRiskAdvanced.Handle); err != nil {
		return fmt.Errorf("failed to subscribe risk handler: %w", err)
	}
	if err := events.SubscribeAll(auditEvents(log)); err != nil {
		return fmt.Errorf("failed to subscribe audit handler: %w", err)
	}

	processMessage := command.NewProcessMessageHandler(classifier, st.profiles, st.deferred, events, command.ProcessMessageOptions{
		Logger:  log,
		Metrics: m,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 6. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.New(scheduler.Config{
		Logger:       log,
		Metrics:      m,
		TickInterval: cfg.Scheduler.Tick,
		Timezone:     cfg.App.Location(),
	})
	if err := registerJobs(sched, cfg.Scheduler, st, processMessage, dispatcher, log, m); err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	serverConfig := httpapi.DefaultConfig()
	serverConfig.Host = cfg.HTTP.Host
	serverConfig.Port = cfg.HTTP.Port
	serverConfig.ReadTimeout = cfg.HTTP.ReadTimeout
	serverConfig.IdleTimeout = cfg.HTTP.IdleTimeout
	serverConfig.ShutdownTimeout = cfg.App.ShutdownTimeout
	serverConfig.AllowedOrigins = cfg.HTTP.AllowedOrigins
	serverConfig.RateLimitPerSecond = cfg.HTTP.RateLimitPerSecond
	serverConfig.BodyLimit = cfg.HTTP.BodyLimit
	serverConfig.AlertHeartbeat = cfg.HTTP.AlertHeartbeat

	server := httpapi.NewServer(serverConfig, httpapi.Dependencies{
		Classifier:       classifier,
		ProcessMessage:   processMessage,
		CreateAssignment: command.NewCreateAssignmentHandler(assignmentDeps),
		AcceptAssignment: command.NewAcceptAssignmentHandler(assignmentDeps, st.profiles),
		CompleteAssign:   command.NewCompleteAssignmentHandler(assignmentDeps),
		LogResponse:      command.NewLogResponseHandler(st.responses, st.assignments, dispatcher, events, log),
		ReviewStage:      command.NewReviewStageHandler(st.profiles, events, log),
		RiskCounts:       query.NewRiskCountsHandler(st.profiles),
		RiskProfile:      query.NewGetRiskProfileHandler(st.profiles),
		Assignments:      query.NewAssignmentQueries(st.assignments, st.responses),
		Alerts:           alerts,
		Health:           health,
		Registry:         registry,
		Metrics:          m,
		Logger:           log,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 8. RUN UNTIL SIGNALLED
	// ─────────────────────────────────────────────────────────────────────────
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	dispatcher.Start(runCtx)

	if err := alerts.AttachSink(runCtx, shared.AllInstitutions, messaging.NewLogSink(log), cfg.Alerts.SinkTimeout); err != nil {
		return fmt.Errorf("failed to attach audit sink: %w", err)
	}
	if cfg.Alerts.Paging {
		if err := alerts.AttachSink(runCtx, shared.AllInstitutions, notify.NewPagingSink(dispatcher), cfg.Alerts.SinkTimeout); err != nil {
			return fmt.Errorf("failed to attach paging sink: %w", err)
		}
	}

	var relay *messaging.Relay
	if transport != nil {
		relay = messaging.NewRelay(alerts, transport, cfg.Alerts.RelayBuffer, log)
		relay.Start(runCtx)
		log.Info("alert relay started", zap.String("mode", relayMode(cfg)))
	}

	if cfg.Scheduler.Enabled {
		if err := sched.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.Duration("timeout", cfg.App.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	// Producers stop before consumers: no new requests, then no new jobs,
	// then the buses drain.
	cancelRun()
	if cfg.Scheduler.Enabled {
		if stopErr := sched.Stop(); stopErr != nil && !errors.Is(stopErr, scheduler.ErrSchedulerNotRunning) {
			log.Warn("scheduler stop failed", zap.Error(stopErr))
		}
	}
	if closeErr := events.Close(); closeErr != nil {
		log.Warn("event bus close failed", zap.Error(closeErr))
	}
	alerts.Close()
	if relay != nil {
		if waitErr := relay.Wait(); waitErr != nil {
			log.Warn("relay close failed", zap.Error(waitErr))
		}
	}
	dispatcher.Stop()

	if err != nil {
		return err
	}
	log.Info("shutdown completed")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRING HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// openStores connects to Postgres when database.url is set and falls back
// to the in-memory stores otherwise.
func openStores(ctx context.Context, cfg *config.Config, health *httpapi.HealthChecker, log *zap.Logger) (stores, func(), error) {
	if !cfg.Database.Enabled() {
		log.Warn("database.url is empty, using in-memory stores; data is lost on restart")
		return stores{
			profiles:    memory.NewRiskStore(),
			deferred:    memory.NewDeferredQueue(),
			assignments: memory.NewAssignmentStore(),
			responses:   memory.NewResponseLog(),
		}, func() {}, nil
	}

	pc := postgres.DefaultConfig()
	pc.URL = cfg.Database.URL
	if cfg.Database.MaxConns > 0 {
		pc.MaxConns = cfg.Database.MaxConns
	}
	if cfg.Database.MinConns > 0 {
		pc.MinConns = cfg.Database.MinConns
	}
	if cfg.Database.ConnectTimeout > 0 {
		pc.ConnectTimeout = cfg.Database.ConnectTimeout
	}

	conn, err := postgres.NewConnection(ctx, pc)
	if err != nil {
		return stores{}, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	closeFn := func() {
		log.Info("closing database connection")
		conn.Close()
	}

	if cfg.Database.Migrate {
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			closeFn()
			return stores{}, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database schema is up to date")
	}

	health.AddCheck("postgres", httpapi.PingCheck(conn))
	return stores{
		profiles:    postgres.NewRiskRepository(conn),
		deferred:    postgres.NewDeferredQueue(conn),
		assignments: postgres.NewAssignmentRepository(conn),
		responses:   postgres.NewResponseLogRepository(conn),
	}, closeFn, nil
}

// buildDispatcher registers a sender per configured channel. The log
// channel is always present so a notification is never silently lost.
func buildDispatcher(cfg config.NotifyConfig, m *metrics.Metrics, log *zap.Logger) (*notify.Dispatcher, error) {
	dc := notify.DefaultDispatcherConfig()
	if cfg.QueueSize > 0 {
		dc.QueueSize = cfg.QueueSize
	}
	if cfg.Workers > 0 {
		dc.Workers = cfg.Workers
	}
	if cfg.RatePerSecond > 0 {
		dc.RatePerSecond = cfg.RatePerSecond
	}
	if cfg.Burst > 0 {
		dc.Burst = cfg.Burst
	}
	if cfg.SendTimeout > 0 {
		dc.SendTimeout = cfg.SendTimeout
	}
	if cfg.BreakerFailures > 0 {
		dc.BreakerFailures = cfg.BreakerFailures
	}
	if cfg.BreakerTimeout > 0 {
		dc.BreakerTimeout = cfg.BreakerTimeout
	}
	dc.OnCall = map[escalation.Channel][]string{
		escalation.ChannelSMS:   cfg.SMSTo,
		escalation.ChannelEmail: cfg.EmailTo,
	}
	dc.Logger = log
	dc.Metrics = m

	senders := []notify.Sender{notify.NewLogSender(log)}
	if cfg.Twilio.Enabled() {
		s, err := notify.NewTwilioSender(notify.TwilioConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			From:       cfg.Twilio.From,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure twilio: %w", err)
		}
		senders = append(senders, s)
	}
	if cfg.SendGrid.Enabled() {
		s, err := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGrid.APIKey,
			FromName:  cfg.SendGrid.FromName,
			FromEmail: cfg.SendGrid.FromEmail,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure sendgrid: %w", err)
		}
		senders = append(senders, s)
	}
	return notify.NewDispatcher(dc, senders...), nil
}

// relayMode resolves "auto" to the first configured transport.
func relayMode(cfg *config.Config) string {
	if cfg.Alerts.Relay != config.RelayAuto {
		return cfg.Alerts.Relay
	}
	switch {
	case cfg.NATS.URL != "":
		return config.RelayNATS
	case cfg.Redis.Enabled():
		return config.RelayRedis
	default:
		return config.RelayNone
	}
}

func relayTransport(cfg *config.Config, redisClient *goredis.Client, log *zap.Logger, m *metrics.Metrics) (alert.Transport, error) {
	opts := []messaging.TransportOption{messaging.WithTransportLogger(log), messaging.WithTransportMetrics(m)}
	switch relayMode(cfg) {
	case config.RelayNATS:
		t, err := messaging.DialNats(cfg.NATS.URL, cfg.NATS.Subject, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to start nats relay: %w", err)
		}
		return t, nil
	case config.RelayRedis:
		if redisClient == nil {
			return nil, errors.New("redis relay requested but redis is not configured")
		}
		return messaging.NewRedisTransport(redisClient, cfg.Redis.Channel, opts...), nil
	default:
		return nil, nil
	}
}

func registerJobs(
	sched *scheduler.Scheduler,
	cfg config.SchedulerConfig,
	st stores,
	replayer jobs.Replayer,
	notifier jobs.Notifier,
	log *zap.Logger,
	m *metrics.Metrics,
) error {
	sweepConfig := jobs.DefaultSweepDeferredConfig()
	if cfg.SweepMaxAttempts > 0 {
		sweepConfig.MaxAttempts = cfg.SweepMaxAttempts
	}
	remindConfig := jobs.DefaultRemindStaleConfig()
	if cfg.StaleAfter > 0 {
		remindConfig.StaleAfter = cfg.StaleAfter
	}
	if cfg.RemindRepeat > 0 {
		remindConfig.RepeatAfter = cfg.RemindRepeat
	}

	entries := []struct {
		job  scheduler.Job
		spec string
	}{
		{jobs.NewSweepDeferredJob(st.deferred, replayer, sweepConfig, log, m), cfg.SweepDeferred},
		{jobs.NewRemindStaleJob(st.assignments, notifier, remindConfig, log), cfg.RemindStale},
	}
	for _, e := range entries {
		schedule, err := scheduler.ParseSchedule(e.spec)
		if err != nil {
			return fmt.Errorf("job %s: %w", e.job.Name(), err)
		}
		if err := sched.Register(e.job, schedule); err != nil {
			return fmt.Errorf("job %s: %w", e.job.Name(), err)
		}
	}
	return nil
}

// auditEvents logs every domain event at debug level.
func auditEvents(log *zap.Logger) shared.EventHandler {
	l := log.Named("events")
	return func(_ context.Context, e shared.Event) error {
		l.Debug("domain event",
			zap.String("type", string(e.EventType())),
			zap.Time("occurred_at", e.OccurredAt()),
		)
		return nil
	}
}
