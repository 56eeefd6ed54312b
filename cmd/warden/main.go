package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/halcyonworks/warden/internal/actions"
	"github.com/halcyonworks/warden/internal/api"
	"github.com/halcyonworks/warden/internal/assign"
	"github.com/halcyonworks/warden/internal/config"
	"github.com/halcyonworks/warden/internal/connector"
	"github.com/halcyonworks/warden/internal/console"
	"github.com/halcyonworks/warden/internal/costs"
	"github.com/halcyonworks/warden/internal/detect"
	"github.com/halcyonworks/warden/internal/engine"
	"github.com/halcyonworks/warden/internal/escalate"
	"github.com/halcyonworks/warden/internal/events"
	"github.com/halcyonworks/warden/internal/locks"
	"github.com/halcyonworks/warden/internal/metrics"
	"github.com/halcyonworks/warden/internal/sandbox"
	"github.com/halcyonworks/warden/internal/secrets"
	"github.com/halcyonworks/warden/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var st store.Store
	if cfg.Database.Driver == "postgres" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pg
		logger.Info("connected to database")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("using in-memory store, state will not survive restarts")
	}
	defer st.Close()

	// Events (optional)
	var eventsClient events.Client
	if cfg.Events.URL != "" {
		ec, err := events.NewNATSClient(ctx, cfg.Events.URL, logger)
		if err != nil {
			logger.Warn("failed to connect to event bus, running without events", "error", err)
		} else {
			eventsClient = ec
			defer ec.Close()
			logger.Info("connected to event bus")
		}
	}

	// Secrets broker, used to resolve the sandbox token when the config
	// does not carry one inline.
	sandboxToken := cfg.Sandbox.Token
	if sandboxToken == "" && cfg.Secrets.URL != "" {
		sec := secrets.NewHTTPClient(cfg.Secrets.URL, os.Getenv("WARDEN_SECRETS_TOKEN"), cfg.SecretsCacheTTL())
		tok, err := sec.Get(ctx, "sandbox_token")
		if err != nil {
			logger.Warn("failed to fetch sandbox token from secrets broker", "error", err)
		} else {
			sandboxToken = tok
		}
	}

	// Sandbox runtime
	sandboxClient := sandbox.NewHTTPClient(cfg.Sandbox.URL, sandboxToken, cfg.Sandbox.MaxAttempts)

	// Metrics
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Console watcher and detectors
	watcher := console.NewWatcher(cfg.Watcher.BufferCapacity, logger)
	matcher := detect.NewMatcher()
	stuck := detect.NewStuckDetector(cfg.StuckThreshold())

	// Locks and conflicts
	lockDetector := locks.NewDetector(st, eventsClient, m, cfg.LockTTL(), logger)

	// Actions and escalations
	executor := actions.NewExecutor(st, sandboxClient, lockDetector, watcher, logger)
	queue := escalate.NewQueue(st, eventsClient, logger)

	// Decision engine
	level, err := engine.ParseAutonomyLevel(cfg.Autonomy.Level)
	if err != nil {
		logger.Error("invalid autonomy level", "error", err)
		os.Exit(1)
	}
	eng := engine.New(st, eventsClient, executor, queue, m, engine.Options{
		Level:      level,
		Cooldown:   cfg.ActionCooldown(),
		Thresholds: engine.MergeThresholds(engine.DefaultThresholds(), cfg.Autonomy.Thresholds),
	}, logger)

	// Cost accounting. Usage totals feed back into the tracker so
	// context-exhaustion decisions see real numbers.
	connectors := make(map[string]connector.Connector, len(cfg.Connectors))
	for provider, cc := range cfg.Connectors {
		connectors[provider] = connector.NewHTTPConnector(cc.URL, cc.APIKey, cc.Model, cc.CostPerInputToken, cc.CostPerOutputToken)
	}
	recorder := costs.NewRecorder(st, connectors, eng.Tracker(), logger)

	// Console output flows watcher -> matcher -> engine. Every chunk also
	// counts as activity for stuck detection.
	watcher.OnOutput(func(chunk console.OutputChunk) {
		stuck.RecordActivity(chunk.AgentID)
		matcher.ProcessOutput(chunk.AgentID, chunk.SandboxID, chunk.Chunk)
	})
	matcher.Subscribe(func(ev *detect.Event) {
		eng.HandleEvent(ctx, ev)
	})

	// Assignment broker
	broker := assign.New(st, eventsClient, m, cfg, logger)
	broker.Start(ctx)
	defer broker.Stop()
	logger.Info("assignment broker started", "tick_interval", cfg.TickInterval())

	if eventsClient != nil {
		setupSubscriptions(eventsClient, st, watcher, stuck, broker, logger)
	}

	go watchLoop(ctx, st, watcher, stuck, m, logger)
	go stuckLoop(ctx, cfg, stuck, eng)
	go sweepLoop(ctx, cfg, st, lockDetector, queue, m, logger)

	// API server
	router := api.NewRouter(api.Deps{
		Store:      st,
		Broker:     broker,
		Executor:   executor,
		Locks:      lockDetector,
		Queue:      queue,
		Matcher:    matcher,
		Costs:      recorder,
		Output:     watcher,
		AdminToken: cfg.Server.AdminToken,
		Logger:     logger,
	})
	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: api.NewMetricsRouter(),
	}

	go func() {
		logger.Info("API server starting", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("API server error", "error", err)
		}
	}()

	go func() {
		logger.Info("metrics server starting", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	eng.Wait()

	logger.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// setupSubscriptions wires the event bus into the watcher and broker:
// sandbox output chunks, agent heartbeats and stop notifications.
func setupSubscriptions(ev events.Client, st store.Store, watcher *console.Watcher, stuck *detect.StuckDetector, broker *assign.Broker, logger *slog.Logger) {
	err := ev.Subscribe(events.SubjectSandboxOutput, func(subject string, data []byte) {
		parts := strings.Split(subject, ".")
		if len(parts) != 4 {
			return
		}
		sandboxID := parts[2]
		agentID, ok := watcher.AgentForSandbox(sandboxID)
		if !ok {
			return
		}
		watcher.ProcessChunk(agentID, string(data))
	})
	if err != nil {
		logger.Warn("failed to subscribe to sandbox output", "error", err)
	}

	err = ev.Subscribe(events.SubjectAgentHeartbeat, func(subject string, _ []byte) {
		parts := strings.Split(subject, ".")
		if len(parts) != 4 {
			return
		}
		agentID := parts[2]
		_ = st.RecordHeartbeat(context.Background(), agentID, time.Now())
		watcher.UpdateHeartbeat(agentID)
		stuck.RecordActivity(agentID)
	})
	if err != nil {
		logger.Warn("failed to subscribe to heartbeats", "error", err)
	}

	err = ev.Subscribe(events.SubjectAgentStopped, func(subject string, _ []byte) {
		parts := strings.Split(subject, ".")
		if len(parts) != 4 {
			return
		}
		broker.HandleAgentStopped(context.Background(), parts[2])
	})
	if err != nil {
		logger.Warn("failed to subscribe to agent stop events", "error", err)
	}
}

// watchLoop reconciles the watcher against the registry: agents with a
// sandbox get watched, offline agents are dropped.
func watchLoop(ctx context.Context, st store.Store, watcher *console.Watcher, stuck *detect.StuckDetector, m *metrics.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	watched := make(map[string]string) // agent id -> sandbox id
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			agents, err := st.ListAgents(ctx)
			if err != nil {
				logger.Warn("failed to list agents", "error", err)
				continue
			}
			live := make(map[string]bool, len(agents))
			for _, a := range agents {
				if a.SandboxID == "" || a.Status == store.AgentOffline {
					continue
				}
				live[a.ID] = true
				if watched[a.ID] != a.SandboxID {
					watcher.Watch(a.SandboxID, a.ID)
					stuck.TrackAgent(a.ID, a.SandboxID)
					watched[a.ID] = a.SandboxID
				}
			}
			for id, sandboxID := range watched {
				if !live[id] {
					watcher.Unwatch(sandboxID)
					stuck.UntrackAgent(id)
					delete(watched, id)
				}
			}
			m.WatchedAgents.Set(float64(len(live)))
		}
	}
}

// stuckLoop polls the inactivity detector and feeds hits to the engine.
func stuckLoop(ctx context.Context, cfg *config.Config, stuck *detect.StuckDetector, eng *engine.Engine) {
	interval := cfg.StuckCheckInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range stuck.Check() {
				eng.HandleEvent(ctx, ev)
			}
		}
	}
}

// sweepLoop expires dead locks and stale escalations and refreshes the
// pending-escalations gauge.
func sweepLoop(ctx context.Context, cfg *config.Config, st store.Store, ld *locks.Detector, queue *escalate.Queue, m *metrics.Metrics, logger *slog.Logger) {
	interval := cfg.LockSweepInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := ld.SweepExpired(ctx); err != nil {
				logger.Warn("lock sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("swept expired locks", "count", n)
			}
			if cfg.Escalation.TTLHours > 0 {
				if n, err := queue.ExpireOldRequests(ctx, cfg.Escalation.TTLHours); err != nil {
					logger.Warn("escalation sweep failed", "error", err)
				} else if n > 0 {
					logger.Info("expired stale escalations", "count", n)
				}
			}
			if stats, err := st.GetStats(ctx); err == nil {
				m.EscalationsPending.Set(float64(stats.EscalationsPending))
			}
		}
	}
}
