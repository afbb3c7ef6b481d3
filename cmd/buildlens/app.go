package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/config"
	"github.com/structhub/buildlens/gate"
	"github.com/structhub/buildlens/httpapi"
	"github.com/structhub/buildlens/intent"
	"github.com/structhub/buildlens/llm"
	"github.com/structhub/buildlens/manager"
	"github.com/structhub/buildlens/model"
	"github.com/structhub/buildlens/session"
	"github.com/structhub/buildlens/stream"
	"github.com/structhub/buildlens/worker"
)

// EventsStream is the JetStream stream that captures the event mirror's
// session.events.> subjects.
const EventsStream = "SESSION_EVENTS"

// App wires the session store, manager loop, decision gate, event
// stream, and HTTP API together over one NATS connection.
type App struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	nats       *natsclient.Client
	models     *model.Registry
	store      *session.Store
	replica    *session.Replica
	broadcast  *stream.Broadcaster
	mirror     *stream.Mirror
	gate       *gate.Gate
	mgr        *manager.Manager
	watcher    *config.Watcher
	httpServer *http.Server

	bgCancel context.CancelFunc
	serveErr chan error
}

// NewApp creates an application instance. Start does the wiring.
func NewApp(cfg *config.Config, configPath string, logger *slog.Logger) *App {
	return &App{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		serveErr:   make(chan error, 1),
	}
}

// ServeErr reports a fatal HTTP listener error.
func (a *App) ServeErr() <-chan error {
	return a.serveErr
}

// Start connects NATS and brings up every component. Background work
// (replica writes, event mirror, decision sweep, config watch) runs
// until Shutdown.
func (a *App) Start(ctx context.Context) error {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	a.bgCancel = bgCancel

	if err := a.connectNATS(ctx); err != nil {
		bgCancel()
		return err
	}
	if err := a.ensureEventStream(ctx); err != nil {
		bgCancel()
		return err
	}

	exportAPIKey(a.cfg, a.logger)

	a.models = buildModelRegistry(a.cfg)
	client := a.buildLLMClient()

	// Session state, replicated to a JetStream KV bucket.
	a.store = session.NewStore(nil, a.logger)
	replica, err := session.NewReplica(a.nats, a.logger)
	if err != nil {
		bgCancel()
		return fmt.Errorf("create session replica: %w", err)
	}
	a.replica = replica
	a.store.OnChange(replica.ChangeFunc())
	replica.Start(bgCtx)

	// Event fan-out, mirrored to JetStream for audit.
	a.broadcast = stream.NewBroadcaster(
		stream.WithBufferSize(a.cfg.Stream.SubscriberBuffer),
		stream.WithLogger(a.logger))
	mirror, err := stream.NewMirror(a.nats, a.logger)
	if err != nil {
		bgCancel()
		return fmt.Errorf("create event mirror: %w", err)
	}
	a.mirror = mirror
	a.broadcast.AddSink(mirror.Sink())
	go mirror.Start(bgCtx)

	gateOpts := []gate.Option{
		gate.WithDefaultTimeout(a.cfg.Manager.DecisionTimeout),
		gate.WithLogger(a.logger),
	}
	// Decision auditing is optional; the gate runs without it.
	journal, err := gate.NewJournal(a.nats, a.logger)
	if err != nil {
		a.logger.Warn("Decision audit journal disabled", "error", err)
	} else {
		gateOpts = append(gateOpts, gate.WithJournal(journal))
	}
	a.gate = gate.New(a.store, a.broadcast, gateOpts...)
	go a.gate.Start(bgCtx)

	classifier := intent.NewClassifier(client,
		intent.WithConfidenceFloor(a.cfg.Manager.IntentConfidenceFloor),
		intent.WithLogger(a.logger))

	allocator := brain.NewAllocator(a.models, tierOverrides(a.cfg), a.logger)

	registry, err := worker.NewRegistry(
		worker.NewFileReader(a.cfg.Intake.AllowedPatterns, a.logger),
		worker.NewTradeMapper(client, a.logger),
		worker.NewScope(client, a.logger),
		worker.NewTakeoff(client, a.logger),
		worker.NewEstimator(client, a.logger),
		worker.NewQAValidator(a.logger),
		worker.NewExporter(a.cfg.QABlocksOnError(), a.logger),
		worker.NewSpreadsheetIntake(a.cfg.Intake.SpreadsheetServiceURL, a.logger),
	)
	if err != nil {
		bgCancel()
		return fmt.Errorf("build worker registry: %w", err)
	}

	a.mgr = manager.New(a.store, classifier, allocator, registry, a.broadcast, a.gate,
		manager.WithLogger(a.logger),
		manager.WithDispatchTimeout(a.cfg.Manager.WorkerDispatchTimeout),
		manager.WithRunTimeout(a.cfg.Manager.RunTimeout),
		manager.WithRetryBudget(a.cfg.Manager.RetryBudget),
		manager.WithParallelDispatch(a.cfg.Manager.ParallelDispatchEnabled))

	a.startHTTP()

	if a.configPath != "" {
		watcher, err := config.NewWatcher(a.configPath, a.applyReload, a.logger)
		if err != nil {
			a.logger.Warn("Config watcher disabled", "error", err)
		} else if err := watcher.Start(bgCtx); err != nil {
			a.logger.Warn("Config watcher failed to start", "error", err)
		} else {
			a.watcher = watcher
		}
	}

	return nil
}

// Shutdown stops the HTTP server, waits for in-flight runs to unwind,
// and drains the NATS connection.
func (a *App) Shutdown(timeout time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("HTTP server shutdown", "error", err)
		}
	}
	if a.mgr != nil {
		a.mgr.Close()
	}
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	if a.bgCancel != nil {
		a.bgCancel()
	}
	if a.nats != nil {
		a.nats.Close(shutdownCtx)
	}
}

func (a *App) connectNATS(ctx context.Context) error {
	url := a.cfg.NATS.URL
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		url = envURL
	}

	a.logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(a.cfg.NATS.Name),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return wrapNATSError(err, url)
	}

	a.nats = client
	a.logger.Info("Connected to NATS", "url", url)
	return nil
}

// wrapNATSError provides guidance when the NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL to point at your NATS server.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}

// ensureEventStream creates the JetStream stream behind the event
// mirror. KV buckets (sessions, LLM calls) create themselves.
func (a *App) ensureEventStream(ctx context.Context) error {
	js, err := a.nats.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        EventsStream,
		Description: "Session event mirror for audit and replay",
		Subjects:    []string{"session.events.>"},
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure events stream: %w", err)
	}
	return nil
}

func (a *App) buildLLMClient() *llm.Client {
	opts := []llm.ClientOption{
		llm.WithLogger(a.logger),
		llm.WithHTTPClient(&http.Client{Timeout: a.cfg.Model.Timeout}),
	}

	// Call auditing is optional; the service runs without it.
	callStore, err := llm.NewCallStore(a.nats, a.logger)
	if err != nil {
		a.logger.Warn("LLM call audit disabled", "error", err)
	} else {
		opts = append(opts, llm.WithCallStore(callStore))
	}

	return llm.NewClient(a.models, opts...)
}

func (a *App) startHTTP() {
	server := httpapi.NewServer(a.store, a.mgr, a.gate, a.broadcast,
		httpapi.WithLogger(a.logger),
		httpapi.WithHeartbeat(a.cfg.Stream.HeartbeatInterval),
		httpapi.WithAllowedPatterns(a.cfg.Intake.AllowedPatterns))

	mux := http.NewServeMux()
	server.RegisterHTTPHandlers(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.serveErr <- err
		}
	}()
}

// applyReload consumes a config reload. Structural options (addresses,
// NATS, worker set) need a restart; model tier routing applies live so
// operators can steer allocation without dropping sessions.
func (a *App) applyReload(cfg *config.Config) {
	applyModelTiers(a.models, cfg)
	a.logger.Info("Applied model tier configuration from reload")
}

// buildModelRegistry maps the config's tier chains onto a registry.
// With no tiers configured the built-in defaults apply.
func buildModelRegistry(cfg *config.Config) *model.Registry {
	if len(cfg.Model.Tiers) == 0 {
		return model.NewDefaultRegistry()
	}

	registry := model.NewRegistry(map[model.Tier]*model.TierConfig{}, map[string]*model.EndpointConfig{})
	applyModelTiers(registry, cfg)
	return registry
}

// applyModelTiers writes the config's tier chains into the registry.
// Every named model gets an endpoint on the configured provider unless
// one already exists.
func applyModelTiers(registry *model.Registry, cfg *config.Config) {
	for name, chain := range cfg.Model.Tiers {
		tier := model.ParseTier(name)
		if tier == "" {
			continue
		}
		registry.SetTier(tier, &model.TierConfig{Preferred: chain})

		for _, modelName := range chain {
			if registry.GetEndpoint(modelName) != nil {
				continue
			}
			registry.SetEndpoint(modelName, &model.EndpointConfig{
				Provider: cfg.Model.Provider,
				URL:      cfg.Model.Endpoint,
				Model:    modelName,
			})
		}
	}

	if chain, ok := cfg.Model.Tiers["medium"]; ok && len(chain) > 0 {
		registry.SetDefault(chain[0])
	}
}

// tierOverrides converts the config's per-worker tier pins.
func tierOverrides(cfg *config.Config) map[string]model.Tier {
	if len(cfg.Manager.BrainTierOverrides) == 0 {
		return nil
	}
	out := make(map[string]model.Tier, len(cfg.Manager.BrainTierOverrides))
	for workerName, tier := range cfg.Manager.BrainTierOverrides {
		parsed := model.ParseTier(tier)
		if parsed == "" {
			continue
		}
		out[workerName] = parsed
	}
	return out
}

// exportAPIKey bridges the configured api_key_env to the environment
// variable the provider implementation reads, when it is not already set.
func exportAPIKey(cfg *config.Config, logger *slog.Logger) {
	if cfg.Model.APIKeyEnv == "" {
		return
	}
	key := os.Getenv(cfg.Model.APIKeyEnv)
	if key == "" {
		return
	}

	var target string
	switch cfg.Model.Provider {
	case "openai":
		target = "OPENAI_API_KEY"
	case "anthropic":
		target = "ANTHROPIC_API_KEY"
	default:
		return
	}
	if os.Getenv(target) != "" {
		return
	}
	if err := os.Setenv(target, key); err != nil {
		logger.Warn("Failed to export provider API key", "error", err)
	}
}
