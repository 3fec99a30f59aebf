// Command rmos-server runs the manufacturing-governance HTTP surface: the
// per-tool SPEC -> PLAN -> DECISION -> EXECUTION pipeline, the feasibility
// engine, the advisory/attachment subsystem, and the feedback loop.
//
// # Configuration
//
// Environment variables:
//
//	RMOS_LISTEN_ADDR                 - HTTP listen address (default: ":8080")
//	RMOS_ARTIFACT_STORE               - "memory" or "mongo" (default: "memory")
//	RMOS_MONGO_URI, RMOS_MONGO_DATABASE
//	REDIS_URL, REDIS_PASSWORD         - overrides store backend; empty uses in-process memory
//	RMOS_FEASIBILITY_ENGINE_VERSION   - stamped on every verdict (default: "1.0.0")
//	DEPRECATION_SUNSET_DATE           - default sunset date for deprecated lanes
//	ANTHROPIC_API_KEY                 - enables the AI advisory sandbox producer
//	{TOOL}_LEARNING_HOOK_ENABLED, {TOOL}_METRICS_ROLLUP_HOOK_ENABLED,
//	{TOOL}_APPLY_ACCEPTED_OVERRIDES   - per-tool feedback-loop flags, OFF by default
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"github.com/rmos/core/internal/advisory"
	"github.com/rmos/core/internal/advisory/sandbox"
	"github.com/rmos/core/internal/artifact"
	"github.com/rmos/core/internal/artifact/memorystore"
	"github.com/rmos/core/internal/artifact/mongostore"
	"github.com/rmos/core/internal/config"
	"github.com/rmos/core/internal/feasibility"
	"github.com/rmos/core/internal/feedback"
	"github.com/rmos/core/internal/governance"
	"github.com/rmos/core/internal/ingress"
	"github.com/rmos/core/internal/overrides"
	"github.com/rmos/core/internal/pipeline"
	"github.com/rmos/core/internal/telemetry"
)

// toolKinds is the closed tool vocabulary the pipeline, feasibility engine,
// and ingress layer are generated from uniformly.
var toolKinds = []string{
	"saw_batch", "rosette", "rmos_toolpaths", "vcarve", "roughing",
	"drilling", "biarc", "relief", "adaptive_pocket", "helical",
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv(toolKinds)

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if cfg.DebugEnabled {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
	}

	store, cleanup, err := buildArtifactStore(ctx, cfg, redisClient)
	if err != nil {
		return fmt.Errorf("build artifact store: %w", err)
	}
	defer cleanup()

	overridesStore, err := buildOverridesStore(ctx, cfg, redisClient)
	if err != nil {
		return fmt.Errorf("build overrides store: %w", err)
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	engines := make(map[string]pipeline.ComputeEngine, len(toolKinds))
	for _, tk := range toolKinds {
		engines[tk] = pipeline.NewMockComputeEngine()
	}

	schemas, err := pipeline.NewSchemaRegistry(toolKinds)
	if err != nil {
		return fmt.Errorf("build spec schema registry: %w", err)
	}

	orchestrator := pipeline.New(store, feasibility.NewEngine(), engines, overridesStore, schemas, cfg, logger, metrics, tracer)
	feedbackLoop := feedback.New(store, overridesStore, cfg, logger, metrics)

	bus := advisory.NewBus()
	advisorySubsystem := advisory.New(store, bus, logger)
	sandboxProducer := wireSandboxProducer(logger)

	registry := governance.NewRegistry()
	registry.SetDeprecations(deprecationRules(cfg)...)

	server := ingress.New(ingress.Deps{
		Orchestrator:    orchestrator,
		Advisory:        advisorySubsystem,
		Store:           store,
		Feedback:        feedbackLoop,
		Registry:        registry,
		Cfg:             cfg,
		ToolKinds:       toolKinds,
		EngineVersion:   cfg.EngineVersion,
		Log:             logger,
		SandboxProducer: sandboxProducer,
	})

	log.Printf(ctx, "rmos-server listening on %s (artifact_store=%s)", cfg.ListenAddr, cfg.ArtifactStoreBackend)
	return server.Run(ctx)
}

func buildArtifactStore(ctx context.Context, cfg config.Config, redisClient *redis.Client) (artifact.Store, func(), error) {
	switch cfg.ArtifactStoreBackend {
	case "mongo":
		if redisClient == nil {
			return nil, nil, fmt.Errorf("REDIS_URL is required for the mongo artifact store: write serialization across server processes is coordinated through a Pulse replicated map")
		}
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		locks, err := rmap.Join(ctx, "rmos:artifact-write-locks", redisClient)
		if err != nil {
			return nil, nil, fmt.Errorf("join artifact write-lock replicated map: %w", err)
		}
		store := mongostore.New(client.Database(cfg.MongoDatabase), locks)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		cleanup := func() {
			locks.Close()
			if err := client.Disconnect(ctx); err != nil {
				log.Printf(ctx, "disconnect mongo: %v", err)
			}
		}
		return store, cleanup, nil
	default:
		return memorystore.New(), func() {}, nil
	}
}

func buildOverridesStore(ctx context.Context, cfg config.Config, redisClient *redis.Client) (overrides.Store, error) {
	if redisClient == nil {
		return overrides.NewMemoryStore(), nil
	}
	return overrides.NewRedisStore(ctx, redisClient)
}

// wireSandboxProducer returns nil when ANTHROPIC_API_KEY is unset; the
// advisory subsystem's sync attach path (producer=nil) is always available
// regardless, per the advisory-only, opt-in nature of the AI sandbox.
func wireSandboxProducer(logger telemetry.Logger) advisory.Producer {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil
	}
	model := envOr("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest")
	producer, err := sandbox.NewFromAPIKey(apiKey, model)
	if err != nil {
		logger.Warn(context.Background(), "advisory sandbox not wired", "error", err)
		return nil
	}
	logger.Info(context.Background(), "advisory sandbox producer configured", "model", model)
	return producer
}

func deprecationRules(cfg config.Config) []governance.DeprecationRule {
	var rules []governance.DeprecationRule
	for _, d := range cfg.Deprecations {
		sunset := d.SunsetDate
		if sunset == "" {
			sunset = cfg.DeprecationSunsetDate
		}
		rules = append(rules, governance.DeprecationRule{
			Prefix:          d.Prefix,
			SuccessorPrefix: d.SuccessorPrefix,
			SunsetDate:      sunset,
			LaneKey:         d.Lane,
		})
	}
	return rules
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
