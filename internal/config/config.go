// Package config defines the explicit configuration injected into the
// pipeline orchestrator and ingress server at construction time.
//
// Feature flags are never package-level mutable state: the Config struct is
// built once at startup and threaded through constructors, so a test or a
// second server instance can hold its own flag set.
package config

import (
	"os"
	"strconv"
	"time"
)

type (
	// ToolFlags holds the three opt-in feedback-loop flags for a single tool
	// kind. All three default to OFF.
	ToolFlags struct {
		// LearningHookEnabled gates LEARNING_EVENT emission from job logs.
		LearningHookEnabled bool
		// MetricsRollupHookEnabled gates ROLLUP artifact emission from job logs.
		MetricsRollupHookEnabled bool
		// ApplyAcceptedOverrides gates consulting the overrides store during
		// create_plan.
		ApplyAcceptedOverrides bool
	}

	// StageBudgets holds the per-stage cancellation budgets.
	StageBudgets struct {
		Spec      time.Duration
		Plan      time.Duration
		Execution time.Duration
	}

	// Deprecation describes one deprecated route prefix.
	Deprecation struct {
		Prefix          string
		SuccessorPrefix string
		SunsetDate      string
		Lane            string
	}

	// Config is the root configuration object. It is built once at process
	// startup (from environment variables, by default) and injected into the
	// orchestrator, feedback loop, and ingress server constructors.
	Config struct {
		// ArtifactStoreBackend selects the artifact store implementation:
		// "memory" or "mongo".
		ArtifactStoreBackend string
		// MongoURI is the connection string used when ArtifactStoreBackend is
		// "mongo".
		MongoURI string
		// MongoDatabase is the database name used when ArtifactStoreBackend is
		// "mongo".
		MongoDatabase string
		// RedisURL configures the overrides store's optional clustered backend.
		// Empty means the in-process fallback is used.
		RedisURL string
		// RedisPassword authenticates against RedisURL, if set.
		RedisPassword string
		// Flags maps tool kind to its per-tool feedback flags.
		Flags map[string]ToolFlags
		// Budgets holds the default per-stage cancellation budgets.
		Budgets StageBudgets
		// DeprecationSunsetDate is the default sunset date stamped on
		// deprecated lanes that do not specify their own.
		DeprecationSunsetDate string
		// Deprecations lists the deprecated route prefixes the governance
		// layer enforces.
		Deprecations []Deprecation
		// EngineVersion is the feasibility engine's semantic version, stamped
		// on every verdict.
		EngineVersion string
		// ListenAddr is the ingress HTTP listen address.
		ListenAddr string
		// DebugEnabled mounts pprof and log-level debug endpoints.
		DebugEnabled bool
		// RateLimitRPS is the per-client requests-per-second budget enforced
		// on every ingress HTTP route. Zero disables throttling.
		RateLimitRPS float64
		// RateLimitBurst is the token bucket burst capacity paired with
		// RateLimitRPS.
		RateLimitBurst int
	}
)

// DefaultStageBudgets returns the default per-stage budgets: SPEC 1s,
// PLAN 5s, EXECUTION 30s.
func DefaultStageBudgets() StageBudgets {
	return StageBudgets{
		Spec:      1 * time.Second,
		Plan:      5 * time.Second,
		Execution: 30 * time.Second,
	}
}

// FlagsFor returns the feedback-loop flags configured for toolKind, or the
// all-OFF zero value if the tool has no explicit configuration.
func (c Config) FlagsFor(toolKind string) ToolFlags {
	return c.Flags[toolKind]
}

// FromEnv builds a Config from environment variables, following the
// `{TOOL}_LEARNING_HOOK_ENABLED` / `{TOOL}_METRICS_ROLLUP_HOOK_ENABLED` /
// `{TOOL}_APPLY_ACCEPTED_OVERRIDES` convention, plus DEPRECATION_SUNSET_DATE.
// toolKinds lists the closed tool vocabulary so every tool gets a flag set,
// defaulting to OFF when unset.
func FromEnv(toolKinds []string) Config {
	cfg := Config{
		ArtifactStoreBackend:  envOr("RMOS_ARTIFACT_STORE", "memory"),
		MongoURI:              envOr("RMOS_MONGO_URI", ""),
		MongoDatabase:         envOr("RMOS_MONGO_DATABASE", "rmos"),
		RedisURL:              os.Getenv("REDIS_URL"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		Flags:                 make(map[string]ToolFlags, len(toolKinds)),
		Budgets:               DefaultStageBudgets(),
		DeprecationSunsetDate: envOr("DEPRECATION_SUNSET_DATE", "2026-12-31"),
		EngineVersion:         envOr("RMOS_FEASIBILITY_ENGINE_VERSION", "1.0.0"),
		ListenAddr:            envOr("RMOS_LISTEN_ADDR", ":8080"),
		DebugEnabled:          envBool("RMOS_DEBUG", false),
		RateLimitRPS:          envFloat("RMOS_RATE_LIMIT_RPS", 50),
		RateLimitBurst:        envInt("RMOS_RATE_LIMIT_BURST", 100),
	}
	for _, tk := range toolKinds {
		prefix := envPrefix(tk)
		cfg.Flags[tk] = ToolFlags{
			LearningHookEnabled:      envBool(prefix+"_LEARNING_HOOK_ENABLED", false),
			MetricsRollupHookEnabled: envBool(prefix+"_METRICS_ROLLUP_HOOK_ENABLED", false),
			ApplyAcceptedOverrides:   envBool(prefix+"_APPLY_ACCEPTED_OVERRIDES", false),
		}
	}
	// The legacy art-studio surface predates the lane split and remains
	// mounted behind deprecation headers until its sunset date.
	cfg.Deprecations = []Deprecation{{
		Prefix:          "/api/art-studio",
		SuccessorPrefix: "/api/art",
		SunsetDate:      cfg.DeprecationSunsetDate,
		Lane:            "legacy_art_studio_lane",
	}}
	return cfg
}

func envPrefix(toolKind string) string {
	out := make([]byte, 0, len(toolKind))
	for _, r := range toolKind {
		if r >= 'a' && r <= 'z' {
			out = append(out, byte(r-'a'+'A'))
		} else {
			out = append(out, byte(r))
		}
	}
	return string(out)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
