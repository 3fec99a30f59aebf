package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStageBudgets(t *testing.T) {
	b := DefaultStageBudgets()
	assert.Equal(t, "1s", b.Spec.String())
	assert.Equal(t, "5s", b.Plan.String())
	assert.Equal(t, "30s", b.Execution.String())
}

func TestFlagsFor_DefaultsToAllOffForUnconfiguredTool(t *testing.T) {
	cfg := Config{Flags: map[string]ToolFlags{}}
	flags := cfg.FlagsFor("unknown_tool")
	assert.False(t, flags.LearningHookEnabled)
	assert.False(t, flags.MetricsRollupHookEnabled)
	assert.False(t, flags.ApplyAcceptedOverrides)
}

func TestFromEnv_PerToolFlagsDefaultOffAndRespectOverride(t *testing.T) {
	t.Setenv("SAW_BATCH_LEARNING_HOOK_ENABLED", "true")

	cfg := FromEnv([]string{"saw_batch", "rosette_cut"})

	sawFlags := cfg.FlagsFor("saw_batch")
	assert.True(t, sawFlags.LearningHookEnabled)
	assert.False(t, sawFlags.MetricsRollupHookEnabled)
	assert.False(t, sawFlags.ApplyAcceptedOverrides)

	rosetteFlags := cfg.FlagsFor("rosette_cut")
	assert.False(t, rosetteFlags.LearningHookEnabled)
}

func TestFromEnv_DefaultsWhenUnset(t *testing.T) {
	for _, key := range []string{"RMOS_ARTIFACT_STORE", "RMOS_LISTEN_ADDR", "RMOS_DEBUG", "RMOS_RATE_LIMIT_RPS", "RMOS_RATE_LIMIT_BURST"} {
		require.NoError(t, os.Unsetenv(key))
	}
	cfg := FromEnv([]string{"saw_batch"})
	assert.Equal(t, "memory", cfg.ArtifactStoreBackend)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.False(t, cfg.DebugEnabled)
	assert.Equal(t, 50.0, cfg.RateLimitRPS)
	assert.Equal(t, 100, cfg.RateLimitBurst)
}

func TestFromEnv_SeedsLegacyArtStudioDeprecation(t *testing.T) {
	t.Setenv("DEPRECATION_SUNSET_DATE", "2027-06-30")
	cfg := FromEnv([]string{"saw_batch"})
	require.Len(t, cfg.Deprecations, 1)
	d := cfg.Deprecations[0]
	assert.Equal(t, "/api/art-studio", d.Prefix)
	assert.Equal(t, "/api/art", d.SuccessorPrefix)
	assert.Equal(t, "2027-06-30", d.SunsetDate)
	assert.Equal(t, "legacy_art_studio_lane", d.Lane)
}

func TestFromEnv_MalformedOverrideFallsBackToDefault(t *testing.T) {
	t.Setenv("RMOS_RATE_LIMIT_RPS", "not-a-number")
	cfg := FromEnv([]string{"saw_batch"})
	assert.Equal(t, 50.0, cfg.RateLimitRPS)
}
