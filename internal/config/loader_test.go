package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSecretProvider struct {
	values     map[string]string
	err        error
	calledWith []string
}

func (p *testSecretProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	p.calledWith = append(p.calledWith, keys...)
	if p.err != nil {
		return nil, p.err
	}
	result := make(map[string]string)
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			result[k] = v
		}
	}
	return result, nil
}

// testDeps reads the real environment (populated through t.Setenv) but never
// loads a .env file from the working directory.
func testDeps() loaderDeps {
	deps := defaultDeps()
	deps.dotenv = func() error { return nil }
	return deps
}

func setLocalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("ARTIFACT_STORE", "file")
	t.Setenv("ARTIFACT_DIR", t.TempDir())
	t.Setenv("RUN_LOCK_BACKEND", "none")
	t.Setenv("METRICS_BACKEND", "none")
}

func TestLoadConfig_LocalDefaults(t *testing.T) {
	setLocalEnv(t)

	cfg, err := loadConfigWithDeps(nil, testDeps())
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, "riskgrid-pipeline", cfg.Service)
	assert.Equal(t, 50000, cfg.Pipeline.SpillThresholdRows)
	assert.Equal(t, 100000, cfg.Pipeline.GCIntervalRows)
	assert.Equal(t, 1000, cfg.Pipeline.ScoreChunkSize)
	assert.Equal(t, 64, cfg.Pipeline.MaxCategories)
	assert.InDelta(t, 75.0, cfg.Pipeline.RiskPercentile, 1e-9)
	assert.InDelta(t, 24.0, cfg.Pipeline.DefaultHorizonHours, 1e-9)
	assert.Equal(t, 60, cfg.Pipeline.HighConfidenceMinSamples)
	assert.InDelta(t, 0.15, cfg.Pipeline.HighConfidenceMaxStdDev, 1e-9)
	assert.InDelta(t, 0.7, cfg.Pipeline.HighConfidenceMinScore, 1e-9)
	assert.Equal(t, 25, cfg.Pipeline.MediumConfidenceMinSamples)
	assert.InDelta(t, 0.5, cfg.Pipeline.MediumConfidenceMinScore, 1e-9)
	assert.Equal(t, 14*time.Minute, cfg.Pipeline.RunTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Redis.LockTTL)
	assert.Equal(t, "dev", cfg.Build.Version)
}

func TestLoadConfig_ValidationFailure(t *testing.T) {
	setLocalEnv(t)
	t.Setenv("PIPELINE_SUBSAMPLE_RATIO", "1.5")

	_, err := loadConfigWithDeps(nil, testDeps())
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrValidation, cfgErr.Type)
}

func TestLoadConfig_ParsingFailure(t *testing.T) {
	setLocalEnv(t)
	t.Setenv("PIPELINE_SCORE_CHUNK_SIZE", "lots")

	_, err := loadConfigWithDeps(nil, testDeps())

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrParsing, cfgErr.Type)
}

func TestLoadConfig_BackendRequirements(t *testing.T) {
	setLocalEnv(t)
	t.Setenv("ARTIFACT_STORE", "s3")
	t.Setenv("RUN_LOCK_BACKEND", "redis")

	_, err := loadConfigWithDeps(nil, testDeps())

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, ErrMissingEnv, cfgErr.Type)
	assert.Contains(t, cfgErr.Message, "ARTIFACT_BUCKET")
	assert.Contains(t, cfgErr.Message, "REDIS_ADDR")
}

func TestLoadConfig_SSMResolution(t *testing.T) {
	setLocalEnv(t)
	t.Setenv("APP_ENV", "dev")
	t.Setenv("RUN_LOCK_BACKEND", "postgres")
	t.Setenv("DATABASE_URL_SSM_PARAM", "/dev/riskgrid/database/url")
	t.Setenv("DATABASE_URL", "")
	require.NoError(t, os.Unsetenv("DATABASE_URL"))

	provider := &testSecretProvider{values: map[string]string{
		"/dev/riskgrid/database/url": "postgres://u:p@localhost:5432/riskgrid",
	}}

	cfg, err := loadConfigWithDeps(provider, testDeps())
	require.NoError(t, err)

	assert.Equal(t, []string{"/dev/riskgrid/database/url"}, provider.calledWith)
	assert.Equal(t, "postgres://u:p@localhost:5432/riskgrid", cfg.Database.URL.Unmask())
}

func TestResolveSSMParams(t *testing.T) {
	env := map[string]string{
		"REDIS_PASSWORD_SSM_PARAM": "/prod/redis",
		"DATABASE_URL_SSM_PARAM":   "/prod/db",
		"DATABASE_URL":             "postgres://already-set",
		"EMPTY_SSM_PARAM":          "",
	}
	deps := loaderDeps{
		lookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
		setEnv:    func(k, v string) error { env[k] = v; return nil },
		environ: func() []string {
			out := make([]string, 0, len(env))
			for k, v := range env {
				out = append(out, k+"="+v)
			}
			return out
		},
	}

	t.Run("skips variables already set", func(t *testing.T) {
		provider := &testSecretProvider{values: map[string]string{"/prod/redis": "s3cret"}}
		require.NoError(t, resolveSSMParams(provider, deps))
		assert.Equal(t, []string{"/prod/redis"}, provider.calledWith)
		assert.Equal(t, "s3cret", env["REDIS_PASSWORD"])
		assert.Equal(t, "postgres://already-set", env["DATABASE_URL"])
	})

	t.Run("nil provider", func(t *testing.T) {
		delete(env, "REDIS_PASSWORD")
		err := resolveSSMParams(nil, deps)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "REDIS_PASSWORD")
	})

	t.Run("missing parameter", func(t *testing.T) {
		delete(env, "REDIS_PASSWORD")
		err := resolveSSMParams(&testSecretProvider{}, deps)
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "not found"))
	})

	t.Run("provider error is wrapped", func(t *testing.T) {
		sentinel := errors.New("throttled")
		err := resolveSSMParams(&testSecretProvider{err: sentinel}, deps)
		assert.ErrorIs(t, err, sentinel)
	})
}
