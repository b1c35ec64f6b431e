package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		Query:               "language:python",
		SearchPerPage:       30,
		Extension:           ".py",
		Tokens:              []string{"t1"},
		Workers:             4,
		CommitBatchSize:     10,
		ReserveQuota:        1,
		MaxQuota:            5000,
		SearchMaxQuota:      30,
		MaxFailures:         3,
		FailureCooldown:     time.Minute,
		RequestsPerSecond:   10,
		BackoffBase:         time.Second,
		BackoffCap:          time.Minute,
		MaxRateLimitRetries: 5,
		MaxTransientRetries: 3,
		TransientDelay:      time.Second,
		RequestTimeout:      30 * time.Second,
		ExhaustionPatience:  time.Hour,
		StorageType:         "sqlite",
		SQLitePath:          "x.db",
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestLoad(t *testing.T) {
	t.Run("reads typed values and derives defaults", func(t *testing.T) {
		t.Setenv("GITHUB_TOKENS", " a, b ,,c ")
		t.Setenv("WORKERS", "3")
		t.Setenv("BACKOFF_CAP", "90s")
		t.Setenv("TARGET_EXTENSION", "go")
		t.Setenv("REQUESTS_PER_SECOND", "2.5")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "b", "c"}, cfg.Tokens)
		assert.Equal(t, 3, cfg.Workers)
		assert.Equal(t, 6, cfg.QueueCapacity)
		assert.Equal(t, 90*time.Second, cfg.BackoffCap)
		assert.Equal(t, ".go", cfg.Extension)
		assert.Equal(t, 2.5, cfg.RequestsPerSecond)
		assert.Equal(t, 1500, cfg.CommitBatchSize)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("falls back to single token variable", func(t *testing.T) {
		t.Setenv("GITHUB_TOKENS", "")
		t.Setenv("GITHUB_TOKEN", "solo")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, []string{"solo"}, cfg.Tokens)
	})

	t.Run("rejects malformed numbers", func(t *testing.T) {
		t.Setenv("WORKERS", "many")

		_, err := Load()
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "WORKERS", cfgErr.Field)
	})

	t.Run("leaves missing tokens to Validate", func(t *testing.T) {
		t.Setenv("GITHUB_TOKENS", "")
		t.Setenv("GITHUB_TOKEN", "")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Empty(t, cfg.Tokens)

		var cfgErr *ConfigError
		require.ErrorAs(t, cfg.Validate(), &cfgErr)
		assert.Equal(t, "GITHUB_TOKENS", cfgErr.Field)
	})

	t.Run("rejects malformed durations", func(t *testing.T) {
		t.Setenv("REQUEST_TIMEOUT", "soon")

		_, err := Load()
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "REQUEST_TIMEOUT", cfgErr.Field)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing tokens", func(c *Config) { c.Tokens = nil }, "GITHUB_TOKENS"},
		{"empty query", func(c *Config) { c.Query = "  " }, "SEARCH_QUERY"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "WORKERS"},
		{"too many workers", func(c *Config) { c.Workers = 65 }, "WORKERS"},
		{"zero batch", func(c *Config) { c.CommitBatchSize = 0 }, "COMMIT_BATCH_SIZE"},
		{"per page too big", func(c *Config) { c.SearchPerPage = 101 }, "SEARCH_PER_PAGE"},
		{"negative cap", func(c *Config) { c.MaxRepos = -1 }, "MAX_REPOS"},
		{"quota below reserve", func(c *Config) { c.SearchMaxQuota = 1 }, "MAX_QUOTA"},
		{"cap below base", func(c *Config) { c.BackoffCap = time.Millisecond }, "BACKOFF_CAP"},
		{"unknown storage", func(c *Config) { c.StorageType = "mongo" }, "STORAGE_TYPE"},
		{"postgres without url", func(c *Config) { c.StorageType = "postgres" }, "POSTGRES_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	t.Run("accepts valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})
}
