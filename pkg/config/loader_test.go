package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadConfigMergesEnvironmentAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  password: ${DB_PASS}
ai:
  model: base-model
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: staging-db
`)
	writeFile(t, dir, "secrets.env", `
# comment
DB_PASS="s3cret"
`)

	cfg, err := LoadConfig("staging", dir)
	require.NoError(t, err)

	var out struct {
		DB DBConfig `yaml:"db"`
		AI AIConfig `yaml:"ai"`
	}
	require.NoError(t, Decode(cfg, &out))

	assert.Equal(t, "staging-db", out.DB.Host)
	assert.Equal(t, 5432, out.DB.Port)
	assert.Equal(t, "s3cret", out.DB.Password)
	assert.Equal(t, "base-model", out.AI.Model)
}

func TestLoadConfigMissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.Error(t, err)
}

func TestOverrideFromSystemEnvSetsNestedKeys(t *testing.T) {
	cfg := map[string]interface{}{
		"scheduler": map[string]interface{}{"poll_interval_sec": 60},
	}
	out := overrideFromSystemEnv(cfg, []string{
		"EZREPLY__SCHEDULER__POLL_INTERVAL_SEC=15",
		"EZREPLY__REDIS__ADDR=redis:6379",
		"UNRELATED=1",
	})

	var decoded struct {
		Scheduler struct {
			PollIntervalSec int `yaml:"poll_interval_sec"`
		} `yaml:"scheduler"`
		Redis RedisConfig `yaml:"redis"`
	}
	require.NoError(t, Decode(out, &decoded))
	assert.Equal(t, 15, decoded.Scheduler.PollIntervalSec)
	assert.Equal(t, "redis:6379", decoded.Redis.Addr)
}

func TestLoadConfigResolvesPlaceholdersFromSystemEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
jwt:
  secret: ${EZREPLY_TEST_JWT}
ai:
  api_key: ${EZREPLY_TEST_UNSET_KEY}
`)
	t.Setenv("EZREPLY_TEST_JWT", "from-env")

	cfg, err := LoadConfig("", dir)
	require.NoError(t, err)

	var out struct {
		JWT JWTConfig `yaml:"jwt"`
		AI  AIConfig  `yaml:"ai"`
	}
	require.NoError(t, Decode(cfg, &out))
	assert.Equal(t, "from-env", out.JWT.Secret)
	assert.Empty(t, out.AI.APIKey)
}
