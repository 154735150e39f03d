package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

type testConfig struct {
	DB    DBConfig    `yaml:"db"`
	MQ    MQConfig    `yaml:"mq"`
	Redis RedisConfig `yaml:"redis"`
	Extra struct {
		Hosts []string `yaml:"hosts"`
	} `yaml:"extra"`
}

func TestLoadConfig_MergesEnvironmentAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  password: ${PLANNER_TEST_DB_PASSWORD}
  slow_query_threshold: 250ms
mq:
  url: amqp://${PLANNER_TEST_MQ_USER}@localhost/
redis:
  addr: localhost:6379
extra:
  hosts: ["${PLANNER_TEST_HOST}", "static"]
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: db.staging
`)
	writeFile(t, dir, "secrets.env", `
# comment
PLANNER_TEST_DB_PASSWORD="from-secrets"
PLANNER_TEST_MQ_USER=secret-user
`)
	t.Setenv("PLANNER_TEST_MQ_USER", "env-user")
	t.Setenv("PLANNER_TEST_HOST", "h1")

	m, err := LoadConfig("staging", dir)
	assert.Equal(t, err, nil)

	var cfg testConfig
	assert.Equal(t, Decode(m, &cfg), nil)

	assert.Equal(t, "db.staging", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "from-secrets", cfg.DB.Password)
	assert.Equal(t, 250*time.Millisecond, cfg.DB.SlowQueryThreshold)
	// 系统环境变量优先
	assert.Equal(t, "amqp://env-user@localhost/", cfg.MQ.URL)
	assert.Equal(t, []string{"h1", "static"}, cfg.Extra.Hosts)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadConfig_UnknownPlaceholderKept(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "redis:\n  password: ${PLANNER_TEST_UNSET_VAR}\n")

	m, err := LoadConfig("missing-env", dir)
	assert.Equal(t, err, nil)

	var cfg testConfig
	assert.Equal(t, Decode(m, &cfg), nil)
	assert.Equal(t, "${PLANNER_TEST_UNSET_VAR}", cfg.Redis.Password)
}

func TestLoadConfig_MissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.NotEqual(t, err, nil)
}

func TestDBConfig_DSN(t *testing.T) {
	cfg := DBConfig{Host: "db", Port: 5432, User: "planner", Password: "p@ss", Name: "planner"}
	assert.Equal(t, "postgres://planner:p%40ss@db:5432/planner?sslmode=disable", cfg.DSN())
}

func TestOverrideDBFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "override")
	t.Setenv("DB_PORT", "6543")
	cfg := DBConfig{Host: "localhost", Port: 5432}
	OverrideDBFromEnv(&cfg)
	assert.Equal(t, "override", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
}
