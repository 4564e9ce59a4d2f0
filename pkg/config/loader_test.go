package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadConfig_MergesEnvironmentOverBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
scheduler:
  target_hour: 9
  cron: "@every 15m"
`)
	writeFile(t, dir, "production.yaml", `
db:
  host: db.internal
scheduler:
  cron: "@hourly"
`)

	cfg, err := LoadConfig("production", dir)
	require.NoError(t, err)

	db := cfg["db"].(map[string]interface{})
	require.Equal(t, "db.internal", db["host"])
	require.Equal(t, 5432, db["port"])

	sched := cfg["scheduler"].(map[string]interface{})
	require.Equal(t, 9, sched["target_hour"])
	require.Equal(t, "@hourly", sched["cron"])
}

func TestLoadConfig_SubstitutesSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  password: "${DB_SECRET}"
  user: "${UNDEFINED_PLACEHOLDER_FOR_TEST}"
`)
	writeFile(t, dir, "secrets.env", "# comment\nDB_SECRET='s3cret'\n")

	cfg, err := LoadConfig("local", dir)
	require.NoError(t, err)

	db := cfg["db"].(map[string]interface{})
	require.Equal(t, "s3cret", db["password"])
	require.Equal(t, "${UNDEFINED_PLACEHOLDER_FOR_TEST}", db["user"])
}

func TestLoadConfig_MissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	require.Error(t, err)
}

func TestDecode(t *testing.T) {
	var out struct {
		DB DBConfig `yaml:"db"`
	}
	err := Decode(map[string]interface{}{
		"db": map[string]interface{}{"host": "h", "port": 6543},
	}, &out)
	require.NoError(t, err)
	require.Equal(t, "h", out.DB.Host)
	require.Equal(t, 6543, out.DB.Port)
}

func TestEnvOverrides(t *testing.T) {
	db := DBConfig{Host: "localhost", Port: 5432, MaxConns: 20}
	redis := RedisConfig{Addr: "localhost:6379"}

	env := FromMap(map[string]string{
		"DB_HOST":      "db.internal",
		"DB_PORT":      "not-a-number",
		"DB_MAX_CONNS": "40",
		"REDIS_DB":     "3",
		"REDIS_ADDR":   "",
	})
	env.DB(&db)
	env.Redis(&redis)

	require.Equal(t, "db.internal", db.Host)
	require.Equal(t, 5432, db.Port)
	require.Equal(t, int32(40), db.MaxConns)
	require.Equal(t, "localhost:6379", redis.Addr)
	require.Equal(t, 3, redis.DB)
}
