package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"anniversary-notifier/pkg/config"
)

func TestOperationOf(t *testing.T) {
	require.Equal(t, "select", operationOf("  SELECT 1"))
	require.Equal(t, "insert", operationOf("\n\tINSERT INTO x VALUES (1)"))
	require.Equal(t, "cte", operationOf("WITH a AS (SELECT 1) SELECT * FROM a"))
	require.Equal(t, "unknown", operationOf("   "))
}

func TestDSNEscapesCredentials(t *testing.T) {
	dsn := DSN(config.DBConfig{Host: "db", Port: 5432, User: "app", Password: "p@ss/word", Name: "notify"})
	require.Equal(t, "postgres://app:p%40ss%2Fword@db:5432/notify?sslmode=disable", dsn)
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	require.Equal(t, "001_init.sql", names[0])
}
