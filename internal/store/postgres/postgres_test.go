package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	t.Run("explicit dsn wins", func(t *testing.T) {
		got := DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"})
		assert.Equal(t, "postgres://x", got)
	})

	t.Run("built from parts with defaults", func(t *testing.T) {
		got := DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "polyguard"})
		assert.Equal(t, "postgres://u:p@db:5432/polyguard?sslmode=disable", got)
	})

	t.Run("explicit port and sslmode", func(t *testing.T) {
		got := DSN(ClientConfig{Host: "db", Port: 6432, User: "u", Password: "p", Database: "d", SSLMode: "require"})
		assert.Equal(t, "postgres://u:p@db:6432/d?sslmode=require", got)
	})
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: uniqueViolation}
	assert.True(t, isUniqueViolation(dup))
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", dup)))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

func TestLimitOrAll(t *testing.T) {
	assert.Nil(t, limitOrAll(0))
	assert.Nil(t, limitOrAll(-1))
	got := limitOrAll(50)
	require.NotNil(t, got)
	assert.Equal(t, 50, *got)
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"positions", "orders", "stop_loss_rules", "take_profit_rules", "market_mappings", "credentials", "audit_log"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.Contains(t, string(data), "uq_stop_loss_active")
	assert.Contains(t, string(data), "uq_take_profit_active")
}
