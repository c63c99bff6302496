//go:build integration

package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) *PostgresAdapter {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := NewPool(ctx, PoolConfig{
		ConnString: fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxConns:   30,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		_ = container.Terminate(ctx)
	})

	adapter := NewPostgresAdapter(pool)
	require.NoError(t, adapter.Migrate(ctx))
	return adapter
}

func TestIntegration_PostgresAdapter(t *testing.T) {
	ctx := context.Background()
	adapter := setupPostgresContainer(t, ctx)

	t.Run("ledger", func(t *testing.T) {
		testLedgerRepository(t, adapter)
	})

	t.Run("membership", func(t *testing.T) {
		testMembershipRepository(t, adapter)
	})

	t.Run("migrate is repeatable", func(t *testing.T) {
		require.NoError(t, adapter.Migrate(ctx))
	})
}
