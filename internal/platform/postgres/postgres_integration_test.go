//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sortition/internal/platform/config"
	"sortition/internal/platform/postgres"
	"sortition/pkg/testutil/containers"
)

func TestOpenAndMigrate(t *testing.T) {
	pg := containers.GetManager().GetPostgres(t)
	ctx := context.Background()

	db, err := postgres.Open(ctx, config.PostgresConfig{URL: pg.DSN, MaxOpenConns: 2, MaxIdleConns: 1})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, postgres.Migrate(ctx, db), "schema is idempotent")

	var tables int
	err = db.QueryRowContext(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_name IN ('governance_pools', 'governance_invites', 'citizen_indices', 'citizens', 'outbox')
	`).Scan(&tables)
	require.NoError(t, err)
	assert.Equal(t, 5, tables)
}
