//go:build integration

package cursor

import (
	"context"
	"fmt"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"
)

// TestPostgresStoreAgainstRealContainer spins up an ephemeral Postgres via
// dockertest and exercises the PostgresStore against it, rather than
// mocking database/sql — the upsert-on-race behavior in Write is the kind
// of thing a mock would happily hide a bug in.
func TestPostgresStoreAgainstRealContainer(t *testing.T) {
	pool, err := dockertest.NewPool("")
	require.NoError(t, err)
	require.NoError(t, pool.Client.Ping())

	resource, err := pool.Run("postgres", "15-alpine", []string{
		"POSTGRES_PASSWORD=relayer",
		"POSTGRES_DB=relayer_cursors",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf(
		"host=localhost port=%s user=postgres password=relayer dbname=relayer_cursors sslmode=disable",
		resource.GetPort("5432/tcp"),
	)

	var store *PostgresStore
	ctx := context.Background()

	err = pool.Retry(func() error {
		store, err = OpenPostgres(ctx, dsn)
		return err
	})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Read(ctx, "relayer-1", ChainEth, 11)
	require.NoError(t, err)
	require.Equal(t, uint64(11), got)

	require.NoError(t, store.Write(ctx, "relayer-1", ChainEth, 200))
	got, err = store.Read(ctx, "relayer-1", ChainEth, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(200), got)

	// Upsert path: writing again must not error on the unique constraint.
	require.NoError(t, store.Write(ctx, "relayer-1", ChainEth, 201))
	got, err = store.Read(ctx, "relayer-1", ChainEth, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(201), got)
}
