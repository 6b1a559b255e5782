package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func requireMigrationState(t *testing.T, store *Store, version int64, applied, pending int) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, version, state.Version, "version")
	require.Equal(t, applied, state.Applied, "applied")
	require.Equal(t, pending, state.Pending, "pending")
	require.Empty(t, state.Drifted)
}

func TestMigrator_UpDownRoundTrip(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateDown(ctx, 100))
	requireMigrationState(t, store, 0, 0, 3)
	require.ErrorIs(t, store.CheckSchema(ctx), ErrSchemaOutdated)

	require.NoError(t, store.MigrateUp(ctx, 2))
	requireMigrationState(t, store, 2, 2, 1)

	require.NoError(t, store.MigrateUp(ctx, 0))
	requireMigrationState(t, store, 3, 3, 0)
	require.NoError(t, store.CheckSchema(ctx))

	// повторный up ничего не меняет
	require.NoError(t, store.MigrateUp(ctx, 0))
	requireMigrationState(t, store, 3, 3, 0)

	require.NoError(t, store.MigrateDown(ctx, 0))
	requireMigrationState(t, store, 2, 2, 1)

	require.NoError(t, store.MigrateDown(ctx, 5))
	requireMigrationState(t, store, 0, 0, 3)
	require.NoError(t, store.MigrateDown(ctx, 1))

	require.NoError(t, store.MigrateUp(ctx, 0))
}

func TestMigrator_DetectsEditedMigration(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var original string
	require.NoError(t, store.DB().QueryRowContext(ctx,
		`SELECT checksum FROM `+migrationTable+` WHERE version = 1`).Scan(&original))
	t.Cleanup(func() {
		_, _ = store.DB().ExecContext(context.Background(),
			`UPDATE `+migrationTable+` SET checksum = $1 WHERE version = 1`, original)
	})

	_, err := store.DB().ExecContext(ctx, `UPDATE `+migrationTable+` SET checksum = 'edited' WHERE version = 1`)
	require.NoError(t, err)

	state, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, state.Drifted)
	require.ErrorIs(t, store.MigrateUp(ctx, 0), ErrMigrationDrift)
	require.ErrorIs(t, store.CheckSchema(ctx), ErrMigrationDrift)
}

func TestMigrator_NilStoreAndUnknownDirection(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.Error(t, nilStore.MigrateUp(ctx, 0))
	require.Error(t, nilStore.MigrateDown(ctx, 1))
	_, err := nilStore.MigrationStatus(ctx)
	require.Error(t, err)

	require.ErrorContains(t, (&Store{}).migrate(ctx, migrationDirection("sideways"), 0), "not initialized")

	store := openRawPostgresStoreForIntegrationTest(t)
	require.ErrorContains(t, store.migrate(ctx, migrationDirection("sideways"), 0), "unsupported migration direction")
}
