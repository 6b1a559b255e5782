package postgres

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func migrationFiles(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys[migrationsDir+"/"+name] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

func TestParseMigrations_SortsAndChecksums(t *testing.T) {
	t.Parallel()

	migrations, err := parseMigrations(migrationFiles(map[string]string{
		"0002_stock.up.sql":   "CREATE TABLE stock (id INT);",
		"0002_stock.down.sql": "DROP TABLE stock;",
		"0001_carts.up.sql":   "CREATE TABLE carts (id INT);",
		"0001_carts.down.sql": "DROP TABLE carts;",
	}))
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	require.Equal(t, int64(1), migrations[0].Version)
	require.Equal(t, "carts", migrations[0].Name)
	require.Equal(t, "DROP TABLE carts;", migrations[0].Down)
	require.Equal(t, int64(2), migrations[1].Version)
	require.Len(t, migrations[0].Checksum, 64)
	require.NotEqual(t, migrations[0].Checksum, migrations[1].Checksum)
}

func TestParseMigrations_ChecksumIgnoresSurroundingWhitespace(t *testing.T) {
	t.Parallel()

	a, err := parseMigrations(migrationFiles(map[string]string{
		"0001_carts.up.sql":   "CREATE TABLE carts (id INT);",
		"0001_carts.down.sql": "DROP TABLE carts;",
	}))
	require.NoError(t, err)
	b, err := parseMigrations(migrationFiles(map[string]string{
		"0001_carts.up.sql":   "\n  CREATE TABLE carts (id INT);\n",
		"0001_carts.down.sql": "DROP TABLE carts;",
	}))
	require.NoError(t, err)
	require.Equal(t, a[0].Checksum, b[0].Checksum)
}

func TestParseMigrations_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		files   map[string]string
		wantErr string
	}{
		{
			name:    "missing down",
			files:   map[string]string{"0001_carts.up.sql": "CREATE TABLE carts (id INT);"},
			wantErr: "both up and down",
		},
		{
			name:    "bad file name",
			files:   map[string]string{"carts.sql": "SELECT 1;"},
			wantErr: "invalid migration file name",
		},
		{
			name: "empty body",
			files: map[string]string{
				"0001_carts.up.sql":   "  \n",
				"0001_carts.down.sql": "DROP TABLE carts;",
			},
			wantErr: "is empty",
		},
		{
			name: "name mismatch",
			files: map[string]string{
				"0001_carts.up.sql":   "CREATE TABLE carts (id INT);",
				"0001_other.down.sql": "DROP TABLE carts;",
			},
			wantErr: "name mismatch",
		},
		{
			name:    "no files",
			files:   map[string]string{},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseMigrations(migrationFiles(tt.files))
			require.Error(t, err)
			if tt.wantErr != "" {
				require.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	migrations, err := parseMigrations(migrationsFS)
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	for i, m := range migrations {
		require.Equal(t, int64(i+1), m.Version, "versions must be contiguous")
	}
}

func testMigrations() []migration {
	return []migration{
		{Version: 1, Name: "a", Checksum: "c1"},
		{Version: 2, Name: "b", Checksum: "c2"},
		{Version: 3, Name: "c", Checksum: "c3"},
	}
}

func versionsOf(plan []migration) []int64 {
	out := make([]int64, 0, len(plan))
	for _, m := range plan {
		out = append(out, m.Version)
	}
	return out
}

func TestPlanMigrations_Up(t *testing.T) {
	t.Parallel()

	plan, err := planMigrations(testMigrations(), map[int64]string{1: "c1"}, migrationUp, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, versionsOf(plan))

	plan, err = planMigrations(testMigrations(), map[int64]string{}, migrationUp, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, versionsOf(plan))

	plan, err = planMigrations(testMigrations(), map[int64]string{1: "c1", 2: "c2", 3: "c3"}, migrationUp, 0)
	require.NoError(t, err)
	require.Empty(t, plan)
}

func TestPlanMigrations_UpRefusesDrift(t *testing.T) {
	t.Parallel()

	_, err := planMigrations(testMigrations(), map[int64]string{1: "edited"}, migrationUp, 0)
	require.True(t, errors.Is(err, ErrMigrationDrift))
}

func TestPlanMigrations_Down(t *testing.T) {
	t.Parallel()

	applied := map[int64]string{1: "c1", 2: "c2", 3: "c3"}
	plan, err := planMigrations(testMigrations(), applied, migrationDown, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 2}, versionsOf(plan))

	plan, err = planMigrations(testMigrations(), map[int64]string{}, migrationDown, 1)
	require.NoError(t, err)
	require.Empty(t, plan)

	_, err = planMigrations(testMigrations(), map[int64]string{9: "c9"}, migrationDown, 1)
	require.ErrorContains(t, err, "unknown migration version 9")
}

func TestCompareMigrations(t *testing.T) {
	t.Parallel()

	state := compareMigrations(testMigrations(), map[int64]string{1: "c1", 2: "changed"})
	require.Equal(t, int64(2), state.Version)
	require.Equal(t, 2, state.Applied)
	require.Equal(t, 1, state.Pending)
	require.Equal(t, []int64{2}, state.Drifted)
}
