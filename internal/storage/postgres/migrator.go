package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Миграции встроены в бинарник; при автоматическом применении несколько касс могут стартовать
// одновременно, поэтому применение идёт под session advisory lock.
const (
	migrationsDir    = "sql/migrations"
	migrationLockKey = int64(0x706f735f6d6967) // "pos_mig"
	migrationTable   = "pos_schema_migrations"
	statusTimeout    = 5 * time.Second
)

const migrationTableDDL = `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// ErrMigrationDrift: применённая миграция отличается от встроенного файла с тем же номером.
var ErrMigrationDrift = errors.New("applied migration differs from embedded file")

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFileRe = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

// MigrationState: состояние схемы относительно встроенных миграций.
type MigrationState struct {
	Version int64
	Applied int
	Pending int
	// Drifted: версии, чьё содержимое изменилось после применения.
	Drifted []int64
}

// MigrateUp применяет up-миграции; steps=0: все доступные.
// Если уже применённая миграция была изменена, возвращает ErrMigrationDrift и ничего не применяет.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает миграции; steps<=0 означает один шаг.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus сравнивает применённые версии со встроенными.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, fmt.Errorf("postgres store is not initialized")
	}
	migrations, err := parseMigrations(migrationsFS)
	if err != nil {
		return MigrationState{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(queryCtx, migrationTableDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := appliedChecksums(queryCtx, s.db)
	if err != nil {
		return MigrationState{}, err
	}
	return compareMigrations(migrations, applied), nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}
	migrations, err := parseMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, migrationTableDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return err
	}

	plan, err := planMigrations(migrations, applied, direction, steps)
	if err != nil {
		return err
	}
	for _, m := range plan {
		if err := runMigration(ctx, conn, m, direction); err != nil {
			return err
		}
	}
	return nil
}

// planMigrations выбирает миграции для применения: pending по возрастанию для up,
// последние применённые по убыванию для down.
func planMigrations(migrations []migration, applied map[int64]string, direction migrationDirection, steps int) ([]migration, error) {
	if direction == migrationUp {
		if drift := compareMigrations(migrations, applied).Drifted; len(drift) > 0 {
			return nil, fmt.Errorf("%w: versions %v", ErrMigrationDrift, drift)
		}
		var plan []migration
		for _, m := range migrations {
			if _, ok := applied[m.Version]; ok {
				continue
			}
			plan = append(plan, m)
			if steps > 0 && len(plan) == steps {
				break
			}
		}
		return plan, nil
	}

	byVersion := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}
	versions := make([]int64, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	if steps > 0 && len(versions) > steps {
		versions = versions[:steps]
	}

	plan := make([]migration, 0, len(versions))
	for _, v := range versions {
		m, ok := byVersion[v]
		if !ok {
			return nil, fmt.Errorf("cannot rollback unknown migration version %d", v)
		}
		plan = append(plan, m)
	}
	return plan, nil
}

func compareMigrations(migrations []migration, applied map[int64]string) MigrationState {
	state := MigrationState{Applied: len(applied)}
	for v := range applied {
		if v > state.Version {
			state.Version = v
		}
	}
	for _, m := range migrations {
		checksum, ok := applied[m.Version]
		if !ok {
			state.Pending++
			continue
		}
		if checksum != m.Checksum {
			state.Drifted = append(state.Drifted, m.Version)
		}
	}
	return state
}

// runMigration выполняет одну миграцию и её учёт в одной транзакции.
func runMigration(ctx context.Context, conn *sql.Conn, m migration, direction migrationDirection) error {
	label := fmt.Sprintf("%s migration %d_%s", direction, m.Version, m.Name)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", label, err)
	}
	defer func() { _ = tx.Rollback() }()

	body := m.Up
	if direction == migrationDown {
		body = m.Down
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("execute %s: %w", label, err)
	}

	if direction == migrationUp {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+migrationTable+` (version, name, checksum) VALUES ($1, $2, $3)`,
			m.Version, m.Name, m.Checksum)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM `+migrationTable+` WHERE version = $1`, m.Version)
	}
	if err != nil {
		return fmt.Errorf("record %s: %w", label, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", label, err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func appliedChecksums(ctx context.Context, q queryer) (map[int64]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, checksum FROM `+migrationTable)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]string)
	for rows.Next() {
		var (
			version  int64
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// parseMigrations читает пары NNNN_name.up.sql / NNNN_name.down.sql из fsys.
func parseMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFileRe.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: match[2]}
			byVersion[version] = m
		}
		if m.Name != match[2] {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, match[2])
		}

		target := &m.Up
		if match[3] == string(migrationDown) {
			target = &m.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", match[3], version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %d_%s must have both up and down files", m.Version, m.Name)
		}
		sum := sha256.Sum256([]byte(m.Up))
		m.Checksum = hex.EncodeToString(sum[:])
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
