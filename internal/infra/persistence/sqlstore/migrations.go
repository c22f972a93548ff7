package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Migration is one versioned schema step. Statements are rendered per dialect.
type Migration struct {
	Version    int
	Name       string
	Statements func(d Dialect) []string
}

// MigrationState reports whether a migration has been applied.
type MigrationState struct {
	Version   int        `json:"version"`
	Name      string     `json:"name"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Statements: func(d Dialect) []string {
			return []string{
				`CREATE TABLE IF NOT EXISTS projects (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					owner TEXT NOT NULL DEFAULT '',
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS vehicles (
					id TEXT PRIMARY KEY,
					project_id TEXT NOT NULL REFERENCES projects(id),
					vin TEXT NOT NULL UNIQUE,
					make TEXT NOT NULL DEFAULT '',
					model TEXT NOT NULL DEFAULT '',
					year INTEGER NOT NULL DEFAULT 0,
					protocol TEXT NOT NULL DEFAULT '',
					notes TEXT NOT NULL DEFAULT '',
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_vehicles_project ON vehicles(project_id)`,
				`CREATE TABLE IF NOT EXISTS fault_codes (
					id TEXT PRIMARY KEY,
					vehicle_id TEXT NOT NULL REFERENCES vehicles(id),
					code TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					system TEXT NOT NULL,
					status TEXT NOT NULL,
					severity TEXT NOT NULL,
					occurrences INTEGER NOT NULL,
					first_seen BIGINT NOT NULL,
					last_seen BIGINT NOT NULL,
					cleared_at BIGINT,
					UNIQUE (vehicle_id, code)
				)`,
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS readings (
					id %s,
					vehicle_id TEXT NOT NULL REFERENCES vehicles(id),
					parameter TEXT NOT NULL,
					value DOUBLE PRECISION NOT NULL,
					unit TEXT NOT NULL DEFAULT '',
					recorded_at BIGINT NOT NULL
				)`, d.AutoIncrementPK),
				`CREATE INDEX IF NOT EXISTS idx_readings_vehicle_param_time ON readings(vehicle_id, parameter, recorded_at)`,
				`CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					email TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL DEFAULT '',
					role TEXT NOT NULL,
					password_hash TEXT NOT NULL,
					disabled BOOLEAN NOT NULL DEFAULT FALSE,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					last_login_at BIGINT
				)`,
			}
		},
	},
	{
		Version: 2,
		Name:    "fault_browse_indexes",
		Statements: func(Dialect) []string {
			return []string{
				`CREATE INDEX IF NOT EXISTS idx_fault_codes_last_seen ON fault_codes(last_seen)`,
				`CREATE INDEX IF NOT EXISTS idx_fault_codes_status ON fault_codes(status)`,
				`CREATE INDEX IF NOT EXISTS idx_readings_recorded_at ON readings(recorded_at)`,
			}
		},
	},
}

// Migrations returns the registered migrations ordered by version.
func Migrations() []Migration {
	out := append([]Migration(nil), migrations...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (s *Store) ensureMigrationTable(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("select schema_migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at int64
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = fromMillis(at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// Migrate applies every pending migration in version order, each inside its
// own transaction. It returns the migrations applied by this call.
func (s *Store) Migrate(ctx context.Context) ([]MigrationState, error) {
	if err := s.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	var done []MigrationState
	for _, m := range Migrations() {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		at := s.now()
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.Statements(s.dialect) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d %s: %w", m.Version, m.Name, err)
				}
			}
			_, err := tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO schema_migrations(version, name, applied_at) VALUES(?, ?, ?)`),
				m.Version, m.Name, toMillis(at))
			return err
		})
		if err != nil {
			return done, err
		}
		done = append(done, MigrationState{Version: m.Version, Name: m.Name, AppliedAt: &at})
	}
	return done, nil
}

// MigrationStatus lists every known migration with its applied time, if any.
func (s *Store) MigrationStatus(ctx context.Context) ([]MigrationState, error) {
	if err := s.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	list := Migrations()
	out := make([]MigrationState, 0, len(list))
	for _, m := range list {
		state := MigrationState{Version: m.Version, Name: m.Name}
		if at, ok := applied[m.Version]; ok {
			at := at
			state.AppliedAt = &at
		}
		out = append(out, state)
	}
	return out, nil
}
