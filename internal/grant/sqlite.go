package grant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joeycumines/secure-fs-access/internal/grant/migrations"
	"github.com/joeycumines/secure-fs-access/internal/platform"
	_ "modernc.org/sqlite"
)

const migrationTable = "schema_migrations"

// SQLiteStore persists grants across process restarts.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens (creating if needed) the grant database at path. The
// special path ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// :memory: databases are per connection
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Record upserts the grant row for g.TreeURI.
func (s *SQLiteStore) Record(ctx context.Context, g Grant) error {
	if g.TreeURI == "" {
		return fmt.Errorf("tree uri is required")
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO grants (tree_uri, direction, kind, resolved_path, granted_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(tree_uri) DO UPDATE SET
    direction = excluded.direction,
    kind = excluded.kind,
    resolved_path = excluded.resolved_path,
    granted_at = excluded.granted_at`,
		g.TreeURI, int(g.Direction), string(g.Kind), g.ResolvedPath, toMillis(g.GrantedAt),
	)
	if err != nil {
		return fmt.Errorf("record grant: %w", err)
	}
	return nil
}

// Forget deletes the grant row for treeURI, if any.
func (s *SQLiteStore) Forget(ctx context.Context, treeURI string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM grants WHERE tree_uri = ?`, treeURI); err != nil {
		return fmt.Errorf("forget grant: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, treeURI string) (Grant, bool, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT tree_uri, direction, kind, resolved_path, granted_at
FROM grants WHERE tree_uri = ?`, treeURI)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, false, nil
	}
	if err != nil {
		return Grant{}, false, fmt.Errorf("get grant: %w", err)
	}
	return g, true, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Grant, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT tree_uri, direction, kind, resolved_path, granted_at
FROM grants ORDER BY tree_uri`)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	out := []Grant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return out, nil
}

// Close closes the underlying SQLite database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGrant(row scanner) (Grant, error) {
	var (
		g         Grant
		direction int
		kind      string
		grantedAt int64
	)
	if err := row.Scan(&g.TreeURI, &direction, &kind, &g.ResolvedPath, &grantedAt); err != nil {
		return Grant{}, err
	}
	g.Direction = platform.Direction(direction)
	g.Kind = platform.ResourceKind(kind)
	g.GrantedAt = fromMillis(grantedAt)
	return g, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// applyMigrations executes each embedded migration at most once.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`, migrationTable)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, name := range files {
		var count int
		if err := sqlDB.QueryRow(fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE name = ?`, migrationTable), name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		up := extractUpMigration(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.Exec(up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (name, applied_at) VALUES (?, ?)`, migrationTable), name, toMillis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("mark migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

// extractUpMigration returns the statements between "-- +migrate Up" and
// "-- +migrate Down". Files without markers are used whole.
func extractUpMigration(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"
	start := strings.Index(content, upMarker)
	if start == -1 {
		return content
	}
	body := content[start+len(upMarker):]
	if end := strings.Index(body, downMarker); end != -1 {
		body = body[:end]
	}
	return body
}

// Ensure SQLiteStore implements Store at compile time
var _ Store = (*SQLiteStore)(nil)
