package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding queries, the per-user query index,
// and the service configuration cell.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir, runs pending
// migrations, and seeds the configuration cell on first start.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "researchos.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := s.seedConfig(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seeding config: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// seedConfig inserts the default service configuration if the cell is empty.
func (s *Store) seedConfig() error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM service_config WHERE id = 1").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.SetServiceConfig(DefaultServiceConfig())
}

// --- Queries ---

// PutQuery inserts or overwrites the record for q.ID.
func (s *Store) PutQuery(q Query) error {
	_, err := s.db.Exec(`
		INSERT INTO queries (id, user_id, question, submitted_at, status, answer, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			question = excluded.question,
			submitted_at = excluded.submitted_at,
			status = excluded.status,
			answer = excluded.answer,
			metadata = excluded.metadata`,
		q.ID, q.UserID, q.Question, q.SubmittedAt.UTC().Format(time.RFC3339),
		string(q.Status), q.Answer, q.Metadata,
	)
	return err
}

// GetQuery returns the record for id, or ErrNotFound.
func (s *Store) GetQuery(id string) (Query, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, question, submitted_at, status, answer, metadata
		FROM queries WHERE id = ?`, id)
	return scanQuery(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuery(row rowScanner) (Query, error) {
	var q Query
	var submittedAt, status string
	err := row.Scan(&q.ID, &q.UserID, &q.Question, &submittedAt, &status, &q.Answer, &q.Metadata)
	if err == sql.ErrNoRows {
		return Query{}, ErrNotFound
	}
	if err != nil {
		return Query{}, err
	}
	t, err := time.Parse(time.RFC3339, submittedAt)
	if err != nil {
		return Query{}, fmt.Errorf("parsing submitted_at: %w", err)
	}
	q.SubmittedAt = t
	q.Status = Status(status)
	return q, nil
}

// AppendUserQuery appends queryID to userID's index, preserving submission order.
func (s *Store) AppendUserQuery(userID, queryID string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_queries (user_id, seq, query_id)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM user_queries WHERE user_id = ?), ?)`,
		userID, userID, queryID,
	)
	return err
}

// ListByUser resolves userID's index against the query table in submission
// order. Index entries whose record is missing are silently skipped.
func (s *Store) ListByUser(userID string) ([]Query, error) {
	rows, err := s.db.Query(`
		SELECT q.id, q.user_id, q.question, q.submitted_at, q.status, q.answer, q.metadata
		FROM user_queries uq
		JOIN queries q ON q.id = uq.query_id
		WHERE uq.user_id = ?
		ORDER BY uq.seq ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

// UserIndex returns userID's raw ordered query-id list, without resolving records.
func (s *Store) UserIndex(userID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT query_id FROM user_queries WHERE user_id = ? ORDER BY seq ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ForEachQuery calls fn for every stored record in id order. Iteration
// stops at the first error from fn, which is returned.
func (s *Store) ForEachQuery(fn func(Query) error) error {
	rows, err := s.db.Query(`
		SELECT id, user_id, question, submitted_at, status, answer, metadata
		FROM queries ORDER BY id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return err
		}
		if err := fn(q); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteQuery removes id from both the query table and its owner's index
// in one transaction, so no index entry can dangle.
func (s *Store) DeleteQuery(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM queries WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM user_queries WHERE query_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// CleanupOlderThan removes every record submitted before cutoff, together
// with its index entries, in a single transaction. Users whose index
// becomes empty disappear from the index table entirely. Returns the
// number of records removed.
func (s *Store) CleanupOlderThan(cutoff time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning cleanup transaction: %w", err)
	}
	defer tx.Rollback()

	bound := cutoff.UTC().Format(time.RFC3339)

	if _, err := tx.Exec(`
		DELETE FROM user_queries
		WHERE query_id IN (SELECT id FROM queries WHERE submitted_at < ?)`, bound,
	); err != nil {
		return 0, fmt.Errorf("removing index entries: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM queries WHERE submitted_at < ?`, bound)
	if err != nil {
		return 0, fmt.Errorf("removing queries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing cleanup: %w", err)
	}
	return int(n), nil
}

// --- Service config ---

// GetServiceConfig reads the configuration cell.
func (s *Store) GetServiceConfig() (ServiceConfig, error) {
	var raw string
	err := s.db.QueryRow(`SELECT config_json FROM service_config WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return DefaultServiceConfig(), nil
	}
	if err != nil {
		return ServiceConfig{}, err
	}
	var cfg ServiceConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return ServiceConfig{}, fmt.Errorf("parsing service config: %w", err)
	}
	return cfg, nil
}

// SetServiceConfig replaces the configuration cell.
func (s *Store) SetServiceConfig(cfg ServiceConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding service config: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO service_config (id, config_json) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET config_json = excluded.config_json`,
		string(raw),
	)
	return err
}

// --- Backup / restore ---

// ExportAll reads queries, user index, and configuration in one
// transaction, producing a snapshot consistent at a single instant.
func (s *Store) ExportAll() (Snapshot, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Snapshot{}, fmt.Errorf("beginning export transaction: %w", err)
	}
	defer tx.Rollback()

	snap := Snapshot{CreatedAt: time.Now().UTC()}

	rows, err := tx.Query(`
		SELECT id, user_id, question, submitted_at, status, answer, metadata
		FROM queries ORDER BY id ASC`)
	if err != nil {
		return Snapshot{}, err
	}
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			rows.Close()
			return Snapshot{}, err
		}
		snap.Queries = append(snap.Queries, QueryEntry{ID: q.ID, Query: q})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Snapshot{}, err
	}
	rows.Close()

	idxRows, err := tx.Query(`SELECT user_id, query_id FROM user_queries ORDER BY user_id ASC, seq ASC`)
	if err != nil {
		return Snapshot{}, err
	}
	var current *UserIndexEntry
	for idxRows.Next() {
		var userID, queryID string
		if err := idxRows.Scan(&userID, &queryID); err != nil {
			idxRows.Close()
			return Snapshot{}, err
		}
		if current == nil || current.UserID != userID {
			snap.UserIndex = append(snap.UserIndex, UserIndexEntry{UserID: userID})
			current = &snap.UserIndex[len(snap.UserIndex)-1]
		}
		current.QueryIDs = append(current.QueryIDs, queryID)
	}
	if err := idxRows.Err(); err != nil {
		idxRows.Close()
		return Snapshot{}, err
	}
	idxRows.Close()

	var raw string
	if err := tx.QueryRow(`SELECT config_json FROM service_config WHERE id = 1`).Scan(&raw); err != nil {
		return Snapshot{}, fmt.Errorf("reading config: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &snap.Config); err != nil {
		return Snapshot{}, fmt.Errorf("parsing config: %w", err)
	}

	return snap, tx.Commit()
}

// ImportAll destructively replaces queries and the user index from snap in
// one transaction, then commits the configuration. A configuration commit
// failure is reported but does not roll back the already-replaced data;
// restore is best-effort, not transactional.
func (s *Store) ImportAll(snap Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning import transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM queries`); err != nil {
		return fmt.Errorf("clearing queries: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM user_queries`); err != nil {
		return fmt.Errorf("clearing user index: %w", err)
	}

	for _, e := range snap.Queries {
		q := e.Query
		if _, err := tx.Exec(`
			INSERT INTO queries (id, user_id, question, submitted_at, status, answer, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, q.UserID, q.Question, q.SubmittedAt.UTC().Format(time.RFC3339),
			string(q.Status), q.Answer, q.Metadata,
		); err != nil {
			return fmt.Errorf("importing query %s: %w", e.ID, err)
		}
	}

	for _, e := range snap.UserIndex {
		for i, queryID := range e.QueryIDs {
			if _, err := tx.Exec(`
				INSERT INTO user_queries (user_id, seq, query_id) VALUES (?, ?, ?)`,
				e.UserID, i+1, queryID,
			); err != nil {
				return fmt.Errorf("importing index for %s: %w", e.UserID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing import: %w", err)
	}

	if err := s.SetServiceConfig(snap.Config); err != nil {
		return fmt.Errorf("importing config (queries and index already replaced): %w", err)
	}
	return nil
}
