package storage

import (
	"database/sql"
	"embed"
	"errors"
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

// Store wraps a SQLite database holding tracked segmentations and their
// status history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "brainview.db")
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

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
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

// --- Segmentations ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// UpsertSegmentation inserts a segmentation or refreshes its status and
// tracking flag. CreatedAt of an existing row is preserved.
func (s *Store) UpsertSegmentation(seg Segmentation) error {
	now := time.Now().UTC()
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = now
	}
	if seg.UpdatedAt.IsZero() {
		seg.UpdatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO segmentations (id, status, tracked, failures, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			tracked = excluded.tracked,
			failures = excluded.failures,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		seg.ID, seg.Status, seg.Tracked, seg.Failures, seg.LastError, formatTime(seg.CreatedAt), formatTime(seg.UpdatedAt),
	)
	return err
}

// RecordStatus stores a transition and moves the segmentation to the new
// status in one transaction. Terminal transitions clear the tracking flag.
func (s *Store) RecordStatus(ev StatusEvent, terminal bool) error {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now().UTC()
	}
	at := formatTime(ev.ObservedAt)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE segmentations SET status = ?, tracked = ?, failures = 0, updated_at = ? WHERE id = ?`,
		ev.NewStatus, !terminal, at, ev.SegmentationID)
	if err != nil {
		return fmt.Errorf("updating segmentation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`
		INSERT INTO status_events (segmentation_id, old_status, new_status, local, observed_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.SegmentationID, ev.OldStatus, ev.NewStatus, ev.Local, at,
	); err != nil {
		return fmt.Errorf("inserting status event: %w", err)
	}

	return tx.Commit()
}

// SetTracked flips the tracking flag without recording a transition.
func (s *Store) SetTracked(id string, tracked bool) error {
	res, err := s.db.Exec(`UPDATE segmentations SET tracked = ?, updated_at = ? WHERE id = ?`,
		tracked, formatTime(time.Now()), id)
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
	return nil
}

// MarkDropped stops tracking a segmentation whose backend status could not be
// interpreted and keeps the reason. The stored status is left as last observed.
func (s *Store) MarkDropped(id, reason string) error {
	res, err := s.db.Exec(`UPDATE segmentations SET tracked = 0, last_error = ?, updated_at = ? WHERE id = ?`,
		reason, formatTime(time.Now()), id)
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
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSegmentation(row scanner) (Segmentation, error) {
	var (
		seg                  Segmentation
		createdAt, updatedAt string
	)
	if err := row.Scan(&seg.ID, &seg.Status, &seg.Tracked, &seg.Failures, &seg.LastError, &createdAt, &updatedAt); err != nil {
		return Segmentation{}, err
	}
	var err error
	if seg.CreatedAt, err = parseTime(createdAt); err != nil {
		return Segmentation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if seg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Segmentation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return seg, nil
}

func (s *Store) GetSegmentation(id string) (Segmentation, error) {
	seg, err := scanSegmentation(s.db.QueryRow(`
		SELECT id, status, tracked, failures, last_error, created_at, updated_at
		FROM segmentations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Segmentation{}, ErrNotFound
	}
	return seg, err
}

// ListSegmentations returns the most recently updated segmentations first.
// With trackedOnly set, only those still being polled are returned.
func (s *Store) ListSegmentations(trackedOnly bool, limit int) ([]Segmentation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, status, tracked, failures, last_error, created_at, updated_at FROM segmentations`
	if trackedOnly {
		query += ` WHERE tracked = 1`
	}
	query += ` ORDER BY updated_at DESC, id ASC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Segmentation
	for rows.Next() {
		seg, err := scanSegmentation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// DeleteSegmentation removes a segmentation and its history.
func (s *Store) DeleteSegmentation(id string) error {
	res, err := s.db.Exec(`DELETE FROM segmentations WHERE id = ?`, id)
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
	return nil
}

// StatusHistory returns the recorded transitions of a segmentation, oldest first.
func (s *Store) StatusHistory(id string) ([]StatusEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, segmentation_id, old_status, new_status, local, observed_at
		FROM status_events WHERE segmentation_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusEvent
	for rows.Next() {
		var (
			ev StatusEvent
			at string
		)
		if err := rows.Scan(&ev.ID, &ev.SegmentationID, &ev.OldStatus, &ev.NewStatus, &ev.Local, &at); err != nil {
			return nil, err
		}
		if ev.ObservedAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parsing observed_at: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
