package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
)

// SQLiteLinkStore is a SQLite-backed LinkStore. The UNIQUE primary key gives
// Create its insert-if-absent semantics; Update guards on the stored remote
// version in the WHERE clause.
type SQLiteLinkStore struct {
	db     *sql.DB
	logger *events.Logger
}

// SQLiteConflictStore is a SQLite-backed ConflictStore sharing the link
// store's database.
type SQLiteConflictStore struct {
	db     *sql.DB
	logger *events.Logger
}

// NewSQLiteStores opens (or creates) the dealsync database and returns both
// stores. The link store owns the connection: closing it closes the database
// for both.
func NewSQLiteStores(dbPath string, logger *events.Logger) (*SQLiteLinkStore, *SQLiteConflictStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}

	links := &SQLiteLinkStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_link_store"),
	}
	conflicts := &SQLiteConflictStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_conflict_store"),
	}
	return links, conflicts, nil
}

func initSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS sync_links (
        local_id TEXT NOT NULL,
        partner TEXT NOT NULL,
        remote_id TEXT NOT NULL,
        remote_version TEXT NOT NULL DEFAULT '',
        local_version TEXT NOT NULL DEFAULT '',
        status TEXT NOT NULL,
        review_status TEXT NOT NULL DEFAULT '',
        last_synced_at TIMESTAMP,
        last_error TEXT NOT NULL DEFAULT '',
        PRIMARY KEY (local_id, partner)
    );

    CREATE INDEX IF NOT EXISTS idx_sync_links_remote ON sync_links(partner, remote_id);

    CREATE TABLE IF NOT EXISTS conflicts (
        id TEXT PRIMARY KEY,
        seq INTEGER NOT NULL DEFAULT 0,
        local_id TEXT NOT NULL,
        partner TEXT NOT NULL,
        field TEXT NOT NULL,
        local_value TEXT NOT NULL DEFAULT '',
        local_changed_at TIMESTAMP,
        remote_value TEXT NOT NULL DEFAULT '',
        remote_changed_at TIMESTAMP,
        detected_at TIMESTAMP NOT NULL,
        status TEXT NOT NULL,
        winner TEXT,
        resolved_value TEXT,
        policy TEXT,
        resolved_by TEXT,
        resolved_at TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_conflicts_record ON conflicts(local_id);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteLinkStore) Get(ctx context.Context, localID string, partner models.Partner) (*models.SyncLink, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT local_id, partner, remote_id, remote_version, local_version,
               status, review_status, last_synced_at, last_error
        FROM sync_links
        WHERE local_id = ? AND partner = ?
    `, localID, string(partner))

	return scanLink(row)
}

func (s *SQLiteLinkStore) Create(ctx context.Context, link *models.SyncLink) error {
	if err := link.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_links
            (local_id, partner, remote_id, remote_version, local_version,
             status, review_status, last_synced_at, last_error)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, link.LocalID, string(link.Partner), link.RemoteID, link.RemoteVersion,
		link.LocalVersion, string(link.Status), link.ReviewStatus,
		link.LastSyncedAt, link.LastError)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return models.ErrAlreadyLinked
		}
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

func (s *SQLiteLinkStore) Update(ctx context.Context, link *models.SyncLink, expectedRemoteVersion string) error {
	if err := link.Validate(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_links
        SET remote_id = ?, remote_version = ?, local_version = ?,
            status = ?, review_status = ?, last_synced_at = ?, last_error = ?
        WHERE local_id = ? AND partner = ? AND remote_version = ?
    `, link.RemoteID, link.RemoteVersion, link.LocalVersion,
		string(link.Status), link.ReviewStatus, link.LastSyncedAt, link.LastError,
		link.LocalID, string(link.Partner), expectedRemoteVersion)
	if err != nil {
		return fmt.Errorf("update link: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, link.LocalID, link.Partner); err != nil {
			return err
		}
		return models.ErrVersionConflict
	}
	return nil
}

func (s *SQLiteLinkStore) SetStatus(ctx context.Context, localID string, partner models.Partner, status models.SyncStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_links SET status = ?, last_error = ?
        WHERE local_id = ? AND partner = ?
    `, string(status), lastError, localID, string(partner))
	if err != nil {
		return fmt.Errorf("set link status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return models.ErrLinkNotFound
	}
	return nil
}

func (s *SQLiteLinkStore) FindByRemoteID(ctx context.Context, partner models.Partner, remoteID string) (*models.SyncLink, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT local_id, partner, remote_id, remote_version, local_version,
               status, review_status, last_synced_at, last_error
        FROM sync_links
        WHERE partner = ? AND remote_id = ?
    `, string(partner), remoteID)

	return scanLink(row)
}

func (s *SQLiteLinkStore) List(ctx context.Context) ([]*models.SyncLink, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT local_id, partner, remote_id, remote_version, local_version,
               status, review_status, last_synced_at, last_error
        FROM sync_links
        ORDER BY local_id, partner
    `)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var links []*models.SyncLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *SQLiteLinkStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLink(row rowScanner) (*models.SyncLink, error) {
	var link models.SyncLink
	var partner, status string
	var lastSyncedAt sql.NullTime

	err := row.Scan(&link.LocalID, &partner, &link.RemoteID, &link.RemoteVersion,
		&link.LocalVersion, &status, &link.ReviewStatus, &lastSyncedAt, &link.LastError)
	if err == sql.ErrNoRows {
		return nil, models.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan link: %w", err)
	}

	link.Partner = models.Partner(partner)
	link.Status = models.SyncStatus(status)
	if lastSyncedAt.Valid {
		link.LastSyncedAt = lastSyncedAt.Time
	}
	return &link, nil
}

func (s *SQLiteConflictStore) Append(ctx context.Context, conflict *models.ConflictRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO conflicts
            (id, seq, local_id, partner, field, local_value, local_changed_at,
             remote_value, remote_changed_at, detected_at, status)
        VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM conflicts), ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, conflict.ID, conflict.LocalID, string(conflict.Partner), conflict.Field,
		conflict.LocalValue, conflict.LocalChangedAt, conflict.RemoteValue,
		conflict.RemoteChangedAt, conflict.DetectedAt, string(conflict.Status))
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func (s *SQLiteConflictStore) Get(ctx context.Context, id string) (*models.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, id)
	return scanConflict(row)
}

func (s *SQLiteConflictStore) ListPending(ctx context.Context) ([]*models.ConflictRecord, error) {
	return s.list(ctx, conflictSelect+` WHERE status = ? ORDER BY seq`, string(models.ResolutionPending))
}

func (s *SQLiteConflictStore) ListByRecord(ctx context.Context, localID string) ([]*models.ConflictRecord, error) {
	return s.list(ctx, conflictSelect+` WHERE local_id = ? ORDER BY seq`, localID)
}

func (s *SQLiteConflictStore) list(ctx context.Context, query string, args ...interface{}) ([]*models.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var out []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteConflictStore) Resolve(ctx context.Context, id string, resolution models.Resolution) (*models.ConflictRecord, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE conflicts
        SET status = ?, winner = ?, resolved_value = ?, policy = ?,
            resolved_by = ?, resolved_at = ?
        WHERE id = ? AND status = ?
    `, string(models.ResolutionResolved), string(resolution.Winner),
		resolution.Value, resolution.Policy, resolution.ResolvedBy,
		resolution.ResolvedAt, id, string(models.ResolutionPending))
	if err != nil {
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing.Resolved() {
			return nil, models.ErrAlreadyResolved
		}
		return nil, models.ErrConflictNotFound
	}

	return s.Get(ctx, id)
}

func (s *SQLiteConflictStore) Close() error {
	return nil
}

const conflictSelect = `
    SELECT id, local_id, partner, field, local_value, local_changed_at,
           remote_value, remote_changed_at, detected_at, status,
           winner, resolved_value, policy, resolved_by, resolved_at
    FROM conflicts`

func scanConflict(row rowScanner) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var partner, status string
	var localChanged, remoteChanged, resolvedAt sql.NullTime
	var winner, value, policy, resolvedBy sql.NullString

	err := row.Scan(&c.ID, &c.LocalID, &partner, &c.Field, &c.LocalValue,
		&localChanged, &c.RemoteValue, &remoteChanged, &c.DetectedAt, &status,
		&winner, &value, &policy, &resolvedBy, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}

	c.Partner = models.Partner(partner)
	c.Status = models.ResolutionStatus(status)
	if localChanged.Valid {
		c.LocalChangedAt = localChanged.Time
	}
	if remoteChanged.Valid {
		c.RemoteChangedAt = remoteChanged.Time
	}
	if winner.Valid && c.Status == models.ResolutionResolved {
		c.Resolution = &models.Resolution{
			Winner:     models.Side(winner.String),
			Value:      value.String,
			Policy:     policy.String,
			ResolvedBy: resolvedBy.String,
		}
		if resolvedAt.Valid {
			c.Resolution.ResolvedAt = resolvedAt.Time
		}
	}
	return &c, nil
}
