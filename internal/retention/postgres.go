package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/audittrail/internal/audit"
)

// withRetentionTx runs fn in a transaction flagged as a retention purge.
// The immutability trigger only lets DELETEs through under this flag, and
// only for the retention role.
func withRetentionTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin retention transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SET LOCAL audit.retention_purge = 'on'`); err != nil {
		return fmt.Errorf("failed to flag retention transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retention transaction: %w", err)
	}
	return nil
}

// NewPostgresManager builds a Manager whose tiers, partitions and watermarks
// all live in db, which must use the retention credential. Archive payloads go
// to objects under archivePrefix. Other fields of cfg are used as given.
func NewPostgresManager(db *sql.DB, objects ObjectStore, archivePrefix string, cfg ManagerConfig) (*Manager, error) {
	if objects == nil {
		return nil, errors.New("retention manager requires an archive object store")
	}
	hot := NewPostgresHotStore(db, cfg.Logger)
	cfg.Hot = hot
	cfg.Partitions = hot
	cfg.Warm = NewPostgresWarmStore(db)
	cfg.Cold = NewArchive(objects, NewPostgresColdIndex(db), archivePrefix, cfg.Logger)
	cfg.Watermarks = NewPostgresWatermarkStore(db, cfg.Logger)
	return NewManager(cfg)
}

// PostgresHotStore is the hot table opened with the retention credential.
type PostgresHotStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresHotStore creates a hot store over a retention-credential pool.
func NewPostgresHotStore(db *sql.DB, logger *slog.Logger) *PostgresHotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresHotStore{db: db, logger: logger}
}

// ListBefore implements HotStore.
func (s *PostgresHotStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]audit.Event, error) {
	query := `SELECT ` + audit.EventColumns + ` FROM audit_events
		WHERE occurred_at < $1 ORDER BY occurred_at, id LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list hot events: %w", err)
	}
	return audit.ScanEvents(rows)
}

// Remove implements HotStore.
func (s *PostgresHotStore) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetentionTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit_events WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
			return fmt.Errorf("failed to remove hot events: %w", audit.ClassifyStorageError(err))
		}
		return nil
	})
}

// EnsurePartitions implements PartitionManager. It creates the monthly
// partition for now and the next ahead months, returning the names it
// created. Creation goes through audit_ensure_partition, a SECURITY DEFINER
// function, because only the table owner may attach partitions and the
// retention credential does not own audit_events.
func (s *PostgresHotStore) EnsurePartitions(ctx context.Context, now time.Time, ahead int) ([]string, error) {
	month := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	var created []string
	for i := 0; i <= ahead; i++ {
		from := month.AddDate(0, i, 0)

		var name sql.NullString
		if err := s.db.QueryRowContext(ctx, `SELECT audit_ensure_partition($1::date)`, from.Format("2006-01-02")).Scan(&name); err != nil {
			return created, fmt.Errorf("failed to ensure partition %s: %w", PartitionName(from), err)
		}
		if !name.Valid {
			continue
		}
		s.logger.InfoContext(ctx, "created audit partition",
			slog.String("partition", name.String),
			slog.Time("from", from),
			slog.Time("to", from.AddDate(0, 1, 0)))
		created = append(created, name.String)
	}
	return created, nil
}

// PartitionName is the hot partition holding the month starting at month.
func PartitionName(month time.Time) string {
	return fmt.Sprintf("audit_events_y%04dm%02d", month.Year(), int(month.Month()))
}

// PostgresWarmStore keeps warm events in audit_events_warm: filterable
// metadata columns plus the gzip-compressed event.
type PostgresWarmStore struct {
	db *sql.DB
}

// NewPostgresWarmStore creates a warm store. Reads work under either
// credential; writes need the retention credential.
func NewPostgresWarmStore(db *sql.DB) *PostgresWarmStore {
	return &PostgresWarmStore{db: db}
}

// Insert implements WarmStore.
func (s *PostgresWarmStore) Insert(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin warm insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_events_warm
		(id, entity_type, entity_id, action, actor_id, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare warm insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		payload, err := encodePayload(e)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.EntityType, e.EntityID, string(e.Action), e.ActorID, e.OccurredAt.UTC(), payload); err != nil {
			return fmt.Errorf("failed to insert warm event %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit warm insert: %w", err)
	}
	return nil
}

// Count implements WarmStore.
func (s *PostgresWarmStore) Count(ctx context.Context, ids []string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM audit_events_warm WHERE id = ANY($1)`, pq.Array(uniqueIDs(ids))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count warm events: %w", err)
	}
	return n, nil
}

// ListBefore implements HotStore.
func (s *PostgresWarmStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM audit_events_warm
		WHERE occurred_at < $1 ORDER BY occurred_at, id LIMIT $2`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list warm events: %w", err)
	}
	return scanPayloads(rows)
}

// Remove implements HotStore.
func (s *PostgresWarmStore) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetentionTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit_events_warm WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
			return fmt.Errorf("failed to remove warm events: %w", audit.ClassifyStorageError(err))
		}
		return nil
	})
}

// Search implements audit.Reader.
func (s *PostgresWarmStore) Search(ctx context.Context, f audit.Filter) (audit.Page, error) {
	where, args := audit.WhereClause(f, 1)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM audit_events_warm`+where, args...).Scan(&total); err != nil {
		return audit.Page{}, fmt.Errorf("failed to count warm events: %w", err)
	}

	pagination, pageArgs := audit.LimitOffset(f, len(args)+1)
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM audit_events_warm`+where+
		` ORDER BY occurred_at DESC, id DESC`+pagination, append(args, pageArgs...)...)
	if err != nil {
		return audit.Page{}, fmt.Errorf("failed to query warm events: %w", err)
	}
	events, err := scanPayloads(rows)
	if err != nil {
		return audit.Page{}, err
	}
	return audit.Page{Events: events, Total: total}, nil
}

func scanPayloads(rows *sql.Rows) ([]audit.Event, error) {
	defer rows.Close()
	var events []audit.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan warm event: %w", err)
		}
		e, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate warm events: %w", err)
	}
	return events, nil
}

// PostgresColdIndex keeps the archive index in audit_cold_index.
type PostgresColdIndex struct {
	db *sql.DB
}

// NewPostgresColdIndex creates an index over db.
func NewPostgresColdIndex(db *sql.DB) *PostgresColdIndex {
	return &PostgresColdIndex{db: db}
}

// Add implements ColdIndex.
func (x *PostgresColdIndex) Add(ctx context.Context, objectKey string, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_cold_index
		(id, object_key, entity_type, entity_id, action, actor_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare index insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		if _, err := stmt.ExecContext(ctx, e.ID, objectKey, e.EntityType, e.EntityID, string(e.Action), e.ActorID, e.OccurredAt.UTC()); err != nil {
			return fmt.Errorf("failed to index event %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index insert: %w", err)
	}
	return nil
}

// Count implements ColdIndex.
func (x *PostgresColdIndex) Count(ctx context.Context, ids []string) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx,
		`SELECT count(*) FROM audit_cold_index WHERE id = ANY($1)`, pq.Array(uniqueIDs(ids))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count archived events: %w", err)
	}
	return n, nil
}

// Lookup implements ColdIndex.
func (x *PostgresColdIndex) Lookup(ctx context.Context, f audit.Filter) ([]IndexEntry, int, error) {
	where, args := audit.WhereClause(f, 1)

	var total int
	if err := x.db.QueryRowContext(ctx, `SELECT count(*) FROM audit_cold_index`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count archived events: %w", err)
	}

	pagination, pageArgs := audit.LimitOffset(f, len(args)+1)
	rows, err := x.db.QueryContext(ctx, `SELECT id, object_key, occurred_at FROM audit_cold_index`+where+
		` ORDER BY occurred_at DESC, id DESC`+pagination, append(args, pageArgs...)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query archive index: %w", err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var e IndexEntry
		if err := rows.Scan(&e.EventID, &e.ObjectKey, &e.OccurredAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan archive index: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate archive index: %w", err)
	}
	return entries, total, nil
}

// Expired implements ColdIndex.
func (x *PostgresColdIndex) Expired(ctx context.Context, cutoff time.Time, limit int) ([]ObjectSummary, error) {
	query := `SELECT object_key,
		       count(*) FILTER (WHERE occurred_at < $1),
		       min(occurred_at),
		       max(occurred_at) FILTER (WHERE occurred_at < $1),
		       bool_and(occurred_at < $1)
		FROM audit_cold_index
		GROUP BY object_key
		HAVING min(occurred_at) < $1
		ORDER BY min(occurred_at), object_key
		LIMIT $2`
	rows, err := x.db.QueryContext(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired archive objects: %w", err)
	}
	defer rows.Close()

	var out []ObjectSummary
	for rows.Next() {
		var s ObjectSummary
		if err := rows.Scan(&s.Key, &s.Count, &s.Oldest, &s.Newest, &s.Whole); err != nil {
			return nil, fmt.Errorf("failed to scan expired archive object: %w", err)
		}
		s.Oldest = s.Oldest.UTC()
		s.Newest = s.Newest.UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired archive objects: %w", err)
	}
	return out, nil
}

// RemoveBefore implements ColdIndex.
func (x *PostgresColdIndex) RemoveBefore(ctx context.Context, objectKey string, cutoff time.Time) error {
	return withRetentionTx(ctx, x.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM audit_cold_index WHERE object_key = $1 AND occurred_at < $2`, objectKey, cutoff.UTC()); err != nil {
			return fmt.Errorf("failed to unindex archive object %s: %w", objectKey, audit.ClassifyStorageError(err))
		}
		return nil
	})
}
