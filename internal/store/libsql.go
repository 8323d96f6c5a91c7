package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chanops/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/chanops.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "open libsql").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Collections ---

// SaveCollection inserts or replaces the collection named rec.Name. A
// non-zero rec.Revision must match the stored revision, otherwise the save
// fails with CONFLICT. On success rec carries the stored id, revision and
// timestamps.
func (s *LibSQLStore) SaveCollection(ctx context.Context, rec *CollectionRecord) error {
	if rec.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "collection name is required")
	}
	rec.Definition.Name = rec.Name
	if rec.Definition.Version == 0 {
		rec.Definition.Version = schema.DocumentVersion
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		existingID string
		revision   int64
		createdAt  time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, revision, created_at FROM collections WHERE name = ?`, rec.Name,
	).Scan(&existingID, &revision, &createdAt)
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if found {
		if rec.ID != "" && rec.ID != existingID {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"collection %q already stored with id %s", rec.Name, existingID)
		}
		if rec.Revision != 0 && rec.Revision != revision {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"collection %q is at revision %d, save was based on %d", rec.Name, revision, rec.Revision).
				WithDetails(map[string]any{"stored_revision": revision, "revision": rec.Revision})
		}
		rec.ID = existingID
		rec.CreatedAt = createdAt
		rec.Revision = revision + 1
	} else {
		if rec.ID == "" {
			rec.ID = rec.Definition.ID
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.CreatedAt = timeOrNow(rec.CreatedAt)
		rec.Revision = 1
	}
	rec.Definition.ID = rec.ID
	rec.ChannelCount = len(rec.Definition.Channels)
	rec.UpdatedAt = time.Now().UTC()

	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	if found {
		_, err = tx.ExecContext(ctx,
			`UPDATE collections SET definition = ?, channel_count = ?, revision = ?, updated_at = ? WHERE id = ?`,
			string(def), rec.ChannelCount, rec.Revision, rec.UpdatedAt, rec.ID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO collections (id, name, definition, channel_count, revision, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Name, string(def), rec.ChannelCount, rec.Revision, rec.CreatedAt, rec.UpdatedAt,
		)
	}
	if err != nil {
		return fmt.Errorf("write collection %q: %w", rec.Name, err)
	}
	return tx.Commit()
}

const collectionColumns = `id, name, definition, channel_count, revision, created_at, updated_at`

func (s *LibSQLStore) GetCollection(ctx context.Context, name string) (*CollectionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+collectionColumns+` FROM collections WHERE name = ?`, name)
	rec, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("collection", name)
	}
	return rec, err
}

func (s *LibSQLStore) ListCollections(ctx context.Context, filter CollectionFilter) ([]*CollectionRecord, error) {
	var where []string
	var args []any

	if filter.NamePrefix != "" {
		where = append(where, "name LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(filter.NamePrefix)+"%")
	}
	if filter.Since != nil {
		where = append(where, "updated_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + collectionColumns + ` FROM collections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CollectionRecord
	for rows.Next() {
		rec, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteCollection(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "collection", name)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (*CollectionRecord, error) {
	rec := &CollectionRecord{}
	var defJSON string
	if err := row.Scan(&rec.ID, &rec.Name, &defJSON, &rec.ChannelCount, &rec.Revision,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "corrupt definition for collection %q", rec.Name).
			WithCause(err)
	}
	return rec, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// insertEvent assigns the next per-collection sequence and writes event.
func insertEvent(ctx context.Context, tx *sql.Tx, event *Event) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM change_events WHERE collection = ?`, event.Collection,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO change_events (event_id, collection, channel, event_type, time, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullStr(event.EventID), event.Collection, nullStr(event.Channel), event.Type, event.Time,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

const eventColumns = `id, event_id, collection, channel, event_type, time, payload, timestamp, sequence`

func (s *LibSQLStore) GetEvents(ctx context.Context, collection string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM change_events
		 WHERE collection = ? AND sequence > ? ORDER BY sequence ASC`,
		collection, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.Collection != "" {
		where = append(where, "collection = ?")
		args = append(args, filter.Collection)
	}
	if filter.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, filter.Channel)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + eventColumns + ` FROM change_events WHERE ` + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var eventID, channel, payload sql.NullString
		var at sql.NullFloat64
		if err := rows.Scan(&e.ID, &eventID, &e.Collection, &channel, &e.Type, &at, &payload,
			&e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.EventID = eventID.String
		e.Channel = channel.String
		e.Time = at.Float64
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Autosave jobs ---

func (s *LibSQLStore) CreateAutosaveJob(ctx context.Context, job *AutosaveJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO autosave_jobs (id, collection, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, nullStr(job.Collection), job.CronExpression, boolInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), job.CreatedAt,
	)
	return err
}

const jobColumns = `id, collection, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) GetAutosaveJob(ctx context.Context, id string) (*AutosaveJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM autosave_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("autosave job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateAutosaveJob(ctx context.Context, id string, update AutosaveJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE autosave_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "autosave job", id)
}

func (s *LibSQLStore) ListAutosaveJobs(ctx context.Context, filter AutosaveJobFilter) ([]*AutosaveJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.Collection != "" {
		where = append(where, "collection = ?")
		args = append(args, filter.Collection)
	}

	query := `SELECT ` + jobColumns + ` FROM autosave_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*AutosaveJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteAutosaveJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM autosave_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "autosave job", id)
}

func scanJob(row rowScanner) (*AutosaveJob, error) {
	job := &AutosaveJob{}
	var collection, status sql.NullString
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&job.ID, &collection, &job.CronExpression, &job.Enabled,
		&lastRun, &nextRun, &status, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Collection = collection.String
	job.LastRunStatus = status.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ChanopsError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
