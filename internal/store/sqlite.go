package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dealdesk/engine/internal/draft"
)

// DraftStore is the sqlite-backed draft store. All writes are atomic
// per record: every mutation runs in a transaction against a single
// writer connection.
type DraftStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewDraftStore(db *sql.DB) *DraftStore {
	return &DraftStore{db: db, now: time.Now}
}

func (s *DraftStore) DB() *sql.DB {
	return s.db
}

const draftColumns = `id, deal_id, template_id, field_values, status, local_version,
	server_version, last_saved_at, last_finalized_at, pending_sync, artifact_ref`

// Create inserts a fresh draft record for a document opened for
// editing: status draft, localVersion 0.
func (s *DraftStore) Create(ctx context.Context, id, dealID, templateID string) (draft.Draft, error) {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (id, deal_id, template_id, field_values, status, local_version, pending_sync, created_at, updated_at)
		VALUES (?, ?, ?, '{}', ?, 0, 0, ?, ?)
	`, id, dealID, templateID, draft.StatusDraft, now, now)
	if err != nil {
		return draft.Draft{}, fmt.Errorf("insert draft: %w", err)
	}
	return s.Load(ctx, id)
}

// Load fetches one draft by id, or draft.ErrNotFound.
func (s *DraftStore) Load(ctx context.Context, id string) (draft.Draft, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return draft.Draft{}, draft.ErrNotFound
	}
	if err != nil {
		return draft.Draft{}, fmt.Errorf("load draft: %w", err)
	}
	return d, nil
}

// UpsertFields merges partial field values into the draft, last writer
// wins per key. It increments localVersion, flags the record for sync,
// and appends the diff to the field log. Finalized drafts reject the
// write with an illegal-transition error.
func (s *DraftStore) UpsertFields(ctx context.Context, id string, fields map[string]any) (draft.Draft, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return draft.Draft{}, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return draft.Draft{}, draft.ErrNotFound
	}
	if err != nil {
		return draft.Draft{}, fmt.Errorf("load draft for upsert: %w", err)
	}
	if d.Finalized() {
		return draft.Draft{}, &draft.IllegalTransitionError{ID: id, From: d.Status, To: draft.StatusSaving}
	}

	for k, v := range fields {
		d.FieldValues[k] = v
	}
	merged, err := json.Marshal(d.FieldValues)
	if err != nil {
		return draft.Draft{}, fmt.Errorf("marshal field values: %w", err)
	}
	diff, err := json.Marshal(fields)
	if err != nil {
		return draft.Draft{}, fmt.Errorf("marshal field diff: %w", err)
	}

	now := s.now()
	d.LocalVersion++
	d.PendingSync = true
	if _, err := tx.ExecContext(ctx, `
		UPDATE drafts
		SET field_values=?, local_version=?, pending_sync=1, updated_at=?
		WHERE id=?
	`, string(merged), d.LocalVersion, now.UnixMilli(), id); err != nil {
		return draft.Draft{}, fmt.Errorf("update draft fields: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO draft_field_log (draft_id, local_version, fields, logged_at)
		VALUES (?, ?, ?, ?)
	`, id, d.LocalVersion, string(diff), now.UnixMilli()); err != nil {
		return draft.Draft{}, fmt.Errorf("append field log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return draft.Draft{}, fmt.Errorf("commit upsert: %w", err)
	}
	return d, nil
}

// SetStatus moves the draft to a new status, enforcing the lifecycle
// transition table. A save completing (status ready) also stamps
// lastSavedAt.
func (s *DraftStore) SetStatus(ctx context.Context, id string, to draft.Status) (draft.Draft, error) {
	if !draft.ValidStatus(to) {
		return draft.Draft{}, fmt.Errorf("unknown status %q", to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return draft.Draft{}, fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return draft.Draft{}, draft.ErrNotFound
	}
	if err != nil {
		return draft.Draft{}, fmt.Errorf("load draft for status: %w", err)
	}
	if !draft.CanTransition(d.Status, to) {
		return draft.Draft{}, &draft.IllegalTransitionError{ID: id, From: d.Status, To: to}
	}

	now := s.now()
	if to == draft.StatusReady {
		t := now
		d.LastSavedAt = &t
		if _, err := tx.ExecContext(ctx, `
			UPDATE drafts SET status=?, last_saved_at=?, updated_at=? WHERE id=?
		`, to, now.UnixMilli(), now.UnixMilli(), id); err != nil {
			return draft.Draft{}, fmt.Errorf("update draft status: %w", err)
		}
	} else if to == draft.StatusFinalizeFailed {
		// a failed finalize always leaves the draft pending sync, even
		// if a sweep had already caught the server up; the reconciler
		// finds it there and retries
		d.PendingSync = true
		if _, err := tx.ExecContext(ctx, `
			UPDATE drafts SET status=?, pending_sync=1, updated_at=? WHERE id=?
		`, to, now.UnixMilli(), id); err != nil {
			return draft.Draft{}, fmt.Errorf("update draft status: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE drafts SET status=?, updated_at=? WHERE id=?
		`, to, now.UnixMilli(), id); err != nil {
			return draft.Draft{}, fmt.Errorf("update draft status: %w", err)
		}
	}
	d.Status = to

	if err := tx.Commit(); err != nil {
		return draft.Draft{}, fmt.Errorf("commit status: %w", err)
	}
	return d, nil
}

// MarkFinalized records a server-acknowledged finalization: status
// finalized, artifact reference set, versions reconciled, sync flag
// cleared. Only legal from finalizing.
func (s *DraftStore) MarkFinalized(ctx context.Context, id, artifactRef string, serverVersion int64) (draft.Draft, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return draft.Draft{}, fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return draft.Draft{}, draft.ErrNotFound
	}
	if err != nil {
		return draft.Draft{}, fmt.Errorf("load draft for finalize: %w", err)
	}
	if !draft.CanTransition(d.Status, draft.StatusFinalized) {
		return draft.Draft{}, &draft.IllegalTransitionError{ID: id, From: d.Status, To: draft.StatusFinalized}
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE drafts
		SET status=?, artifact_ref=?, server_version=?, pending_sync=0, last_finalized_at=?, updated_at=?
		WHERE id=?
	`, draft.StatusFinalized, artifactRef, serverVersion, now.UnixMilli(), now.UnixMilli(), id); err != nil {
		return draft.Draft{}, fmt.Errorf("mark finalized: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return draft.Draft{}, fmt.Errorf("commit finalize: %w", err)
	}

	d.Status = draft.StatusFinalized
	d.ArtifactRef = artifactRef
	d.ServerVersion = &serverVersion
	d.PendingSync = false
	t := now
	d.LastFinalizedAt = &t
	return d, nil
}

// MarkSynced records the version the server has acknowledged. The sync
// flag clears only when local and server versions agree.
func (s *DraftStore) MarkSynced(ctx context.Context, id string, serverVersion int64) (draft.Draft, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE drafts
		SET server_version=?, pending_sync=(local_version != ?), updated_at=?
		WHERE id=?
	`, serverVersion, serverVersion, now, id)
	if err != nil {
		return draft.Draft{}, fmt.Errorf("mark synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return draft.Draft{}, draft.ErrNotFound
	}
	return s.Load(ctx, id)
}

// ListPendingSync returns every draft whose local state has diverged
// from the last confirmed server state.
func (s *DraftStore) ListPendingSync(ctx context.Context) ([]draft.Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+draftColumns+` FROM drafts WHERE pending_sync=1 ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending sync: %w", err)
	}
	defer rows.Close()

	items := make([]draft.Draft, 0)
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drafts: %w", err)
	}
	return items, nil
}

// ListFinalizing returns drafts whose status is finalizing. The
// finalizer holds the document lock for the whole finalizing window, so
// an unlocked finalizing row is an orphan from a crash and needs to be
// demoted before the reconciler can retry it.
func (s *DraftStore) ListFinalizing(ctx context.Context) ([]draft.Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+draftColumns+` FROM drafts WHERE status=? ORDER BY updated_at ASC
	`, draft.StatusFinalizing)
	if err != nil {
		return nil, fmt.Errorf("list finalizing: %w", err)
	}
	defer rows.Close()

	items := make([]draft.Draft, 0)
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drafts: %w", err)
	}
	return items, nil
}

// FieldLogEntry is one persisted field diff.
type FieldLogEntry struct {
	Seq          int64
	DraftID      string
	LocalVersion int64
	Fields       map[string]any
	LoggedAt     time.Time
}

// FieldLog returns the append-only diff history for a draft, oldest
// first.
func (s *DraftStore) FieldLog(ctx context.Context, id string) ([]FieldLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, draft_id, local_version, fields, logged_at
		FROM draft_field_log WHERE draft_id=? ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list field log: %w", err)
	}
	defer rows.Close()

	entries := make([]FieldLogEntry, 0)
	for rows.Next() {
		var e FieldLogEntry
		var fieldsJSON string
		var loggedAt int64
		if err := rows.Scan(&e.Seq, &e.DraftID, &e.LocalVersion, &fieldsJSON, &loggedAt); err != nil {
			return nil, fmt.Errorf("scan field log: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
			return nil, fmt.Errorf("decode field log: %w", err)
		}
		e.LoggedAt = time.UnixMilli(loggedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate field log: %w", err)
	}
	return entries, nil
}

// PurgeFinalized deletes finalized, fully synced drafts older than
// cutoff. Drafts still pending sync are never eligible.
func (s *DraftStore) PurgeFinalized(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM drafts
		WHERE status=? AND pending_sync=0 AND last_finalized_at IS NOT NULL AND last_finalized_at < ?
	`, draft.StatusFinalized, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge finalized: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

// GetSetting reads a local settings value; ok is false when unset.
func (s *DraftStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting: %w", err)
	}
	return value, true, nil
}

// SetSetting writes a local settings value.
func (s *DraftStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
	`, key, value, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (draft.Draft, error) {
	var d draft.Draft
	var fieldsJSON string
	var serverVersion sql.NullInt64
	var lastSavedAt, lastFinalizedAt sql.NullInt64
	if err := row.Scan(
		&d.ID, &d.DealID, &d.TemplateID, &fieldsJSON, &d.Status, &d.LocalVersion,
		&serverVersion, &lastSavedAt, &lastFinalizedAt, &d.PendingSync, &d.ArtifactRef,
	); err != nil {
		return draft.Draft{}, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &d.FieldValues); err != nil {
		return draft.Draft{}, fmt.Errorf("decode field values: %w", err)
	}
	if d.FieldValues == nil {
		d.FieldValues = make(map[string]any)
	}
	if serverVersion.Valid {
		v := serverVersion.Int64
		d.ServerVersion = &v
	}
	if lastSavedAt.Valid {
		t := time.UnixMilli(lastSavedAt.Int64)
		d.LastSavedAt = &t
	}
	if lastFinalizedAt.Valid {
		t := time.UnixMilli(lastFinalizedAt.Int64)
		d.LastFinalizedAt = &t
	}
	return d, nil
}
