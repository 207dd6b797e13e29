package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Document is the server's record of one dealership document.
type Document struct {
	ID            string
	DealID        string
	TemplateID    string
	ServerVersion int64
	Status        string
	ArtifactRef   string
	Summary       string
}

// ErrNotFound indicates the server has never seen the document.
var ErrNotFound = errors.New("document not found")

// ConflictError is returned when a write carries a version the server
// has already moved past.
type ConflictError struct {
	ID            string
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document %s: version conflict (server at %d)", e.ID, e.ServerVersion)
}

// DocumentStore persists documents in postgres.
type DocumentStore struct {
	db *sql.DB
}

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) DB() *sql.DB {
	return s.db
}

func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *DocumentStore) Get(ctx context.Context, id string) (Document, error) {
	const query = `
		SELECT id, deal_id, template_id, server_version, status, artifact_ref, summary
		FROM documents WHERE id = $1
	`
	var d Document
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.DealID, &d.TemplateID, &d.ServerVersion, &d.Status, &d.ArtifactRef, &d.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// ApplyDraft records a pushed draft. The write succeeds only when the
// incoming version is ahead of the server's; a finalized document or a
// newer server version comes back as a ConflictError carrying the
// version the client must reconcile against.
func (s *DocumentStore) ApplyDraft(ctx context.Context, d Document) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin draft tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT server_version, status FROM documents WHERE id = $1 FOR UPDATE`, d.ID).
		Scan(&current, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (id, deal_id, template_id, server_version, status, summary, updated_at)
			VALUES ($1, $2, $3, $4, 'ready', $5, NOW())
		`, d.ID, d.DealID, d.TemplateID, d.ServerVersion, d.Summary)
		if err != nil {
			return 0, fmt.Errorf("insert document: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("lock document: %w", err)
	default:
		if status == "finalized" || current > d.ServerVersion {
			return 0, &ConflictError{ID: d.ID, ServerVersion: current}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET server_version = $2, status = 'ready', summary = $3, updated_at = NOW()
			WHERE id = $1
		`, d.ID, d.ServerVersion, d.Summary)
		if err != nil {
			return 0, fmt.Errorf("update document: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit draft tx: %w", err)
	}
	return d.ServerVersion, nil
}

// ApplyFinalize marks a document finalized at the given version. It
// follows the same version rule as ApplyDraft; once finalized the row
// never changes again.
func (s *DocumentStore) ApplyFinalize(ctx context.Context, id string, version int64, artifactRef string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	var status, ref string
	err = tx.QueryRowContext(ctx,
		`SELECT server_version, status, artifact_ref FROM documents WHERE id = $1 FOR UPDATE`, id).
		Scan(&current, &status, &ref)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (id, deal_id, template_id, server_version, status, artifact_ref, updated_at)
			VALUES ($1, '', '', $2, 'finalized', $3, NOW())
		`, id, version, artifactRef)
		if err != nil {
			return 0, fmt.Errorf("insert finalized document: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("lock document: %w", err)
	case status == "finalized" && ref == artifactRef:
		// repeated confirm of the same finalize
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit finalize tx: %w", err)
		}
		return current, nil
	case status == "finalized" || current > version:
		return 0, &ConflictError{ID: id, ServerVersion: current}
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET server_version = $2, status = 'finalized', artifact_ref = $3, updated_at = NOW()
			WHERE id = $1
		`, id, version, artifactRef)
		if err != nil {
			return 0, fmt.Errorf("finalize document: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit finalize tx: %w", err)
	}
	return version, nil
}

// ListFinalized returns finalized documents for search reindexing.
func (s *DocumentStore) ListFinalized(ctx context.Context) ([]Document, error) {
	const query = `
		SELECT id, deal_id, template_id, server_version, status, artifact_ref, summary
		FROM documents WHERE status = 'finalized'
		ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list finalized: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.DealID, &d.TemplateID, &d.ServerVersion, &d.Status, &d.ArtifactRef, &d.Summary); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
