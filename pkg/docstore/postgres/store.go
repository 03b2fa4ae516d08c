// Package postgres provides PostgreSQL storage for documents.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/steptracker/pkg/docstore"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var documentColumns = []string{"path", "data", "created_at", "updated_at"}

// Store implements docstore.Store using a JSONB documents table.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL document store. The caller owns db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves the document at path.
func (s *Store) Get(ctx context.Context, path string) (*docstore.Document, error) {
	query, args, err := psq.Select(documentColumns...).
		From("documents").
		Where(sq.Eq{"path": path}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building document query: %w", err)
	}

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", path, err)
	}
	return doc, nil
}

// Set upserts the document at path. With Merge the new fields are
// concatenated onto the stored JSONB so sibling fields survive.
func (s *Store) Set(ctx context.Context, path string, data map[string]any, opts docstore.SetOptions) error {
	plain, stamps := docstore.SplitTimestamps(data)
	payload, err := json.Marshal(plain)
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}

	stampSQL, stampArgs := stampExpr(stamps, 3)
	onConflict := "data = EXCLUDED.data"
	if opts.Merge {
		onConflict = "data = documents.data || EXCLUDED.data"
	}

	query := `
		INSERT INTO documents (path, data, created_at, updated_at)
		VALUES ($1, $2::jsonb || ` + stampSQL + `, NOW(), NOW())
		ON CONFLICT (path) DO UPDATE SET ` + onConflict + `, updated_at = NOW()
	`
	args := append([]any{path, payload}, stampArgs...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("setting document %s: %w", path, err)
	}
	return nil
}

// Update merges data into an existing document.
func (s *Store) Update(ctx context.Context, path string, data map[string]any) error {
	plain, stamps := docstore.SplitTimestamps(data)
	payload, err := json.Marshal(plain)
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}

	stampSQL, stampArgs := stampExpr(stamps, 3)
	query := `
		UPDATE documents
		SET data = data || $2::jsonb || ` + stampSQL + `, updated_at = NOW()
		WHERE path = $1
	`
	args := append([]any{path, payload}, stampArgs...)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", path, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// List returns the documents whose path begins with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]*docstore.Document, error) {
	query, args, err := psq.Select(documentColumns...).
		From("documents").
		Where(sq.Like{"path": escapeLike(prefix) + "%"}).
		OrderBy("path").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*docstore.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating document rows: %w", err)
	}
	return docs, nil
}

// Close is a no-op; the database handle is owned by the caller.
func (*Store) Close() error {
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*docstore.Document, error) {
	var (
		doc  docstore.Document
		data []byte
	)
	if err := row.Scan(&doc.Path, &data, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with operation context
	}
	doc.Data = make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc.Data); err != nil {
			return nil, fmt.Errorf("unmarshaling document data: %w", err)
		}
	}
	return &doc, nil
}

// stampExpr builds a JSONB object assigning NOW() to each named field,
// numbering its placeholders from first.
func stampExpr(fields []string, first int) (string, []any) {
	if len(fields) == 0 {
		return "'{}'::jsonb", nil
	}
	parts := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for i, f := range fields {
		parts = append(parts, fmt.Sprintf("$%d::text, to_jsonb(NOW())", first+i))
		args = append(args, f)
	}
	return "jsonb_build_object(" + strings.Join(parts, ", ") + ")", args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// Verify interface compliance.
var _ docstore.Store = (*Store)(nil)
