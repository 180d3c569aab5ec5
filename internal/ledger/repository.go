package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database"
)

// Repository persists ledger entries.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	FindByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	List(ctx context.Context, f Filter) ([]*Entry, error)
	Update(ctx context.Context, e *Entry) error
	IncrementRetry(ctx context.Context, id uuid.UUID, now time.Time) error
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLRepository stores entries in the error_ledger table. It always writes
// through the connection, never through a caller's transaction, so entries
// survive the rollback that usually accompanies them.
type SQLRepository struct {
	conn database.Connection
}

// NewSQLRepository creates a new SQLRepository.
func NewSQLRepository(conn database.Connection) *SQLRepository {
	return &SQLRepository{conn: conn}
}

const entryColumns = `id, error_type, operation, service, context, message, trace, retryable,
	retry_count, resolved, resolved_at, resolved_by, resolution_notes, created_at, updated_at`

// Insert stores a new entry.
func (r *SQLRepository) Insert(ctx context.Context, e *Entry) error {
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal ledger context: %w", err)
	}

	_, err = r.conn.Exec(ctx, `
		INSERT INTO error_ledger (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), string(e.Type), e.Operation, e.Service, string(ctxJSON), e.Message, e.Trace,
		database.BoolToInt(e.Retryable), e.RetryCount, database.BoolToInt(e.Resolved),
		nullTime(e.ResolvedAt), e.ResolvedBy, e.ResolutionNotes,
		database.FormatTime(e.CreatedAt), database.FormatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// FindByID returns an entry or a NotFound error.
func (r *SQLRepository) FindByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+entryColumns+` FROM error_ledger WHERE id = ?`, id.String())
	e, err := scanEntry(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, apperrors.NotFound("ledger entry", id.String())
		}
		return nil, err
	}
	return e, nil
}

// List returns entries matching f, newest first.
func (r *SQLRepository) List(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.UnresolvedOnly {
		where = append(where, "resolved = 0")
	}
	if f.Type != "" {
		where = append(where, "error_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, f.Operation)
	}

	query := `SELECT ` + entryColumns + ` FROM error_ledger`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Update writes the mutable resolution fields of an entry.
func (r *SQLRepository) Update(ctx context.Context, e *Entry) error {
	res, err := r.conn.Exec(ctx, `
		UPDATE error_ledger
		SET resolved = ?, resolved_at = ?, resolved_by = ?, resolution_notes = ?, retry_count = ?, updated_at = ?
		WHERE id = ?`,
		database.BoolToInt(e.Resolved), nullTime(e.ResolvedAt), e.ResolvedBy, e.ResolutionNotes,
		e.RetryCount, database.FormatTime(e.UpdatedAt), e.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update ledger entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("ledger entry", e.ID.String())
	}
	return nil
}

// IncrementRetry bumps retry_count atomically.
func (r *SQLRepository) IncrementRetry(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := r.conn.Exec(ctx,
		`UPDATE error_ledger SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		database.FormatTime(now), id.String(),
	)
	if err != nil {
		return fmt.Errorf("increment ledger retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("ledger entry", id.String())
	}
	return nil
}

// DeleteResolvedBefore removes resolved entries created before cutoff.
func (r *SQLRepository) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.conn.Exec(ctx,
		`DELETE FROM error_ledger WHERE resolved = 1 AND created_at < ?`,
		database.FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep ledger: %w", err)
	}
	return res.RowsAffected()
}

func scanEntry(row database.Row) (*Entry, error) {
	var (
		e                    Entry
		id, typ, ctxJSON     string
		retryable, resolved  int
		resolvedAt           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &typ, &e.Operation, &e.Service, &ctxJSON, &e.Message, &e.Trace, &retryable,
		&e.RetryCount, &resolved, &resolvedAt, &e.ResolvedBy, &e.ResolutionNotes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse ledger id: %w", err)
	}
	e.Type = ErrorType(typ)
	e.Retryable = retryable != 0
	e.Resolved = resolved != 0
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
			return nil, fmt.Errorf("decode ledger context: %w", err)
		}
	}
	if resolvedAt.Valid {
		t, err := database.ParseTime(resolvedAt.String)
		if err != nil {
			return nil, err
		}
		e.ResolvedAt = &t
	}
	if e.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return database.FormatTime(*t)
}
