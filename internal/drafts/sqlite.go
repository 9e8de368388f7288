package drafts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"plan-coordinator/internal/modal"
)

// SQLiteStore implements Store on a SQLite database shared with the editing
// surface that creates drafts.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and migrates) the draft database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const draftColumns = `id, plan_data_json, status, resource_id, base_version, submission_id,
	created_by, updated_by, created_at, updated_at, submission_meta_json`

func (s *SQLiteStore) Create(ctx context.Context, nd modal.NewDraft) (string, error) {
	planJSON, err := marshalJSON(nd.PlanData)
	if err != nil {
		return "", err
	}
	id := newID()
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drafts (id, plan_data_json, status, resource_id, base_version,
			created_by, updated_by, created_at, updated_at)
		VALUES (?, ?, 'draft', ?, ?, ?, ?, ?, ?)
	`, id, planJSON, nullString(nd.ResourceID), baseVersionOrNew(nd.BaseVersion),
		nd.CreatedBy, nd.CreatedBy, now, now)
	if err != nil {
		return "", fmt.Errorf("insert draft: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*modal.Draft, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	d, err := scanDraft(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: draft id=%s", modal.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Update reads the row, applies the patch and writes it back guarded by the
// status that was read, so a concurrent transition makes it fail.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch modal.DraftPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	d, err := scanDraft(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: draft id=%s", modal.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if !statusAllowed(d.Status, patch.ExpectedStatus) {
		return fmt.Errorf("%w: draft id=%s status=%s", modal.ErrStatusConflict, id, d.Status)
	}
	readStatus := d.Status
	apply(d, patch)

	planJSON, err := marshalJSON(d.PlanData)
	if err != nil {
		return err
	}
	metaJSON, err := marshalJSON(d.SubmissionMetadata)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE drafts
		SET plan_data_json = ?, status = ?, resource_id = ?, base_version = ?, submission_id = ?,
			updated_by = ?, updated_at = ?, submission_meta_json = ?
		WHERE id = ? AND status = ?
	`, planJSON, string(d.Status), nullString(d.ResourceID), d.BaseVersion, nullString(d.SubmissionID),
		d.UpdatedBy, s.now().UTC(), metaJSON, id, string(readStatus))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: submission %s already bound", modal.ErrStatusConflict, d.SubmissionID)
		}
		return fmt.Errorf("update draft: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: draft id=%s", modal.ErrStatusConflict, id)
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context, filter modal.DraftFilter) ([]*modal.Draft, error) {
	var (
		where []string
		args  []any
	)
	if filter.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + draftColumns + ` FROM drafts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*modal.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDraft(row scanner) (*modal.Draft, error) {
	var (
		d                    modal.Draft
		planJSON, metaJSON   string
		status               string
		resourceID, subminID sql.NullString
	)
	err := row.Scan(&d.ID, &planJSON, &status, &resourceID, &d.BaseVersion, &subminID,
		&d.CreatedBy, &d.UpdatedBy, &d.CreatedAt, &d.UpdatedAt, &metaJSON)
	if err != nil {
		return nil, err
	}
	d.Status = modal.DraftStatus(status)
	d.ResourceID = resourceID.String
	d.SubmissionID = subminID.String

	if planJSON != "" {
		if err := json.Unmarshal([]byte(planJSON), &d.PlanData); err != nil {
			return nil, fmt.Errorf("decode plan data of draft %s: %w", d.ID, err)
		}
	}
	if metaJSON != "" && metaJSON != "{}" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &d.SubmissionMetadata); err != nil {
			return nil, fmt.Errorf("decode submission metadata of draft %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
