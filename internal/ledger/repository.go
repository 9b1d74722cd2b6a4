package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pulseline/internal/activity"
	pulseline_errors "pulseline/pkg/errors"
)

// DB is the subset of pgx used by the repository. Both *pgxpool.Pool and
// pgx.Tx satisfy it, so appends can ride the caller's business transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const activityColumns = `id, seq, table_name, entity_type, resource_type, action, type, entity_id,
	user_id, organization_id, project_id, tx, changed_keys, error, created_at`

// Repository is the append-only store for activities.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Append inserts an activity. Duplicate natural keys (redelivered changes)
// are dropped silently and reported with inserted=false; at-least-once
// transports make that a normal outcome, not an error.
//
// When a.Seq is zero the ledger assigns the next value of the global
// activity sequence; a non-zero Seq claims that position explicitly.
func (r *Repository) Append(ctx context.Context, a *activity.Activity) (bool, error) {
	return r.append(ctx, r.db, a)
}

// AppendTx is Append executed on the caller's transaction, so the business
// write and its activity row commit or roll back together.
func (r *Repository) AppendTx(ctx context.Context, tx DB, a *activity.Activity) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	return r.append(ctx, tx, a)
}

func (r *Repository) append(ctx context.Context, db DB, a *activity.Activity) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	var errJSON []byte
	if a.Error != nil {
		var err error
		errJSON, err = json.Marshal(a.Error)
		if err != nil {
			return false, fmt.Errorf("failed to marshal activity error: %w", err)
		}
	}

	row := db.QueryRow(ctx, `
        INSERT INTO activities
            (id, seq, table_name, entity_type, resource_type, action, type, entity_id,
             user_id, organization_id, project_id, tx, changed_keys, error, created_at)
        VALUES
            ($1,
             CASE WHEN $2::bigint > 0 THEN $2::bigint ELSE nextval('activity_seq') END,
             $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
        ON CONFLICT DO NOTHING
        RETURNING seq, created_at
    `,
		a.ID,
		a.Seq,
		a.TableName,
		a.EntityType,
		a.ResourceType,
		a.Action,
		a.Type,
		a.EntityID,
		a.UserID,
		a.OrganizationID,
		a.ProjectID,
		a.Tx,
		a.ChangedKeys,
		errJSON,
	)

	if err := row.Scan(&a.Seq, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict on the id or the (table_name, entity_id, seq) key.
			return false, nil
		}
		return false, fmt.Errorf("failed to append activity: %w", err)
	}
	return true, nil
}

// MarkFailed flags an existing activity as a dead letter post-hoc.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, info activity.ErrorInfo) error {
	errJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal activity error: %w", err)
	}

	tag, err := r.db.Exec(ctx, `UPDATE activities SET error = $2 WHERE id = $1`, id, errJSON)
	if err != nil {
		return fmt.Errorf("failed to mark activity failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activity %s: %w", id, pulseline_errors.ErrNotFound)
	}
	return nil
}

// GetByID fetches one activity. The event bus uses this to re-read the full
// row after a notification, which carries row identity only.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*activity.Activity, error) {
	row := r.db.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = $1`, id)
	a, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("activity %s: %w", id, pulseline_errors.ErrNotFound)
		}
		return nil, err
	}
	return a, nil
}

// MaxSeq returns the highest assigned sequence number, or zero for an empty
// ledger. The fallback poller compares this against its last-dispatched seq.
func (r *Repository) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM activities`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return seq, nil
}

// ListAfterSeq returns activities with seq greater than the given value, in
// seq order. Dead letters are included; the event bus accounts for their
// seqs and skips them during fan-out.
func (r *Repository) ListAfterSeq(ctx context.Context, seq int64, limit int) ([]activity.Activity, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+activityColumns+`
        FROM activities
        WHERE seq > $1
        ORDER BY seq ASC
        LIMIT $2
    `, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities after seq: %w", err)
	}
	defer rows.Close()
	return scanActivities(rows)
}

// CountDeadLetters returns how many activities are flagged as failed.
func (r *Repository) CountDeadLetters(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM activities WHERE error IS NOT NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

func scanActivity(row pgx.Row) (*activity.Activity, error) {
	var a activity.Activity
	var errJSON []byte

	if err := row.Scan(
		&a.ID,
		&a.Seq,
		&a.TableName,
		&a.EntityType,
		&a.ResourceType,
		&a.Action,
		&a.Type,
		&a.EntityID,
		&a.UserID,
		&a.OrganizationID,
		&a.ProjectID,
		&a.Tx,
		&a.ChangedKeys,
		&errJSON,
		&a.CreatedAt,
	); err != nil {
		return nil, err
	}

	if len(errJSON) > 0 {
		var info activity.ErrorInfo
		if err := json.Unmarshal(errJSON, &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal activity error: %w", err)
		}
		a.Error = &info
	}
	return &a, nil
}

func scanActivities(rows pgx.Rows) ([]activity.Activity, error) {
	var out []activity.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// orderColumns whitelists the sortable columns exposed by the query API.
var orderColumns = map[string]string{
	"createdAt": "created_at",
	"type":      "type",
	"tableName": "table_name",
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any

	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if f.UserID != "" {
		add("user_id", f.UserID)
	}
	if f.EntityType != "" {
		add("entity_type", f.EntityType)
	}
	if f.ResourceType != "" {
		add("resource_type", f.ResourceType)
	}
	if f.Action != "" {
		add("action", string(f.Action))
	}
	if f.TableName != "" {
		add("table_name", f.TableName)
	}
	if f.Type != "" {
		add("type", f.Type)
	}
	if f.EntityID != "" {
		add("entity_id", f.EntityID)
	}
	if f.DeadLettersOnly {
		clauses = append(clauses, "error IS NOT NULL")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
