package ledger

import (
	"context"
	"fmt"

	"pulseline/internal/activity"
)

// Filter narrows a ledger query. Zero values mean "any".
type Filter struct {
	UserID          string
	EntityType      string
	ResourceType    string
	Action          activity.Action
	TableName       string
	Type            string
	EntityID        string
	DeadLettersOnly bool
}

// Page controls ordering and pagination of a ledger query.
type Page struct {
	Limit   int
	Offset  int
	OrderBy string // createdAt (default), type or tableName
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Result is one page of activities plus the total match count.
type Result struct {
	Items []activity.Activity `json:"items"`
	Total int64               `json:"total"`
}

// Query returns activities matching the filter. Ties on the order column
// are broken by seq so pagination is stable.
func (r *Repository) Query(ctx context.Context, f Filter, p Page) (*Result, error) {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	orderCol, ok := orderColumns[p.OrderBy]
	if !ok {
		orderCol = "created_at"
	}

	where, args := buildWhere(f)

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM activities`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count activities: %w", err)
	}

	query := fmt.Sprintf(`
        SELECT `+activityColumns+`
        FROM activities%s
        ORDER BY %s ASC, seq ASC
        LIMIT $%d OFFSET $%d
    `, where, orderCol, len(args)+1, len(args)+2)
	args = append(args, p.Limit, p.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	items, err := scanActivities(rows)
	if err != nil {
		return nil, err
	}
	return &Result{Items: items, Total: total}, nil
}
