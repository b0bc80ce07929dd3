package repo

import (
	"context"
	"database/sql"
	"strings"

	"gateline/internal/domain"
)

// ActivityFilters drives the audit-trail read path. Cursor fields are a
// strict less-than bound on the (created_at, id) ordering key; Since is the
// bootstrap entry point for clients with no prior cursor.
type ActivityFilters struct {
	ItemID          string
	Type            string
	Since           string
	Scope           Visibility
	Limit           int
	CursorCreatedAt string
	CursorID        int64
}

func (r Repo) ListActivity(ctx context.Context, f ActivityFilters) ([]domain.ActivityEvent, error) {
	var clauses []string
	var args []any
	if clause, cargs := f.Scope.clause("i.project_id", "p.owner_user_id"); clause != "" {
		clauses = append(clauses, clause)
		args = append(args, cargs...)
	}
	if f.ItemID != "" {
		clauses = append(clauses, "e.item_id=?")
		args = append(args, f.ItemID)
	}
	if f.Type != "" {
		clauses = append(clauses, "e.type=?")
		args = append(args, f.Type)
	}
	if f.Since != "" {
		clauses = append(clauses, "e.created_at >= ?")
		args = append(args, f.Since)
	}
	if f.CursorCreatedAt != "" {
		clauses = append(clauses, "(e.created_at < ? OR (e.created_at = ? AND e.id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT e.id,e.item_id,e.actor_type,e.actor_user_id,e.agent_key_id,e.type,e.message,e.metadata_json,e.created_at
FROM activity_events e
JOIN items i ON i.id=e.item_id
JOIN projects p ON p.id=i.project_id ` + where + ` ORDER BY e.created_at DESC, e.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEvent
	for rows.Next() {
		evt, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// CountActivity is a test/diagnostic helper over a single item's trail.
func (r Repo) CountActivity(ctx context.Context, itemID, eventType string) (int, error) {
	query := `SELECT COUNT(*) FROM activity_events WHERE item_id=?`
	args := []any{itemID}
	if eventType != "" {
		query += ` AND type=?`
		args = append(args, eventType)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func scanActivity(rows *sql.Rows) (domain.ActivityEvent, error) {
	var evt domain.ActivityEvent
	var actorUser, agentKey, metadata sql.NullString
	if err := rows.Scan(&evt.ID, &evt.ItemID, &evt.ActorType, &actorUser, &agentKey, &evt.Type, &evt.Message, &metadata, &evt.CreatedAt); err != nil {
		return domain.ActivityEvent{}, err
	}
	if actorUser.Valid {
		evt.ActorUser = actorUser.String
	}
	if agentKey.Valid {
		evt.AgentKeyID = agentKey.String
	}
	if metadata.Valid {
		evt.Metadata = metadata.String
	}
	return evt, nil
}
