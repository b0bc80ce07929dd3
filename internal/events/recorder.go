package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gateline/internal/domain"
)

// Recorder appends immutable activity events. Append only ever runs inside
// the caller's transaction so "mutation + audit entry" commit or roll back as
// one unit; there is no standalone write path.
type Recorder struct {
	Now func() time.Time
}

type Metadata map[string]any

func (r Recorder) Append(ctx context.Context, tx *sql.Tx, itemID string, actor domain.Actor, evtType, message string, metadata Metadata) (int64, error) {
	if tx == nil {
		return 0, errors.New("activity append requires a transaction")
	}
	if !actor.Valid() {
		return 0, fmt.Errorf("invalid actor for event %s: exactly one identity must be set", evtType)
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if metadata == nil {
		metadata = Metadata{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal event metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO activity_events(item_id,actor_type,actor_user_id,agent_key_id,type,message,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		itemID, actor.Type, nullable(actor.UserID), nullable(actor.AgentKeyID), evtType, message, string(data), ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
