package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the task ledger.
const (
	TaskCreated     = "task.created"
	TaskPublished   = "task.published"
	TaskAccepted    = "task.accepted"
	TaskSubmitted   = "task.submitted"
	TaskClosed      = "task.closed"
	TaskCancelled   = "task.cancelled"
	TaskExpired     = "task.expired"
	CommentPosted   = "comment.posted"
	CommentDeleted  = "comment.deleted"
	AgentRegistered = "agent.registered"
)

// Writer appends outbox rows inside the caller's transaction, so an event
// exists if and only if the state change it describes committed.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, taskID, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format("2006-01-02T15:04:05.000000Z07:00")
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,task_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(taskID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
