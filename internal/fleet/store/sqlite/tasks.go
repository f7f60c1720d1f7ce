package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

type taskStore struct{ s *Store }

var _ store.TaskStore = (*taskStore)(nil)

type taskRow struct {
	TaskID          string     `db:"task_id"`
	ContextID       string     `db:"context_id"`
	FromAgentID     string     `db:"from_agent_id"`
	ToAgentID       string     `db:"to_agent_id"`
	State           string     `db:"state"`
	MessageType     string     `db:"message_type"`
	Summary         string     `db:"summary"`
	Payload         []byte     `db:"payload"`
	ResponseText    string     `db:"response_text"`
	ResponsePayload []byte     `db:"response_payload"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	CompletedAt     *time.Time `db:"completed_at"`
}

func (r *taskRow) toModel() (*models.Task, error) {
	payload, err := unmarshalAnyMap(r.Payload)
	if err != nil {
		return nil, err
	}
	responsePayload, err := unmarshalAnyMap(r.ResponsePayload)
	if err != nil {
		return nil, err
	}
	return &models.Task{
		TaskID:          r.TaskID,
		ContextID:       r.ContextID,
		FromAgentID:     r.FromAgentID,
		ToAgentID:       r.ToAgentID,
		State:           models.TaskState(r.State),
		MessageType:     r.MessageType,
		Summary:         r.Summary,
		Payload:         payload,
		ResponseText:    r.ResponseText,
		ResponsePayload: responsePayload,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CompletedAt:     r.CompletedAt,
	}, nil
}

func (t *taskStore) Insert(ctx context.Context, task *models.Task) error {
	payload, err := marshalJSON(task.Payload)
	if err != nil {
		return err
	}
	responsePayload, err := marshalJSON(task.ResponsePayload)
	if err != nil {
		return err
	}
	query := t.s.rebind(`INSERT INTO tasks
		(task_id, context_id, from_agent_id, to_agent_id, state, message_type,
		 summary, payload, response_text, response_payload, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = t.s.writer().ExecContext(ctx, query,
		task.TaskID, task.ContextID, task.FromAgentID, task.ToAgentID,
		string(task.State), task.MessageType, task.Summary, payload,
		task.ResponseText, responsePayload, task.CreatedAt, task.UpdatedAt, task.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (t *taskStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	var row taskRow
	query := t.s.rebind(`SELECT * FROM tasks WHERE task_id = ?`)
	if err := t.s.reader().GetContext(ctx, &row, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toModel()
}

// Update silently no-ops when the task does not exist.
func (t *taskStore) Update(ctx context.Context, taskID string, update store.TaskUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.ResponseText != nil {
		sets = append(sets, "response_text = ?")
		args = append(args, *update.ResponseText)
	}
	if update.ResponsePayload != nil {
		responsePayload, err := marshalJSON(update.ResponsePayload)
		if err != nil {
			return err
		}
		sets = append(sets, "response_payload = ?")
		args = append(args, responsePayload)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	args = append(args, taskID)
	query := t.s.rebind(fmt.Sprintf(
		`UPDATE tasks SET %s WHERE task_id = ?`, strings.Join(sets, ", ")))
	if _, err := t.s.writer().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

func (t *taskStore) Delete(ctx context.Context, taskID string) error {
	query := t.s.rebind(`DELETE FROM tasks WHERE task_id = ?`)
	res, err := t.s.writer().ExecContext(ctx, query, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *taskStore) List(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	query := `SELECT * FROM tasks WHERE 1=1`
	var args []any
	if filter.FromAgentID != "" {
		query += ` AND from_agent_id = ?`
		args = append(args, filter.FromAgentID)
	}
	if filter.ToAgentID != "" {
		query += ` AND to_agent_id = ?`
		args = append(args, filter.ToAgentID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.MessageType != "" {
		query += ` AND message_type = ?`
		args = append(args, filter.MessageType)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY created_at DESC, task_id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	var rows []taskRow
	if err := t.s.reader().SelectContext(ctx, &rows, t.s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	out := make([]*models.Task, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}
