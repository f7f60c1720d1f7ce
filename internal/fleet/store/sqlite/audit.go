package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

type transitionStore struct{ s *Store }

var _ store.TransitionStore = (*transitionStore)(nil)

type transitionRow struct {
	ID          int64     `db:"id"`
	HomeID      string    `db:"home_id"`
	FromState   string    `db:"from_state"`
	ToState     string    `db:"to_state"`
	Reason      string    `db:"reason"`
	TriggeredBy string    `db:"triggered_by"`
	Timestamp   time.Time `db:"timestamp"`
}

func (r *transitionRow) toModel() *models.Transition {
	return &models.Transition{
		ID:          r.ID,
		HomeID:      r.HomeID,
		FromState:   models.HomeState(r.FromState),
		ToState:     models.HomeState(r.ToState),
		Reason:      r.Reason,
		TriggeredBy: r.TriggeredBy,
		Timestamp:   r.Timestamp,
	}
}

func (t *transitionStore) Append(ctx context.Context, tr *models.Transition) error {
	query := t.s.rebind(`INSERT INTO home_transitions
		(home_id, from_state, to_state, reason, triggered_by, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := t.s.writer().ExecContext(ctx, query,
		tr.HomeID, string(tr.FromState), string(tr.ToState),
		tr.Reason, tr.TriggeredBy, tr.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func (t *transitionStore) buildWhere(filter store.TransitionFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if filter.HomeID != "" {
		where += ` AND home_id = ?`
		args = append(args, filter.HomeID)
	}
	if filter.Since != nil {
		where += ` AND timestamp >= ?`
		args = append(args, *filter.Since)
	}
	return where, args
}

func (t *transitionStore) List(ctx context.Context, filter store.TransitionFilter) ([]*models.Transition, error) {
	where, args := t.buildWhere(filter)
	query := `SELECT * FROM home_transitions` + where + ` ORDER BY timestamp ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	var rows []transitionRow
	if err := t.s.reader().SelectContext(ctx, &rows, t.s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	out := make([]*models.Transition, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (t *transitionStore) Count(ctx context.Context, filter store.TransitionFilter) (int64, error) {
	where, args := t.buildWhere(filter)
	var n int64
	query := `SELECT COUNT(*) FROM home_transitions` + where
	if err := t.s.reader().GetContext(ctx, &n, t.s.rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count transitions: %w", err)
	}
	return n, nil
}

type auditStore struct{ s *Store }

var _ store.AuditStore = (*auditStore)(nil)

type auditRow struct {
	ID         string    `db:"id"`
	Timestamp  time.Time `db:"timestamp"`
	AgentID    string    `db:"agent_id"`
	HomeID     string    `db:"home_id"`
	Action     string    `db:"action"`
	Level      string    `db:"level"`
	Detail     string    `db:"detail"`
	Result     string    `db:"result"`
	DurationMs int64     `db:"duration_ms"`
}

func (r *auditRow) toModel() *models.AuditEntry {
	return &models.AuditEntry{
		ID:         r.ID,
		Timestamp:  r.Timestamp,
		AgentID:    r.AgentID,
		HomeID:     r.HomeID,
		Action:     r.Action,
		Level:      models.AuditLevel(r.Level),
		Detail:     r.Detail,
		Result:     r.Result,
		DurationMs: r.DurationMs,
	}
}

func (a *auditStore) Append(ctx context.Context, entry *models.AuditEntry) error {
	query := a.s.rebind(`INSERT INTO audit_log
		(id, timestamp, agent_id, home_id, action, level, detail, result, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := a.s.writer().ExecContext(ctx, query,
		entry.ID, entry.Timestamp, entry.AgentID, entry.HomeID,
		entry.Action, string(entry.Level), entry.Detail, entry.Result, entry.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (a *auditStore) buildWhere(filter store.AuditFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		where += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.HomeID != "" {
		where += ` AND home_id = ?`
		args = append(args, filter.HomeID)
	}
	if filter.Level != "" {
		where += ` AND level = ?`
		args = append(args, string(filter.Level))
	}
	if filter.Since != nil {
		where += ` AND timestamp >= ?`
		args = append(args, *filter.Since)
	}
	return where, args
}

// List returns entries newest first. ID breaks ties between entries sharing
// a timestamp so the ordering is deterministic.
func (a *auditStore) List(ctx context.Context, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	where, args := a.buildWhere(filter)
	query := `SELECT * FROM audit_log` + where + ` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	var rows []auditRow
	if err := a.s.reader().SelectContext(ctx, &rows, a.s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	out := make([]*models.AuditEntry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (a *auditStore) Count(ctx context.Context, filter store.AuditFilter) (int64, error) {
	where, args := a.buildWhere(filter)
	var n int64
	query := `SELECT COUNT(*) FROM audit_log` + where
	if err := a.s.reader().GetContext(ctx, &n, a.s.rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}
