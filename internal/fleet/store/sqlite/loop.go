package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

type loopStore struct{ s *Store }

var _ store.AgentLoopStore = (*loopStore)(nil)

type loopRow struct {
	AgentID     string     `db:"agent_id"`
	State       string     `db:"state"`
	AwakenedAt  time.Time  `db:"awakened_at"`
	LastTickAt  time.Time  `db:"last_tick_at"`
	SleptAt     *time.Time `db:"slept_at"`
	SleepReason string     `db:"sleep_reason"`
}

func (r *loopRow) toModel() *models.AgentLoop {
	return &models.AgentLoop{
		AgentID:     r.AgentID,
		State:       models.LoopState(r.State),
		AwakenedAt:  r.AwakenedAt,
		LastTickAt:  r.LastTickAt,
		SleptAt:     r.SleptAt,
		SleepReason: r.SleepReason,
	}
}

// Upsert inserts or replaces the loop record. The ON CONFLICT clause is
// shared syntax between SQLite and PostgreSQL.
func (l *loopStore) Upsert(ctx context.Context, loop *models.AgentLoop) error {
	query := l.s.rebind(`INSERT INTO agent_loops
		(agent_id, state, awakened_at, last_tick_at, slept_at, sleep_reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			state = excluded.state,
			awakened_at = excluded.awakened_at,
			last_tick_at = excluded.last_tick_at,
			slept_at = excluded.slept_at,
			sleep_reason = excluded.sleep_reason`)
	_, err := l.s.writer().ExecContext(ctx, query,
		loop.AgentID, string(loop.State), loop.AwakenedAt, loop.LastTickAt,
		loop.SleptAt, loop.SleepReason)
	if err != nil {
		return fmt.Errorf("failed to upsert agent loop: %w", err)
	}
	return nil
}

func (l *loopStore) Get(ctx context.Context, agentID string) (*models.AgentLoop, error) {
	var row loopRow
	query := l.s.rebind(`SELECT * FROM agent_loops WHERE agent_id = ?`)
	if err := l.s.reader().GetContext(ctx, &row, query, agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent loop: %w", err)
	}
	return row.toModel(), nil
}

func (l *loopStore) Delete(ctx context.Context, agentID string) error {
	query := l.s.rebind(`DELETE FROM agent_loops WHERE agent_id = ?`)
	res, err := l.s.writer().ExecContext(ctx, query, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent loop: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (l *loopStore) List(ctx context.Context, filter store.LoopFilter) ([]*models.AgentLoop, error) {
	query := `SELECT * FROM agent_loops WHERE 1=1`
	var args []any
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY agent_id ASC`

	var rows []loopRow
	if err := l.s.reader().SelectContext(ctx, &rows, l.s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list agent loops: %w", err)
	}
	out := make([]*models.AgentLoop, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}
