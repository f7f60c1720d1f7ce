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
	"go.opentelemetry.io/otel/attribute"
)

type homeStore struct{ s *Store }

var _ store.HomeStore = (*homeStore)(nil)

type homeRow struct {
	HomeID         string     `db:"home_id"`
	AgentID        string     `db:"agent_id"`
	NodeID         string     `db:"node_id"`
	State          string     `db:"state"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	Metadata       []byte     `db:"metadata"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r *homeRow) toModel() (*models.Home, error) {
	metadata, err := unmarshalStringMap(r.Metadata)
	if err != nil {
		return nil, err
	}
	return &models.Home{
		HomeID:         r.HomeID,
		AgentID:        r.AgentID,
		NodeID:         r.NodeID,
		State:          models.HomeState(r.State),
		LeaseExpiresAt: r.LeaseExpiresAt,
		Metadata:       metadata,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

func (h *homeStore) Insert(ctx context.Context, home *models.Home) error {
	metadata, err := marshalJSON(home.Metadata)
	if err != nil {
		return err
	}
	query := h.s.rebind(`INSERT INTO homes
		(home_id, agent_id, node_id, state, lease_expires_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = h.s.writer().ExecContext(ctx, query,
		home.HomeID, home.AgentID, home.NodeID, string(home.State),
		home.LeaseExpiresAt, metadata, home.CreatedAt, home.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert home: %w", err)
	}
	return nil
}

func (h *homeStore) Get(ctx context.Context, homeID string) (*models.Home, error) {
	var row homeRow
	query := h.s.rebind(`SELECT * FROM homes WHERE home_id = ?`)
	if err := h.s.reader().GetContext(ctx, &row, query, homeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get home: %w", err)
	}
	return row.toModel()
}

// Update silently no-ops when the home does not exist.
func (h *homeStore) Update(ctx context.Context, homeID string, update store.HomeUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.ClearLease {
		sets = append(sets, "lease_expires_at = NULL")
	} else if update.LeaseExpiresAt != nil {
		sets = append(sets, "lease_expires_at = ?")
		args = append(args, *update.LeaseExpiresAt)
	}
	if update.Metadata != nil {
		metadata, err := marshalJSON(update.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}

	args = append(args, homeID)
	query := h.s.rebind(fmt.Sprintf(
		`UPDATE homes SET %s WHERE home_id = ?`, strings.Join(sets, ", ")))
	if _, err := h.s.writer().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update home: %w", err)
	}
	return nil
}

func (h *homeStore) Delete(ctx context.Context, homeID string) error {
	query := h.s.rebind(`DELETE FROM homes WHERE home_id = ?`)
	res, err := h.s.writer().ExecContext(ctx, query, homeID)
	if err != nil {
		return fmt.Errorf("failed to delete home: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (h *homeStore) List(ctx context.Context, filter store.HomeFilter) ([]*models.Home, error) {
	ctx, span := h.s.tracer.Start(ctx, "homes.list")
	defer span.End()

	query := `SELECT * FROM homes WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, filter.NodeID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at ASC, home_id ASC`

	var rows []homeRow
	if err := h.s.reader().SelectContext(ctx, &rows, h.s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list homes: %w", err)
	}
	span.SetAttributes(attribute.Int("homes.count", len(rows)))

	out := make([]*models.Home, 0, len(rows))
	for i := range rows {
		home, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, home)
	}
	return out, nil
}
