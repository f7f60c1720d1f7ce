package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flocklabs/flock/internal/db/dialect"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

type bridgeStore struct{ s *Store }

var _ store.BridgeStore = (*bridgeStore)(nil)

type bridgeRow struct {
	BridgeID          string    `db:"bridge_id"`
	ChannelID         string    `db:"channel_id"`
	Platform          string    `db:"platform"`
	ExternalChannelID string    `db:"external_channel_id"`
	AccountID         string    `db:"account_id"`
	WebhookURL        string    `db:"webhook_url"`
	CreatedBy         string    `db:"created_by"`
	CreatedAt         time.Time `db:"created_at"`
	Active            int       `db:"active"`
}

func (r *bridgeRow) toModel() *models.Bridge {
	return &models.Bridge{
		BridgeID:          r.BridgeID,
		ChannelID:         r.ChannelID,
		Platform:          models.BridgePlatform(r.Platform),
		ExternalChannelID: r.ExternalChannelID,
		AccountID:         r.AccountID,
		WebhookURL:        r.WebhookURL,
		CreatedBy:         r.CreatedBy,
		CreatedAt:         r.CreatedAt,
		Active:            r.Active != 0,
	}
}

func (b *bridgeStore) Insert(ctx context.Context, bridge *models.Bridge) error {
	query := b.s.rebind(`INSERT INTO bridges
		(bridge_id, channel_id, platform, external_channel_id, account_id,
		 webhook_url, created_by, created_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := b.s.writer().ExecContext(ctx, query,
		bridge.BridgeID, bridge.ChannelID, string(bridge.Platform),
		bridge.ExternalChannelID, bridge.AccountID, bridge.WebhookURL,
		bridge.CreatedBy, bridge.CreatedAt, dialect.BoolToInt(bridge.Active))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert bridge: %w", err)
	}
	return nil
}

func (b *bridgeStore) Get(ctx context.Context, bridgeID string) (*models.Bridge, error) {
	var row bridgeRow
	query := b.s.rebind(`SELECT * FROM bridges WHERE bridge_id = ?`)
	if err := b.s.reader().GetContext(ctx, &row, query, bridgeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bridge: %w", err)
	}
	return row.toModel(), nil
}

// Update silently no-ops when the bridge does not exist.
func (b *bridgeStore) Update(ctx context.Context, bridgeID string, update store.BridgeUpdate) error {
	if update.Active == nil {
		return nil
	}
	query := b.s.rebind(`UPDATE bridges SET active = ? WHERE bridge_id = ?`)
	if _, err := b.s.writer().ExecContext(ctx, query,
		dialect.BoolToInt(*update.Active), bridgeID); err != nil {
		return fmt.Errorf("failed to update bridge: %w", err)
	}
	return nil
}

func (b *bridgeStore) Delete(ctx context.Context, bridgeID string) error {
	query := b.s.rebind(`DELETE FROM bridges WHERE bridge_id = ?`)
	res, err := b.s.writer().ExecContext(ctx, query, bridgeID)
	if err != nil {
		return fmt.Errorf("failed to delete bridge: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (b *bridgeStore) List(ctx context.Context, filter store.BridgeFilter) ([]*models.Bridge, error) {
	query := `SELECT * FROM bridges WHERE 1=1`
	var args []any
	if filter.ChannelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, filter.ChannelID)
	}
	if filter.Platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(filter.Platform))
	}
	if filter.ExternalChannelID != "" {
		query += ` AND external_channel_id = ?`
		args = append(args, filter.ExternalChannelID)
	}
	if filter.Active != nil {
		query += ` AND active = ?`
		args = append(args, dialect.BoolToInt(*filter.Active))
	}
	query += ` ORDER BY created_at ASC, bridge_id ASC`

	var rows []bridgeRow
	if err := b.s.reader().SelectContext(ctx, &rows, b.s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list bridges: %w", err)
	}
	out := make([]*models.Bridge, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}
