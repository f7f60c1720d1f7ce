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

type migrationStore struct{ s *Store }

var _ store.MigrationStore = (*migrationStore)(nil)

type migrationRow struct {
	MigrationID        string    `db:"migration_id"`
	AgentID            string    `db:"agent_id"`
	SourceNodeID       string    `db:"source_node_id"`
	SourceEndpoint     string    `db:"source_endpoint"`
	TargetNodeID       string    `db:"target_node_id"`
	TargetEndpoint     string    `db:"target_endpoint"`
	Phase              string    `db:"phase"`
	OwnershipHolder    string    `db:"ownership_holder"`
	Reason             string    `db:"reason"`
	Checksum           string    `db:"checksum"`
	VerificationResult string    `db:"verification_result"`
	AbortReason        string    `db:"abort_reason"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (r *migrationRow) toModel() *models.MigrationTicket {
	return &models.MigrationTicket{
		MigrationID:        r.MigrationID,
		AgentID:            r.AgentID,
		SourceNodeID:       r.SourceNodeID,
		SourceEndpoint:     r.SourceEndpoint,
		TargetNodeID:       r.TargetNodeID,
		TargetEndpoint:     r.TargetEndpoint,
		Phase:              models.MigrationPhase(r.Phase),
		OwnershipHolder:    models.OwnershipHolder(r.OwnershipHolder),
		Reason:             r.Reason,
		Checksum:           r.Checksum,
		VerificationResult: r.VerificationResult,
		AbortReason:        r.AbortReason,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func (m *migrationStore) Insert(ctx context.Context, ticket *models.MigrationTicket) error {
	query := m.s.rebind(`INSERT INTO migrations
		(migration_id, agent_id, source_node_id, source_endpoint, target_node_id,
		 target_endpoint, phase, ownership_holder, reason, checksum,
		 verification_result, abort_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := m.s.writer().ExecContext(ctx, query,
		ticket.MigrationID, ticket.AgentID, ticket.SourceNodeID, ticket.SourceEndpoint,
		ticket.TargetNodeID, ticket.TargetEndpoint, string(ticket.Phase),
		string(ticket.OwnershipHolder), ticket.Reason, ticket.Checksum,
		ticket.VerificationResult, ticket.AbortReason, ticket.CreatedAt, ticket.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert migration ticket: %w", err)
	}
	return nil
}

func (m *migrationStore) Get(ctx context.Context, migrationID string) (*models.MigrationTicket, error) {
	var row migrationRow
	query := m.s.rebind(`SELECT * FROM migrations WHERE migration_id = ?`)
	if err := m.s.reader().GetContext(ctx, &row, query, migrationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get migration ticket: %w", err)
	}
	return row.toModel(), nil
}

// Update silently no-ops when the ticket does not exist.
func (m *migrationStore) Update(ctx context.Context, migrationID string, update store.MigrationUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, string(*update.Phase))
	}
	if update.OwnershipHolder != nil {
		sets = append(sets, "ownership_holder = ?")
		args = append(args, string(*update.OwnershipHolder))
	}
	if update.Checksum != nil {
		sets = append(sets, "checksum = ?")
		args = append(args, *update.Checksum)
	}
	if update.VerificationResult != nil {
		sets = append(sets, "verification_result = ?")
		args = append(args, *update.VerificationResult)
	}
	if update.AbortReason != nil {
		sets = append(sets, "abort_reason = ?")
		args = append(args, *update.AbortReason)
	}

	args = append(args, migrationID)
	query := m.s.rebind(fmt.Sprintf(
		`UPDATE migrations SET %s WHERE migration_id = ?`, strings.Join(sets, ", ")))
	if _, err := m.s.writer().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update migration ticket: %w", err)
	}
	return nil
}

func (m *migrationStore) List(ctx context.Context, filter store.MigrationFilter) ([]*models.MigrationTicket, error) {
	query := `SELECT * FROM migrations WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Phase != "" {
		query += ` AND phase = ?`
		args = append(args, string(filter.Phase))
	}
	if filter.Active != nil {
		if *filter.Active {
			query += ` AND phase NOT IN (?, ?)`
		} else {
			query += ` AND phase IN (?, ?)`
		}
		args = append(args, string(models.PhaseCompleted), string(models.PhaseAborted))
	}
	query += ` ORDER BY created_at DESC, migration_id DESC`

	var rows []migrationRow
	if err := m.s.reader().SelectContext(ctx, &rows, m.s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list migration tickets: %w", err)
	}
	out := make([]*models.MigrationTicket, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}
