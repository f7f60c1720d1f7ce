package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flocklabs/flock/internal/db/dialect"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
	"go.opentelemetry.io/otel/attribute"
)

type channelStore struct{ s *Store }

var _ store.ChannelStore = (*channelStore)(nil)

type channelRow struct {
	ChannelID           string     `db:"channel_id"`
	Topic               string     `db:"topic"`
	CreatedBy           string     `db:"created_by"`
	Members             []byte     `db:"members"`
	Archived            int        `db:"archived"`
	ArchiveReadyMembers []byte     `db:"archive_ready_members"`
	ArchivingStartedAt  *time.Time `db:"archiving_started_at"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

func (r *channelRow) toModel() (*models.Channel, error) {
	members, err := unmarshalStrings(r.Members)
	if err != nil {
		return nil, err
	}
	ready, err := unmarshalStrings(r.ArchiveReadyMembers)
	if err != nil {
		return nil, err
	}
	return &models.Channel{
		ChannelID:           r.ChannelID,
		Topic:               r.Topic,
		CreatedBy:           r.CreatedBy,
		Members:             members,
		Archived:            r.Archived != 0,
		ArchiveReadyMembers: ready,
		ArchivingStartedAt:  r.ArchivingStartedAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}, nil
}

func (c *channelStore) Insert(ctx context.Context, ch *models.Channel) error {
	members, err := marshalJSON(ch.Members)
	if err != nil {
		return err
	}
	if members == nil {
		members = "[]"
	}
	ready, err := marshalJSON(ch.ArchiveReadyMembers)
	if err != nil {
		return err
	}
	if ready == nil {
		ready = "[]"
	}
	query := c.s.rebind(`INSERT INTO channels
		(channel_id, topic, created_by, members, archived, archive_ready_members,
		 archiving_started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = c.s.writer().ExecContext(ctx, query,
		ch.ChannelID, ch.Topic, ch.CreatedBy, members,
		dialect.BoolToInt(ch.Archived), ready, ch.ArchivingStartedAt,
		ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert channel: %w", err)
	}
	return nil
}

func (c *channelStore) Get(ctx context.Context, channelID string) (*models.Channel, error) {
	var row channelRow
	query := c.s.rebind(`SELECT * FROM channels WHERE channel_id = ?`)
	if err := c.s.reader().GetContext(ctx, &row, query, channelID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return row.toModel()
}

// Update silently no-ops when the channel does not exist.
func (c *channelStore) Update(ctx context.Context, channelID string, update store.ChannelUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Topic != nil {
		sets = append(sets, "topic = ?")
		args = append(args, *update.Topic)
	}
	if update.Members != nil {
		members, err := marshalJSON(update.Members)
		if err != nil {
			return err
		}
		sets = append(sets, "members = ?")
		args = append(args, members)
	}
	if update.Archived != nil {
		sets = append(sets, "archived = ?")
		args = append(args, dialect.BoolToInt(*update.Archived))
	}
	if update.ArchiveReadyMembers != nil {
		ready, err := marshalJSON(update.ArchiveReadyMembers)
		if err != nil {
			return err
		}
		sets = append(sets, "archive_ready_members = ?")
		args = append(args, ready)
	}
	if update.ClearArchiving {
		sets = append(sets, "archiving_started_at = NULL")
	} else if update.ArchivingStartedAt != nil {
		sets = append(sets, "archiving_started_at = ?")
		args = append(args, *update.ArchivingStartedAt)
	}

	args = append(args, channelID)
	query := c.s.rebind(fmt.Sprintf(
		`UPDATE channels SET %s WHERE channel_id = ?`, strings.Join(sets, ", ")))
	if _, err := c.s.writer().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	return nil
}

func (c *channelStore) Delete(ctx context.Context, channelID string) error {
	query := c.s.rebind(`DELETE FROM channels WHERE channel_id = ?`)
	res, err := c.s.writer().ExecContext(ctx, query, channelID)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	query = c.s.rebind(`DELETE FROM channel_messages WHERE channel_id = ?`)
	if _, err := c.s.writer().ExecContext(ctx, query, channelID); err != nil {
		return fmt.Errorf("failed to delete channel messages: %w", err)
	}
	return nil
}

func (c *channelStore) List(ctx context.Context, filter store.ChannelFilter) ([]*models.Channel, error) {
	ctx, span := c.s.tracer.Start(ctx, "channels.list")
	defer span.End()

	query := `SELECT * FROM channels WHERE 1=1`
	var args []any
	if filter.Archived != nil {
		query += ` AND archived = ?`
		args = append(args, dialect.BoolToInt(*filter.Archived))
	}
	query += ` ORDER BY created_at ASC, channel_id ASC`

	var rows []channelRow
	if err := c.s.reader().SelectContext(ctx, &rows, c.s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	span.SetAttributes(attribute.Int("channels.count", len(rows)))

	out := make([]*models.Channel, 0, len(rows))
	for i := range rows {
		ch, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		// Membership lives in a JSON column, so the filter applies in code.
		if filter.Member != "" && !ch.HasMember(filter.Member) {
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

type messageStore struct{ s *Store }

var _ store.MessageStore = (*messageStore)(nil)

type messageRow struct {
	ChannelID string    `db:"channel_id"`
	Seq       int64     `db:"seq"`
	AgentID   string    `db:"agent_id"`
	Content   string    `db:"content"`
	Timestamp time.Time `db:"timestamp"`
}

func (r *messageRow) toModel() *models.ChannelMessage {
	return &models.ChannelMessage{
		ChannelID: r.ChannelID,
		Seq:       r.Seq,
		AgentID:   r.AgentID,
		Content:   r.Content,
		Timestamp: r.Timestamp,
	}
}

// Append assigns the next per-channel seq inside a transaction on the single
// writer connection, which keeps concurrent appends gap-free.
func (m *messageStore) Append(ctx context.Context, msg *models.ChannelMessage) (int64, error) {
	tx, err := m.s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	query := m.s.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM channel_messages WHERE channel_id = ?`)
	if err := tx.GetContext(ctx, &seq, query, msg.ChannelID); err != nil {
		return 0, fmt.Errorf("failed to compute next seq: %w", err)
	}

	query = m.s.rebind(`INSERT INTO channel_messages
		(channel_id, seq, agent_id, content, timestamp)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query,
		msg.ChannelID, seq, msg.AgentID, msg.Content, msg.Timestamp); err != nil {
		return 0, fmt.Errorf("failed to insert channel message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append transaction: %w", err)
	}
	msg.Seq = seq
	return seq, nil
}

func (m *messageStore) List(ctx context.Context, filter store.MessageFilter) ([]*models.ChannelMessage, error) {
	ctx, span := m.s.tracer.Start(ctx, "channel_messages.list")
	defer span.End()

	// Limit selects the newest entries; the outer query restores seq order.
	query := `SELECT * FROM (
		SELECT * FROM channel_messages
		WHERE channel_id = ? AND seq > ?
		ORDER BY seq DESC`
	args := []any{filter.ChannelID, filter.SinceSeq}
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	query += `) sub ORDER BY seq ASC`

	var rows []messageRow
	if err := m.s.reader().SelectContext(ctx, &rows, m.s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list channel messages: %w", err)
	}
	span.SetAttributes(attribute.Int("messages.count", len(rows)))

	out := make([]*models.ChannelMessage, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (m *messageStore) Count(ctx context.Context, filter store.MessageFilter) (int64, error) {
	var n int64
	query := m.s.rebind(`SELECT COUNT(*) FROM channel_messages WHERE channel_id = ? AND seq > ?`)
	if err := m.s.reader().GetContext(ctx, &n, query, filter.ChannelID, filter.SinceSeq); err != nil {
		return 0, fmt.Errorf("failed to count channel messages: %w", err)
	}
	return n, nil
}

func (m *messageStore) MaxSeq(ctx context.Context, channelID string) (int64, error) {
	var seq int64
	query := m.s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM channel_messages WHERE channel_id = ?`)
	if err := m.s.reader().GetContext(ctx, &seq, query, channelID); err != nil {
		return 0, fmt.Errorf("failed to get max seq: %w", err)
	}
	return seq, nil
}
