// Package sqlite provides the durable storage backend over sqlx. Despite the
// name it serves both embedded SQLite and PostgreSQL: queries use ? bind
// variables rebound per driver, and the few divergent DDL statements branch
// on the dialect.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/flocklabs/flock/internal/common/tracing"
	"github.com/flocklabs/flock/internal/db"
	"github.com/flocklabs/flock/internal/db/dialect"
	"github.com/flocklabs/flock/internal/fleet/store"
	"go.opentelemetry.io/otel/trace"
)

// Store is the durable implementation of store.Store.
//
// Writes go through the pool's writer connection (single connection for
// SQLite, serializing all mutations); reads go through the reader pool.
// Update on a missing key silently no-ops.
type Store struct {
	pool   *db.Pool
	driver string
	tracer trace.Tracer
}

var _ store.Store = (*Store)(nil)

// New wraps a writer/reader pool opened for the given driver
// (dialect.SQLite3 or dialect.PGX).
func New(pool *db.Pool, driver string) *Store {
	return &Store{
		pool:   pool,
		driver: driver,
		tracer: tracing.Tracer("fleet.store"),
	}
}

func (s *Store) Homes() store.HomeStore              { return &homeStore{s} }
func (s *Store) Transitions() store.TransitionStore  { return &transitionStore{s} }
func (s *Store) Audit() store.AuditStore             { return &auditStore{s} }
func (s *Store) Tasks() store.TaskStore              { return &taskStore{s} }
func (s *Store) Channels() store.ChannelStore        { return &channelStore{s} }
func (s *Store) ChannelMessages() store.MessageStore { return &messageStore{s} }
func (s *Store) Bridges() store.BridgeStore          { return &bridgeStore{s} }
func (s *Store) AgentLoop() store.AgentLoopStore     { return &loopStore{s} }
func (s *Store) Migrations() store.MigrationStore    { return &migrationStore{s} }

func (s *Store) writer() *sqlx.DB { return s.pool.Writer() }
func (s *Store) reader() *sqlx.DB { return s.pool.Reader() }

// rebind converts ? placeholders to the driver's bind variable style.
func (s *Store) rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(s.driver), query)
}

// Migrate creates the schema. Safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.driver) {
		if _, err := s.writer().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pools.
func (s *Store) Close() error {
	return s.pool.Close()
}

func schemaStatements(driver string) []string {
	transitionID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(driver) {
		transitionID = "id BIGSERIAL PRIMARY KEY"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS homes (
			home_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			state TEXT NOT NULL,
			lease_expires_at TIMESTAMP,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_homes_agent ON homes(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_homes_node ON homes(node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_homes_state ON homes(state)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS home_transitions (
			%s,
			home_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			triggered_by TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP NOT NULL
		)`, transitionID),
		`CREATE INDEX IF NOT EXISTS idx_transitions_home ON home_transitions(home_id)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			home_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			level TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL DEFAULT '',
			from_agent_id TEXT NOT NULL,
			to_agent_id TEXT NOT NULL,
			state TEXT NOT NULL,
			message_type TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			payload TEXT,
			response_text TEXT NOT NULL DEFAULT '',
			response_payload TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_from ON tasks(from_agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_to ON tasks(to_agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,

		`CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			topic TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			members TEXT NOT NULL DEFAULT '[]',
			archived INTEGER NOT NULL DEFAULT 0,
			archive_ready_members TEXT NOT NULL DEFAULT '[]',
			archiving_started_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS channel_messages (
			channel_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			PRIMARY KEY (channel_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS bridges (
			bridge_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			external_channel_id TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			webhook_url TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_bridges_external
			ON bridges(platform, external_channel_id) WHERE active = 1`,

		`CREATE TABLE IF NOT EXISTS agent_loops (
			agent_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			awakened_at TIMESTAMP NOT NULL,
			last_tick_at TIMESTAMP NOT NULL,
			slept_at TIMESTAMP,
			sleep_reason TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS migrations (
			migration_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			source_node_id TEXT NOT NULL,
			source_endpoint TEXT NOT NULL DEFAULT '',
			target_node_id TEXT NOT NULL,
			target_endpoint TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL,
			ownership_holder TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL DEFAULT '',
			verification_result TEXT NOT NULL DEFAULT '',
			abort_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_migrations_agent ON migrations(agent_id)`,
	}
}

// marshalJSON encodes a value as a JSON text column, with NULL for nil maps.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(data), nil
}

func unmarshalStringMap(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode json column: %w", err)
	}
	return out, nil
}

func unmarshalAnyMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode json column: %w", err)
	}
	return out, nil
}

func unmarshalStrings(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode json column: %w", err)
	}
	return out, nil
}
