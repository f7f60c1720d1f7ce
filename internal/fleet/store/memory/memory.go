// Package memory provides the in-memory storage backend, used for tests and
// ephemeral nodes. All data is lost on process exit.
package memory

import (
	"context"
	"sync"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

// Store is the in-memory implementation of store.Store.
// A single RWMutex guards all maps; per-entity serialization requirements
// are trivially met under it.
type Store struct {
	mu sync.RWMutex

	homes            map[string]*models.Home
	transitions      []*models.Transition
	nextTransitionID int64
	audit            []*models.AuditEntry
	tasks            map[string]*models.Task
	channels         map[string]*models.Channel
	messages         map[string][]*models.ChannelMessage
	bridges          map[string]*models.Bridge
	loops            map[string]*models.AgentLoop
	migrations       map[string]*models.MigrationTicket
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		homes:      make(map[string]*models.Home),
		tasks:      make(map[string]*models.Task),
		channels:   make(map[string]*models.Channel),
		messages:   make(map[string][]*models.ChannelMessage),
		bridges:    make(map[string]*models.Bridge),
		loops:      make(map[string]*models.AgentLoop),
		migrations: make(map[string]*models.MigrationTicket),
	}
}

func (s *Store) Homes() store.HomeStore             { return (*homeStore)(s) }
func (s *Store) Transitions() store.TransitionStore { return (*transitionStore)(s) }
func (s *Store) Audit() store.AuditStore            { return (*auditStore)(s) }
func (s *Store) Tasks() store.TaskStore             { return (*taskStore)(s) }
func (s *Store) Channels() store.ChannelStore       { return (*channelStore)(s) }
func (s *Store) ChannelMessages() store.MessageStore {
	return (*messageStore)(s)
}
func (s *Store) Bridges() store.BridgeStore       { return (*bridgeStore)(s) }
func (s *Store) AgentLoop() store.AgentLoopStore  { return (*loopStore)(s) }
func (s *Store) Migrations() store.MigrationStore { return (*migrationStore)(s) }

// Migrate is a no-op for the in-memory backend.
func (s *Store) Migrate(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
