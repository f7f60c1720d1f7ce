// Package directory maintains the in-process registry of agent cards used
// for capability discovery and peer routing.
package directory

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotRegistered is returned when no card exists for the agent.
var ErrNotRegistered = errors.New("agent is not registered")

// Card describes an agent for discovery.
type Card struct {
	AgentID     string   `json:"agentId"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Description string   `json:"description,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	NodeID      string   `json:"nodeId"`
	Endpoint    string   `json:"endpoint,omitempty"`
}

// CardPatch carries partial card updates. Nil fields are left unchanged.
type CardPatch struct {
	Name        *string
	Role        *string
	Description *string
	Skills      []string
	NodeID      *string
	Endpoint    *string
}

// Registry is a concurrency-safe agent card registry. It is seeded from
// provisioned homes and updated when agents relocate.
type Registry struct {
	mu    sync.RWMutex
	cards map[string]*Card
}

func NewRegistry() *Registry {
	return &Registry{cards: make(map[string]*Card)}
}

// Register inserts or replaces the agent's card.
func (r *Registry) Register(card Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := card
	r.cards[card.AgentID] = &c
}

// Get returns the agent's card.
func (r *Registry) Get(agentID string) (*Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	card, ok := r.cards[agentID]
	if !ok {
		return nil, ErrNotRegistered
	}
	c := *card
	return &c, nil
}

// UpdateCard applies the patch to the agent's card.
func (r *Registry) UpdateCard(agentID string, patch CardPatch) (*Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	card, ok := r.cards[agentID]
	if !ok {
		return nil, ErrNotRegistered
	}
	if patch.Name != nil {
		card.Name = *patch.Name
	}
	if patch.Role != nil {
		card.Role = *patch.Role
	}
	if patch.Description != nil {
		card.Description = *patch.Description
	}
	if patch.Skills != nil {
		card.Skills = append([]string(nil), patch.Skills...)
	}
	if patch.NodeID != nil {
		card.NodeID = *patch.NodeID
	}
	if patch.Endpoint != nil {
		card.Endpoint = *patch.Endpoint
	}
	c := *card
	return &c, nil
}

// Relocate points the agent's card at a new node. Used when an agent's home
// finishes migrating.
func (r *Registry) Relocate(agentID, nodeID, endpoint string) error {
	_, err := r.UpdateCard(agentID, CardPatch{NodeID: &nodeID, Endpoint: &endpoint})
	return err
}

// Remove drops the agent's card. Removing an unknown agent is a no-op.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cards, agentID)
}

// Discover returns cards matching the query. query is a case-insensitive
// substring match over id, name and description; role and skill filter
// exactly; limit caps the result (0 means no cap). Results are ordered by
// agent id.
func (r *Registry) Discover(query, role, skill string, limit int) []*Card {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query = strings.ToLower(query)
	var out []*Card
	for _, card := range r.cards {
		if role != "" && card.Role != role {
			continue
		}
		if skill != "" && !hasSkill(card, skill) {
			continue
		}
		if query != "" && !matchesQuery(card, query) {
			continue
		}
		c := *card
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func hasSkill(card *Card, skill string) bool {
	for _, s := range card.Skills {
		if strings.EqualFold(s, skill) {
			return true
		}
	}
	return false
}

func matchesQuery(card *Card, query string) bool {
	return strings.Contains(strings.ToLower(card.AgentID), query) ||
		strings.Contains(strings.ToLower(card.Name), query) ||
		strings.Contains(strings.ToLower(card.Description), query)
}
