package home

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/fleet/models"
)

// AgentCard is the agent.yaml file written into a freshly provisioned
// workspace. External tooling reads it to identify the workspace owner.
type AgentCard struct {
	AgentID     string    `yaml:"agentId"`
	NodeID      string    `yaml:"nodeId"`
	HomeID      string    `yaml:"homeId"`
	ProvisionAt time.Time `yaml:"provisionedAt"`
}

// Provisioner creates agent workspaces and walks new homes to IDLE.
type Provisioner struct {
	manager      *Manager
	audit        *audit.Service
	workspaceDir string
}

// NewProvisioner creates a provisioner rooted at workspaceDir. An empty
// workspaceDir skips filesystem setup (useful for memory-backed nodes).
func NewProvisioner(manager *Manager, auditSvc *audit.Service, workspaceDir string) *Provisioner {
	return &Provisioner{manager: manager, audit: auditSvc, workspaceDir: workspaceDir}
}

// WorkspacePath returns the workspace directory for an agent, or "" when
// filesystem setup is disabled.
func (p *Provisioner) WorkspacePath(agentID string) string {
	if p.workspaceDir == "" {
		return ""
	}
	return filepath.Join(p.workspaceDir, agentID)
}

// SessionsPath returns the per-agent sessions lock directory.
func (p *Provisioner) SessionsPath(agentID string) string {
	ws := p.WorkspacePath(agentID)
	if ws == "" {
		return ""
	}
	return filepath.Join(ws, "sessions")
}

// CardPath returns the agent.yaml card file path inside the workspace.
func (p *Provisioner) CardPath(agentID string) string {
	ws := p.WorkspacePath(agentID)
	if ws == "" {
		return ""
	}
	return filepath.Join(ws, "agent.yaml")
}

// Provision creates the agent workspace (directory layout plus agent.yaml),
// inserts the home, and walks it UNASSIGNED -> PROVISIONING -> IDLE.
func (p *Provisioner) Provision(ctx context.Context, agentID, nodeID string) (*models.Home, error) {
	home, err := p.manager.Create(ctx, agentID, nodeID)
	if err != nil {
		return nil, err
	}
	if _, err := p.manager.Transition(ctx, home.HomeID, models.HomeStateProvisioning, "provisioning", agentID); err != nil {
		return nil, err
	}

	if p.workspaceDir != "" {
		if err := p.writeWorkspace(agentID, nodeID, home.HomeID); err != nil {
			// The home stays in PROVISIONING; the error edge is Any -> ERROR.
			if _, terr := p.manager.Transition(ctx, home.HomeID, models.HomeStateError,
				fmt.Sprintf("workspace setup failed: %v", err), "system"); terr != nil {
				p.manager.logger.WithError(terr).WithHomeID(home.HomeID).Warn("failed to mark home errored")
			}
			return nil, fmt.Errorf("failed to provision workspace for %s: %w", agentID, err)
		}
	}

	home, err = p.manager.Transition(ctx, home.HomeID, models.HomeStateIdle, "provisioned", agentID)
	if err != nil {
		return nil, err
	}
	p.audit.Append(ctx, audit.Entry{
		AgentID: agentID,
		HomeID:  home.HomeID,
		Action:  "home.provisioned",
		Level:   models.AuditGreen,
		Detail:  fmt.Sprintf("workspace ready on %s", nodeID),
	})
	return home, nil
}

func (p *Provisioner) writeWorkspace(agentID, nodeID, homeID string) error {
	ws := p.WorkspacePath(agentID)
	if err := os.MkdirAll(filepath.Join(ws, "sessions"), 0o755); err != nil {
		return err
	}
	card := AgentCard{
		AgentID:     agentID,
		NodeID:      nodeID,
		HomeID:      homeID,
		ProvisionAt: time.Now().UTC(),
	}
	data, err := yaml.Marshal(&card)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(ws, "agent.yaml"), data, 0o644)
}
