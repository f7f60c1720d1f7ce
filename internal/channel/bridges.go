package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

var (
	// ErrDuplicateBridge is returned when an active bridge already exists
	// for the same (platform, externalChannelId).
	ErrDuplicateBridge = errors.New("active bridge already exists for this external channel")
	// ErrInvalidPlatform is returned for unknown bridge platforms.
	ErrInvalidPlatform = errors.New("invalid bridge platform")
)

// Notifier delivers best-effort notifications to a bridge's external
// platform. Platform clients live outside the core.
type Notifier interface {
	NotifyArchived(ctx context.Context, bridge *models.Bridge) error
}

// CreateBridge pairs a channel with an external platform channel.
// (platform, externalChannelId) must be unique among active bridges, and
// the channel must not be archived.
func (s *Service) CreateBridge(ctx context.Context, callerAgentID, channelID string, platform models.BridgePlatform, externalChannelID, accountID, webhookURL string) (*models.Bridge, error) {
	if !platform.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlatform, platform)
	}
	ch, err := s.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.Archived {
		return nil, fmt.Errorf("%w: %s", ErrChannelArchived, channelID)
	}
	if err := s.checkBridgeUnique(ctx, platform, externalChannelID); err != nil {
		return nil, err
	}

	bridge := &models.Bridge{
		BridgeID:          uuid.NewString(),
		ChannelID:         channelID,
		Platform:          platform,
		ExternalChannelID: externalChannelID,
		AccountID:         accountID,
		WebhookURL:        webhookURL,
		CreatedBy:         callerAgentID,
		CreatedAt:         time.Now().UTC(),
		Active:            true,
	}
	if err := s.bridges.Insert(ctx, bridge); err != nil {
		// The durable backend enforces the partial unique index too.
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrDuplicateBridge
		}
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}
	s.audit.Append(ctx, audit.Entry{
		AgentID: callerAgentID,
		Action:  "bridge.created",
		Level:   models.AuditGreen,
		Detail:  fmt.Sprintf("%s bridge %s <-> %s", platform, channelID, externalChannelID),
	})
	return bridge, nil
}

func (s *Service) checkBridgeUnique(ctx context.Context, platform models.BridgePlatform, externalChannelID string) error {
	active := true
	existing, err := s.bridges.List(ctx, store.BridgeFilter{
		Platform:          platform,
		ExternalChannelID: externalChannelID,
		Active:            &active,
	})
	if err != nil {
		return fmt.Errorf("failed to check bridge uniqueness: %w", err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateBridge, platform, externalChannelID)
	}
	return nil
}

// GetBridge returns the bridge by id.
func (s *Service) GetBridge(ctx context.Context, bridgeID string) (*models.Bridge, error) {
	return s.bridges.Get(ctx, bridgeID)
}

// ListBridges returns bridges for a channel (all of them when channelID is
// empty).
func (s *Service) ListBridges(ctx context.Context, channelID string) ([]*models.Bridge, error) {
	return s.bridges.List(ctx, store.BridgeFilter{ChannelID: channelID})
}

// PauseBridge flips the bridge inactive without deleting it.
func (s *Service) PauseBridge(ctx context.Context, bridgeID string) (*models.Bridge, error) {
	inactive := false
	if err := s.bridges.Update(ctx, bridgeID, store.BridgeUpdate{Active: &inactive}); err != nil {
		return nil, err
	}
	return s.bridges.Get(ctx, bridgeID)
}

// ResumeBridge reactivates a paused bridge, re-checking uniqueness among
// active bridges.
func (s *Service) ResumeBridge(ctx context.Context, bridgeID string) (*models.Bridge, error) {
	bridge, err := s.bridges.Get(ctx, bridgeID)
	if err != nil {
		return nil, err
	}
	if bridge.Active {
		return bridge, nil
	}
	if err := s.checkBridgeUnique(ctx, bridge.Platform, bridge.ExternalChannelID); err != nil {
		return nil, err
	}
	active := true
	if err := s.bridges.Update(ctx, bridgeID, store.BridgeUpdate{Active: &active}); err != nil {
		return nil, err
	}
	return s.bridges.Get(ctx, bridgeID)
}

// RemoveBridge deletes the bridge record.
func (s *Service) RemoveBridge(ctx context.Context, bridgeID string) error {
	return s.bridges.Delete(ctx, bridgeID)
}
