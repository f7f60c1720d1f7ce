package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/flocklabs/flock/internal/directory"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
	"github.com/flocklabs/flock/internal/migration"
)

func (d *Dispatcher) opStatus(ctx context.Context, caller string, params Params) Result {
	homes, err := d.homes.List(ctx, store.HomeFilter{
		AgentID: params.str("agentId"),
		NodeID:  params.str("nodeId"),
		State:   models.HomeState(params.str("state")),
	})
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("%d homes", len(homes)), homes)
}

func (d *Dispatcher) opLease(ctx context.Context, caller string, params Params) Result {
	homeID := params.str("homeId")
	if homeID == "" {
		nodeID := params.str("nodeId")
		if nodeID == "" {
			nodeID = d.nodeID
		}
		homeID = models.MakeHomeID(caller, nodeID)
	}
	duration := time.Duration(params.num("durationMs")) * time.Millisecond

	var (
		h   *models.Home
		err error
	)
	switch action := params.str("action"); action {
	case "request":
		h, err = d.homes.RequestLease(ctx, caller, homeID, duration)
	case "renew":
		h, err = d.homes.RenewLease(ctx, caller, homeID, duration)
	case "release":
		h, err = d.homes.ReleaseLease(ctx, caller, homeID)
	case "freeze":
		h, err = d.homes.Freeze(ctx, caller, homeID, params.str("reason"))
	default:
		return fail("lease action must be one of request, renew, release, freeze; got %q", action)
	}
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("home %s is %s", h.HomeID, h.State), h)
}

func (d *Dispatcher) opAudit(ctx context.Context, caller string, params Params) Result {
	entries, err := d.auditSvc.Query(ctx, store.AuditFilter{
		AgentID: params.str("agentId"),
		HomeID:  params.str("homeId"),
		Level:   models.AuditLevel(params.str("level")),
		Since:   params.timeVal("since"),
		Limit:   int(params.num("limit")),
	})
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("%d audit entries", len(entries)), entries)
}

func (d *Dispatcher) opProvision(ctx context.Context, caller string, params Params) Result {
	agentID := params.str("agentId")
	nodeID := params.str("nodeId")
	if agentID == "" || nodeID == "" {
		return fail("provision requires agentId and nodeId")
	}
	h, err := d.provisioner.Provision(ctx, agentID, nodeID)
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("home %s provisioned", h.HomeID), h)
}

func (d *Dispatcher) opMessage(ctx context.Context, caller string, params Params) Result {
	to := params.str("to")
	message := params.str("message")
	if to == "" || message == "" {
		return fail("message requires to and message")
	}
	t, err := d.tasks.Dispatch(ctx, caller, to, message, params.objMap("contextData"))
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("task %s dispatched to %s", t.TaskID, to), t)
}

func (d *Dispatcher) opChannelCreate(ctx context.Context, caller string, params Params) Result {
	channelID := params.str("channelId")
	if channelID == "" {
		return fail("channel.create requires channelId")
	}
	ch, err := d.channels.Create(ctx, caller, channelID, params.str("topic"), params.strSlice("members"))
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("channel %s created", ch.ChannelID), ch)
}

func (d *Dispatcher) opChannelPost(ctx context.Context, caller string, params Params) Result {
	channelID := params.str("channelId")
	message := params.str("message")
	if channelID == "" || message == "" {
		return fail("channel.post requires channelId and message")
	}
	notify := true
	if _, present := params["notify"]; present {
		notify = params.boolean("notify")
	}
	msg, err := d.channels.Post(ctx, channelID, caller, message, notify)
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("posted seq %d to %s", msg.Seq, channelID), msg)
}

func (d *Dispatcher) opChannelRead(ctx context.Context, caller string, params Params) Result {
	channelID := params.str("channelId")
	if channelID == "" {
		return fail("channel.read requires channelId")
	}
	msgs, err := d.channels.Read(ctx, channelID, params.num("sinceSeq"), int(params.num("limit")))
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("%d messages", len(msgs)), msgs)
}

func (d *Dispatcher) opChannelList(ctx context.Context, caller string, params Params) Result {
	filter := store.ChannelFilter{Member: params.str("member")}
	if _, present := params["archived"]; present {
		archived := params.boolean("archived")
		filter.Archived = &archived
	}
	chans, err := d.channels.List(ctx, filter)
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("%d channels", len(chans)), chans)
}

func (d *Dispatcher) opChannelArchive(ctx context.Context, caller string, params Params) Result {
	channelID := params.str("channelId")
	if channelID == "" {
		return fail("channel.archive requires channelId")
	}
	status, err := d.channels.Archive(ctx, channelID, params.boolean("force"))
	if err != nil {
		return failErr(err)
	}
	if status.Archived {
		return ok(fmt.Sprintf("channel %s archived", channelID), status)
	}
	return ok(fmt.Sprintf("channel %s archive pending, %d/%d ready",
		channelID, status.ReadyCount, status.TotalCount), status)
}

func (d *Dispatcher) opChannelArchiveReady(ctx context.Context, caller string, params Params) Result {
	channelID := params.str("channelId")
	if channelID == "" {
		return fail("channel.archiveReady requires channelId")
	}
	status, err := d.channels.ArchiveReady(ctx, channelID, caller)
	if err != nil {
		return failErr(err)
	}
	if status.Archived {
		return ok(fmt.Sprintf("channel %s archived", channelID), status)
	}
	return ok(fmt.Sprintf("readiness recorded, %d/%d ready", status.ReadyCount, status.TotalCount), status)
}

func (d *Dispatcher) opDiscover(ctx context.Context, caller string, params Params) Result {
	cards := d.registry.Discover(params.str("query"), params.str("role"),
		params.str("skill"), int(params.num("limit")))
	return ok(fmt.Sprintf("%d agents", len(cards)), cards)
}

// opHistory lists the caller's tasks in both directions, newest first.
func (d *Dispatcher) opHistory(ctx context.Context, caller string, params Params) Result {
	limit := int(params.num("limit"))
	sent, err := d.tasks.List(ctx, store.TaskFilter{FromAgentID: caller, Limit: limit})
	if err != nil {
		return failErr(err)
	}
	received, err := d.tasks.List(ctx, store.TaskFilter{ToAgentID: caller, Limit: limit})
	if err != nil {
		return failErr(err)
	}
	merged := append(sent, received...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].CreatedAt.After(merged[j].CreatedAt) })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return ok(fmt.Sprintf("%d tasks", len(merged)), merged)
}

func (d *Dispatcher) opTasks(ctx context.Context, caller string, params Params) Result {
	tasks, err := d.tasks.List(ctx, store.TaskFilter{
		FromAgentID: params.str("fromAgentId"),
		ToAgentID:   params.str("toAgentId"),
		State:       models.TaskState(params.str("state")),
		MessageType: params.str("messageType"),
		Since:       params.timeVal("since"),
		Limit:       int(params.num("limit")),
	})
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("%d tasks", len(tasks)), tasks)
}

func (d *Dispatcher) opTaskRespond(ctx context.Context, caller string, params Params) Result {
	taskID := params.str("taskId")
	message := params.str("message")
	if taskID == "" || message == "" {
		return fail("taskRespond requires taskId and message")
	}
	t, err := d.tasks.Respond(ctx, taskID, caller, message)
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("task %s resumed", t.TaskID), t)
}

func (d *Dispatcher) opMigrate(ctx context.Context, caller string, params Params) Result {
	if denied := d.requireRole(caller, "orchestrator", "sysadmin"); denied != nil {
		return *denied
	}
	agentID := params.str("targetAgentId")
	targetNodeID := params.str("targetNodeId")
	if agentID == "" || targetNodeID == "" {
		return fail("migrate requires targetAgentId and targetNodeId")
	}
	ticket, err := d.engine.Initiate(ctx, agentID, targetNodeID,
		params.str("targetEndpoint"), params.str("reason"))
	if err != nil {
		return failErr(err)
	}
	go d.runMigration(ticket.MigrationID, agentID, targetNodeID)
	return ok(fmt.Sprintf("migration %s started for %s", ticket.MigrationID, agentID), ticket)
}

// runMigration drives the full happy path in the background. Failures
// before the ownership commit roll back; after it the migration fails
// loudly and stays for operator intervention.
func (d *Dispatcher) runMigration(migrationID, agentID, targetNodeID string) {
	ctx := context.Background()
	checksum := d.snapshotChecksum(agentID)

	steps := []func() error{
		func() error { _, err := d.engine.Authorize(ctx, migrationID); return err },
		func() error { _, err := d.engine.BeginFreeze(ctx, migrationID); return err },
		func() error { _, err := d.engine.ConfirmFrozen(ctx, migrationID); return err },
		func() error { _, err := d.engine.RecordSnapshot(ctx, migrationID, checksum); return err },
		func() error { _, err := d.engine.BeginTransfer(ctx, migrationID); return err },
		func() error { _, err := d.engine.ConfirmTransferred(ctx, migrationID); return err },
		func() error {
			_, err := d.engine.HandleVerification(ctx, migrationID, migration.VerificationReport{
				Verified:         true,
				ComputedChecksum: checksum,
			})
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			d.logger.WithError(err).WithMigrationID(migrationID).Error("migration step failed")
			if _, rbErr := d.engine.Rollback(ctx, migrationID, err.Error()); rbErr != nil {
				d.logger.WithError(rbErr).WithMigrationID(migrationID).Error("migration rollback failed")
			}
			return
		}
	}

	newHomeID := models.MakeHomeID(agentID, targetNodeID)
	if _, err := d.engine.Complete(ctx, migrationID, newHomeID, ""); err != nil {
		// Ownership already moved; no rollback path exists past this point.
		d.logger.WithError(err).WithMigrationID(migrationID).Error("migration completion failed")
	}
}

// snapshotChecksum content-addresses the agent's workspace card. Falls back
// to hashing the agent id when the workspace is unreadable.
func (d *Dispatcher) snapshotChecksum(agentID string) string {
	content := []byte(agentID)
	if d.provisioner != nil {
		if raw, err := os.ReadFile(d.provisioner.CardPath(agentID)); err == nil {
			content = raw
		}
	}
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (d *Dispatcher) opSleep(ctx context.Context, caller string, params Params) Result {
	reason := params.str("reason")
	if reason == "" {
		reason = "requested"
	}
	if err := d.sched.Sleep(ctx, caller, reason); err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("agent %s sleeping", caller), nil)
}

func (d *Dispatcher) opUpdateCard(ctx context.Context, caller string, params Params) Result {
	patch := directory.CardPatch{}
	if v, present := params["name"]; present {
		name, _ := v.(string)
		patch.Name = &name
	}
	if v, present := params["description"]; present {
		description, _ := v.(string)
		patch.Description = &description
	}
	if _, present := params["skills"]; present {
		patch.Skills = params.strSlice("skills")
	}
	card, err := d.registry.UpdateCard(caller, patch)
	if err != nil {
		return failErr(err)
	}
	return ok(fmt.Sprintf("card updated for %s", caller), card)
}

func (d *Dispatcher) opBridge(ctx context.Context, caller string, params Params) Result {
	switch action := params.str("action"); action {
	case "create":
		channelID := params.str("channelId")
		externalChannelID := params.str("externalChannelId")
		if channelID == "" || externalChannelID == "" {
			return fail("bridge create requires channelId and externalChannelId")
		}
		bridge, err := d.channels.CreateBridge(ctx, caller, channelID,
			models.BridgePlatform(params.str("platform")), externalChannelID,
			params.str("accountId"), params.str("webhookUrl"))
		if err != nil {
			return failErr(err)
		}
		return ok(fmt.Sprintf("bridge %s created", bridge.BridgeID), bridge)
	case "list":
		bridges, err := d.channels.ListBridges(ctx, params.str("channelId"))
		if err != nil {
			return failErr(err)
		}
		return ok(fmt.Sprintf("%d bridges", len(bridges)), bridges)
	case "get":
		bridge, err := d.channels.GetBridge(ctx, params.str("bridgeId"))
		if err != nil {
			return failErr(err)
		}
		return ok("bridge found", bridge)
	case "pause":
		bridge, err := d.channels.PauseBridge(ctx, params.str("bridgeId"))
		if err != nil {
			return failErr(err)
		}
		return ok(fmt.Sprintf("bridge %s paused", bridge.BridgeID), bridge)
	case "resume":
		bridge, err := d.channels.ResumeBridge(ctx, params.str("bridgeId"))
		if err != nil {
			return failErr(err)
		}
		return ok(fmt.Sprintf("bridge %s resumed", bridge.BridgeID), bridge)
	case "remove":
		if err := d.channels.RemoveBridge(ctx, params.str("bridgeId")); err != nil {
			return failErr(err)
		}
		return ok("bridge removed", nil)
	default:
		return fail("bridge action must be one of create, list, get, pause, resume, remove; got %q", action)
	}
}

func (d *Dispatcher) opCreateAgent(ctx context.Context, caller string, params Params) Result {
	if denied := d.requireRole(caller, "orchestrator", "sysadmin"); denied != nil {
		return *denied
	}
	agentID := params.str("agentId")
	if agentID == "" {
		return fail("createAgent requires agentId")
	}
	nodeID := params.str("nodeId")
	if nodeID == "" {
		nodeID = d.nodeID
	}
	h, err := d.provisioner.Provision(ctx, agentID, nodeID)
	if err != nil {
		return failErr(err)
	}
	d.registry.Register(directory.Card{
		AgentID:     agentID,
		Name:        params.str("name"),
		Role:        params.str("role"),
		Description: params.str("description"),
		Skills:      params.strSlice("skills"),
		NodeID:      nodeID,
	})
	if err := d.sched.Wake(ctx, agentID, "agent-created"); err != nil {
		d.logger.WithError(err).WithAgentID(agentID).Warn("failed to wake new agent")
	}
	return ok(fmt.Sprintf("agent %s created at %s", agentID, h.HomeID), h)
}

func (d *Dispatcher) opDecommissionAgent(ctx context.Context, caller string, params Params) Result {
	if denied := d.requireRole(caller, "orchestrator", "sysadmin"); denied != nil {
		return *denied
	}
	agentID := params.str("agentId")
	if agentID == "" {
		return fail("decommissionAgent requires agentId")
	}
	if agentID == caller {
		return fail("self-decommissioning is forbidden")
	}
	nodeID := params.str("nodeId")
	if nodeID == "" {
		nodeID = d.nodeID
	}
	homeID := models.MakeHomeID(agentID, nodeID)
	h, err := d.homes.Transition(ctx, homeID, models.HomeStateRetired, "decommissioned", caller)
	if err != nil {
		return failErr(err)
	}
	d.registry.Remove(agentID)
	// best-effort: stop periodic ticks for the retired agent
	_ = d.sched.Sleep(ctx, agentID, "decommissioned")
	return ok(fmt.Sprintf("agent %s decommissioned", agentID), h)
}

func (d *Dispatcher) opRestartGateway(ctx context.Context, caller string, params Params) Result {
	if denied := d.requireRole(caller, "sysadmin"); denied != nil {
		return *denied
	}
	if d.restartHook == nil {
		return fail("gateway restart is not supported in this deployment")
	}
	go d.restartHook()
	return ok("gateway restart requested", nil)
}
