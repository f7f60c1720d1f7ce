// Package gateway exposes the agent-facing tool surface over HTTP and
// websocket. Tool operations arrive as loosely-typed parameter maps with the
// caller's agent id injected by the transport; the dispatcher validates them
// into typed calls against the core services and always answers with a
// Result envelope, never an error.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/channel"
	"github.com/flocklabs/flock/internal/common/logger"
	"github.com/flocklabs/flock/internal/directory"
	"github.com/flocklabs/flock/internal/home"
	"github.com/flocklabs/flock/internal/migration"
	"github.com/flocklabs/flock/internal/scheduler"
	"github.com/flocklabs/flock/internal/task"
)

// CallerParam is the reserved parameter slot carrying the caller's agent id.
const CallerParam = "_callerAgentId"

// Result is the uniform tool response envelope.
type Result struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func ok(output string, data any) Result {
	return Result{OK: true, Output: output, Data: data}
}

func fail(format string, args ...any) Result {
	return Result{OK: false, Error: fmt.Sprintf(format, args...)}
}

func failErr(err error) Result {
	return Result{OK: false, Error: err.Error()}
}

// Params is the loosely-typed tool parameter map.
type Params map[string]any

func (p Params) str(key string) string {
	v, _ := p[key].(string)
	return v
}

// num reads a numeric parameter; JSON decoding yields float64.
func (p Params) num(key string) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func (p Params) boolean(key string) bool {
	v, _ := p[key].(bool)
	return v
}

func (p Params) strSlice(key string) []string {
	raw, _ := p[key].([]any)
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (p Params) objMap(key string) map[string]any {
	v, _ := p[key].(map[string]any)
	return v
}

// timeVal reads a timestamp parameter as epoch milliseconds or RFC3339.
func (p Params) timeVal(key string) *time.Time {
	switch v := p[key].(type) {
	case float64:
		t := time.UnixMilli(int64(v)).UTC()
		return &t
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return &t
		}
	}
	return nil
}

type handler func(ctx context.Context, caller string, params Params) Result

// Dispatcher routes tool operations to the core services.
type Dispatcher struct {
	homes       *home.Manager
	provisioner *home.Provisioner
	tasks       *task.Service
	channels    *channel.Service
	auditSvc    *audit.Service
	sched       *scheduler.Scheduler
	engine      *migration.Engine
	registry    *directory.Registry
	logger      *logger.Logger

	nodeID      string
	restartHook func()
	handlers    map[string]handler
}

// NewDispatcher wires the tool surface. restartHook may be nil, in which
// case restartGateway reports unsupported.
func NewDispatcher(
	homes *home.Manager,
	provisioner *home.Provisioner,
	tasks *task.Service,
	channels *channel.Service,
	auditSvc *audit.Service,
	sched *scheduler.Scheduler,
	engine *migration.Engine,
	registry *directory.Registry,
	log *logger.Logger,
	nodeID string,
) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	d := &Dispatcher{
		homes:       homes,
		provisioner: provisioner,
		tasks:       tasks,
		channels:    channels,
		auditSvc:    auditSvc,
		sched:       sched,
		engine:      engine,
		registry:    registry,
		logger:      log,
		nodeID:      nodeID,
	}
	d.handlers = map[string]handler{
		"status":               d.opStatus,
		"lease":                d.opLease,
		"audit":                d.opAudit,
		"provision":            d.opProvision,
		"message":              d.opMessage,
		"channel.create":       d.opChannelCreate,
		"channel.post":         d.opChannelPost,
		"channel.read":         d.opChannelRead,
		"channel.list":         d.opChannelList,
		"channel.archive":      d.opChannelArchive,
		"channel.archiveReady": d.opChannelArchiveReady,
		"discover":             d.opDiscover,
		"history":              d.opHistory,
		"tasks":                d.opTasks,
		"taskRespond":          d.opTaskRespond,
		"migrate":              d.opMigrate,
		"sleep":                d.opSleep,
		"updateCard":           d.opUpdateCard,
		"bridge":               d.opBridge,
		"createAgent":          d.opCreateAgent,
		"decommissionAgent":    d.opDecommissionAgent,
		"restartGateway":       d.opRestartGateway,
	}
	return d
}

// SetRestartHook installs the process-level restart trigger for
// restartGateway.
func (d *Dispatcher) SetRestartHook(hook func()) { d.restartHook = hook }

// Operations returns the registered operation names.
func (d *Dispatcher) Operations() []string {
	ops := make([]string, 0, len(d.handlers))
	for op := range d.handlers {
		ops = append(ops, op)
	}
	return ops
}

// Invoke runs one tool operation on behalf of caller. It never panics or
// returns a transport error: every failure lands in the envelope.
func (d *Dispatcher) Invoke(ctx context.Context, op, caller string, params Params) Result {
	if caller == "" {
		return fail("missing caller agent id")
	}
	h, found := d.handlers[op]
	if !found {
		return fail("unknown operation %q", op)
	}
	start := time.Now()
	result := h(ctx, caller, params)
	d.logger.Debug("tool invoked",
		zap.String("op", op),
		zap.String("caller", caller),
		zap.Bool("ok", result.OK),
		zap.Duration("took", time.Since(start)))
	return result
}

// role returns the caller's directory role, empty when unregistered.
func (d *Dispatcher) role(agentID string) string {
	card, err := d.registry.Get(agentID)
	if err != nil {
		return ""
	}
	return card.Role
}

func (d *Dispatcher) requireRole(caller string, roles ...string) *Result {
	got := d.role(caller)
	for _, role := range roles {
		if got == role {
			return nil
		}
	}
	r := fail("role required: operation needs one of %v, caller %s has %q", roles, caller, got)
	return &r
}
