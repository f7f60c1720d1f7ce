// Package scheduler runs the fleet work loop: a periodic, jittered tick
// engine that visits AWAKE agents with delta-aggregated channel activity,
// sweeps expired leases, and manages agent sleep/wake state.
package scheduler

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/a2a"
	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/channel"
	"github.com/flocklabs/flock/internal/common/logger"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
	"github.com/flocklabs/flock/internal/home"
	"github.com/flocklabs/flock/internal/task"
)

// systemCaller identifies the scheduler as the originator of tick dispatches.
const systemCaller = "system"

// jitterRange bounds the deterministic per-agent tick jitter.
const jitterRange = 10 * time.Second

// Options tunes the work loop. Zero values fall back to defaults.
type Options struct {
	// TickInterval is the base interval between ticks for one agent. The
	// loop timer itself fires every TickInterval/2.
	TickInterval time.Duration
	// InterDispatchDelay spaces sequential dispatches within one cycle.
	InterDispatchDelay time.Duration
	// StaleLockMaxAge is the mtime threshold for session lock cleanup.
	StaleLockMaxAge time.Duration
	// WorkspaceDir locates per-agent sessions directories for lock cleanup.
	// Empty disables the cleanup pass.
	WorkspaceDir string
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 60 * time.Second
	}
	if o.InterDispatchDelay <= 0 {
		o.InterDispatchDelay = 3 * time.Second
	}
	if o.StaleLockMaxAge <= 0 {
		o.StaleLockMaxAge = 60 * time.Second
	}
}

type cursorKey struct {
	agentID   string
	channelID string
}

// cursor tracks delivery progress for one (agent, channel) pair.
// sent never exceeds scheduled.
type cursor struct {
	sent      int64
	scheduled int64
}

// Scheduler drives the cooperative work loop. It satisfies the wake hooks
// the task and channel services need.
type Scheduler struct {
	loops    store.AgentLoopStore
	channels store.ChannelStore
	messages store.MessageStore
	homes    *home.Manager
	client   a2a.Client
	audit    *audit.Service
	logger   *logger.Logger
	opts     Options

	mu       sync.Mutex
	cursors  map[cursorKey]*cursor
	inFlight map[string]bool
	running  bool
	stopCh   chan struct{}

	cycleMu     sync.Mutex
	cycleActive bool

	// immediateDelay absorbs notification bursts before an immediate
	// dispatch. Overridable in tests.
	immediateDelay func() time.Duration
}

var (
	_ task.Waker          = (*Scheduler)(nil)
	_ channel.LoopControl = (*Scheduler)(nil)
)

// New creates a scheduler. Start must be called to begin ticking.
func New(s store.Store, homes *home.Manager, client a2a.Client, auditSvc *audit.Service, log *logger.Logger, opts Options) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	opts.applyDefaults()
	return &Scheduler{
		loops:    s.AgentLoop(),
		channels: s.Channels(),
		messages: s.ChannelMessages(),
		homes:    homes,
		client:   client,
		audit:    auditSvc,
		logger:   log,
		opts:     opts,
		cursors:  make(map[cursorKey]*cursor),
		inFlight: make(map[string]bool),
		immediateDelay: func() time.Duration {
			return time.Second + time.Duration(rand.Int63n(int64(4*time.Second)))
		},
	}
}

// Start rebuilds delivery cursors from the message log and launches the
// loop timer. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	if err := s.RebuildCursors(ctx); err != nil {
		s.logger.WithError(err).Warn("failed to rebuild delivery cursors; starting cold")
	}

	go s.run(stopCh)
	s.logger.Info("scheduler started",
		zap.Duration("tickInterval", s.opts.TickInterval))
	return nil
}

// Stop halts the loop timer. In-flight dispatches complete asynchronously
// and their cursor updates still apply. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(stopCh chan struct{}) {
	// The timer fires at half the tick interval so due agents are picked
	// up within half an interval of their schedule.
	ticker := time.NewTicker(s.opts.TickInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.runCycle(context.Background())
		}
	}
}

// runCycle executes one tick cycle. Cycles are non-reentrant: a firing that
// lands while a prior cycle is in progress is skipped.
func (s *Scheduler) runCycle(ctx context.Context) {
	s.cycleMu.Lock()
	if s.cycleActive {
		s.cycleMu.Unlock()
		cyclesSkipped.Inc()
		s.logger.Debug("tick cycle still in progress; skipping firing")
		return
	}
	s.cycleActive = true
	s.cycleMu.Unlock()
	defer func() {
		s.cycleMu.Lock()
		s.cycleActive = false
		s.cycleMu.Unlock()
	}()
	cyclesTotal.Inc()

	now := time.Now().UTC()
	if expired, err := s.homes.ExpireLeases(ctx, now); err != nil {
		s.logger.WithError(err).Warn("lease sweep failed")
	} else if expired > 0 {
		leasesExpired.Add(float64(expired))
	}

	due := s.dueAgents(ctx, now)
	if len(due) == 0 {
		return
	}
	s.cleanStaleLocks(now)

	for i, agentID := range due {
		if i > 0 {
			time.Sleep(s.opts.InterDispatchDelay)
		}
		// lastTickAt advances before dispatch so a slow response cannot
		// trigger a re-issue on the next firing.
		if err := s.touchLastTick(ctx, agentID, now); err != nil {
			s.logger.WithError(err).WithAgentID(agentID).Warn("failed to update lastTickAt")
			continue
		}
		s.dispatchTick(ctx, agentID, "periodic")
	}
}

// dueAgents returns AWAKE agents whose jittered next tick time has passed.
func (s *Scheduler) dueAgents(ctx context.Context, now time.Time) []string {
	awake, err := s.loops.List(ctx, store.LoopFilter{State: models.LoopStateAwake})
	if err != nil {
		s.logger.WithError(err).Warn("failed to list awake agents")
		return nil
	}
	var due []string
	for _, loop := range awake {
		nextTickAt := loop.LastTickAt.Add(s.opts.TickInterval + jitter(loop.AgentID))
		if !nextTickAt.After(now) {
			due = append(due, loop.AgentID)
		}
	}
	return due
}

// jitter derives a stable per-agent offset in [-10s, +10s) so ticks do not
// synchronize across the fleet.
func jitter(agentID string) time.Duration {
	h := fnv.New64a()
	h.Write([]byte(agentID))
	span := uint64(2 * jitterRange)
	return time.Duration(h.Sum64()%span) - jitterRange
}

func (s *Scheduler) touchLastTick(ctx context.Context, agentID string, now time.Time) error {
	loop, err := s.loops.Get(ctx, agentID)
	if err != nil {
		return err
	}
	loop.LastTickAt = now
	return s.loops.Upsert(ctx, loop)
}

// RebuildCursors resets per-(agent, channel) delivery cursors from the
// persisted message log: everything already in a channel counts as seen.
// Called on start; tick delivery resumes best-effort from there.
func (s *Scheduler) RebuildCursors(ctx context.Context) error {
	channels, err := s.channels.List(ctx, store.ChannelFilter{})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = make(map[cursorKey]*cursor)
	for _, ch := range channels {
		maxSeq, err := s.messages.MaxSeq(ctx, ch.ChannelID)
		if err != nil {
			return err
		}
		for _, member := range ch.Members {
			s.cursors[cursorKey{member, ch.ChannelID}] = &cursor{sent: maxSeq, scheduled: maxSeq}
		}
	}
	return nil
}

// MarkSeen advances the agent's delivery cursor for a channel. Posting
// agents have seen everything up to and including their own message.
func (s *Scheduler) MarkSeen(agentID, channelID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureCursorLocked(agentID, channelID)
	if seq > c.sent {
		c.sent = seq
	}
	if seq > c.scheduled {
		c.scheduled = seq
	}
}

func (s *Scheduler) ensureCursorLocked(agentID, channelID string) *cursor {
	key := cursorKey{agentID, channelID}
	c, ok := s.cursors[key]
	if !ok {
		c = &cursor{}
		s.cursors[key] = c
	}
	return c
}

func (s *Scheduler) cursorFor(agentID, channelID string) cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.ensureCursorLocked(agentID, channelID)
}
