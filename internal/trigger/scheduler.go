// Package trigger implements the background trigger scheduler: a
// lock-guarded periodic scan that recovers orphaned/stuck
// BackgroundExecutions and fires due Subscriptions, in three phases
// per tick (recover orphans, reap stuck runs, fire due).
package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	cronlib "github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/lock"
	"github.com/basket/go-claw/internal/model"
	otelpkg "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/store"
	"github.com/basket/go-claw/internal/streaming"
)

var cronParser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// Dispatch is the subset of the dispatcher the scheduler needs to start
// a Task for a firing subscription, kept narrow so tests can fake it.
type Dispatch interface {
	CreateTaskForSubscription(ctx context.Context, sub model.Resource, parsed model.Subscription, execution model.BackgroundExecution) (model.Task, error)
}

// TeamResolver is the subset of the dispatcher's Resolver the
// scheduler needs to decide whether a firing subscription's team
// answers via a direct-chat shell instead of falling through to the
// dispatcher. Kept narrow and locally defined so tests can fake it
// without pulling in the dispatcher package.
type TeamResolver interface {
	ResolveTeam(ctx context.Context, owner int64, name, namespace string) (model.Team, error)
	ResolveBot(ctx context.Context, owner int64, name, namespace string) (model.Bot, error)
	ResolveShell(ctx context.Context, owner int64, name, namespace string) (model.Shell, error)
	ResolveGhost(ctx context.Context, owner int64, name, namespace string) (model.Ghost, error)
}

// Engine is the subset of the streaming engine the scheduler needs to
// run a direct-chat subscription's ASSISTANT subtask in-process.
type Engine interface {
	RunForSubscription(ctx context.Context, task model.Task, sub model.Subtask, ghostPrompt string, toolSpecs []streaming.ToolSpec, mcpServers []model.MCPServer, emitter bus.Bus, historyLimit int) error
}

// Config holds the scheduler's dependencies.
type Config struct {
	Store    *store.Store
	Bus      bus.Bus
	Locks    lock.Locker
	Dispatch Dispatch
	Resolver TeamResolver // optional; enables the direct-chat execution branch
	Engine   Engine       // optional; enables the direct-chat execution branch
	Logger   *slog.Logger
	Metrics  *otelpkg.Metrics // optional; counts dispatched firings

	Interval          time.Duration // tick interval; default 60s
	ScanLockTTL       time.Duration // default 2m
	WatchdogInterval  time.Duration // lock refresh cadence during a scan; default 30s
	OrphanGracePeriod time.Duration // PENDING-with-no-task recovery age; default 1h
	StuckGracePeriod  time.Duration // RUNNING-without-finishing reap age; default 3h
	BatchSize         int
	RetryCount        int // max dispatch attempts per firing (FLOW_DEFAULT_RETRY_COUNT)
}

// Scheduler runs the periodic scan loop.
type Scheduler struct {
	cfg    Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.ScanLockTTL <= 0 {
		cfg.ScanLockTTL = 2 * time.Minute
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 30 * time.Second
	}
	if cfg.OrphanGracePeriod <= 0 {
		cfg.OrphanGracePeriod = 1 * time.Hour
	}
	if cfg.StuckGracePeriod <= 0 {
		cfg.StuckGracePeriod = 3 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{cfg: cfg}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.cfg.Logger.Info("trigger scheduler started", "interval", s.cfg.Interval)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scan cycle under the check_due_subscriptions
// distributed lock, so only one worker process scans at a time even
// when the control plane runs as multiple replicas.
func (s *Scheduler) tick(ctx context.Context) {
	token, ok, err := s.cfg.Locks.Acquire(ctx, lock.LockCheckDueSubscriptions, s.cfg.ScanLockTTL)
	if err != nil {
		s.cfg.Logger.ErrorContext(ctx, "acquire scan lock failed", "error", err)
		return
	}
	if !ok {
		return // another worker holds the scan lock this tick
	}
	defer s.cfg.Locks.Release(ctx, lock.LockCheckDueSubscriptions, token)

	// Watchdog: a batch of 100 firings can outlive the lock TTL, so the
	// scan refreshes its hold every WatchdogInterval until the tick ends.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		ticker := time.NewTicker(s.cfg.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-ticker.C:
				if err := s.cfg.Locks.Extend(ctx, lock.LockCheckDueSubscriptions, token, s.cfg.ScanLockTTL); err != nil {
					s.cfg.Logger.WarnContext(ctx, "scan lock refresh failed", "error", err)
				}
			}
		}
	}()

	s.recoverOrphans(ctx)
	s.recoverStuck(ctx)
	s.fireDue(ctx)
}

// recoverOrphans re-dispatches PENDING executions whose task was never
// created: a firing whose subscription has since been
// deleted is CANCELLED; every other orphan runs again through the same
// dispatch path a fresh firing takes, which links a task and flips the
// execution to RUNNING.
func (s *Scheduler) recoverOrphans(ctx context.Context) {
	orphans, err := s.cfg.Store.ListOrphanedPendingExecutions(ctx, s.cfg.OrphanGracePeriod)
	if err != nil {
		s.cfg.Logger.ErrorContext(ctx, "list orphaned executions failed", "error", err)
		return
	}
	for _, e := range orphans {
		r, err := s.cfg.Store.GetResourceByID(ctx, e.SubscriptionID)
		if goerr.Is(err, goerr.KindResourceNotFound) || (err == nil && !r.IsActive) {
			if err := s.cfg.Store.CompleteBackgroundExecution(ctx, e.ID, model.ExecutionCancelled, "subscription was deleted"); err != nil {
				s.cfg.Logger.ErrorContext(ctx, "cancel orphaned execution failed", "execution_id", e.ID, "error", err)
			}
			continue
		}
		if err != nil {
			s.cfg.Logger.ErrorContext(ctx, "load orphaned execution's subscription failed", "execution_id", e.ID, "error", err)
			continue
		}
		var sub model.Subscription
		if err := json.Unmarshal([]byte(r.JSON), &sub); err != nil {
			s.cfg.Logger.ErrorContext(ctx, "parse subscription failed", "resource_id", r.ID, "error", err)
			continue
		}
		if _, err := s.dispatchExecution(ctx, r, sub, e); err != nil {
			s.cfg.Logger.ErrorContext(ctx, "re-dispatch orphaned execution failed", "execution_id", e.ID, "error", err)
		}
	}
}

// recoverStuck marks RUNNING executions whose bound task never
// progressed as FAILED.
func (s *Scheduler) recoverStuck(ctx context.Context) {
	stuck, err := s.cfg.Store.ListStuckRunningExecutions(ctx, s.cfg.StuckGracePeriod)
	if err != nil {
		s.cfg.Logger.ErrorContext(ctx, "list stuck executions failed", "error", err)
		return
	}
	for _, e := range stuck {
		if err := s.cfg.Store.CompleteBackgroundExecution(ctx, e.ID, model.ExecutionFailed, "execution timed out: still running past the stuck grace period"); err != nil {
			s.cfg.Logger.ErrorContext(ctx, "complete stuck execution failed", "execution_id", e.ID, "error", err)
		}
	}
}

// fireDue scans Subscription resources and fires every one whose
// _internal.enabled is true and next_execution_time has passed. The
// store returns all active Subscription rows; enabled/due filtering
// happens here against the parsed JSON payload.
func (s *Scheduler) fireDue(ctx context.Context) {
	resources, err := s.cfg.Store.ListDueSubscriptions(ctx, s.cfg.BatchSize)
	if err != nil {
		s.cfg.Logger.ErrorContext(ctx, "list due subscriptions failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, r := range resources {
		// Cheap pre-filter: most rows ListDueSubscriptions returns are
		// already past next_execution_time by construction, but a stale
		// disabled row can still show up between ticks; peek at the one
		// field that matters before paying for a full typed decode.
		if !gjson.Get(r.JSON, "_internal.enabled").Bool() {
			continue
		}
		var sub model.Subscription
		if err := json.Unmarshal([]byte(r.JSON), &sub); err != nil {
			s.cfg.Logger.ErrorContext(ctx, "parse subscription failed", "resource_id", r.ID, "error", err)
			continue
		}
		if !sub.Internal.Enabled || sub.Internal.NextExecutionTime.After(now) {
			continue
		}
		task, err := s.fireOne(ctx, r, sub)
		if err != nil {
			s.cfg.Logger.ErrorContext(ctx, "fire subscription failed", "resource_id", r.ID, "error", err)
			continue
		}
		if sub.PreserveHistory && !sub.Rental {
			sub.Internal.BoundTaskID = task.ID
		}
		sub.Internal.NextExecutionTime = s.nextFireTime(sub, now)
		if sub.Trigger == model.TriggerOneTime {
			// A one_time subscription must end up enabled=false after
			// its first dispatch, not merely with a far-future
			// next_execution_time.
			sub.Internal.Enabled = false
		}
		rescheduled := marshalSubscription(sub)
		if err := s.cfg.Store.UpdateResourceJSON(ctx, r.ID, func(string) (string, error) { return rescheduled, nil }); err != nil {
			s.cfg.Logger.ErrorContext(ctx, "reschedule subscription failed", "resource_id", r.ID, "error", err)
		}
	}
}

func (s *Scheduler) fireOne(ctx context.Context, r model.Resource, sub model.Subscription) (model.Task, error) {
	execution, err := s.cfg.Store.CreateBackgroundExecution(ctx, model.BackgroundExecution{
		SubscriptionID: r.ID,
		UserID:         r.OwnerID,
		TriggerType:    sub.Trigger,
		TriggerReason:  string(sub.Trigger) + " fired",
		Prompt:         sub.PromptTemplate,
	})
	if err != nil {
		return model.Task{}, err
	}
	return s.dispatchExecution(ctx, r, sub, execution)
}

// dispatchExecution drives one BackgroundExecution from created to
// RUNNING: build/reuse the task, link it, and hand a direct-chat team
// straight to the streaming engine. Shared by fresh firings and
// orphan re-dispatch.
func (s *Scheduler) dispatchExecution(ctx context.Context, r model.Resource, sub model.Subscription, execution model.BackgroundExecution) (model.Task, error) {
	// Transient upstream failures (store/network blips building the
	// task) are retried with exponential backoff and jitter up to
	// RetryCount; anything else is permanent and fails the execution on
	// the first attempt.
	task, err := backoff.Retry(ctx, func() (model.Task, error) {
		t, err := s.cfg.Dispatch.CreateTaskForSubscription(ctx, r, sub, execution)
		if err != nil && !goerr.Is(err, goerr.KindTransientUpstream) {
			return model.Task{}, backoff.Permanent(err)
		}
		return t, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(s.cfg.RetryCount)))
	if err != nil {
		_ = s.cfg.Store.CompleteBackgroundExecution(ctx, execution.ID, model.ExecutionFailed, err.Error())
		return model.Task{}, err
	}
	if err := s.cfg.Store.LinkBackgroundExecution(ctx, execution.ID, task.ID); err != nil {
		return model.Task{}, err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TriggerFirings.Add(ctx, 1)
	}
	return task, s.runDirectChatIfNeeded(ctx, task, sub, execution)
}

// runDirectChatIfNeeded implements the step-5 branch: a subscription
// whose team answers entirely through a direct-chat (Chat) shell must be
// driven by the streaming engine itself, because the dispatcher never
// dispatches Chat-type shells and
// the ASSISTANT subtask it just created would otherwise sit PENDING
// forever. Every other team falls through unchanged to the existing
// poll-and-reduce path.
func (s *Scheduler) runDirectChatIfNeeded(ctx context.Context, task model.Task, sub model.Subscription, execution model.BackgroundExecution) error {
	if s.cfg.Resolver == nil || s.cfg.Engine == nil {
		return nil
	}
	team, err := s.cfg.Resolver.ResolveTeam(ctx, task.OwnerID, task.TeamName, task.TeamNamespace)
	if err != nil {
		return err
	}
	if len(team.Members) == 0 {
		return nil
	}
	kinds := make([]model.ShellKind, 0, len(team.Members))
	var mcpServers []model.MCPServer
	for i, m := range team.Members {
		bot, err := s.cfg.Resolver.ResolveBot(ctx, task.OwnerID, m.BotName, m.BotNamespace)
		if err != nil {
			return err
		}
		shell, err := s.cfg.Resolver.ResolveShell(ctx, task.OwnerID, bot.ShellName, "")
		if err != nil {
			return err
		}
		kinds = append(kinds, shell.Kind)
		if i == 0 {
			if ghost, err := s.cfg.Resolver.ResolveGhost(ctx, task.OwnerID, bot.GhostName, ""); err == nil {
				mcpServers = ghost.MCPServers
			}
		}
	}
	if !team.SupportsDirectChat(kinds) {
		return nil
	}

	assistant, err := s.cfg.Store.FirstPendingAssistant(ctx, task.ID)
	if err != nil {
		return err
	}
	claimed, err := s.cfg.Store.ClaimSubtask(ctx, assistant.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	if err := s.cfg.Store.PromoteTaskRunning(ctx, task.ID); err != nil {
		return err
	}

	emitter := &subscriptionEmitter{Bus: s.cfg.Bus, store: s.cfg.Store, executionID: execution.ID}
	go func() {
		runCtx := context.Background()
		if err := s.cfg.Engine.RunForSubscription(runCtx, task, assistant, team.Members[0].Prompt, nil, mcpServers, emitter, sub.HistoryMessageCount); err != nil {
			s.cfg.Logger.ErrorContext(runCtx, "direct chat subscription run failed", "task_id", task.ID, "execution_id", execution.ID, "error", err)
		}
	}()
	return nil
}

// subscriptionEmitter adapts the engine's normal task-room fan-out to a
// background firing that has no WS room worth publishing for its own
// sake: it still forwards every event onto the real bus (a client that
// later joins the task's room sees the same history any other run would
// produce), but additionally folds terminal chat events back into the
// owning BackgroundExecution row, since nothing else observes this run.
type subscriptionEmitter struct {
	bus.Bus
	store       *store.Store
	executionID int64
	folded      bool // a cancelled stream emits chat:cancelled then chat:done; only the first terminal event counts
}

func (e *subscriptionEmitter) Publish(ctx context.Context, room string, ev bus.Event) error {
	if !e.folded {
		switch ev.Type {
		case bus.EventChatDone:
			e.folded = true
			_ = e.store.CompleteBackgroundExecution(ctx, e.executionID, model.ExecutionCompleted, "")
		case bus.EventChatError:
			e.folded = true
			msg, _ := ev.Payload.(map[string]string)
			_ = e.store.CompleteBackgroundExecution(ctx, e.executionID, model.ExecutionFailed, msg["error"])
		case bus.EventChatCancelled:
			e.folded = true
			_ = e.store.CompleteBackgroundExecution(ctx, e.executionID, model.ExecutionCancelled, "")
		}
	}
	return e.Bus.Publish(ctx, room, ev)
}

// nextFireTime computes the next scheduled fire, per Trigger kind.
// one_time subscriptions are additionally disabled by the caller (see
// fireDue); the far-future NextExecutionTime here covers any caller
// that re-enables one without resetting it.
func (s *Scheduler) nextFireTime(sub model.Subscription, from time.Time) time.Time {
	switch sub.Trigger {
	case model.TriggerCron:
		schedule, err := cronParser.Parse(sub.TriggerExpr)
		if err != nil {
			return from.Add(24 * time.Hour)
		}
		return schedule.Next(from)
	case model.TriggerInterval:
		d, err := time.ParseDuration(sub.TriggerExpr)
		if err != nil || d <= 0 {
			d = time.Hour
		}
		return from.Add(d)
	default: // one_time
		return from.Add(100 * 365 * 24 * time.Hour)
	}
}

func marshalSubscription(sub model.Subscription) string {
	b, err := json.Marshal(sub)
	if err != nil {
		return ""
	}
	return string(b)
}
