package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RunStatus is the aggregate state of a DAG run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// DagRun owns one execution of a task graph: its tasks, debts and status.
type DagRun struct {
	ID        string
	Status    RunStatus
	StartedAt time.Time

	dag       *DAG
	debts     *debtLedger
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool
	// arbitrationOpen tracks tasks holding the run Paused awaiting a
	// stakeholder decision.
	arbitrationOpen map[string]bool
}

// Invocation is what the scheduler hands to the execution layer.
type Invocation struct {
	RunID  string
	TaskID string
	Skill  SkillRef
}

// Executor runs a task invocation. Implemented by the skill manager; any
// returned error is a terminal fault for this attempt.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (output string, err error)
}

// Config configures the scheduler.
type Config struct {
	// WorkerPoolSize bounds concurrent task executions.
	WorkerPoolSize int
	// HealthTick reconciles drift; floor 60s so the loop never polls.
	HealthTick time.Duration
	Logger     *slog.Logger
}

// Scheduler multiplexes every run over one cooperative loop: ready
// notifications, completion events, error events and a health tick. All
// state transitions happen on that loop or under its lock, which is what
// makes decisions atomic between suspension points.
type Scheduler struct {
	executor Executor
	logger   *slog.Logger

	mu      sync.Mutex
	runs    map[string]*DagRun
	arbiter *decisionArbiter

	readyNotify  chan struct{}
	completionCh chan CompletionEvent
	errorCh      chan ErrorEvent

	completionBus *broadcaster[CompletionEvent]
	decisionBus   *broadcaster[PendingDecision]

	sem        chan struct{}
	healthTick time.Duration
}

// NewScheduler creates a scheduler over an executor.
func NewScheduler(executor Executor, cfg Config) *Scheduler {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	if cfg.HealthTick < 60*time.Second {
		cfg.HealthTick = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		executor:      executor,
		logger:        cfg.Logger,
		runs:          make(map[string]*DagRun),
		arbiter:       newDecisionArbiter(),
		readyNotify:   make(chan struct{}, 1),
		completionCh:  make(chan CompletionEvent, 256),
		errorCh:       make(chan ErrorEvent, 64),
		completionBus: newBroadcaster[CompletionEvent]("completion", cfg.Logger),
		decisionBus:   newBroadcaster[PendingDecision]("decision", cfg.Logger),
		sem:           make(chan struct{}, cfg.WorkerPoolSize),
		healthTick:    cfg.HealthTick,
	}
}

// SubscribeCompletions registers an observer of task completions.
func (s *Scheduler) SubscribeCompletions(buffer int) (<-chan CompletionEvent, func()) {
	return s.completionBus.Subscribe(buffer)
}

// SubscribeDecisions registers an observer of pending operator decisions.
func (s *Scheduler) SubscribeDecisions(buffer int) (<-chan PendingDecision, func()) {
	return s.decisionBus.Subscribe(buffer)
}

// StartRun creates a run over tasks and wakes the loop.
func (s *Scheduler) StartRun(ctx context.Context, tasks []*Task) (string, error) {
	dag, err := NewDAG(tasks)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &DagRun{
		ID:              uuid.NewString(),
		Status:          RunStatusRunning,
		StartedAt:       time.Now(),
		dag:             dag,
		debts:           newDebtLedger(),
		ctx:             runCtx,
		cancel:          cancel,
		arbitrationOpen: make(map[string]bool),
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	s.notifyReady()
	s.logger.Info("dag run started", "run_id", run.ID, "tasks", dag.Len())
	return run.ID, nil
}

// Run drives the scheduler until ctx is cancelled. The loop never polls:
// every iteration blocks on one of the four sources.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.healthTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.readyNotify:
			s.evaluateAll()
		case ev := <-s.completionCh:
			s.handleCompletion(ev)
			s.evaluateAll()
		case ev := <-s.errorCh:
			s.logger.Error("run error event", "run_id", ev.RunID, "error", ev.Message)
		case <-ticker.C:
			// Reconcile drift: a missed notification resurfaces here.
			s.evaluateAll()
		}
	}
}

// notifyReady wakes the loop; coalesces with a pending wakeup.
func (s *Scheduler) notifyReady() {
	select {
	case s.readyNotify <- struct{}{}:
	default:
	}
}

// evaluateAll recomputes the ready set of every live run and pushes each
// ready task through the decision gate. Runs are visited in id order for
// determinism.
func (s *Scheduler) evaluateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.evaluateRunLocked(s.runs[id])
	}
}

func (s *Scheduler) evaluateRunLocked(run *DagRun) {
	if run.Status != RunStatusRunning {
		return
	}

	for _, i := range run.dag.readySet(run.debts) {
		task := run.dag.tasks[i]
		s.transition(run, task, TaskStatusReady)
		s.gateLocked(run, task)
		if run.Status != RunStatusRunning {
			// An Arbitrated task paused the run; later ready tasks wait.
			break
		}
	}
	s.deriveRunStatusLocked(run)
}

// gateLocked applies the decision gate to a Ready task.
func (s *Scheduler) gateLocked(run *DagRun, task *Task) {
	switch perm := CheckTaskPermission(task).(type) {
	case AutoApprove:
		s.dispatchLocked(run, task)

	case Countdown:
		if s.arbiter.armed(run.ID, task.ID) {
			return
		}
		deadline := time.Now().Add(time.Duration(perm.Seconds) * time.Second)
		runID, taskID, action := run.ID, task.ID, perm.DefaultAction
		s.arbiter.arm(runID, taskID, time.Until(deadline), func() {
			s.applyCountdownDefault(runID, taskID, action)
		})
		s.decisionBus.Publish(PendingDecision{
			RunID: run.ID, TaskID: task.ID, Level: task.level(),
			Deadline: deadline, RaisedAt: time.Now(),
		})

	case NeedsConfirmation:
		if s.arbiter.armed(run.ID, task.ID) {
			return
		}
		// Mark armed with a timer that never fires so the prompt publishes once.
		s.arbiter.arm(run.ID, task.ID, time.Duration(1<<62), func() {})
		s.decisionBus.Publish(PendingDecision{
			RunID: run.ID, TaskID: task.ID, Level: task.level(), RaisedAt: time.Now(),
		})

	case NeedsArbitration:
		if run.arbitrationOpen[task.ID] {
			return
		}
		run.arbitrationOpen[task.ID] = true
		run.Status = RunStatusPaused
		s.decisionBus.Publish(PendingDecision{
			RunID: run.ID, TaskID: task.ID, Level: task.level(),
			Stakeholders: perm.Stakeholders, RaisedAt: time.Now(),
		})
	}
}

// applyCountdownDefault fires when a Recommended timer elapses; the arbiter
// guarantees it loses to any operator decision that arrived first.
func (s *Scheduler) applyCountdownDefault(runID, taskID string, action Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return
	}
	task := run.dag.Task(taskID)
	if task == nil || task.Status != TaskStatusReady {
		return
	}
	if !s.arbiter.claim(runID, taskID) {
		return
	}

	if action == ActionExecute {
		s.dispatchLocked(run, task)
	} else {
		s.transition(run, task, TaskStatusSkipped)
		task.skippedByDecision = true
		task.Error = "skipped by countdown default"
		s.deriveRunStatusLocked(run)
	}
	s.notifyReady()
}

// Decide applies an operator decision to a pending task.
func (s *Scheduler) Decide(d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[d.RunID]
	if !ok {
		return errors.Errorf("scheduler: unknown run %s", d.RunID)
	}
	task := run.dag.Task(d.TaskID)
	if task == nil {
		return errors.Errorf("scheduler: unknown task %s", d.TaskID)
	}
	if task.Status != TaskStatusReady {
		return errors.Errorf("scheduler: task %s is %s, not awaiting decision", d.TaskID, task.Status)
	}

	if level, ok := task.level().(Arbitrated); ok {
		if !stakeholderAllowed(level.Stakeholders, d.Actor) {
			return errors.Errorf("scheduler: decision from unauthorized stakeholder %q", d.Actor)
		}
		delete(run.arbitrationOpen, d.TaskID)
		if len(run.arbitrationOpen) == 0 && !run.debts.hasUnresolvedBlocking() {
			run.Status = RunStatusRunning
		}
	}

	if !s.arbiter.claim(d.RunID, d.TaskID) {
		return errors.Errorf("scheduler: task %s already decided", d.TaskID)
	}

	if d.Approve {
		s.dispatchLocked(run, task)
	} else {
		s.transition(run, task, TaskStatusSkipped)
		task.skippedByDecision = true
		task.Error = "rejected by " + d.Actor
	}
	s.deriveRunStatusLocked(run)
	s.notifyReady()
	return nil
}

func stakeholderAllowed(stakeholders []string, actor string) bool {
	for _, sh := range stakeholders {
		if sh == actor {
			return true
		}
	}
	return false
}

// dispatchLocked moves a Ready task to Running and hands it to the worker
// pool. The completion event comes back through completionCh, so the loop
// observes it before any dependent leaves Pending.
func (s *Scheduler) dispatchLocked(run *DagRun, task *Task) {
	s.transition(run, task, TaskStatusRunning)
	task.StartedAt = time.Now()

	inv := Invocation{RunID: run.ID, TaskID: task.ID, Skill: task.Skill}
	runCtx := run.ctx
	go func() {
		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		output, err := s.executor.Execute(runCtx, inv)
		ev := CompletionEvent{RunID: inv.RunID, TaskID: inv.TaskID, Success: err == nil, Output: output}
		if err != nil {
			ev.Error = err.Error()
			ev.Taxonomy = taxonomyOf(err)
		}
		s.completionCh <- ev
	}()
}

// handleCompletion applies a completion event to its run.
func (s *Scheduler) handleCompletion(ev CompletionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[ev.RunID]
	if !ok {
		return
	}
	task := run.dag.Task(ev.TaskID)
	if task == nil || task.Status != TaskStatusRunning {
		return
	}

	if ev.Success {
		task.Output = ev.Output
		task.FinishedAt = time.Now()
		s.transition(run, task, TaskStatusCompleted)
		s.deriveRunStatusLocked(run)
		s.completionBus.Publish(ev)
		return
	}

	task.Error = ev.Error
	task.FinishedAt = time.Now()
	s.transition(run, task, TaskStatusFailed)

	// Mechanical retry: bounded by the level's retry budget.
	if level, ok := task.level().(Mechanical); ok && task.RetryCount < level.Retry {
		task.RetryCount++
		s.logger.Info("retrying task", "run_id", run.ID, "task_id", task.ID,
			"attempt", task.RetryCount, "budget", level.Retry)
		s.dispatchLocked(run, task)
		return
	}

	s.markTaskFailedLocked(run, task, task.failurePolicy(), ev.Error)
	s.completionBus.Publish(ev)
}

// MarkTaskFailed records a debt for a task from outside the executor path
// (e.g. an admin command).
func (s *Scheduler) MarkTaskFailed(runID, taskID string, ft FailureType, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return errors.Errorf("scheduler: unknown run %s", runID)
	}
	task := run.dag.Task(taskID)
	if task == nil {
		return errors.Errorf("scheduler: unknown task %s", taskID)
	}
	if task.Status != TaskStatusFailed {
		s.transition(run, task, TaskStatusFailed)
	}
	s.markTaskFailedLocked(run, task, ft, errMsg)
	return nil
}

// markTaskFailedLocked records the debt before the run status changes, per
// the ordering contract, then cascades for Blocking failures.
func (s *Scheduler) markTaskFailedLocked(run *DagRun, task *Task, ft FailureType, errMsg string) {
	run.debts.record(run.ID, task.ID, ft, errMsg)

	if ft == FailureBlocking {
		for _, i := range run.dag.transitiveDependents(task.ID) {
			dep := run.dag.tasks[i]
			if dep.Status == TaskStatusPending || dep.Status == TaskStatusReady || dep.Status == TaskStatusBlocked {
				s.transition(run, dep, TaskStatusSkipped)
				dep.Error = "skipped: blocking debt on upstream " + task.ID
			}
		}
		run.Status = RunStatusPaused
		s.logger.Warn("blocking debt recorded, run paused", "run_id", run.ID, "task_id", task.ID)
		return
	}
	// Ignorable: dependents stay Pending until the debt is resolved.
	s.deriveRunStatusLocked(run)
}

// ResolveDebt marks a debt resolved. For Blocking debts with resume=true,
// transitive dependents re-enter Pending and the loop re-evaluates.
func (s *Scheduler) ResolveDebt(runID, taskID string, resume bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return errors.Errorf("scheduler: unknown run %s", runID)
	}
	entry := run.debts.resolve(taskID)
	if entry == nil {
		return errors.Errorf("scheduler: no open debt for task %s", taskID)
	}

	if entry.FailureType == FailureBlocking && resume {
		for _, i := range run.dag.transitiveDependents(taskID) {
			dep := run.dag.tasks[i]
			if dep.Status == TaskStatusSkipped {
				s.transition(run, dep, TaskStatusPending)
				dep.Error = ""
				s.arbiter.release(run.ID, dep.ID)
			}
		}
	}
	if !run.debts.hasUnresolvedBlocking() && run.Status == RunStatusPaused && len(run.arbitrationOpen) == 0 {
		run.Status = RunStatusRunning
	}
	s.deriveRunStatusLocked(run)
	s.notifyReady()
	return nil
}

// CancelRun cancels a run: running tasks get their context cancelled,
// timers stop and every live task is skipped.
func (s *Scheduler) CancelRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return errors.Errorf("scheduler: unknown run %s", runID)
	}
	run.cancel()
	run.cancelled = true
	s.arbiter.cancelRun(runID)
	for _, task := range run.dag.tasks {
		if !task.Status.IsTerminal() {
			s.transition(run, task, TaskStatusSkipped)
			task.Error = "run cancelled"
		}
	}
	run.Status = RunStatusFailed
	s.logger.Info("dag run cancelled", "run_id", runID)
	return nil
}

// ArchiveRun removes a terminal run from the scheduler.
func (s *Scheduler) ArchiveRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return errors.Errorf("scheduler: unknown run %s", runID)
	}
	if run.Status == RunStatusRunning || run.Status == RunStatusPaused {
		return errors.Errorf("scheduler: run %s is %s, not terminal", runID, run.Status)
	}
	run.cancel()
	delete(s.runs, runID)
	return nil
}

// RunReport is a point-in-time snapshot of a run.
type RunReport struct {
	RunID     string
	Status    RunStatus
	StartedAt time.Time
	Tasks     map[string]TaskStatus
	Debts     []DebtEntry
}

// Report snapshots a run for callers outside the loop.
func (s *Scheduler) Report(runID string) (*RunReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, errors.Errorf("scheduler: unknown run %s", runID)
	}
	report := &RunReport{
		RunID:     run.ID,
		Status:    run.Status,
		StartedAt: run.StartedAt,
		Tasks:     make(map[string]TaskStatus, run.dag.Len()),
		Debts:     run.debts.snapshot(),
	}
	for _, task := range run.dag.tasks {
		report.Tasks[task.ID] = task.Status
	}
	return report, nil
}

// transition applies a status change, enforcing the state machine. An
// illegal transition is a bug; it is logged and refused rather than
// corrupting the run.
func (s *Scheduler) transition(run *DagRun, task *Task, to TaskStatus) {
	if !transitionAllowed(task.Status, to) {
		s.logger.Error("illegal task transition refused",
			"run_id", run.ID, "task_id", task.ID, "from", task.Status, "to", to)
		return
	}
	task.Status = to
}

// deriveRunStatusLocked recomputes the aggregate run status.
func (s *Scheduler) deriveRunStatusLocked(run *DagRun) {
	if run.cancelled {
		run.Status = RunStatusFailed
		return
	}
	if run.debts.hasUnresolvedBlocking() || len(run.arbitrationOpen) > 0 {
		run.Status = RunStatusPaused
		return
	}
	if !run.dag.Completed() {
		run.Status = RunStatusRunning
		return
	}
	for _, task := range run.dag.tasks {
		// A failed task whose debt was resolved counts as an accepted
		// failure, not an unrecoverable one.
		if task.Status == TaskStatusFailed && !run.debts.resolvedSatisfies(task.ID) {
			run.Status = RunStatusFailed
			return
		}
	}
	run.Status = RunStatusCompleted
}

// taxonomyOf maps an executor error to its failure-domain tag.
func taxonomyOf(err error) string {
	type tagged interface{ Taxonomy() string }
	var t tagged
	if errors.As(err, &t) {
		return t.Taxonomy()
	}
	return "runtime"
}
