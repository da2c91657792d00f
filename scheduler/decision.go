package scheduler

import (
	"time"
)

// Permission is the decision gate's verdict for a ready task: a tagged
// union over the four decision levels.
type Permission interface {
	isPermission()
}

// AutoApprove dispatches the task immediately.
type AutoApprove struct{}

// Countdown arms a timer; DefaultAction applies when it elapses without an
// operator decision.
type Countdown struct {
	Seconds       uint16
	DefaultAction Action
}

// NeedsConfirmation holds the task until an explicit Approve or Reject.
type NeedsConfirmation struct{}

// NeedsArbitration pauses the run until an enumerated stakeholder decides.
type NeedsArbitration struct {
	Stakeholders []string
}

func (AutoApprove) isPermission()       {}
func (Countdown) isPermission()         {}
func (NeedsConfirmation) isPermission() {}
func (NeedsArbitration) isPermission()  {}

// CheckTaskPermission maps a task's decision level to the gate verdict.
func CheckTaskPermission(task *Task) Permission {
	switch level := task.level().(type) {
	case Mechanical:
		return AutoApprove{}
	case Recommended:
		return Countdown{Seconds: level.TimeoutSecs, DefaultAction: level.DefaultAction}
	case Confirmed:
		return NeedsConfirmation{}
	case Arbitrated:
		return NeedsArbitration{Stakeholders: level.Stakeholders}
	default:
		return AutoApprove{}
	}
}

// Decision is an operator's verdict on a pending task.
type Decision struct {
	RunID   string
	TaskID  string
	Actor   string
	Approve bool
}

// PendingDecision is published on the decision channel when a task waits
// for operator input.
type PendingDecision struct {
	RunID        string
	TaskID       string
	Level        TaskLevel
	Stakeholders []string // non-empty for Arbitrated tasks
	Deadline     time.Time
	RaisedAt     time.Time
}

// decisionArbiter guarantees at most one of (countdown default, operator
// decision) is applied per task. The run loop owns it; claim is called from
// both the timer callback and the decision path, and only the first wins.
type decisionArbiter struct {
	claimed map[string]bool // runID + "\x00" + taskID
	timers  map[string]*time.Timer
}

func newDecisionArbiter() *decisionArbiter {
	return &decisionArbiter{
		claimed: make(map[string]bool),
		timers:  make(map[string]*time.Timer),
	}
}

func arbiterKey(runID, taskID string) string {
	return runID + "\x00" + taskID
}

// claim returns true exactly once per (run, task); later claimants lose.
func (a *decisionArbiter) claim(runID, taskID string) bool {
	key := arbiterKey(runID, taskID)
	if a.claimed[key] {
		return false
	}
	a.claimed[key] = true
	if t, ok := a.timers[key]; ok {
		t.Stop()
		delete(a.timers, key)
	}
	return true
}

// armed reports whether a timer is already armed for the task or its
// decision has already been claimed.
func (a *decisionArbiter) armed(runID, taskID string) bool {
	_, ok := a.timers[arbiterKey(runID, taskID)]
	return ok || a.claimed[arbiterKey(runID, taskID)]
}

func (a *decisionArbiter) arm(runID, taskID string, d time.Duration, fire func()) {
	a.timers[arbiterKey(runID, taskID)] = time.AfterFunc(d, fire)
}

// cancelRun stops every timer belonging to runID.
func (a *decisionArbiter) cancelRun(runID string) {
	prefix := runID + "\x00"
	for key, t := range a.timers {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			t.Stop()
			delete(a.timers, key)
		}
	}
}

// release forgets a claim and any armed timer so a task re-entering Ready
// (debt resume) can be gated again.
func (a *decisionArbiter) release(runID, taskID string) {
	key := arbiterKey(runID, taskID)
	delete(a.claimed, key)
	if t, ok := a.timers[key]; ok {
		t.Stop()
		delete(a.timers, key)
	}
}
