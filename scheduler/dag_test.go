package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string, deps ...string) *Task {
	return &Task{ID: id, Dependencies: deps}
}

func TestNewDAGValid(t *testing.T) {
	d, err := NewDAG([]*Task{task("a"), task("b", "a"), task("c", "a", "b")})
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())
	for _, tk := range d.Tasks() {
		assert.Equal(t, TaskStatusPending, tk.Status)
	}
}

func TestNewDAGRejectsDuplicateID(t *testing.T) {
	_, err := NewDAG([]*Task{task("a"), task("a")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestNewDAGRejectsMissingDependency(t *testing.T) {
	_, err := NewDAG([]*Task{task("a", "ghost")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
}

func TestNewDAGRejectsSelfDependency(t *testing.T) {
	_, err := NewDAG([]*Task{task("a", "a")})
	assert.Error(t, err)
}

func TestNewDAGRejectsCycle(t *testing.T) {
	_, err := NewDAG([]*Task{task("a", "c"), task("b", "a"), task("c", "b")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestNewDAGRejectsEmptyID(t *testing.T) {
	_, err := NewDAG([]*Task{task("")})
	assert.Error(t, err)
}

func TestReadySetLexicographicOrder(t *testing.T) {
	d, err := NewDAG([]*Task{task("zebra"), task("alpha"), task("mango")})
	require.NoError(t, err)

	ready := d.readySet(newDebtLedger())
	require.Len(t, ready, 3)
	assert.Equal(t, "alpha", d.tasks[ready[0]].ID)
	assert.Equal(t, "mango", d.tasks[ready[1]].ID)
	assert.Equal(t, "zebra", d.tasks[ready[2]].ID)
}

func TestReadySetRespectsDependencies(t *testing.T) {
	d, err := NewDAG([]*Task{task("a"), task("b", "a")})
	require.NoError(t, err)
	debts := newDebtLedger()

	ready := d.readySet(debts)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", d.tasks[ready[0]].ID)

	d.Task("a").Status = TaskStatusCompleted
	ready = d.readySet(debts)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", d.tasks[ready[0]].ID)
}

func TestReadySetResolvedIgnorableDebtSatisfies(t *testing.T) {
	d, err := NewDAG([]*Task{task("a"), task("b", "a")})
	require.NoError(t, err)
	debts := newDebtLedger()

	d.Task("a").Status = TaskStatusFailed
	debts.record("run", "a", FailureIgnorable, "boom")

	// Unresolved Ignorable debt leaves b Pending.
	assert.Empty(t, d.readySet(debts))

	debts.resolve("a")
	ready := d.readySet(debts)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", d.tasks[ready[0]].ID)
}

func TestTransitiveDependents(t *testing.T) {
	d, err := NewDAG([]*Task{task("a"), task("b", "a"), task("c", "b"), task("d")})
	require.NoError(t, err)

	deps := d.transitiveDependents("a")
	ids := make(map[string]bool)
	for _, i := range deps {
		ids[d.tasks[i].ID] = true
	}
	assert.True(t, ids["b"])
	assert.True(t, ids["c"])
	assert.False(t, ids["d"])
	assert.False(t, ids["a"])
}

func TestStateMachineTransitions(t *testing.T) {
	allowed := []struct{ from, to TaskStatus }{
		{TaskStatusPending, TaskStatusReady},
		{TaskStatusReady, TaskStatusRunning},
		{TaskStatusRunning, TaskStatusCompleted},
		{TaskStatusRunning, TaskStatusFailed},
		{TaskStatusFailed, TaskStatusRunning}, // Mechanical retry
		{TaskStatusPending, TaskStatusSkipped},
		{TaskStatusSkipped, TaskStatusPending}, // blocking-debt resume
	}
	for _, tc := range allowed {
		assert.True(t, transitionAllowed(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	forbidden := []struct{ from, to TaskStatus }{
		{TaskStatusPending, TaskStatusRunning},
		{TaskStatusPending, TaskStatusCompleted},
		{TaskStatusCompleted, TaskStatusRunning},
		{TaskStatusCompleted, TaskStatusFailed},
		{TaskStatusSkipped, TaskStatusRunning},
	}
	for _, tc := range forbidden {
		assert.False(t, transitionAllowed(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestDebtLedger(t *testing.T) {
	l := newDebtLedger()

	e := l.record("run", "a", FailureBlocking, "boom")
	assert.False(t, e.Resolved)
	assert.True(t, l.hasUnresolvedBlocking())
	assert.NotNil(t, l.openDebt("a"))

	// Re-recording the same task's failure updates the open entry.
	l.record("run", "a", FailureBlocking, "boom again")
	assert.Len(t, l.snapshot(), 1)

	resolved := l.resolve("a")
	require.NotNil(t, resolved)
	assert.True(t, resolved.Resolved)
	assert.False(t, l.hasUnresolvedBlocking())
	assert.Nil(t, l.resolve("a"), "double resolve returns nil")

	// The entry is never deleted.
	assert.Len(t, l.snapshot(), 1)
}
