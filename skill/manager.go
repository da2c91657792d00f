package skill

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/MoSiYuan/cis/scheduler"
)

// Runtime executes invocations for one skill type. The WASM sandbox and the
// native agent pool both implement it.
type Runtime interface {
	Invoke(ctx context.Context, manifest *Manifest, method string, params map[string]string) (string, error)
}

// Manager implements scheduler.Executor: it resolves the task's skill in
// the registry and routes to the runtime for its type.
type Manager struct {
	registry *Registry
	runtimes map[Type]Runtime
	logger   *slog.Logger
}

// NewManager wires runtimes to the registry. Missing runtimes are allowed;
// invoking a skill of that type returns a typed error rather than a
// placeholder success.
func NewManager(registry *Registry, runtimes map[Type]Runtime, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{registry: registry, runtimes: runtimes, logger: logger}
}

// Registry exposes the manifest registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Execute implements scheduler.Executor.
func (m *Manager) Execute(ctx context.Context, inv scheduler.Invocation) (string, error) {
	manifest, err := m.registry.Get(inv.Skill.SkillID)
	if err != nil {
		return "", err
	}

	runtime, ok := m.runtimes[manifest.Type]
	if !ok {
		return "", errors.Errorf("skill: no runtime available for type %q", manifest.Type)
	}

	params := make(map[string]string, len(manifest.DefaultParams)+len(inv.Skill.Params))
	for k, v := range manifest.DefaultParams {
		params[k] = v
	}
	for k, v := range inv.Skill.Params {
		params[k] = v
	}

	m.logger.Debug("dispatching skill invocation",
		"run_id", inv.RunID, "task_id", inv.TaskID,
		"skill", manifest.ID, "type", manifest.Type, "method", inv.Skill.Method)

	output, err := runtime.Invoke(ctx, manifest, inv.Skill.Method, params)
	if err != nil {
		return "", errors.Wrapf(err, "skill %s", manifest.ID)
	}
	return output, nil
}
