package storage

import (
	"context"
	"sort"

	"github.com/songzhibin97/approval-engine/types"
)

// txStorage stages writes on top of a base Storage. Reads consult the
// staged writes first and fall through to the base; nothing reaches
// the base until flush. A transaction runs on a single goroutine, so
// the staging maps need no locking.
type txStorage struct {
	base          Storage
	definitions   map[uint64]types.Definition
	instances     map[uint64]types.Instance
	nodeInstances map[uint64]types.NodeInstance
	tasks         map[uint64]types.Task
	history       []types.HistoryEntry
}

func newTxStorage(base Storage) *txStorage {
	return &txStorage{
		base:          base,
		definitions:   make(map[uint64]types.Definition),
		instances:     make(map[uint64]types.Instance),
		nodeInstances: make(map[uint64]types.NodeInstance),
		tasks:         make(map[uint64]types.Task),
	}
}

// flush replays the staged writes onto the base store.
func (t *txStorage) flush(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	for _, def := range t.definitions {
		if err := t.base.SaveDefinition(ctx, def); err != nil {
			return err
		}
	}
	for _, inst := range t.instances {
		if err := t.base.SaveInstance(ctx, inst); err != nil {
			return err
		}
	}
	for _, ni := range t.nodeInstances {
		if err := t.base.SaveNodeInstance(ctx, ni); err != nil {
			return err
		}
	}
	for _, task := range t.tasks {
		if err := t.base.SaveTask(ctx, task); err != nil {
			return err
		}
	}
	for _, entry := range t.history {
		if err := t.base.AppendHistory(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// SaveDefinition stages a definition write.
func (t *txStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		t.definitions[def.ID] = def
		return nil
	})
}

// GetDefinition reads a definition, staged first.
func (t *txStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	if def, ok := t.definitions[id]; ok {
		return def, nil
	}
	return t.base.GetDefinition(ctx, id)
}

// FindActiveDefinitions merges staged definitions into the base query
// result, ordered by priority descending.
func (t *txStorage) FindActiveDefinitions(ctx context.Context, moduleType string) ([]types.Definition, error) {
	base, err := t.base.FindActiveDefinitions(ctx, moduleType)
	if err != nil {
		return nil, err
	}
	merged := make(map[uint64]types.Definition, len(base))
	for _, def := range base {
		merged[def.ID] = def
	}
	for id, def := range t.definitions {
		if def.ModuleType == moduleType {
			merged[id] = def
		} else {
			delete(merged, id)
		}
	}
	var out []types.Definition
	for _, def := range merged {
		if def.Active {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveInstance stages an instance write.
func (t *txStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		t.instances[inst.ID] = inst
		return nil
	})
}

// GetInstance reads an instance, staged first.
func (t *txStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	if inst, ok := t.instances[id]; ok {
		return inst, nil
	}
	return t.base.GetInstance(ctx, id)
}

// SaveNodeInstance stages a node instance write.
func (t *txStorage) SaveNodeInstance(ctx context.Context, ni types.NodeInstance) error {
	return withContextError(ctx, func() error {
		t.nodeInstances[ni.ID] = ni
		return nil
	})
}

// GetNodeInstance reads a node instance, staged first.
func (t *txStorage) GetNodeInstance(ctx context.Context, id uint64) (types.NodeInstance, error) {
	if ni, ok := t.nodeInstances[id]; ok {
		return ni, nil
	}
	return t.base.GetNodeInstance(ctx, id)
}

// FindNodeInstances merges staged node instances into the base query
// result, ordered by ID.
func (t *txStorage) FindNodeInstances(ctx context.Context, instanceID uint64) ([]types.NodeInstance, error) {
	base, err := t.base.FindNodeInstances(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	merged := make(map[uint64]types.NodeInstance, len(base))
	for _, ni := range base {
		merged[ni.ID] = ni
	}
	for id, ni := range t.nodeInstances {
		if ni.InstanceID == instanceID {
			merged[id] = ni
		}
	}
	out := make([]types.NodeInstance, 0, len(merged))
	for _, ni := range merged {
		out = append(out, ni)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveTask stages a task write.
func (t *txStorage) SaveTask(ctx context.Context, task types.Task) error {
	return withContextError(ctx, func() error {
		t.tasks[task.ID] = task
		return nil
	})
}

// GetTask reads a task, staged first.
func (t *txStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	if task, ok := t.tasks[id]; ok {
		return task, nil
	}
	return t.base.GetTask(ctx, id)
}

// mergeTasks overlays staged tasks on a base query result and
// re-applies the query predicate, so a task whose staged version moved
// out of the result set (status or assignee changed) drops out and a
// freshly staged task joins in.
func (t *txStorage) mergeTasks(base []types.Task, match func(types.Task) bool) []types.Task {
	merged := make(map[uint64]types.Task, len(base))
	for _, task := range base {
		merged[task.ID] = task
	}
	for id, task := range t.tasks {
		merged[id] = task
	}
	var out []types.Task
	for _, task := range merged {
		if match(task) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindTasksByInstance returns every task of an instance.
func (t *txStorage) FindTasksByInstance(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	base, err := t.base.FindTasksByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return t.mergeTasks(base, func(task types.Task) bool { return task.InstanceID == instanceID }), nil
}

// FindTasksByNodeInstance returns every task of a node instance.
func (t *txStorage) FindTasksByNodeInstance(ctx context.Context, nodeInstanceID uint64) ([]types.Task, error) {
	base, err := t.base.FindTasksByNodeInstance(ctx, nodeInstanceID)
	if err != nil {
		return nil, err
	}
	return t.mergeTasks(base, func(task types.Task) bool { return task.NodeInstanceID == nodeInstanceID }), nil
}

// FindTasksByAssignee returns an assignee's tasks, optionally filtered
// by status. The base is queried unfiltered so that staged status and
// assignee changes are applied before filtering.
func (t *txStorage) FindTasksByAssignee(ctx context.Context, assigneeID uint64, status string) ([]types.Task, error) {
	base, err := t.base.FindTasksByAssignee(ctx, assigneeID, "")
	if err != nil {
		return nil, err
	}
	return t.mergeTasks(base, func(task types.Task) bool {
		return task.AssigneeID == assigneeID && (status == "" || task.Status == status)
	}), nil
}

// AppendHistory stages one ledger append.
func (t *txStorage) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		t.history = append(t.history, entry)
		return nil
	})
}

// FindHistory returns base entries followed by the staged appends for
// the instance.
func (t *txStorage) FindHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	base, err := t.base.FindHistory(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := make([]types.HistoryEntry, len(base), len(base)+len(t.history))
	copy(out, base)
	for _, entry := range t.history {
		if entry.InstanceID == instanceID {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Transact joins a nested transaction onto the current staging.
func (t *txStorage) Transact(ctx context.Context, fn func(Storage) error) error {
	return fn(t)
}
