package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage
// interface. Every write is atomic under one RWMutex.
type MemoryStorage struct {
	definitions   map[uint64]types.Definition
	instances     map[uint64]types.Instance
	nodeInstances map[uint64]types.NodeInstance
	tasks         map[uint64]types.Task
	history       map[uint64][]types.HistoryEntry // keyed by instance ID
	mu            sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions:   make(map[uint64]types.Definition),
		instances:     make(map[uint64]types.Instance),
		nodeInstances: make(map[uint64]types.NodeInstance),
		tasks:         make(map[uint64]types.Task),
		history:       make(map[uint64][]types.HistoryEntry),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// putItem is a standalone generic helper function.
func putItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, item T) error {
	return withContextError(ctx, func() error {
		mu.Lock()
		defer mu.Unlock()
		m[id] = item
		return nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return putItem(ctx, &s.mu, s.definitions, def.ID, def)
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
}

// FindActiveDefinitions returns active definitions for a module type,
// ordered by priority descending.
func (s *MemoryStorage) FindActiveDefinitions(ctx context.Context, moduleType string) ([]types.Definition, error) {
	return withContext(ctx, func() ([]types.Definition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Definition
		for _, def := range s.definitions {
			if def.Active && def.ModuleType == moduleType {
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
	})
}

// SaveInstance saves a workflow instance to memory.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return putItem(ctx, &s.mu, s.instances, inst.ID, inst)
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
}

// SaveNodeInstance saves a node instance to memory.
func (s *MemoryStorage) SaveNodeInstance(ctx context.Context, ni types.NodeInstance) error {
	return putItem(ctx, &s.mu, s.nodeInstances, ni.ID, ni)
}

// GetNodeInstance retrieves a node instance from memory.
func (s *MemoryStorage) GetNodeInstance(ctx context.Context, id uint64) (types.NodeInstance, error) {
	return getItem(ctx, &s.mu, s.nodeInstances, id, ErrNodeInstanceNotFound)
}

// FindNodeInstances returns every node instance of an instance,
// ordered by ID (creation order).
func (s *MemoryStorage) FindNodeInstances(ctx context.Context, instanceID uint64) ([]types.NodeInstance, error) {
	return withContext(ctx, func() ([]types.NodeInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.NodeInstance
		for _, ni := range s.nodeInstances {
			if ni.InstanceID == instanceID {
				out = append(out, ni)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveTask saves a task to memory.
func (s *MemoryStorage) SaveTask(ctx context.Context, task types.Task) error {
	return putItem(ctx, &s.mu, s.tasks, task.ID, task)
}

// GetTask retrieves a task from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getItem(ctx, &s.mu, s.tasks, id, ErrTaskNotFound)
}

func (s *MemoryStorage) findTasks(ctx context.Context, match func(types.Task) bool) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Task
		for _, task := range s.tasks {
			if match(task) {
				out = append(out, task)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// FindTasksByInstance returns every task of an instance.
func (s *MemoryStorage) FindTasksByInstance(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return s.findTasks(ctx, func(t types.Task) bool { return t.InstanceID == instanceID })
}

// FindTasksByNodeInstance returns every task of a node instance.
func (s *MemoryStorage) FindTasksByNodeInstance(ctx context.Context, nodeInstanceID uint64) ([]types.Task, error) {
	return s.findTasks(ctx, func(t types.Task) bool { return t.NodeInstanceID == nodeInstanceID })
}

// FindTasksByAssignee returns an assignee's tasks, optionally filtered
// by status.
func (s *MemoryStorage) FindTasksByAssignee(ctx context.Context, assigneeID uint64, status string) ([]types.Task, error) {
	return s.findTasks(ctx, func(t types.Task) bool {
		return t.AssigneeID == assigneeID && (status == "" || t.Status == status)
	})
}

// AppendHistory appends one entry to an instance's ledger.
func (s *MemoryStorage) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.history[entry.InstanceID] = append(s.history[entry.InstanceID], entry)
		return nil
	})
}

// FindHistory returns an instance's ledger entries in append order.
func (s *MemoryStorage) FindHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	return withContext(ctx, func() ([]types.HistoryEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		entries := s.history[instanceID]
		out := make([]types.HistoryEntry, len(entries))
		copy(out, entries)
		return out, nil
	})
}

// Transact runs fn against a staged view and commits its writes only
// when fn returns nil.
func (s *MemoryStorage) Transact(ctx context.Context, fn func(Storage) error) error {
	tx := newTxStorage(s)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.flush(ctx)
}

// ClearTerminated removes instances in a terminal state together with
// their node instances, tasks and history.
func (s *MemoryStorage) ClearTerminated(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, inst := range s.instances {
			if inst.Status == types.InstanceRunning {
				continue
			}
			delete(s.instances, id)
			delete(s.history, id)
			for niID, ni := range s.nodeInstances {
				if ni.InstanceID == id {
					delete(s.nodeInstances, niID)
				}
			}
			for taskID, task := range s.tasks {
				if task.InstanceID == id {
					delete(s.tasks, taskID)
				}
			}
		}
		return nil
	})
}
