package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-engine/types"
)

// Errors
var (
	ErrDefinitionNotFound   = errors.New("definition not found")
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrNodeInstanceNotFound = errors.New("node instance not found")
	ErrTaskNotFound         = errors.New("task not found")
)

// Storage defines the interface for persisting and retrieving all
// engine entities. History is append-only: there is no update or
// delete for entries.
type Storage interface {
	// SaveDefinition upserts a definition with its embedded nodes,
	// routes and trigger rules.
	SaveDefinition(ctx context.Context, def types.Definition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.Definition, error)

	// FindActiveDefinitions returns the active definitions for a
	// module type ordered by priority descending.
	FindActiveDefinitions(ctx context.Context, moduleType string) ([]types.Definition, error)

	// SaveInstance saves a workflow instance.
	SaveInstance(ctx context.Context, inst types.Instance) error

	// GetInstance retrieves a workflow instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)

	// SaveNodeInstance saves a node instance.
	SaveNodeInstance(ctx context.Context, ni types.NodeInstance) error

	// GetNodeInstance retrieves a node instance by ID.
	GetNodeInstance(ctx context.Context, id uint64) (types.NodeInstance, error)

	// FindNodeInstances returns every node instance of an instance.
	FindNodeInstances(ctx context.Context, instanceID uint64) ([]types.NodeInstance, error)

	// SaveTask saves a task.
	SaveTask(ctx context.Context, task types.Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id uint64) (types.Task, error)

	// FindTasksByInstance returns every task of an instance.
	FindTasksByInstance(ctx context.Context, instanceID uint64) ([]types.Task, error)

	// FindTasksByNodeInstance returns every task of a node instance.
	FindTasksByNodeInstance(ctx context.Context, nodeInstanceID uint64) ([]types.Task, error)

	// FindTasksByAssignee returns an assignee's tasks, filtered by
	// status when status is non-empty.
	FindTasksByAssignee(ctx context.Context, assigneeID uint64, status string) ([]types.Task, error)

	// AppendHistory appends one entry to the audit ledger.
	AppendHistory(ctx context.Context, entry types.HistoryEntry) error

	// FindHistory returns an instance's ledger entries in append order.
	FindHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error)

	// Transact runs fn against a staged view of the store. Writes made
	// through the view are buffered and reach the store only when fn
	// returns nil; a non-nil error discards every staged write. Reads
	// inside fn see the staged writes.
	Transact(ctx context.Context, fn func(Storage) error) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
