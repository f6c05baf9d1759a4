package modules

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Statuses written back to business records on terminal transitions.
const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusDraft    = "draft"
)

// ErrModuleNotRegistered is returned when no store is registered for a
// module type.
var ErrModuleNotRegistered = errors.New("module store not registered")

// Store is the write-back contract one business module (contracts,
// opportunities, invoices, ...) exposes to the engine.
type Store interface {
	// UpdateStatus writes the approval outcome to a business record.
	UpdateStatus(ctx context.Context, moduleID uint64, status string) error
}

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, moduleID uint64, status string) error

// UpdateStatus implements the Store interface.
func (f StoreFunc) UpdateStatus(ctx context.Context, moduleID uint64, status string) error {
	return f(ctx, moduleID, status)
}

// Registry holds one Store per module type.
type Registry struct {
	stores map[string]Store
	mu     sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]Store)}
}

// Register registers a store for a module type.
func (r *Registry) Register(moduleType string, store Store) error {
	if moduleType == "" || store == nil {
		return errors.New("module type and store are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[moduleType] = store
	return nil
}

// UpdateStatus routes a write-back to the module type's store.
func (r *Registry) UpdateStatus(ctx context.Context, moduleType string, moduleID uint64, status string) error {
	r.mu.RLock()
	store, ok := r.stores[moduleType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotRegistered, moduleType)
	}
	return store.UpdateStatus(ctx, moduleID, status)
}
