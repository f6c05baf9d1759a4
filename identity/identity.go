package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

// ErrUserNotFound is returned when a requested user does not exist.
var ErrUserNotFound = errors.New("user not found")

// Directory is the engine's view of the user directory. User IDs are
// opaque; the engine never interprets them.
type Directory interface {
	// FindUserByID returns one user by ID.
	FindUserByID(ctx context.Context, id uint64) (types.User, error)

	// FindUsersByRole returns the active users holding a role.
	FindUsersByRole(ctx context.Context, role string) ([]types.User, error)

	// FindUsersByDepartment returns the active users of a department.
	FindUsersByDepartment(ctx context.Context, departmentID uint64) ([]types.User, error)
}

// MemoryDirectory is an in-memory Directory for embedding and tests.
type MemoryDirectory struct {
	users map[uint64]types.User
	mu    sync.RWMutex
}

// NewMemoryDirectory creates a MemoryDirectory seeded with the given users.
func NewMemoryDirectory(users ...types.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[uint64]types.User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// AddUser adds or replaces a directory entry.
func (d *MemoryDirectory) AddUser(u types.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// FindUserByID returns one user by ID.
func (d *MemoryDirectory) FindUserByID(ctx context.Context, id uint64) (types.User, error) {
	select {
	case <-ctx.Done():
		return types.User{}, ctx.Err()
	default:
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return types.User{}, fmt.Errorf("%w: id=%d", ErrUserNotFound, id)
	}
	return u, nil
}

// FindUsersByRole returns the active users holding a role.
func (d *MemoryDirectory) FindUsersByRole(ctx context.Context, role string) ([]types.User, error) {
	return d.find(ctx, func(u types.User) bool { return u.Role == role })
}

// FindUsersByDepartment returns the active users of a department.
func (d *MemoryDirectory) FindUsersByDepartment(ctx context.Context, departmentID uint64) ([]types.User, error) {
	return d.find(ctx, func(u types.User) bool { return u.Department == departmentID })
}

func (d *MemoryDirectory) find(ctx context.Context, match func(types.User) bool) ([]types.User, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.User
	for _, u := range d.users {
		if u.Active && match(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
