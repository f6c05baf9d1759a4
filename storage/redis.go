package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionPrefix   = "definition:"
	instancePrefix     = "instance:"
	nodeInstancePrefix = "nodeinstance:"
	taskPrefix         = "task:"

	moduleDefsKey    = "definitions:module:" // set of definition IDs per module type
	instanceNodesKey = "instance:%d:nodes"   // set of node instance IDs
	instanceTasksKey = "instance:%d:tasks"   // set of task IDs
	nodeTasksKey     = "nodeinstance:%d:tasks"
	assigneeTasksKey = "assignee:%d:tasks"
	historyKey       = "instance:%d:history" // list of entries in append order
)

// ErrNotFound is returned when a requested resource is not found.
var ErrNotFound = errors.New("resource not found")

// RedisStorage is a Redis-backed implementation of the Storage
// interface. Entities are JSON values under prefixed keys; the list
// queries the engine needs are served by index sets maintained on
// every save.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// saveToRedis saves a value to Redis with the given key prefix and ID.
func (s *RedisStorage) saveToRedis(ctx context.Context, prefix string, id uint64, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%d: %v", prefix, id, err)
		}
		key := fmt.Sprintf("%s%d", prefix, id)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value from Redis with the given key prefix and ID.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix string, id uint64) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := fmt.Sprintf("%s%d", prefix, id)
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// getManyFromRedis fetches the members of an index set and loads each
// entity, skipping IDs whose value has been deleted.
func getManyFromRedis[T any](ctx context.Context, client *redis.Client, setKey, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		members, err := client.SMembers(ctx, setKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read index %s: %v", setKey, err)
		}

		var out []T
		for _, member := range members {
			id, err := strconv.ParseUint(member, 10, 64)
			if err != nil {
				continue
			}
			item, err := getFromRedis[T](ctx, client, prefix, id)
			if errors.Is(err, ErrNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	})
}

// SaveDefinition saves a definition and indexes it under its module type.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	if err := s.saveToRedis(ctx, definitionPrefix, def.ID, def); err != nil {
		return err
	}
	return s.client.SAdd(ctx, moduleDefsKey+def.ModuleType, def.ID).Err()
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getFromRedis[types.Definition](ctx, s.client, definitionPrefix, id)
}

// FindActiveDefinitions returns active definitions for a module type,
// ordered by priority descending.
func (s *RedisStorage) FindActiveDefinitions(ctx context.Context, moduleType string) ([]types.Definition, error) {
	defs, err := getManyFromRedis[types.Definition](ctx, s.client, moduleDefsKey+moduleType, definitionPrefix)
	if err != nil {
		return nil, err
	}
	out := defs[:0]
	for _, def := range defs {
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

// SaveInstance saves a workflow instance to Redis.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return s.saveToRedis(ctx, instancePrefix, inst.ID, inst)
}

// GetInstance retrieves a workflow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getFromRedis[types.Instance](ctx, s.client, instancePrefix, id)
}

// SaveNodeInstance saves a node instance and indexes it under its instance.
func (s *RedisStorage) SaveNodeInstance(ctx context.Context, ni types.NodeInstance) error {
	if err := s.saveToRedis(ctx, nodeInstancePrefix, ni.ID, ni); err != nil {
		return err
	}
	return s.client.SAdd(ctx, fmt.Sprintf(instanceNodesKey, ni.InstanceID), ni.ID).Err()
}

// GetNodeInstance retrieves a node instance from Redis.
func (s *RedisStorage) GetNodeInstance(ctx context.Context, id uint64) (types.NodeInstance, error) {
	return getFromRedis[types.NodeInstance](ctx, s.client, nodeInstancePrefix, id)
}

// FindNodeInstances returns every node instance of an instance in
// creation order.
func (s *RedisStorage) FindNodeInstances(ctx context.Context, instanceID uint64) ([]types.NodeInstance, error) {
	out, err := getManyFromRedis[types.NodeInstance](ctx, s.client, fmt.Sprintf(instanceNodesKey, instanceID), nodeInstancePrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveTask saves a task and indexes it by instance, node instance and
// assignee using one pipeline.
func (s *RedisStorage) SaveTask(ctx context.Context, task types.Task) error {
	if err := s.saveToRedis(ctx, taskPrefix, task.ID, task); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, fmt.Sprintf(instanceTasksKey, task.InstanceID), task.ID)
	pipe.SAdd(ctx, fmt.Sprintf(nodeTasksKey, task.NodeInstanceID), task.ID)
	pipe.SAdd(ctx, fmt.Sprintf(assigneeTasksKey, task.AssigneeID), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index task %d: %v", task.ID, err)
	}
	return nil
}

// GetTask retrieves a task from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getFromRedis[types.Task](ctx, s.client, taskPrefix, id)
}

// FindTasksByInstance returns every task of an instance.
func (s *RedisStorage) FindTasksByInstance(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return s.sortedTasks(ctx, fmt.Sprintf(instanceTasksKey, instanceID))
}

// FindTasksByNodeInstance returns every task of a node instance.
func (s *RedisStorage) FindTasksByNodeInstance(ctx context.Context, nodeInstanceID uint64) ([]types.Task, error) {
	return s.sortedTasks(ctx, fmt.Sprintf(nodeTasksKey, nodeInstanceID))
}

// FindTasksByAssignee returns an assignee's tasks, optionally filtered
// by status.
func (s *RedisStorage) FindTasksByAssignee(ctx context.Context, assigneeID uint64, status string) ([]types.Task, error) {
	tasks, err := s.sortedTasks(ctx, fmt.Sprintf(assigneeTasksKey, assigneeID))
	if err != nil {
		return nil, err
	}
	if status == "" {
		return tasks, nil
	}
	out := tasks[:0]
	for _, task := range tasks {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *RedisStorage) sortedTasks(ctx context.Context, setKey string) ([]types.Task, error) {
	out, err := getManyFromRedis[types.Task](ctx, s.client, setKey, taskPrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendHistory appends one entry to an instance's ledger list.
func (s *RedisStorage) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry %d: %v", entry.ID, err)
		}
		key := fmt.Sprintf(historyKey, entry.InstanceID)
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to append to %s: %v", key, err)
		}
		return nil
	})
}

// FindHistory returns an instance's ledger entries in append order.
func (s *RedisStorage) FindHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	return withContext(ctx, func() ([]types.HistoryEntry, error) {
		key := fmt.Sprintf(historyKey, instanceID)
		raw, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %v", key, err)
		}
		out := make([]types.HistoryEntry, 0, len(raw))
		for _, item := range raw {
			var entry types.HistoryEntry
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history entry in %s: %v", key, err)
			}
			out = append(out, entry)
		}
		return out, nil
	})
}

// Transact runs fn against a staged view and commits its writes only
// when fn returns nil. The commit replays the staged writes; an error
// inside fn persists nothing.
func (s *RedisStorage) Transact(ctx context.Context, fn func(Storage) error) error {
	tx := newTxStorage(s)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.flush(ctx)
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
