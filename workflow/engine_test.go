package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/identity"
	"github.com/songzhibin97/approval-engine/modules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

// recordingStore captures module write-backs.
type recordingStore struct {
	mu       sync.Mutex
	statuses map[uint64]string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{statuses: make(map[uint64]string)}
}

func (r *recordingStore) UpdateStatus(ctx context.Context, moduleID uint64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[moduleID] = status
	return nil
}

func (r *recordingStore) status(moduleID uint64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[moduleID]
}

func testDirectory() *identity.MemoryDirectory {
	return identity.NewMemoryDirectory(
		types.User{ID: 1, Name: "Ada", Active: true},
		types.User{ID: 5, Name: "Bob", Role: "manager", Active: true},
		types.User{ID: 7, Name: "Carol", Role: "manager", Active: true},
		types.User{ID: 9, Name: "Dana", Role: "director", Department: 3, Active: true},
		types.User{ID: 11, Name: "Eve", Department: 3, Active: true},
	)
}

func newTestEngine(t *testing.T) (*Engine, *recordingStore) {
	t.Helper()
	engine, err := NewEngine(&MockGenerator{id: 10000}, storage.NewMemoryStorage(), testDirectory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	store := newRecordingStore()
	require.NoError(t, engine.RegisterModuleStore("contract", store))
	return engine, store
}

// linearDefinition builds start -> one approval node -> end.
func linearDefinition(id uint64, approvalType string, approvers ...types.ApproverSpec) types.Definition {
	return types.Definition{
		ID:          id,
		Name:        "Contract Approval",
		Code:        "contract_default",
		ModuleType:  "contract",
		Active:      true,
		Priority:    10,
		StartNodeID: 1,
		Nodes: []types.Node{
			{ID: 1, DefinitionID: id, Key: "start", Type: types.NodeTypeStart},
			{ID: 2, DefinitionID: id, Key: "approve_manager", Type: types.NodeTypeApproval, Approval: &types.ApprovalConfig{
				Approvers:    approvers,
				ApprovalType: approvalType,
				DueHours:     48,
				Priority:     "normal",
			}},
			{ID: 3, DefinitionID: id, Key: "end", Type: types.NodeTypeEnd},
		},
		Routes: []types.Route{
			{ID: 1, DefinitionID: id, FromNodeID: 1, ToNodeID: 2, ConditionType: types.RouteAlways, SortOrder: 1},
			{ID: 2, DefinitionID: id, FromNodeID: 2, ToNodeID: 3, ConditionType: types.RouteAlways, SortOrder: 1},
		},
	}
}

func userSpec(value string) types.ApproverSpec {
	return types.ApproverSpec{Type: types.ApproverUser, Value: value}
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine(&MockGenerator{}, storage.NewMemoryStorage(), testDirectory())
	require.NoError(t, err)
	assert.NotNil(t, engine)

	_, err = NewEngine(nil, nil, nil)
	assert.EqualError(t, err, "generator is required")
}

func TestRegisterDefinition(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	t.Run("valid definition", func(t *testing.T) {
		def := linearDefinition(1, types.ApprovalTypeOr, userSpec("5"))
		assert.NoError(t, engine.RegisterDefinition(ctx, def))

		got, err := engine.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "contract_default", got.Code)
	})

	t.Run("missing start node", func(t *testing.T) {
		def := linearDefinition(2, types.ApprovalTypeOr, userSpec("5"))
		def.Nodes[0].Type = types.NodeTypeApproval
		err := engine.RegisterDefinition(ctx, def)
		assert.ErrorIs(t, err, ErrNoStartNode)
	})

	t.Run("duplicate node key", func(t *testing.T) {
		def := linearDefinition(3, types.ApprovalTypeOr, userSpec("5"))
		def.Nodes[2].Key = "start"
		assert.Error(t, engine.RegisterDefinition(ctx, def))
	})

	t.Run("route to foreign node", func(t *testing.T) {
		def := linearDefinition(4, types.ApprovalTypeOr, userSpec("5"))
		def.Routes[1].ToNodeID = 99
		assert.Error(t, engine.RegisterDefinition(ctx, def))
	})

	t.Run("duplicate active code", func(t *testing.T) {
		def := linearDefinition(5, types.ApprovalTypeOr, userSpec("5"))
		def.Code = "contract_default" // already active as definition 1
		assert.Error(t, engine.RegisterDefinition(ctx, def))
	})
}

func TestFindMatchingDefinition(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	big := linearDefinition(1, types.ApprovalTypeOr, userSpec("9"))
	big.Code = "contract_big"
	big.Priority = 100
	big.TriggerRules = []types.TriggerRule{
		{Field: "amount", Operator: types.OpGt, Value: 10000, SortOrder: 1},
	}
	require.NoError(t, engine.RegisterDefinition(ctx, big))

	fallback := linearDefinition(2, types.ApprovalTypeOr, userSpec("5"))
	fallback.Code = "contract_any"
	fallback.Priority = 1 // no rules: matches unconditionally
	require.NoError(t, engine.RegisterDefinition(ctx, fallback))

	t.Run("higher priority rule match wins", func(t *testing.T) {
		def, err := engine.FindMatchingDefinition(ctx, "contract", map[string]interface{}{"amount": 50000})
		require.NoError(t, err)
		require.NotNil(t, def)
		assert.Equal(t, uint64(1), def.ID)
	})

	t.Run("falls through to unconditional definition", func(t *testing.T) {
		def, err := engine.FindMatchingDefinition(ctx, "contract", map[string]interface{}{"amount": 500})
		require.NoError(t, err)
		require.NotNil(t, def)
		assert.Equal(t, uint64(2), def.ID)
	})

	t.Run("nil when nothing matches", func(t *testing.T) {
		def, err := engine.FindMatchingDefinition(ctx, "invoice", map[string]interface{}{})
		require.NoError(t, err)
		assert.Nil(t, def)
	})
}

// TestLinearWorkflow covers the base scenario: start -> approval(OR,
// approvers 5 and 7) -> end, approved once by 5.
func TestLinearWorkflow(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	def := linearDefinition(1, types.ApprovalTypeOr, userSpec("5"), userSpec("7"))
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.StartWorkflow(ctx, StartOptions{
		DefinitionID: 1,
		ModuleType:   "contract",
		ModuleID:     42,
		InitiatorID:  1,
		Data:         map[string]interface{}{"amount": 5000},
	})
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.Status)
	assert.Equal(t, "approve_manager", inst.CurrentNodeKey)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(5), pending[0].AssigneeID)
	assert.Equal(t, uint64(7), pending[1].AssigneeID)
	assert.Greater(t, pending[0].DueTime, pending[0].CreatedAt)

	taskFor5, taskFor7 := pending[0], pending[1]
	require.NoError(t, engine.HandleTask(ctx, taskFor5.ID, 5, types.ActionApprove, "looks good", HandleOptions{}))

	got, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, got.Status)
	assert.GreaterOrEqual(t, got.Duration, int64(0))
	assert.NotZero(t, got.EndTime)

	// OR semantics: first decision wins, the sibling ends cancelled.
	sibling, err := engine.storage.GetTask(ctx, taskFor7.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, sibling.Status)

	winner, err := engine.storage.GetTask(ctx, taskFor5.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskApproved, winner.Status)
	assert.Equal(t, "looks good", winner.Comment)

	assert.Equal(t, modules.StatusApproved, store.status(42))

	// The ledger reconstructs the path: start, cancel(sibling),
	// approve, node complete, instance complete.
	history, err := engine.InstanceHistory(ctx, inst.ID)
	require.NoError(t, err)
	actions := make([]string, 0, len(history))
	for _, entry := range history {
		actions = append(actions, entry.Action)
	}
	assert.Equal(t, types.ActionStart, actions[0])
	assert.Contains(t, actions, types.ActionApprove)
	assert.Contains(t, actions, types.ActionCancel)
	assert.Equal(t, types.ActionComplete, actions[len(actions)-1])
}

func TestANDApproval(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	def := linearDefinition(1, types.ApprovalTypeAnd, userSpec("5"), userSpec("7"))
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	// First approval is not enough under AND.
	require.NoError(t, engine.HandleTask(ctx, pending[0].ID, 5, types.ActionApprove, "", HandleOptions{}))
	got, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.Status)

	// Unanimous consent completes the node and the instance.
	require.NoError(t, engine.HandleTask(ctx, pending[1].ID, 7, types.ActionApprove, "", HandleOptions{}))
	got, err = engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, got.Status)
}

func TestRejectTerminatesInstance(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	def := linearDefinition(1, types.ApprovalTypeAnd, userSpec("5"), userSpec("7"))
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, engine.HandleTask(ctx, pending[0].ID, 5, types.ActionReject, "terms unacceptable", HandleOptions{}))

	got, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRejected, got.Status)
	assert.Equal(t, modules.StatusRejected, store.status(42))

	// The sibling's pending task is cancelled, never approved.
	sibling, err := engine.storage.GetTask(ctx, pending[1].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, sibling.Status)

	remaining, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

// twoStepDefinition builds start -> a1 -> a2 -> end.
func twoStepDefinition(id uint64) types.Definition {
	return types.Definition{
		ID:          id,
		Name:        "Two Step",
		Code:        "contract_two_step",
		ModuleType:  "contract",
		Active:      true,
		StartNodeID: 1,
		Nodes: []types.Node{
			{ID: 1, DefinitionID: id, Key: "start", Type: types.NodeTypeStart},
			{ID: 2, DefinitionID: id, Key: "a1", Type: types.NodeTypeApproval, Approval: &types.ApprovalConfig{
				Approvers: []types.ApproverSpec{userSpec("5")},
			}},
			{ID: 3, DefinitionID: id, Key: "a2", Type: types.NodeTypeApproval, Approval: &types.ApprovalConfig{
				Approvers: []types.ApproverSpec{userSpec("7")},
			}},
			{ID: 4, DefinitionID: id, Key: "end", Type: types.NodeTypeEnd},
		},
		Routes: []types.Route{
			{ID: 1, DefinitionID: id, FromNodeID: 1, ToNodeID: 2, ConditionType: types.RouteAlways},
			{ID: 2, DefinitionID: id, FromNodeID: 2, ToNodeID: 3, ConditionType: types.RouteAlways},
			{ID: 3, DefinitionID: id, FromNodeID: 3, ToNodeID: 4, ConditionType: types.RouteAlways},
		},
	}
}

func TestReturnToEarlierNode(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RegisterDefinition(ctx, twoStepDefinition(1)))

	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	// Walk to a2.
	first, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, engine.HandleTask(ctx, first[0].ID, 5, types.ActionApprove, "", HandleOptions{}))

	second, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, uint64(7), second[0].AssigneeID)

	t.Run("missing target fails without mutation", func(t *testing.T) {
		err := engine.HandleTask(ctx, second[0].ID, 7, types.ActionReturn, "", HandleOptions{})
		assert.ErrorIs(t, err, ErrMissingReturnTarget)

		task, err := engine.storage.GetTask(ctx, second[0].ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskPending, task.Status)
	})

	t.Run("unknown target fails", func(t *testing.T) {
		err := engine.HandleTask(ctx, second[0].ID, 7, types.ActionReturn, "", HandleOptions{ReturnToNodeKey: "nope"})
		assert.ErrorIs(t, err, ErrReturnTargetNotFound)
	})

	t.Run("return re-enters the target as a fresh node instance", func(t *testing.T) {
		require.NoError(t, engine.HandleTask(ctx, second[0].ID, 7, types.ActionReturn, "need revisions", HandleOptions{ReturnToNodeKey: "a1"}))

		got, err := engine.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceRunning, got.Status)
		assert.Equal(t, "a1", got.CurrentNodeKey)

		// The returned task is closed; a fresh task exists for a1.
		returned, err := engine.storage.GetTask(ctx, second[0].ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskReturned, returned.Status)

		pending, err := engine.ListPendingTasks(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, uint64(5), pending[0].AssigneeID)
		assert.NotEqual(t, first[0].ID, pending[0].ID)

		// a1 has two entries: the completed first pass and the new
		// running one.
		nis, err := engine.storage.FindNodeInstances(ctx, inst.ID)
		require.NoError(t, err)
		var a1Entries []types.NodeInstance
		for _, ni := range nis {
			if ni.NodeKey == "a1" {
				a1Entries = append(a1Entries, ni)
			}
		}
		require.Len(t, a1Entries, 2)
		assert.Equal(t, types.NodeCompleted, a1Entries[0].Status)
		assert.Equal(t, types.NodeRunning, a1Entries[1].Status)
	})

	t.Run("start keyword falls back to the start node", func(t *testing.T) {
		pending, err := engine.ListPendingTasks(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		require.NoError(t, engine.HandleTask(ctx, pending[0].ID, 5, types.ActionReturn, "", HandleOptions{ReturnToNodeKey: "start"}))

		got, err := engine.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		// Re-running the start node advances straight back into a1.
		assert.Equal(t, "a1", got.CurrentNodeKey)
		assert.Equal(t, types.InstanceRunning, got.Status)
	})
}

func TestTransferTask(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	def := linearDefinition(1, types.ApprovalTypeOr, userSpec("5"))
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	taskID := pending[0].ID

	t.Run("missing transferee fails", func(t *testing.T) {
		err := engine.HandleTask(ctx, taskID, 5, types.ActionTransfer, "", HandleOptions{})
		assert.ErrorIs(t, err, ErrMissingTransferee)
	})

	t.Run("unknown transferee fails", func(t *testing.T) {
		err := engine.HandleTask(ctx, taskID, 5, types.ActionTransfer, "", HandleOptions{TransferToUserID: 404})
		assert.ErrorIs(t, err, ErrMissingTransferee)
	})

	t.Run("transfer reassigns and keeps the task pending", func(t *testing.T) {
		require.NoError(t, engine.HandleTask(ctx, taskID, 5, types.ActionTransfer, "on vacation", HandleOptions{TransferToUserID: 7}))

		task, err := engine.storage.GetTask(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskPending, task.Status)
		assert.Equal(t, uint64(7), task.AssigneeID)

		// The old assignee can no longer act on it; the new one can.
		err = engine.HandleTask(ctx, taskID, 5, types.ActionApprove, "", HandleOptions{})
		assert.ErrorIs(t, err, ErrNotAssignee)

		require.NoError(t, engine.HandleTask(ctx, taskID, 7, types.ActionApprove, "", HandleOptions{}))
		got, err := engine.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceCompleted, got.Status)
	})
}

func TestWithdraw(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	def := linearDefinition(1, types.ApprovalTypeOr, userSpec("5"))
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	t.Run("only the initiator may withdraw", func(t *testing.T) {
		err := engine.WithdrawWorkflow(ctx, inst.ID, 5, "not mine")
		assert.ErrorIs(t, err, ErrNotInitiator)

		got, err := engine.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceRunning, got.Status)
	})

	t.Run("withdraw cancels everything", func(t *testing.T) {
		require.NoError(t, engine.WithdrawWorkflow(ctx, inst.ID, 1, "changed my mind"))

		got, err := engine.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, types.InstanceWithdrawn, got.Status)
		assert.Equal(t, modules.StatusDraft, store.status(42))

		pending, err := engine.ListPendingTasks(ctx, inst.ID)
		require.NoError(t, err)
		assert.Empty(t, pending)

		history, err := engine.InstanceHistory(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ActionWithdraw, history[len(history)-1].Action)
	})

	t.Run("terminal instances cannot be withdrawn again", func(t *testing.T) {
		err := engine.WithdrawWorkflow(ctx, inst.ID, 1, "")
		assert.ErrorIs(t, err, ErrInstanceNotRunning)
	})
}

// conditionalDefinition builds a start fan-out to two condition nodes:
// amounts above 10000 go to the director, the rest to a manager.
func conditionalDefinition(id uint64) types.Definition {
	return types.Definition{
		ID:          id,
		Name:        "Amount Routed",
		Code:        "contract_routed",
		ModuleType:  "contract",
		Active:      true,
		StartNodeID: 1,
		Nodes: []types.Node{
			{ID: 1, DefinitionID: id, Key: "start", Type: types.NodeTypeStart},
			{ID: 2, DefinitionID: id, Key: "big_deal", Type: types.NodeTypeCondition, Condition: &types.ConditionConfig{
				Field: "amount", Operator: types.OpGt, Value: 10000,
			}},
			{ID: 3, DefinitionID: id, Key: "small_deal", Type: types.NodeTypeCondition, Condition: &types.ConditionConfig{
				Field: "amount", Operator: types.OpLte, Value: 10000,
			}},
			{ID: 4, DefinitionID: id, Key: "approve_director", Type: types.NodeTypeApproval, Approval: &types.ApprovalConfig{
				Approvers: []types.ApproverSpec{{Type: types.ApproverRole, Value: "director"}},
			}},
			{ID: 5, DefinitionID: id, Key: "approve_manager", Type: types.NodeTypeApproval, Approval: &types.ApprovalConfig{
				Approvers: []types.ApproverSpec{userSpec("5")},
			}},
			{ID: 6, DefinitionID: id, Key: "end", Type: types.NodeTypeEnd},
		},
		Routes: []types.Route{
			{ID: 1, DefinitionID: id, FromNodeID: 1, ToNodeID: 2, ConditionType: types.RouteAlways, SortOrder: 1},
			{ID: 2, DefinitionID: id, FromNodeID: 1, ToNodeID: 3, ConditionType: types.RouteAlways, SortOrder: 2},
			{ID: 3, DefinitionID: id, FromNodeID: 2, ToNodeID: 4, ConditionType: types.RouteAlways},
			{ID: 4, DefinitionID: id, FromNodeID: 3, ToNodeID: 5, ConditionType: types.RouteAlways},
			{ID: 5, DefinitionID: id, FromNodeID: 4, ToNodeID: 6, ConditionType: types.RouteAlways},
			{ID: 6, DefinitionID: id, FromNodeID: 5, ToNodeID: 6, ConditionType: types.RouteAlways},
		},
	}
}

func TestConditionalBranching(t *testing.T) {
	ctx := context.Background()

	t.Run("large amount routes to the director", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		require.NoError(t, engine.RegisterDefinition(ctx, conditionalDefinition(1)))

		inst, err := engine.StartWorkflow(ctx, StartOptions{
			DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1,
			Data: map[string]interface{}{"amount": 50000},
		})
		require.NoError(t, err)
		assert.Equal(t, "approve_director", inst.CurrentNodeKey)

		pending, err := engine.ListPendingTasks(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, uint64(9), pending[0].AssigneeID)
	})

	t.Run("small amount routes to the manager", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		require.NoError(t, engine.RegisterDefinition(ctx, conditionalDefinition(1)))

		inst, err := engine.StartWorkflow(ctx, StartOptions{
			DefinitionID: 1, ModuleType: "contract", ModuleID: 43, InitiatorID: 1,
			Data: map[string]interface{}{"amount": 800},
		})
		require.NoError(t, err)
		assert.Equal(t, "approve_manager", inst.CurrentNodeKey)

		pending, err := engine.ListPendingTasks(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, uint64(5), pending[0].AssigneeID)
	})

	t.Run("line item totals feed conditions", func(t *testing.T) {
		engine, _ := newTestEngine(t)
		def := conditionalDefinition(1)
		def.Nodes[1].Condition = &types.ConditionConfig{Field: "totalAmount", Operator: types.OpGt, Value: 10000}
		def.Nodes[2].Condition = &types.ConditionConfig{Field: "totalAmount", Operator: types.OpLte, Value: 10000}
		require.NoError(t, engine.RegisterDefinition(ctx, def))

		inst, err := engine.StartWorkflow(ctx, StartOptions{
			DefinitionID: 1, ModuleType: "contract", ModuleID: 44, InitiatorID: 1,
			Data: map[string]interface{}{
				"items": []interface{}{
					map[string]interface{}{"amount": 8000.0},
					map[string]interface{}{"amount": 7000.0},
				},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "approve_director", inst.CurrentNodeKey)
	})
}

func TestEmptyApproverSetSkipsNode(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	def := linearDefinition(1, types.ApprovalTypeOr, types.ApproverSpec{Type: types.ApproverRole, Value: "nonexistent_role"})
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	// The approval node is skipped and the instance runs to completion.
	got, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, got.Status)
	assert.Equal(t, modules.StatusApproved, store.status(42))

	nis, err := engine.storage.FindNodeInstances(ctx, inst.ID)
	require.NoError(t, err)
	var skipped bool
	for _, ni := range nis {
		if ni.NodeKey == "approve_manager" {
			assert.Equal(t, types.NodeSkipped, ni.Status)
			skipped = true
		}
	}
	assert.True(t, skipped)
}

func TestExpressionApprover(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	def := linearDefinition(1, types.ApprovalTypeOr, types.ApproverSpec{
		Type:  types.ApproverExpression,
		Value: "amount > 10000 ? 9 : 5",
	})
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.StartWorkflow(ctx, StartOptions{
		DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1,
		Data: map[string]interface{}{"amount": 20000},
	})
	require.NoError(t, err)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(9), pending[0].AssigneeID)
}

func TestDepartmentApprover(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	def := linearDefinition(1, types.ApprovalTypeAnd, types.ApproverSpec{Type: types.ApproverDepartment, Value: "3"})
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2) // users 9 and 11
	assert.Equal(t, uint64(9), pending[0].AssigneeID)
	assert.Equal(t, uint64(11), pending[1].AssigneeID)
}

func TestHandleTaskPreconditions(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	def := linearDefinition(1, types.ApprovalTypeOr, userSpec("5"))
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	taskID := pending[0].ID

	t.Run("unknown task", func(t *testing.T) {
		err := engine.HandleTask(ctx, 999999, 5, types.ActionApprove, "", HandleOptions{})
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("wrong actor", func(t *testing.T) {
		err := engine.HandleTask(ctx, taskID, 7, types.ActionApprove, "", HandleOptions{})
		assert.ErrorIs(t, err, ErrNotAssignee)
	})

	t.Run("unknown action", func(t *testing.T) {
		err := engine.HandleTask(ctx, taskID, 5, "escalate", "", HandleOptions{})
		assert.ErrorIs(t, err, ErrUnknownAction)
	})

	t.Run("resolved task cannot be acted on again", func(t *testing.T) {
		require.NoError(t, engine.HandleTask(ctx, taskID, 5, types.ActionApprove, "", HandleOptions{}))
		err := engine.HandleTask(ctx, taskID, 5, types.ActionApprove, "", HandleOptions{})
		assert.ErrorIs(t, err, ErrTaskNotPending)
	})
}

// TestConcurrentORApproval races N approvers on one OR node: exactly
// one approve wins, every other task ends cancelled.
func TestConcurrentORApproval(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	def := linearDefinition(1, types.ApprovalTypeOr, userSpec("5"), userSpec("7"), userSpec("9"))
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	var wg sync.WaitGroup
	var successes int64
	for _, task := range pending {
		wg.Add(1)
		go func(taskID, actorID uint64) {
			defer wg.Done()
			if err := engine.HandleTask(ctx, taskID, actorID, types.ActionApprove, "", HandleOptions{}); err == nil {
				atomic.AddInt64(&successes, 1)
			}
		}(task.ID, task.AssigneeID)
	}
	wg.Wait()

	assert.Equal(t, int64(1), successes)

	got, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, got.Status)

	tasks, err := engine.storage.FindTasksByInstance(ctx, inst.ID)
	require.NoError(t, err)
	var approved, cancelled int
	for _, task := range tasks {
		switch task.Status {
		case types.TaskApproved:
			approved++
		case types.TaskCancelled:
			cancelled++
		}
	}
	assert.Equal(t, 1, approved)
	assert.Equal(t, 2, cancelled)
}

// parallelDefinition fans out to two approval branches that rejoin at
// a merge node. Branch joins are pass-through: the first branch to
// reach the merge completes the instance.
func parallelDefinition(id uint64) types.Definition {
	return types.Definition{
		ID:          id,
		Name:        "Parallel Review",
		Code:        "contract_parallel",
		ModuleType:  "contract",
		Active:      true,
		StartNodeID: 1,
		Nodes: []types.Node{
			{ID: 1, DefinitionID: id, Key: "start", Type: types.NodeTypeStart},
			{ID: 2, DefinitionID: id, Key: "fan_out", Type: types.NodeTypeParallel},
			{ID: 3, DefinitionID: id, Key: "legal_review", Type: types.NodeTypeApproval, Approval: &types.ApprovalConfig{
				Approvers: []types.ApproverSpec{userSpec("5")},
			}},
			{ID: 4, DefinitionID: id, Key: "finance_review", Type: types.NodeTypeApproval, Approval: &types.ApprovalConfig{
				Approvers: []types.ApproverSpec{userSpec("7")},
			}},
			{ID: 5, DefinitionID: id, Key: "join", Type: types.NodeTypeMerge},
			{ID: 6, DefinitionID: id, Key: "end", Type: types.NodeTypeEnd},
		},
		Routes: []types.Route{
			{ID: 1, DefinitionID: id, FromNodeID: 1, ToNodeID: 2, ConditionType: types.RouteAlways},
			{ID: 2, DefinitionID: id, FromNodeID: 2, ToNodeID: 3, ConditionType: types.RouteAlways, SortOrder: 1},
			{ID: 3, DefinitionID: id, FromNodeID: 2, ToNodeID: 4, ConditionType: types.RouteAlways, SortOrder: 2},
			{ID: 4, DefinitionID: id, FromNodeID: 3, ToNodeID: 5, ConditionType: types.RouteAlways},
			{ID: 5, DefinitionID: id, FromNodeID: 4, ToNodeID: 5, ConditionType: types.RouteAlways},
			{ID: 6, DefinitionID: id, FromNodeID: 5, ToNodeID: 6, ConditionType: types.RouteAlways},
		},
	}
}

func TestParallelFanOut(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RegisterDefinition(ctx, parallelDefinition(1)))

	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	// Both branches opened tasks.
	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(5), pending[0].AssigneeID)
	assert.Equal(t, uint64(7), pending[1].AssigneeID)

	// With pass-through joins, the first branch to finish reaches the
	// end; the other branch's task is force-closed.
	require.NoError(t, engine.HandleTask(ctx, pending[0].ID, 5, types.ActionApprove, "", HandleOptions{}))

	got, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, got.Status)

	other, err := engine.storage.GetTask(ctx, pending[1].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, other.Status)
}

func TestStartWorkflowValidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	t.Run("unknown definition", func(t *testing.T) {
		_, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 42, ModuleType: "contract"})
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("inactive definition", func(t *testing.T) {
		def := linearDefinition(1, types.ApprovalTypeOr, userSpec("5"))
		def.Active = false
		require.NoError(t, engine.RegisterDefinition(ctx, def))

		_, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract"})
		assert.ErrorIs(t, err, ErrDefinitionInactive)
	})

	t.Run("no matching definition", func(t *testing.T) {
		_, err := engine.StartWorkflow(ctx, StartOptions{ModuleType: "invoice", ModuleID: 7})
		assert.ErrorIs(t, err, ErrNoMatchingDefinition)
	})
}

var errStorageUnavailable = errors.New("storage temporarily unavailable")

// failSwitch fails one storage write after a configured number of
// successful writes, then stays healthy.
type failSwitch struct {
	mu        sync.Mutex
	remaining int
	active    bool
}

func (f *failSwitch) arm(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining = n
	f.active = true
}

func (f *failSwitch) tick() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return nil
	}
	f.remaining--
	if f.remaining <= 0 {
		f.active = false
		return errStorageUnavailable
	}
	return nil
}

// flakyStorage injects write failures, including into writes staged
// inside a transaction.
type flakyStorage struct {
	storage.Storage
	fail *failSwitch
}

func (f *flakyStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	if err := f.fail.tick(); err != nil {
		return err
	}
	return f.Storage.SaveInstance(ctx, inst)
}

func (f *flakyStorage) SaveNodeInstance(ctx context.Context, ni types.NodeInstance) error {
	if err := f.fail.tick(); err != nil {
		return err
	}
	return f.Storage.SaveNodeInstance(ctx, ni)
}

func (f *flakyStorage) SaveTask(ctx context.Context, task types.Task) error {
	if err := f.fail.tick(); err != nil {
		return err
	}
	return f.Storage.SaveTask(ctx, task)
}

func (f *flakyStorage) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	if err := f.fail.tick(); err != nil {
		return err
	}
	return f.Storage.AppendHistory(ctx, entry)
}

func (f *flakyStorage) Transact(ctx context.Context, fn func(storage.Storage) error) error {
	return f.Storage.Transact(ctx, func(tx storage.Storage) error {
		return fn(&flakyStorage{Storage: tx, fail: f.fail})
	})
}

func newFlakyEngine(t *testing.T) (*Engine, *recordingStore, *failSwitch) {
	t.Helper()
	fail := &failSwitch{}
	flaky := &flakyStorage{Storage: storage.NewMemoryStorage(), fail: fail}
	engine, err := NewEngine(&MockGenerator{id: 10000}, flaky, testDirectory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })

	store := newRecordingStore()
	require.NoError(t, engine.RegisterModuleStore("contract", store))
	return engine, store, fail
}

// TestStartWorkflowRollsBackOnStorageFailure verifies that a storage
// failure mid-start persists nothing: no instance, no tasks, no ledger
// entries, no write-back. The failed call can then simply be retried.
func TestStartWorkflowRollsBackOnStorageFailure(t *testing.T) {
	engine, store, fail := newFlakyEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RegisterDefinition(ctx, linearDefinition(1, types.ApprovalTypeOr, userSpec("5"))))

	// The third write fails: the start ledger entry, after the instance
	// and its start node entry are already staged.
	fail.arm(3)
	_, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.ErrorIs(t, err, errStorageUnavailable)

	// The staged instance (the generator's next ID) never landed.
	_, err = engine.GetInstance(ctx, 10001)
	assert.ErrorIs(t, err, storage.ErrInstanceNotFound)

	tasks, err := engine.ListTasksForAssignee(ctx, 5, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	history, err := engine.InstanceHistory(ctx, 10001)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, "", store.status(42))

	// No partial state means a plain retry succeeds.
	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.Status)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// TestApproveRetriesAfterTransientStorageFailure verifies that a
// failed approval leaves the task pending and the instance running, so
// the approver's retry goes through instead of hitting "not pending".
func TestApproveRetriesAfterTransientStorageFailure(t *testing.T) {
	engine, store, fail := newFlakyEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RegisterDefinition(ctx, linearDefinition(1, types.ApprovalTypeOr, userSpec("5"))))
	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	taskID := pending[0].ID

	fail.arm(1)
	err = engine.HandleTask(ctx, taskID, 5, types.ActionApprove, "ok", HandleOptions{})
	require.ErrorIs(t, err, errStorageUnavailable)

	// Rolled back wholesale: the task is still pending, the instance
	// still running, nothing pushed to the business module.
	task, err := engine.storage.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)

	got, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.Status)
	assert.Equal(t, "", store.status(42))

	// The retry is an ordinary approve, not a "task is not pending".
	require.NoError(t, engine.HandleTask(ctx, taskID, 5, types.ActionApprove, "ok", HandleOptions{}))

	got, err = engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, got.Status)
	assert.Equal(t, modules.StatusApproved, store.status(42))
}

// convergingDefinition fans out to two routes that meet at the same
// approval node: start -> fan_out -> countersign (twice) -> end.
func convergingDefinition(id uint64) types.Definition {
	return types.Definition{
		ID:          id,
		Name:        "Converging Review",
		Code:        "contract_converging",
		ModuleType:  "contract",
		Active:      true,
		StartNodeID: 1,
		Nodes: []types.Node{
			{ID: 1, DefinitionID: id, Key: "start", Type: types.NodeTypeStart},
			{ID: 2, DefinitionID: id, Key: "fan_out", Type: types.NodeTypeParallel},
			{ID: 3, DefinitionID: id, Key: "countersign", Type: types.NodeTypeApproval, Approval: &types.ApprovalConfig{
				Approvers: []types.ApproverSpec{userSpec("5")},
			}},
			{ID: 4, DefinitionID: id, Key: "end", Type: types.NodeTypeEnd},
		},
		Routes: []types.Route{
			{ID: 1, DefinitionID: id, FromNodeID: 1, ToNodeID: 2, ConditionType: types.RouteAlways},
			{ID: 2, DefinitionID: id, FromNodeID: 2, ToNodeID: 3, ConditionType: types.RouteAlways, SortOrder: 1},
			{ID: 3, DefinitionID: id, FromNodeID: 2, ToNodeID: 3, ConditionType: types.RouteAlways, SortOrder: 2},
			{ID: 4, DefinitionID: id, FromNodeID: 3, ToNodeID: 4, ConditionType: types.RouteAlways},
		},
	}
}

// TestConvergingBranchesShareOneApprovalTask verifies that branches
// meeting at one approval node reuse its open entry record: the
// assignee gets one task, not one per inbound route.
func TestConvergingBranchesShareOneApprovalTask(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RegisterDefinition(ctx, convergingDefinition(1)))

	inst, err := engine.StartWorkflow(ctx, StartOptions{DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1})
	require.NoError(t, err)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(5), pending[0].AssigneeID)

	nis, err := engine.storage.FindNodeInstances(ctx, inst.ID)
	require.NoError(t, err)
	var open int
	for _, ni := range nis {
		if ni.NodeKey == "countersign" {
			open++
		}
	}
	assert.Equal(t, 1, open)

	// The single task resolves the node and completes the instance.
	require.NoError(t, engine.HandleTask(ctx, pending[0].ID, 5, types.ActionApprove, "", HandleOptions{}))
	got, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCompleted, got.Status)
}

// TestLedgerRecordsPassThroughNodes verifies that the walked path is
// reconstructable from history alone: condition and end nodes leave a
// complete entry naming the node, not just the approval nodes.
func TestLedgerRecordsPassThroughNodes(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.RegisterDefinition(ctx, conditionalDefinition(1)))

	inst, err := engine.StartWorkflow(ctx, StartOptions{
		DefinitionID: 1, ModuleType: "contract", ModuleID: 42, InitiatorID: 1,
		Data: map[string]interface{}{"amount": 50000},
	})
	require.NoError(t, err)

	pending, err := engine.ListPendingTasks(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, engine.HandleTask(ctx, pending[0].ID, 9, types.ActionApprove, "", HandleOptions{}))

	history, err := engine.InstanceHistory(ctx, inst.ID)
	require.NoError(t, err)

	completed := make(map[string]types.HistoryEntry)
	for _, entry := range history {
		if entry.Action == types.ActionComplete && entry.FromNodeKey != "" {
			completed[entry.FromNodeKey] = entry
		}
	}
	assert.Contains(t, completed, "big_deal")
	assert.Contains(t, completed, "approve_director")
	assert.Contains(t, completed, "end")
	assert.NotContains(t, completed, "small_deal") // branch not taken

	// Each node-level entry points at its node instance record.
	for key, entry := range completed {
		assert.NotZero(t, entry.NodeInstanceID, "entry for %s", key)
	}
}

func TestStartResolvesDefinitionByTriggerRules(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	def := linearDefinition(1, types.ApprovalTypeOr, userSpec("5"))
	def.TriggerRules = []types.TriggerRule{
		{Field: "amount", Operator: types.OpGte, Value: 1000, SortOrder: 1},
	}
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.StartWorkflow(ctx, StartOptions{
		ModuleType: "contract", ModuleID: 42, InitiatorID: 1,
		Data: map[string]interface{}{"amount": 1500},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), inst.DefinitionID)
	assert.Equal(t, types.InstanceRunning, inst.Status)
}
