package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/types"
)

// HandleOptions carry the action-specific inputs to HandleTask.
type HandleOptions struct {
	ReturnToNodeKey  string                 // required for return
	TransferToUserID uint64                 // required for transfer
	Data             map[string]interface{} // extra data merged into the condition context
}

// HandleTask resolves one approval task. The actor must be the task's
// assignee and the task must still be pending; otherwise the call
// fails without mutating anything. The action runs inside one
// transaction, so a storage failure part way through persists nothing
// and the call can be retried. Supported actions: approve, reject,
// return, transfer.
func (e *Engine) HandleTask(ctx context.Context, taskID, actorID uint64, action, comment string, opts HandleOptions) error {
	task, err := e.storage.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
	}

	unlock := e.lockInstance(task.InstanceID)
	defer unlock()

	// Reload under the instance lock: a racing sibling may have
	// cancelled this task already.
	task, err = e.storage.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
	}
	if task.AssigneeID != actorID {
		return fmt.Errorf("%w: task=%d actor=%d", ErrNotAssignee, taskID, actorID)
	}
	if task.Status != types.TaskPending {
		return fmt.Errorf("%w: task=%d status=%s", ErrTaskNotPending, taskID, task.Status)
	}

	inst, err := e.storage.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to get instance: %w", err)
	}
	if inst.Status != types.InstanceRunning {
		return fmt.Errorf("%w: status=%s", ErrInstanceNotRunning, inst.Status)
	}
	def, err := e.getDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}

	return e.transact(ctx, func(t *txn) error {
		switch action {
		case types.ActionApprove:
			return t.approveTask(ctx, &def, &inst, task, actorID, comment, opts)
		case types.ActionReject:
			return t.rejectTask(ctx, &inst, task, actorID, comment)
		case types.ActionReturn:
			return t.returnTask(ctx, &def, &inst, task, actorID, comment, opts)
		case types.ActionTransfer:
			return t.transferTask(ctx, &inst, task, actorID, comment, opts)
		default:
			return fmt.Errorf("%w: %s", ErrUnknownAction, action)
		}
	})
}

// approveTask marks one task approved and completes the node when its
// approval semantics are satisfied: first decision wins under OR,
// unanimous consent under AND.
func (t *txn) approveTask(ctx context.Context, def *types.Definition, inst *types.Instance, task types.Task, actorID uint64, comment string, opts HandleOptions) error {
	if err := t.resolveTask(ctx, &task, types.TaskApproved, types.ActionApprove, actorID, comment); err != nil {
		return err
	}

	node := def.FindNode(task.NodeID)
	approvalType := types.ApprovalTypeOr
	if node != nil && node.Approval != nil && node.Approval.ApprovalType != "" {
		approvalType = node.Approval.ApprovalType
	}

	siblings, err := t.store.FindTasksByNodeInstance(ctx, task.NodeInstanceID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	nodeDone := false
	switch approvalType {
	case types.ApprovalTypeAnd:
		nodeDone = true
		for _, sibling := range siblings {
			if sibling.ID != task.ID && sibling.Status != types.TaskApproved {
				nodeDone = false
				break
			}
		}
	default: // OR: the first decision wins, the rest are cancelled.
		nodeDone = true
		for _, sibling := range siblings {
			if sibling.ID == task.ID || sibling.Status != types.TaskPending {
				continue
			}
			if err := t.cancelTask(ctx, sibling, actorID, "resolved by another approver"); err != nil {
				return err
			}
		}
	}

	if !nodeDone {
		return nil
	}
	return t.completeNode(ctx, def, inst, task, actorID, opts)
}

// completeNode closes the node instance and advances the walk.
func (t *txn) completeNode(ctx context.Context, def *types.Definition, inst *types.Instance, task types.Task, actorID uint64, opts HandleOptions) error {
	ni, err := t.store.GetNodeInstance(ctx, task.NodeInstanceID)
	if err != nil {
		return fmt.Errorf("failed to get node instance: %w", err)
	}
	ni.Status = types.NodeCompleted
	ni.EndTime = time.Now().UnixMilli()
	if err := t.store.SaveNodeInstance(ctx, ni); err != nil {
		return fmt.Errorf("failed to save node instance: %w", err)
	}
	if err := t.record(ctx, types.HistoryEntry{
		InstanceID:     inst.ID,
		NodeInstanceID: ni.ID,
		Action:         types.ActionComplete,
		OperatorID:     actorID,
		FromNodeKey:    ni.NodeKey,
	}); err != nil {
		return err
	}

	node := def.FindNode(ni.NodeID)
	if node == nil {
		return fmt.Errorf("node %d no longer exists in definition %d", ni.NodeID, def.ID)
	}
	return t.advance(ctx, def, inst, node, mergedContext(inst, opts.Data), 0)
}

// rejectTask marks one task rejected and terminates the whole
// instance: one rejection rejects the record.
func (t *txn) rejectTask(ctx context.Context, inst *types.Instance, task types.Task, actorID uint64, comment string) error {
	if err := t.resolveTask(ctx, &task, types.TaskRejected, types.ActionReject, actorID, comment); err != nil {
		return err
	}
	return t.rejectWorkflow(ctx, inst, actorID, comment)
}

// returnTask rolls the instance back to an earlier node, discarding
// in-flight tasks. The target node re-executes as a fresh entry, which
// re-triggers approvals downstream of it.
func (t *txn) returnTask(ctx context.Context, def *types.Definition, inst *types.Instance, task types.Task, actorID uint64, comment string, opts HandleOptions) error {
	if opts.ReturnToNodeKey == "" {
		return ErrMissingReturnTarget
	}
	target := def.FindNodeByKey(opts.ReturnToNodeKey)
	if target == nil && opts.ReturnToNodeKey == types.NodeTypeStart {
		target = def.FindNode(def.StartNodeID)
	}
	if target == nil {
		return fmt.Errorf("%w: key=%s", ErrReturnTargetNotFound, opts.ReturnToNodeKey)
	}

	fromKey := inst.CurrentNodeKey
	if err := t.resolveTask(ctx, &task, types.TaskReturned, types.ActionReturn, actorID, comment); err != nil {
		return err
	}
	if err := t.record(ctx, types.HistoryEntry{
		InstanceID:     inst.ID,
		NodeInstanceID: task.NodeInstanceID,
		TaskID:         task.ID,
		Action:         types.ActionReturn,
		OperatorID:     actorID,
		Comment:        comment,
		FromNodeKey:    fromKey,
		ToNodeKey:      target.Key,
	}); err != nil {
		return err
	}

	if err := t.cancelOutstanding(ctx, inst, actorID, "discarded by return", types.NodeReturned); err != nil {
		return err
	}

	inst.CurrentNodeID = target.ID
	inst.CurrentNodeKey = target.Key
	if err := t.store.SaveInstance(ctx, *inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return t.executeNode(ctx, def, inst, target, mergedContext(inst, opts.Data), 0)
}

// transferTask reassigns one task to another user. The task stays
// pending; nothing else changes.
func (t *txn) transferTask(ctx context.Context, inst *types.Instance, task types.Task, actorID uint64, comment string, opts HandleOptions) error {
	if opts.TransferToUserID == 0 {
		return ErrMissingTransferee
	}
	if _, err := t.engine.directory.FindUserByID(ctx, opts.TransferToUserID); err != nil {
		return fmt.Errorf("%w: user=%d", ErrMissingTransferee, opts.TransferToUserID)
	}

	fromAssignee := task.AssigneeID
	task.AssigneeID = opts.TransferToUserID
	task.Action = types.ActionTransfer
	task.Comment = comment
	task.UpdatedAt = time.Now().UnixMilli()
	if err := t.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	if err := t.record(ctx, types.HistoryEntry{
		InstanceID:     inst.ID,
		NodeInstanceID: task.NodeInstanceID,
		TaskID:         task.ID,
		Action:         types.ActionTransfer,
		OperatorID:     actorID,
		Comment:        comment,
	}); err != nil {
		return err
	}
	t.publish(events.Event{
		Type:       events.EventTaskCreated,
		InstanceID: inst.ID,
		TaskID:     task.ID,
		AssigneeID: task.AssigneeID,
		Data:       map[string]interface{}{"transferred_from": fromAssignee},
	})
	return nil
}

// resolveTask closes one task with a terminal status and records the
// action in the ledger.
func (t *txn) resolveTask(ctx context.Context, task *types.Task, status, action string, actorID uint64, comment string) error {
	task.Status = status
	task.Action = action
	task.Comment = comment
	task.UpdatedAt = time.Now().UnixMilli()
	if err := t.store.SaveTask(ctx, *task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	if action != types.ActionReturn {
		if err := t.record(ctx, types.HistoryEntry{
			InstanceID:     task.InstanceID,
			NodeInstanceID: task.NodeInstanceID,
			TaskID:         task.ID,
			Action:         action,
			OperatorID:     actorID,
			Comment:        comment,
		}); err != nil {
			return err
		}
	}
	t.publish(events.Event{
		Type:       events.EventTaskResolved,
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		AssigneeID: task.AssigneeID,
		Data:       map[string]interface{}{"status": status},
	})
	return nil
}

// executeApprovalNode resolves approvers and opens one task per
// assignee. A node whose specs resolve to nobody is skipped, never
// blocked. The node's open entry record is reused when converging
// branches reach it, so an assignee with a pending task is never
// tasked twice.
func (t *txn) executeApprovalNode(ctx context.Context, def *types.Definition, inst *types.Instance, node *types.Node, mctx map[string]interface{}, depth int) error {
	var cfg types.ApprovalConfig
	if node.Approval != nil {
		cfg = *node.Approval
	}

	assignees := t.engine.resolveApprovers(ctx, cfg.Approvers, mctx, inst.InitiatorID)
	if len(assignees) == 0 {
		ni, err := t.newNodeInstance(ctx, inst, node, types.NodeSkipped)
		if err != nil {
			return err
		}
		if err := t.record(ctx, types.HistoryEntry{
			InstanceID:     inst.ID,
			NodeInstanceID: ni.ID,
			Action:         types.ActionSkip,
			Comment:        "no approvers resolved",
			FromNodeKey:    node.Key,
		}); err != nil {
			return err
		}
		t.publish(events.Event{
			Type:       events.EventNodeSkipped,
			InstanceID: inst.ID,
			Data:       map[string]interface{}{"node_key": node.Key},
		})
		return t.advance(ctx, def, inst, node, mctx, depth)
	}

	ni, err := t.openNodeInstance(ctx, inst, node)
	if err != nil {
		return err
	}

	existing, err := t.store.FindTasksByNodeInstance(ctx, ni.ID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	pendingFor := make(map[uint64]bool, len(existing))
	for _, task := range existing {
		if task.Status == types.TaskPending {
			pendingFor[task.AssigneeID] = true
		}
	}

	now := time.Now().UnixMilli()
	var dueTime int64
	if cfg.DueHours > 0 {
		dueTime = now + int64(cfg.DueHours)*time.Hour.Milliseconds()
	}

	for _, assigneeID := range assignees {
		if pendingFor[assigneeID] {
			continue
		}
		id, err := t.engine.GenerateID()
		if err != nil {
			return fmt.Errorf("failed to generate ID: %w", err)
		}
		task := types.Task{
			ID:             id,
			InstanceID:     inst.ID,
			NodeInstanceID: ni.ID,
			NodeID:         node.ID,
			AssigneeID:     assigneeID,
			Status:         types.TaskPending,
			DueTime:        dueTime,
			Priority:       cfg.Priority,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := t.store.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("failed to save task: %w", err)
		}
		pendingFor[assigneeID] = true
		t.publish(events.Event{
			Type:       events.EventTaskCreated,
			InstanceID: inst.ID,
			TaskID:     task.ID,
			AssigneeID: assigneeID,
			Data:       map[string]interface{}{"node_key": node.Key},
		})
	}
	return nil
}
