package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/approval-engine/condition"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/types"
)

// advance walks the outgoing routes of a node and enters every
// selected target. Route selection is one rule for every node type:
// a route is a candidate when its own condition matches and, if the
// target is a condition node, the target's condition config matches
// too. Condition nodes and start fan-out to condition targets take
// only the first candidate by sort order; every other node type takes
// all candidates.
func (t *txn) advance(ctx context.Context, def *types.Definition, inst *types.Instance, from *types.Node, mctx map[string]interface{}, depth int) error {
	if depth > MaxExecutionDepth {
		return fmt.Errorf("%w: depth=%d", ErrMaxDepthExceeded, depth)
	}
	if inst.Terminal() {
		return nil
	}
	if from.Type == types.NodeTypeEnd {
		return t.completeWorkflow(ctx, inst, 0)
	}

	targets := selectRoutes(def, from, mctx)
	if len(targets) == 0 {
		// Stalled: nothing matched and this is not an end node. The
		// instance stays running; operators resolve it by return or
		// withdraw.
		t.publish(events.Event{
			Type:       events.EventInstanceStalled,
			InstanceID: inst.ID,
			Data:       map[string]interface{}{"node_key": from.Key},
		})
		return nil
	}

	for _, target := range targets {
		if inst.Terminal() {
			return nil
		}
		if err := t.executeNode(ctx, def, inst, target, mctx, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// selectRoutes returns the target nodes reachable from a node under
// the current context, in route sort order.
func selectRoutes(def *types.Definition, from *types.Node, mctx map[string]interface{}) []*types.Node {
	var targets []*types.Node
	hasConditionTarget := false
	for _, route := range def.RoutesFrom(from.ID) {
		target := def.FindNode(route.ToNodeID)
		if target == nil {
			continue
		}
		if route.ConditionType == types.RouteCondition && !condition.EvaluateConfig(route.Condition, mctx) {
			continue
		}
		// A condition-type target gates entry on its own config as well.
		if target.Type == types.NodeTypeCondition {
			hasConditionTarget = true
			if !condition.EvaluateConfig(target.Condition, mctx) {
				continue
			}
		}
		targets = append(targets, target)
	}

	singleBranch := from.Type == types.NodeTypeCondition ||
		(from.Type == types.NodeTypeStart && hasConditionTarget)
	if singleBranch && len(targets) > 1 {
		targets = targets[:1]
	}
	return targets
}

// executeNode dispatches one node by type. Approval nodes pause the
// walk until tasks resolve; every other type passes through with a
// completed entry record and a ledger row, so the walked path stays
// reconstructable from history alone. Parallel and merge are
// pass-through continuations: branches are not tracked to a join
// point.
func (t *txn) executeNode(ctx context.Context, def *types.Definition, inst *types.Instance, node *types.Node, mctx map[string]interface{}, depth int) error {
	if depth > MaxExecutionDepth {
		return fmt.Errorf("%w: depth=%d", ErrMaxDepthExceeded, depth)
	}

	inst.CurrentNodeID = node.ID
	inst.CurrentNodeKey = node.Key
	if err := t.store.SaveInstance(ctx, *inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	switch node.Type {
	case types.NodeTypeApproval:
		return t.executeApprovalNode(ctx, def, inst, node, mctx, depth)

	case types.NodeTypeEnd:
		ni, err := t.newNodeInstance(ctx, inst, node, types.NodeCompleted)
		if err != nil {
			return err
		}
		if err := t.record(ctx, types.HistoryEntry{
			InstanceID:     inst.ID,
			NodeInstanceID: ni.ID,
			Action:         types.ActionComplete,
			FromNodeKey:    node.Key,
		}); err != nil {
			return err
		}
		return t.completeWorkflow(ctx, inst, 0)

	default:
		// start, condition, parallel, merge: evaluate-and-continue.
		ni, err := t.newNodeInstance(ctx, inst, node, types.NodeCompleted)
		if err != nil {
			return err
		}
		if err := t.record(ctx, types.HistoryEntry{
			InstanceID:     inst.ID,
			NodeInstanceID: ni.ID,
			Action:         types.ActionComplete,
			FromNodeKey:    node.Key,
		}); err != nil {
			return err
		}
		return t.advance(ctx, def, inst, node, mctx, depth)
	}
}

// newNodeInstance creates one entry record for a node. Re-entering a
// node after a return always creates a fresh record.
func (t *txn) newNodeInstance(ctx context.Context, inst *types.Instance, node *types.Node, status string) (types.NodeInstance, error) {
	id, err := t.engine.GenerateID()
	if err != nil {
		return types.NodeInstance{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := time.Now().UnixMilli()
	ni := types.NodeInstance{
		ID:         id,
		InstanceID: inst.ID,
		NodeID:     node.ID,
		NodeKey:    node.Key,
		NodeType:   node.Type,
		Status:     status,
		StartTime:  now,
	}
	if status != types.NodeRunning && status != types.NodePending {
		ni.EndTime = now
	}
	if err := t.store.SaveNodeInstance(ctx, ni); err != nil {
		return types.NodeInstance{}, fmt.Errorf("failed to save node instance: %w", err)
	}
	return ni, nil
}

// openNodeInstance returns the node's open entry record, creating a
// fresh running one when none exists. Converging branches (a parallel
// fan-out whose routes meet at the same approval node) reuse the open
// record instead of opening the node twice.
func (t *txn) openNodeInstance(ctx context.Context, inst *types.Instance, node *types.Node) (types.NodeInstance, error) {
	nis, err := t.store.FindNodeInstances(ctx, inst.ID)
	if err != nil {
		return types.NodeInstance{}, fmt.Errorf("failed to list node instances: %w", err)
	}
	for _, ni := range nis {
		if ni.NodeID == node.ID && (ni.Status == types.NodeRunning || ni.Status == types.NodePending) {
			return ni, nil
		}
	}
	return t.newNodeInstance(ctx, inst, node, types.NodeRunning)
}

// mergedContext overlays freshly supplied data on the instance's
// business snapshot and folds in derivable totals.
func mergedContext(inst *types.Instance, data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(inst.Metadata)+len(data)+1)
	for k, v := range inst.Metadata {
		out[k] = v
	}
	for k, v := range data {
		out[k] = v
	}
	if _, ok := out["totalAmount"]; !ok {
		if total, ok := sumItemAmounts(out["items"]); ok {
			out["totalAmount"] = total
		}
	}
	return out
}

// sumItemAmounts totals the "amount" field of a line-item list.
func sumItemAmounts(items interface{}) (float64, bool) {
	list, ok := items.([]interface{})
	if !ok || len(list) == 0 {
		return 0, false
	}
	var total float64
	found := false
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch amount := m["amount"].(type) {
		case float64:
			total += amount
			found = true
		case int:
			total += float64(amount)
			found = true
		case int64:
			total += float64(amount)
			found = true
		}
	}
	return total, found
}
