package workflow

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/songzhibin97/approval-engine/types"
)

// resolveApprovers expands approver specs into concrete, de-duplicated
// assignee IDs. A spec that resolves to nothing (unknown user, empty
// role, failed expression) contributes no assignees and is not an
// error: an empty result skips the node.
func (e *Engine) resolveApprovers(ctx context.Context, specs []types.ApproverSpec, mctx map[string]interface{}, initiatorID uint64) []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	add := func(ids ...uint64) {
		for _, id := range ids {
			if id == 0 || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, spec := range specs {
		switch spec.Type {
		case types.ApproverUser:
			add(parseIDList(spec.Value)...)

		case types.ApproverRole:
			users, err := e.directory.FindUsersByRole(ctx, spec.Value)
			if err != nil {
				continue
			}
			for _, u := range users {
				add(u.ID)
			}

		case types.ApproverDepartment:
			deptID, err := strconv.ParseUint(strings.TrimSpace(spec.Value), 10, 64)
			if err != nil {
				continue
			}
			users, err := e.directory.FindUsersByDepartment(ctx, deptID)
			if err != nil {
				continue
			}
			for _, u := range users {
				add(u.ID)
			}

		case types.ApproverExpression:
			env := make(map[string]interface{}, len(mctx)+1)
			for k, v := range mctx {
				env[k] = v
			}
			env["initiatorId"] = initiatorID
			ids, err := e.evaluator.ResolveIDs(spec.Value, env)
			if err != nil {
				continue
			}
			add(ids...)
		}
	}
	return out
}

// parseIDList reads user IDs from a spec value: a single ID, a
// comma-separated list, or a JSON array.
func parseIDList(value string) []uint64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	if strings.HasPrefix(value, "[") {
		var raw []interface{}
		if err := json.Unmarshal([]byte(value), &raw); err != nil {
			return nil
		}
		var out []uint64
		for _, item := range raw {
			switch n := item.(type) {
			case float64:
				if n > 0 && n == float64(uint64(n)) {
					out = append(out, uint64(n))
				}
			case string:
				if id, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64); err == nil {
					out = append(out, id)
				}
			}
		}
		return out
	}

	var out []uint64
	for _, part := range strings.Split(value, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}
