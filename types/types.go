package types

// Node types
const (
	NodeTypeStart     = "start"
	NodeTypeApproval  = "approval"
	NodeTypeCondition = "condition"
	NodeTypeParallel  = "parallel"
	NodeTypeMerge     = "merge"
	NodeTypeEnd       = "end"
)

// Instance statuses
const (
	InstanceRunning   = "running"
	InstanceCompleted = "completed"
	InstanceRejected  = "rejected"
	InstanceWithdrawn = "withdrawn"
)

// Node instance statuses
const (
	NodePending   = "pending"
	NodeRunning   = "running"
	NodeCompleted = "completed"
	NodeRejected  = "rejected"
	NodeSkipped   = "skipped"
	NodeReturned  = "returned"
)

// Task statuses
const (
	TaskPending     = "pending"
	TaskApproved    = "approved"
	TaskRejected    = "rejected"
	TaskReturned    = "returned"
	TaskTransferred = "transferred"
	TaskCancelled   = "cancelled"
)

// History actions
const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionReturn   = "return"
	ActionTransfer = "transfer"
	ActionWithdraw = "withdraw"
	ActionCancel   = "cancel"
	ActionSkip     = "skip"
)

// Approval semantics for multi-approver nodes
const (
	ApprovalTypeOr  = "or"
	ApprovalTypeAnd = "and"
)

// Route condition types
const (
	RouteAlways    = "always"
	RouteCondition = "condition"
)

// Approver spec types
const (
	ApproverUser       = "user"
	ApproverRole       = "role"
	ApproverDepartment = "department"
	ApproverExpression = "expression"
)

// Comparison operators accepted by condition configs and trigger rules.
const (
	OpEq          = "eq"
	OpNe          = "ne"
	OpGt          = "gt"
	OpGte         = "gte"
	OpLt          = "lt"
	OpLte         = "lte"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpBetween     = "between"
	OpIsNull      = "is_null"
	OpIsNotNull   = "is_not_null"
)

// Logic operators for chaining trigger rules.
const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// ConditionConfig is the structured form of a branch or trigger
// condition: one field compared against a value. Between uses Value1
// and Value2 as the inclusive bounds.
type ConditionConfig struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
	Value1   interface{} `json:"value1,omitempty"`
	Value2   interface{} `json:"value2,omitempty"`
}

// ApproverSpec names one source of assignees for an approval node.
type ApproverSpec struct {
	Type  string `json:"type"` // "user", "role", "department", "expression"
	Value string `json:"value"`
}

// ApprovalConfig configures an approval node.
type ApprovalConfig struct {
	Approvers    []ApproverSpec `json:"approvers"`
	ApprovalType string         `json:"approval_type"` // "or" or "and"
	DueHours     int            `json:"due_hours,omitempty"`
	Priority     string         `json:"priority,omitempty"`
}

// Node is one step in a definition graph. Config is a tagged union
// keyed by Type: Approval is set only for approval nodes, Condition
// only for condition nodes.
type Node struct {
	ID           uint64           `json:"id"`
	DefinitionID uint64           `json:"definition_id"`
	Key          string           `json:"key"` // unique within the definition
	Type         string           `json:"type"`
	Name         string           `json:"name"`
	Approval     *ApprovalConfig  `json:"approval,omitempty"`
	Condition    *ConditionConfig `json:"condition,omitempty"`
	SortOrder    int              `json:"sort_order"`
}

// Route is a directed, optionally conditional edge between two nodes
// of the same definition.
type Route struct {
	ID            uint64           `json:"id"`
	DefinitionID  uint64           `json:"definition_id"`
	FromNodeID    uint64           `json:"from_node_id"`
	ToNodeID      uint64           `json:"to_node_id"`
	ConditionType string           `json:"condition_type"` // "always" or "condition"
	Condition     *ConditionConfig `json:"condition,omitempty"`
	SortOrder     int              `json:"sort_order"`
}

// TriggerRule is one entry in a definition's ordered trigger rule
// list. Logic chains the rule with the running accumulator of the
// rules before it ("and"/"or"); the first rule's Logic is ignored.
type TriggerRule struct {
	Field     string      `json:"field"`
	Operator  string      `json:"operator"`
	Value     interface{} `json:"value,omitempty"`
	Value1    interface{} `json:"value1,omitempty"`
	Value2    interface{} `json:"value2,omitempty"`
	Logic     string      `json:"logic,omitempty"`
	SortOrder int         `json:"sort_order"`
}

// Definition is a reusable template graph for one moduleType. Nodes,
// routes and trigger rules are embedded and persisted with it.
type Definition struct {
	ID           uint64        `json:"id"`
	Name         string        `json:"name"`
	Code         string        `json:"code"` // unique among active definitions of a moduleType
	ModuleType   string        `json:"module_type"`
	Version      int           `json:"version"`
	Active       bool          `json:"active"`
	Priority     int           `json:"priority"` // higher matches first
	StartNodeID  uint64        `json:"start_node_id"`
	Nodes        []Node        `json:"nodes"`
	Routes       []Route       `json:"routes"`
	TriggerRules []TriggerRule `json:"trigger_rules,omitempty"`
}

// FindNode returns the node with the given ID, or nil.
func (d *Definition) FindNode(nodeID uint64) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == nodeID {
			return &d.Nodes[i]
		}
	}
	return nil
}

// FindNodeByKey returns the node with the given key, or nil.
func (d *Definition) FindNodeByKey(key string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Key == key {
			return &d.Nodes[i]
		}
	}
	return nil
}

// RoutesFrom returns the outgoing routes of a node ordered by
// SortOrder.
func (d *Definition) RoutesFrom(nodeID uint64) []Route {
	var out []Route
	for _, r := range d.Routes {
		if r.FromNodeID == nodeID {
			out = append(out, r)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].SortOrder < out[j-1].SortOrder; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Instance is one execution of a definition against one business
// record. Metadata holds the business-data snapshot taken at start.
type Instance struct {
	ID             uint64                 `json:"id"`
	DefinitionID   uint64                 `json:"definition_id"`
	ModuleType     string                 `json:"module_type"`
	ModuleID       uint64                 `json:"module_id"`
	Status         string                 `json:"status"`
	CurrentNodeID  uint64                 `json:"current_node_id"`
	CurrentNodeKey string                 `json:"current_node_key"`
	InitiatorID    uint64                 `json:"initiator_id"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	StartTime      int64                  `json:"start_time"` // unix millis
	EndTime        int64                  `json:"end_time,omitempty"`
	Duration       int64                  `json:"duration,omitempty"` // millis
}

// Terminal reports whether the instance has reached a terminal status.
func (i *Instance) Terminal() bool {
	return i.Status != InstanceRunning
}

// NodeInstance records one entry into a node. A node re-entered after
// a return gets a fresh NodeInstance; completed rows are never
// mutated back to running.
type NodeInstance struct {
	ID         uint64 `json:"id"`
	InstanceID uint64 `json:"instance_id"`
	NodeID     uint64 `json:"node_id"`
	NodeKey    string `json:"node_key"`
	NodeType   string `json:"node_type"`
	Status     string `json:"status"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time,omitempty"`
}

// Task is one unit of approval work for one assignee within one node
// instance.
type Task struct {
	ID             uint64 `json:"id"`
	InstanceID     uint64 `json:"instance_id"`
	NodeInstanceID uint64 `json:"node_instance_id"`
	NodeID         uint64 `json:"node_id"`
	AssigneeID     uint64 `json:"assignee_id"`
	Status         string `json:"status"`
	Action         string `json:"action,omitempty"`
	Comment        string `json:"comment,omitempty"`
	DueTime        int64  `json:"due_time,omitempty"` // advisory only
	Priority       string `json:"priority,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// HistoryEntry is one immutable row in the audit ledger.
type HistoryEntry struct {
	ID             uint64 `json:"id"`
	InstanceID     uint64 `json:"instance_id"`
	NodeInstanceID uint64 `json:"node_instance_id,omitempty"`
	TaskID         uint64 `json:"task_id,omitempty"`
	Action         string `json:"action"`
	OperatorID     uint64 `json:"operator_id,omitempty"`
	OperatorName   string `json:"operator_name,omitempty"`
	Comment        string `json:"comment,omitempty"`
	FromNodeKey    string `json:"from_node_key,omitempty"`
	ToNodeKey      string `json:"to_node_key,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// User is the engine's view of a directory entry; IDs are opaque.
type User struct {
	ID         uint64 `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
	Department uint64 `json:"department,omitempty"`
	Active     bool   `json:"active"`
}
