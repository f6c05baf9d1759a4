package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-engine/condition"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/identity"
	"github.com/songzhibin97/approval-engine/modules"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// Standard error definitions.
//
// Validation errors (bad input, no mutation occurs):
// ErrDefinitionNotFound, ErrDefinitionInactive, ErrNoStartNode,
// ErrUnknownAction, ErrMissingReturnTarget, ErrReturnTargetNotFound,
// ErrMissingTransferee.
//
// Authorization errors (actor or state not actionable, no mutation
// occurs): ErrNotAssignee, ErrNotInitiator, ErrTaskNotPending,
// ErrInstanceNotRunning.
var (
	ErrDefinitionNotFound   = errors.New("definition not found")
	ErrDefinitionInactive   = errors.New("definition is not active")
	ErrNoStartNode          = errors.New("definition has no start node")
	ErrNoMatchingDefinition = errors.New("no definition matches the business data")
	ErrTaskNotFound         = errors.New("task not found")
	ErrNotAssignee          = errors.New("actor is not the task assignee")
	ErrNotInitiator         = errors.New("actor is not the instance initiator")
	ErrTaskNotPending       = errors.New("task is not pending")
	ErrInstanceNotRunning   = errors.New("instance is not running")
	ErrUnknownAction        = errors.New("unknown task action")
	ErrMissingReturnTarget  = errors.New("return requires a target node key")
	ErrReturnTargetNotFound = errors.New("return target node not found")
	ErrMissingTransferee    = errors.New("transfer requires a target user")
	ErrMaxDepthExceeded     = errors.New("maximum node execution depth exceeded")
)

// MaxExecutionDepth bounds how many nodes one operation may walk
// through, guarding against definition cycles.
const MaxExecutionDepth = 100

// Engine drives business records through administrator-defined
// approval graphs. It holds no required state between calls: every
// operation reads and writes through Storage, so any process can
// resume any instance.
type Engine struct {
	storage     storage.Storage
	directory   identity.Directory
	modules     *modules.Registry
	evaluator   rules.Evaluator
	eventBus    *events.EventBus
	generate    generator.Generator
	definitions map[uint64]types.Definition
	mu          sync.RWMutex
	locks       sync.Map // instance ID -> *sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator sets the expression evaluator used for expression
// approver specs.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithModules sets the business-module write-back registry.
func WithModules(registry *modules.Registry) Option {
	return func(e *Engine) {
		if registry != nil {
			e.modules = registry
		}
	}
}

// WithEventBus sets the notification bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

// NewEngine creates a new Engine with the given generator, storage and
// identity directory.
func NewEngine(generate generator.Generator, store storage.Storage, directory identity.Directory, options ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if directory == nil {
		directory = identity.NewMemoryDirectory()
	}

	e := &Engine{
		storage:     store,
		directory:   directory,
		modules:     modules.NewRegistry(),
		evaluator:   rules.NewExprEvaluator(),
		eventBus:    events.NewEventBus(),
		generate:    generate,
		definitions: make(map[uint64]types.Definition),
	}
	for _, option := range options {
		option(e)
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// RegisterModuleStore registers a business-module store for terminal
// status write-backs.
func (e *Engine) RegisterModuleStore(moduleType string, store modules.Store) error {
	return e.modules.Register(moduleType, store)
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// RegisterDefinition validates and persists a definition. Saving is an
// upsert keyed by node ID, so a patched definition keeps live
// instances' node references valid.
func (e *Engine) RegisterDefinition(ctx context.Context, def types.Definition) error {
	if def.ID == 0 {
		return errors.New("definition ID cannot be zero")
	}
	if len(def.Nodes) == 0 {
		return errors.New("definition must have at least one node")
	}

	var startCount int
	nodeIDs := make(map[uint64]bool)
	nodeKeys := make(map[string]bool)
	for _, node := range def.Nodes {
		if node.ID == 0 {
			return errors.New("node ID cannot be zero")
		}
		if nodeIDs[node.ID] {
			return fmt.Errorf("duplicate node ID %d in definition", node.ID)
		}
		nodeIDs[node.ID] = true
		if node.Key == "" {
			return fmt.Errorf("node %d has no key", node.ID)
		}
		if nodeKeys[node.Key] {
			return fmt.Errorf("duplicate node key %q in definition", node.Key)
		}
		nodeKeys[node.Key] = true
		if node.Type == types.NodeTypeStart {
			startCount++
			if def.StartNodeID == 0 {
				def.StartNodeID = node.ID
			}
		}
	}
	if startCount != 1 {
		return fmt.Errorf("%w: definition must have exactly one start node, got %d", ErrNoStartNode, startCount)
	}
	if start := def.FindNode(def.StartNodeID); start == nil || start.Type != types.NodeTypeStart {
		return fmt.Errorf("%w: start_node_id %d does not name a start node", ErrNoStartNode, def.StartNodeID)
	}
	for _, route := range def.Routes {
		if !nodeIDs[route.FromNodeID] || !nodeIDs[route.ToNodeID] {
			return fmt.Errorf("route %d connects nodes outside the definition", route.ID)
		}
	}

	if def.Active && def.Code != "" {
		active, err := e.storage.FindActiveDefinitions(ctx, def.ModuleType)
		if err != nil {
			return fmt.Errorf("failed to check active definitions: %w", err)
		}
		for _, other := range active {
			if other.Code == def.Code && other.ID != def.ID {
				return fmt.Errorf("definition code %q already active for module type %q", def.Code, def.ModuleType)
			}
		}
	}

	if err := e.storage.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()
	return nil
}

// getDefinition retrieves a definition by ID, checking cache first then storage.
func (e *Engine) getDefinition(ctx context.Context, definitionID uint64) (types.Definition, error) {
	e.mu.RLock()
	def, ok := e.definitions[definitionID]
	e.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := e.storage.GetDefinition(ctx, definitionID)
	if err != nil {
		return types.Definition{}, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, definitionID)
	}

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()
	return def, nil
}

// FindMatchingDefinition returns the highest-priority active
// definition for a module type whose trigger rules match the business
// data. A definition without rules matches unconditionally. Returns
// nil when nothing matches.
func (e *Engine) FindMatchingDefinition(ctx context.Context, moduleType string, data map[string]interface{}) (*types.Definition, error) {
	defs, err := e.storage.FindActiveDefinitions(ctx, moduleType)
	if err != nil {
		return nil, fmt.Errorf("failed to list active definitions: %w", err)
	}
	for i := range defs {
		if condition.EvaluateRules(defs[i].TriggerRules, data) {
			return &defs[i], nil
		}
	}
	return nil, nil
}

// txn is one mutating operation running inside a storage transaction.
// Writes go through t.store and reach the base store only on commit;
// events and module write-backs are staged and delivered after the
// commit. A failed operation therefore leaves no observable effect,
// and callers may safely retry.
type txn struct {
	engine     *Engine
	store      storage.Storage
	events     []events.Event
	writeBacks []pendingWriteBack
}

type pendingWriteBack struct {
	instanceID uint64
	moduleType string
	moduleID   uint64
	status     string
}

// transact runs one mutating operation inside a storage transaction
// and, on commit, delivers the staged write-backs and events.
func (e *Engine) transact(ctx context.Context, fn func(t *txn) error) error {
	var t *txn
	if err := e.storage.Transact(ctx, func(store storage.Storage) error {
		t = &txn{engine: e, store: store}
		return fn(t)
	}); err != nil {
		return err
	}

	for _, wb := range t.writeBacks {
		if err := e.modules.UpdateStatus(ctx, wb.moduleType, wb.moduleID, wb.status); err != nil {
			e.publishEvent(ctx, events.Event{
				Type:       events.EventWriteBackFailed,
				InstanceID: wb.instanceID,
				Data:       map[string]interface{}{"status": wb.status, "error": err.Error()},
			})
		}
	}
	for _, event := range t.events {
		e.publishEvent(ctx, event)
	}
	return nil
}

// publish stages an event for delivery after the transaction commits.
func (t *txn) publish(event events.Event) {
	t.events = append(t.events, event)
}

// stageWriteBack stages the terminal status push to the business
// module. A missing registration or a store failure never fails the
// transition; it is surfaced as an event only.
func (t *txn) stageWriteBack(inst *types.Instance, status string) {
	t.writeBacks = append(t.writeBacks, pendingWriteBack{
		instanceID: inst.ID,
		moduleType: inst.ModuleType,
		moduleID:   inst.ModuleID,
		status:     status,
	})
}

// StartOptions carry the inputs to StartWorkflow. DefinitionID zero
// means "resolve by trigger rules".
type StartOptions struct {
	DefinitionID uint64
	ModuleType   string
	ModuleID     uint64
	InitiatorID  uint64
	Data         map[string]interface{}
}

// StartWorkflow creates a running instance against a definition and
// advances it past the start node, all inside one transaction: a
// failure part way through persists nothing. The business data
// snapshot is stored on the instance for condition evaluation.
func (e *Engine) StartWorkflow(ctx context.Context, opts StartOptions) (*types.Instance, error) {
	var def types.Definition
	if opts.DefinitionID != 0 {
		var err error
		def, err = e.getDefinition(ctx, opts.DefinitionID)
		if err != nil {
			return nil, err
		}
	} else {
		matched, err := e.FindMatchingDefinition(ctx, opts.ModuleType, opts.Data)
		if err != nil {
			return nil, err
		}
		if matched == nil {
			return nil, fmt.Errorf("%w: module_type=%s", ErrNoMatchingDefinition, opts.ModuleType)
		}
		def = *matched
	}

	if !def.Active {
		return nil, fmt.Errorf("%w: id=%d", ErrDefinitionInactive, def.ID)
	}
	start := def.FindNode(def.StartNodeID)
	if start == nil || start.Type != types.NodeTypeStart {
		return nil, fmt.Errorf("%w: id=%d", ErrNoStartNode, def.ID)
	}

	id, err := e.GenerateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	snapshot := make(map[string]interface{}, len(opts.Data))
	for k, v := range opts.Data {
		snapshot[k] = v
	}

	now := time.Now().UnixMilli()
	inst := types.Instance{
		ID:             id,
		DefinitionID:   def.ID,
		ModuleType:     opts.ModuleType,
		ModuleID:       opts.ModuleID,
		Status:         types.InstanceRunning,
		CurrentNodeID:  start.ID,
		CurrentNodeKey: start.Key,
		InitiatorID:    opts.InitiatorID,
		Metadata:       snapshot,
		StartTime:      now,
	}

	unlock := e.lockInstance(inst.ID)
	defer unlock()

	mctx := mergedContext(&inst, opts.Data)
	if err := e.transact(ctx, func(t *txn) error {
		if err := t.store.SaveInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to save instance: %w", err)
		}
		ni, err := t.newNodeInstance(ctx, &inst, start, types.NodeCompleted)
		if err != nil {
			return err
		}
		if err := t.record(ctx, types.HistoryEntry{
			InstanceID:     inst.ID,
			NodeInstanceID: ni.ID,
			Action:         types.ActionStart,
			OperatorID:     opts.InitiatorID,
			ToNodeKey:      start.Key,
		}); err != nil {
			return err
		}
		t.publish(events.Event{
			Type:       events.EventInstanceStarted,
			InstanceID: inst.ID,
			Data:       map[string]interface{}{"module_type": inst.ModuleType, "module_id": inst.ModuleID},
		})
		return t.advance(ctx, &def, &inst, start, mctx, 0)
	}); err != nil {
		return nil, err
	}
	return &inst, nil
}

// WithdrawWorkflow cancels a running instance. Only the initiator may
// withdraw; nothing is mutated on failure.
func (e *Engine) WithdrawWorkflow(ctx context.Context, instanceID, actorID uint64, comment string) error {
	unlock := e.lockInstance(instanceID)
	defer unlock()

	inst, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to get instance: %w", err)
	}
	if inst.InitiatorID != actorID {
		return fmt.Errorf("%w: actor=%d initiator=%d", ErrNotInitiator, actorID, inst.InitiatorID)
	}
	if inst.Status != types.InstanceRunning {
		return fmt.Errorf("%w: status=%s", ErrInstanceNotRunning, inst.Status)
	}

	return e.transact(ctx, func(t *txn) error {
		if err := t.cancelOutstanding(ctx, &inst, actorID, comment, types.NodeReturned); err != nil {
			return err
		}

		inst.Status = types.InstanceWithdrawn
		finishInstance(&inst)
		if err := t.store.SaveInstance(ctx, inst); err != nil {
			return fmt.Errorf("failed to save instance: %w", err)
		}
		if err := t.record(ctx, types.HistoryEntry{
			InstanceID:  inst.ID,
			Action:      types.ActionWithdraw,
			OperatorID:  actorID,
			Comment:     comment,
			FromNodeKey: inst.CurrentNodeKey,
		}); err != nil {
			return err
		}

		t.stageWriteBack(&inst, modules.StatusDraft)
		t.publish(events.Event{Type: events.EventInstanceWithdrawn, InstanceID: inst.ID})
		return nil
	})
}

// completeWorkflow moves an instance to its terminal completed state.
func (t *txn) completeWorkflow(ctx context.Context, inst *types.Instance, operatorID uint64) error {
	// Happy path leaves no pending tasks; any stragglers are force-closed.
	if err := t.cancelPendingTasks(ctx, inst, operatorID, "auto-closed on completion"); err != nil {
		return err
	}

	inst.Status = types.InstanceCompleted
	finishInstance(inst)
	if err := t.store.SaveInstance(ctx, *inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	if err := t.record(ctx, types.HistoryEntry{
		InstanceID: inst.ID,
		Action:     types.ActionComplete,
		OperatorID: operatorID,
		ToNodeKey:  inst.CurrentNodeKey,
	}); err != nil {
		return err
	}

	t.stageWriteBack(inst, modules.StatusApproved)
	t.publish(events.Event{Type: events.EventInstanceCompleted, InstanceID: inst.ID})
	return nil
}

// rejectWorkflow moves an instance to its terminal rejected state,
// cancelling every other pending task and running node instance.
func (t *txn) rejectWorkflow(ctx context.Context, inst *types.Instance, operatorID uint64, comment string) error {
	if err := t.cancelOutstanding(ctx, inst, operatorID, comment, types.NodeRejected); err != nil {
		return err
	}

	inst.Status = types.InstanceRejected
	finishInstance(inst)
	if err := t.store.SaveInstance(ctx, *inst); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	t.stageWriteBack(inst, modules.StatusRejected)
	t.publish(events.Event{Type: events.EventInstanceRejected, InstanceID: inst.ID})
	return nil
}

// cancelOutstanding cancels every pending task and closes every
// running node instance with the given terminal node status.
func (t *txn) cancelOutstanding(ctx context.Context, inst *types.Instance, operatorID uint64, comment, nodeStatus string) error {
	if err := t.cancelPendingTasks(ctx, inst, operatorID, comment); err != nil {
		return err
	}

	nis, err := t.store.FindNodeInstances(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to list node instances: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, ni := range nis {
		if ni.Status != types.NodeRunning && ni.Status != types.NodePending {
			continue
		}
		ni.Status = nodeStatus
		ni.EndTime = now
		if err := t.store.SaveNodeInstance(ctx, ni); err != nil {
			return fmt.Errorf("failed to save node instance: %w", err)
		}
	}
	return nil
}

// cancelPendingTasks cancels every pending task of an instance and
// records one cancel entry per task.
func (t *txn) cancelPendingTasks(ctx context.Context, inst *types.Instance, operatorID uint64, comment string) error {
	tasks, err := t.store.FindTasksByInstance(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	for _, task := range tasks {
		if task.Status != types.TaskPending {
			continue
		}
		if err := t.cancelTask(ctx, task, operatorID, comment); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) cancelTask(ctx context.Context, task types.Task, operatorID uint64, comment string) error {
	task.Status = types.TaskCancelled
	task.Action = types.ActionCancel
	task.UpdatedAt = time.Now().UnixMilli()
	if err := t.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	if err := t.record(ctx, types.HistoryEntry{
		InstanceID:     task.InstanceID,
		NodeInstanceID: task.NodeInstanceID,
		TaskID:         task.ID,
		Action:         types.ActionCancel,
		OperatorID:     operatorID,
		Comment:        comment,
	}); err != nil {
		return err
	}
	t.publish(events.Event{
		Type:       events.EventTaskResolved,
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		AssigneeID: task.AssigneeID,
		Data:       map[string]interface{}{"status": task.Status},
	})
	return nil
}

func finishInstance(inst *types.Instance) {
	inst.EndTime = time.Now().UnixMilli()
	inst.Duration = inst.EndTime - inst.StartTime
	if inst.Duration < 0 {
		inst.Duration = 0
	}
}

// record appends one entry to the audit ledger.
func (t *txn) record(ctx context.Context, entry types.HistoryEntry) error {
	id, err := t.engine.GenerateID()
	if err != nil {
		return fmt.Errorf("failed to generate ID: %w", err)
	}
	entry.ID = id
	entry.Timestamp = time.Now().UnixMilli()
	if entry.OperatorName == "" && entry.OperatorID != 0 {
		if user, err := t.engine.directory.FindUserByID(ctx, entry.OperatorID); err == nil {
			entry.OperatorName = user.Name
		}
	}
	if err := t.store.AppendHistory(ctx, entry); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// publishEvent publishes an event asynchronously to the event bus.
func (e *Engine) publishEvent(ctx context.Context, event events.Event) {
	go e.eventBus.Publish(ctx, event)
}

// lockInstance serializes mutating operations on one instance.
func (e *Engine) lockInstance(instanceID uint64) func() {
	muIface, _ := e.locks.LoadOrStore(instanceID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (*types.Instance, error) {
	inst, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetDefinition retrieves a definition by ID.
func (e *Engine) GetDefinition(ctx context.Context, definitionID uint64) (*types.Definition, error) {
	def, err := e.getDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// ListTasksForAssignee returns an assignee's tasks, optionally
// filtered by status.
func (e *Engine) ListTasksForAssignee(ctx context.Context, assigneeID uint64, status string) ([]types.Task, error) {
	return e.storage.FindTasksByAssignee(ctx, assigneeID, status)
}

// ListPendingTasks returns an instance's pending tasks.
func (e *Engine) ListPendingTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	tasks, err := e.storage.FindTasksByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, task := range tasks {
		if task.Status == types.TaskPending {
			out = append(out, task)
		}
	}
	return out, nil
}

// InstanceHistory returns an instance's audit ledger in append order.
func (e *Engine) InstanceHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	return e.storage.FindHistory(ctx, instanceID)
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}
