package storeop

import (
	"context"
	"encoding/json"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/metrics"
	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
)

// LocalStep is one local-store step of a two-phase operation.
type LocalStep struct {
	Location proto.ShardLocation
	Op       storage.OpCode
	Req      *storage.Request
}

// Definition describes one two-phase operation: a global begin request
// that validates and stages the final global state together with a
// pending-operation log entry, the local steps replaying the decision on
// the affected shards, and an implied global end that clears the log
// entry. The definition is a value, not a type hierarchy; the driver
// below is the only state machine.
type Definition struct {
	Name        string
	Category    apierrors.Category
	OperationID uuid.UUID
	OpCode      proto.OperationCode
	BeginReq    *storage.Request
	LocalSteps  []LocalStep
}

func shardsOperation(code proto.OperationCode) bool {
	switch code {
	case proto.OperationCodeAddShard, proto.OperationCodeAttachShard,
		proto.OperationCodeRemoveShard, proto.OperationCodeUpdateShard:
		return true
	default:
		return false
	}
}

func beginOp(code proto.OperationCode) storage.OpCode {
	if shardsOperation(code) {
		return storage.OpShardsGlobalBegin
	}
	return storage.OpMappingsGlobalBegin
}

func endOp(code proto.OperationCode) storage.OpCode {
	if shardsOperation(code) {
		return storage.OpShardsGlobalEnd
	}
	return storage.OpMappingsGlobalEnd
}

func undoOp(code proto.OperationCode) storage.OpCode {
	if shardsOperation(code) {
		return storage.OpShardsGlobalUndo
	}
	return storage.OpMappingsGlobalUndo
}

// ExecuteTwoPhase drives def through global begin, local apply and
// global end. A transient fault at any step re-runs the whole operation
// under the same operation id; the persisted log entry makes the re-run
// idempotent. A non-transient fault after the global begin triggers the
// undo path before the error propagates.
func (e *Executor) ExecuteTwoPhase(ctx context.Context, def *Definition) error {
	span := trace.SpanFromContextSafe(ctx)

	// The payload is the begin request itself, captured before the log
	// entry is attached so undo can replay it after a crash.
	payload, err := json.Marshal(def.BeginReq)
	if err != nil {
		return err
	}
	entry := &proto.OperationLogEntry{
		ID:      def.OperationID,
		OpCode:  def.OpCode,
		State:   proto.OperationStatePending,
		Payload: payload,
	}
	def.BeginReq.LogEntry = entry

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		err := e.runTwoPhase(ctx, def)
		if err == nil {
			return nil
		}
		lastErr = err
		if !e.transient(err) || attempt == e.retry.MaxAttempts {
			break
		}
		metrics.StoreRetries.WithLabelValues(def.Name).Inc()
		span.Warnf("transient fault in %s, retrying whole operation %s, attempt %d/%d: %v",
			def.Name, def.OperationID, attempt, e.retry.MaxAttempts, err)
		if err = e.sleep(ctx, attempt); err != nil {
			return err
		}
	}
	if _, ok := lastErr.(*apierrors.Error); ok {
		return lastErr
	}
	return apierrors.New(def.Category, apierrors.CodeStorageOperationFailure, def.Name, "%v", lastErr)
}

func (e *Executor) runTwoPhase(ctx context.Context, def *Definition) error {
	res, err := e.executeOnce(ctx, storage.ReadWrite, beginOp(def.OpCode), def.BeginReq, e.connectGlobal)
	if err != nil {
		return err
	}
	if res.Code != proto.ResultSuccess {
		// Nothing was applied; no undo needed.
		if e.onFailure != nil {
			e.onFailure(beginOp(def.OpCode), def.BeginReq, res.Code)
		}
		return ResultError(def.Category, def.Name, res.Code)
	}

	for _, step := range def.LocalSteps {
		if err := e.runLocalStep(ctx, step); err != nil {
			return e.failAfterBegin(ctx, def, err)
		}
	}

	endReq := &storage.Request{OperationID: def.OperationID}
	res, err = e.executeOnce(ctx, storage.ReadWrite, endOp(def.OpCode), endReq, e.connectGlobal)
	if err != nil {
		return e.failAfterBegin(ctx, def, err)
	}
	if res.Code != proto.ResultSuccess {
		return e.failAfterBegin(ctx, def, ResultError(def.Category, def.Name, res.Code))
	}
	return nil
}

func (e *Executor) runLocalStep(ctx context.Context, step LocalStep) error {
	res, err := e.executeOnce(ctx, storage.ReadWrite, step.Op, step.Req, e.connectLocalTo(step.Location))
	if err != nil {
		return err
	}
	if res.Code != proto.ResultSuccess {
		return apierrors.New(apierrors.CategoryStore, codeForResult(res.Code), "", "local store at %s returned %s",
			step.Location, res.Code).WithLocation(step.Location.String())
	}
	return nil
}

// failAfterBegin decides between retrying the whole operation (transient
// fault, undo deferred to the retry's idempotent re-run) and rolling
// back now (permanent fault).
func (e *Executor) failAfterBegin(ctx context.Context, def *Definition, cause error) error {
	if e.transient(cause) {
		return cause
	}
	span := trace.SpanFromContextSafe(ctx)
	span.Errorf("operation %s (%s) failed after global begin, undoing: %v", def.Name, def.OperationID, cause)
	if err := e.undoOperation(ctx, def.OpCode, def.OperationID, def.BeginReq); err != nil {
		// An undo failure leaves the stores inconsistent; surface it as
		// fatal so an operator (or the recovery tooling) steps in.
		return apierrors.New(def.Category, apierrors.CodeStorageOperationFailure, def.Name,
			"undo of operation %s failed: %v (original failure: %v)", def.OperationID, err, cause)
	}
	return cause
}

func (e *Executor) undoOperation(ctx context.Context, opCode proto.OperationCode, id uuid.UUID, begin *storage.Request) error {
	for _, step := range undoLocalSteps(opCode, begin) {
		res, err := e.executeOnce(ctx, storage.ReadWrite, step.Op, step.Req, e.connectLocalTo(step.Location))
		if err != nil {
			return err
		}
		if res.Code != proto.ResultSuccess {
			return ResultError(apierrors.CategoryStore, "undo-local", res.Code)
		}
	}
	res, err := e.executeOnce(ctx, storage.ReadWrite, undoOp(opCode), &storage.Request{OperationID: id}, e.connectGlobal)
	if err != nil {
		return err
	}
	if res.Code != proto.ResultSuccess {
		return ResultError(apierrors.CategoryStore, "undo-global", res.Code)
	}
	return nil
}

// undoLocalSteps reconstructs the local rollback of an operation from
// its begin request. The begin request carries the original shard and
// mapping snapshots, so rollback never needs extra state.
func undoLocalSteps(opCode proto.OperationCode, begin *storage.Request) []LocalStep {
	switch opCode {
	case proto.OperationCodeAddShard, proto.OperationCodeAttachShard:
		if begin.Shard == nil {
			return nil
		}
		return []LocalStep{{
			Location: begin.Shard.Location,
			Op:       storage.OpRemoveShardLocal,
			Req:      &storage.Request{ShardMapID: begin.ShardMapID, Shard: begin.Shard},
		}}
	case proto.OperationCodeRemoveShard:
		if begin.PrevShard == nil {
			return nil
		}
		return []LocalStep{{
			Location: begin.PrevShard.Location,
			Op:       storage.OpAddShardLocal,
			Req:      &storage.Request{ShardMapID: begin.ShardMapID, ShardMap: begin.ShardMap, Shard: begin.PrevShard},
		}}
	case proto.OperationCodeUpdateShard:
		if begin.PrevShard == nil {
			return nil
		}
		return []LocalStep{{
			Location: begin.PrevShard.Location,
			Op:       storage.OpUpdateShardLocal,
			Req:      &storage.Request{ShardMapID: begin.ShardMapID, Shard: begin.PrevShard},
		}}
	default:
		return undoMappingSteps(begin)
	}
}

// undoMappingSteps groups the inverse mapping replacements by shard
// location: mappings the operation added get removed, mappings it
// removed get restored with their original shard versions.
func undoMappingSteps(begin *storage.Request) []LocalStep {
	byLocation := make(map[string]*LocalStep)
	stepFor := func(loc proto.ShardLocation) *storage.Request {
		key := loc.String()
		if step, ok := byLocation[key]; ok {
			return step.Req
		}
		step := &LocalStep{
			Location: loc,
			Op:       storage.OpReplaceMappingsLocal,
			Req:      &storage.Request{ShardMapID: begin.ShardMapID},
		}
		byLocation[key] = step
		return step.Req
	}
	for _, add := range begin.AddMappings {
		if add.Shard == nil {
			continue
		}
		req := stepFor(add.Shard.Location)
		req.RemoveMappings = append(req.RemoveMappings, add)
	}
	for _, rm := range begin.RemoveMappings {
		if rm.Shard == nil {
			continue
		}
		req := stepFor(rm.Shard.Location)
		req.AddMappings = append(req.AddMappings, rm)
	}
	steps := make([]LocalStep, 0, len(byLocation))
	for _, step := range byLocation {
		steps = append(steps, *step)
	}
	return steps
}

// UndoPendingOperations rolls back every interrupted two-phase operation
// recorded in the global operation log. Returns the number undone.
func (e *Executor) UndoPendingOperations(ctx context.Context) (int, error) {
	span := trace.SpanFromContextSafe(ctx)

	res, err := e.executeOnce(ctx, storage.ReadOnly, storage.OpGetOperationLogEntries, &storage.Request{}, e.connectGlobal)
	if err != nil {
		return 0, err
	}
	if res.Code != proto.ResultSuccess {
		return 0, ResultError(apierrors.CategoryShardMapManager, "undo-pending", res.Code)
	}

	undone := 0
	for _, entry := range res.LogEntries {
		var begin storage.Request
		if err := json.Unmarshal(entry.Payload, &begin); err != nil {
			return undone, apierrors.New(apierrors.CategoryShardMapManager, apierrors.CodeStorageOperationFailure,
				"undo-pending", "corrupt payload for operation %s: %v", entry.ID, err)
		}
		span.Warnf("undoing interrupted operation %s (%s)", entry.ID, entry.OpCode)
		if err := e.undoOperation(ctx, entry.OpCode, entry.ID, &begin); err != nil {
			return undone, err
		}
		metrics.PendingOperationUndos.Inc()
		undone++
	}
	return undone, nil
}

func (e *Executor) connectGlobal(ctx context.Context) (storage.Connection, error) {
	return e.store.ConnectGlobal(ctx)
}

func (e *Executor) connectLocalTo(location proto.ShardLocation) func(context.Context) (storage.Connection, error) {
	return func(ctx context.Context) (storage.Connection, error) {
		return e.store.ConnectLocal(ctx, location)
	}
}
