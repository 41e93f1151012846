// Package turn orchestrates one user Turn end to end: Tool Selector
// candidates feed the model stream; each emitted tool call is gated,
// dispatched, paginated on request, and recorded, with the Executor's
// summary fed back into the model until it completes.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/actionlog"
	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/internal/confirmation"
	"github.com/haasonsaas/nexus/internal/credentials"
	"github.com/haasonsaas/nexus/internal/executor"
	"github.com/haasonsaas/nexus/internal/selector"
	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ChunkKind distinguishes the event kinds a ModelStream emits, mirroring
// the teacher's AgentEventType split between model-text and tool events.
type ChunkKind string

const (
	ChunkTextDelta ChunkKind = "text_delta"
	ChunkToolCall  ChunkKind = "tool_call"
	ChunkDone      ChunkKind = "done"
)

// Chunk is one unit of the model stream. The raw model provider is an
// external collaborator (§1 Non-goals); this type is the concrete shape
// the rest of the pipeline consumes regardless of which provider produces
// it.
type Chunk struct {
	Kind ChunkKind
	Text string // set for ChunkTextDelta

	ToolCallID string          // set for ChunkToolCall
	ToolID     string          // selector.Candidate.ToolID the model referenced
	Arguments  json.RawMessage // set for ChunkToolCall
}

// Sink receives Turn-lifecycle events for streaming back to the chat
// client, mirroring the teacher's agent.EventSink: non-blocking, safe for
// concurrent Emit calls.
type Sink interface {
	Emit(ctx context.Context, inv models.ToolInvocation)
}

// ChanSink streams invocation snapshots to a buffered channel, dropping
// events rather than blocking when the channel is full or ctx is done.
type ChanSink struct {
	ch chan<- models.ToolInvocation
}

// NewChanSink wraps an already-buffered channel as a Sink.
func NewChanSink(ch chan<- models.ToolInvocation) *ChanSink {
	return &ChanSink{ch: ch}
}

func (s *ChanSink) Emit(ctx context.Context, inv models.ToolInvocation) {
	select {
	case s.ch <- inv:
	case <-ctx.Done():
	default:
	}
}

// Approval is an external approval decision delivered on the chat
// stream's back-channel per §6.
type Approval struct {
	ApprovalID string
	Approved   bool
}

// SourceLookup resolves a Source by id for executor.Context construction.
type SourceLookup func(ctx context.Context, sourceID string) (*models.Source, error)

// Orchestrator runs Turns: C4 selection feeds the model, C7/C6/C10 handle
// each emitted tool call, looping until the model stream completes.
type Orchestrator struct {
	executor    *executor.Executor
	gate        *confirmation.Gate
	resolver    *credentials.Resolver
	actionLog   *actionlog.Log
	sourceOf    SourceLookup
	logger      *slog.Logger
	approvalTTL time.Duration

	waiters sync.Map // approvalID -> chan bool
}

// New constructs an Orchestrator.
func New(exec *executor.Executor, gate *confirmation.Gate, resolver *credentials.Resolver, log *actionlog.Log, sourceOf SourceLookup, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		executor:    exec,
		gate:        gate,
		resolver:    resolver,
		actionLog:   log,
		sourceOf:    sourceOf,
		logger:      logger.With("component", "turn"),
		approvalTTL: 5 * time.Minute,
	}
}

// Resolve delivers an out-of-band approval decision to whichever Run call
// is waiting on approvalID. A decision for an approvalID nobody is
// waiting on (already timed out, or never requested) is silently dropped.
func (o *Orchestrator) Resolve(approval Approval) {
	if v, ok := o.waiters.LoadAndDelete(approval.ApprovalID); ok {
		ch := v.(chan bool)
		select {
		case ch <- approval.Approved:
		default:
		}
		close(ch)
	}
}

// byToolID indexes candidates by selector.ToolID for O(1) lookup as the
// model references tool calls by that identifier.
func byToolID(candidates []selector.Candidate) map[string]selector.Candidate {
	idx := make(map[string]selector.Candidate, len(candidates))
	for _, c := range candidates {
		idx[c.ToolID] = c
	}
	return idx
}

// Run drains stream, dispatching each tool call against candidates and
// recording an ActionRecord per dispatch, returning the concatenated
// assistant text once the stream signals ChunkDone. Per §5, no partial
// writes of assistant text occur: only the text from chunks actually
// received before completion or cancellation is returned.
func (o *Orchestrator) Run(ctx context.Context, t *models.Turn, candidates []selector.Candidate, stream <-chan Chunk, sink Sink) (string, error) {
	index := byToolID(candidates)
	var assistantText string
	var wg sync.WaitGroup
	var mu sync.Mutex
	var dispatchErr error

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return assistantText, ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				wg.Wait()
				return assistantText, dispatchErr
			}
			switch chunk.Kind {
			case ChunkTextDelta:
				mu.Lock()
				assistantText += chunk.Text
				mu.Unlock()
			case ChunkToolCall:
				candidate, known := index[chunk.ToolID]
				if !known {
					o.logger.Warn("tool call referenced unknown candidate", "tool_id", chunk.ToolID, "turn", t.ID)
					continue
				}
				wg.Add(1)
				go func(c selector.Candidate, ch Chunk) {
					defer wg.Done()
					if err := o.handleToolCall(ctx, t, c, ch, sink); err != nil {
						mu.Lock()
						dispatchErr = err
						mu.Unlock()
					}
				}(candidate, chunk)
			case ChunkDone:
				wg.Wait()
				return assistantText, dispatchErr
			}
		}
	}
}

// handleToolCall processes one model-emitted tool call through dedup,
// gating, dispatch, and recording.
func (o *Orchestrator) handleToolCall(ctx context.Context, t *models.Turn, candidate selector.Candidate, chunk Chunk, sink Sink) error {
	// At-most-once guarantee (§5): a re-emitted identical toolCallId within
	// the same Turn resolves to the already-dispatched invocation instead
	// of firing a second time.
	if inv, already := t.DispatchedInvocation(chunk.ToolCallID); already {
		if sink != nil {
			sink.Emit(ctx, *inv)
		}
		return nil
	}

	args, err := value.FromJSON(chunk.Arguments)
	if err != nil {
		args = value.Obj(nil)
	}

	inv := &models.ToolInvocation{
		ToolCallID:   chunk.ToolCallID,
		OperationRef: candidate.Operation.ID,
		Arguments:    chunk.Arguments,
		State:        models.StateInputStreaming,
	}
	inv.Transition(models.StateInputAvailable)
	t.AddInvocation(inv)
	if sink != nil {
		sink.Emit(ctx, *inv)
	}

	decision := o.gate.Check(t.AgentID, candidate.Operation)
	if decision == confirmation.DecisionPending {
		return o.runApproval(ctx, t, candidate, inv, args, sink)
	}
	return o.dispatch(ctx, t, candidate, inv, args, sink)
}

// runApproval suspends this tool call's branch on an external decision
// while other parallel tool calls proceed (§4.9/§5), recording
// pending_confirmation if the approval window elapses first.
func (o *Orchestrator) runApproval(ctx context.Context, t *models.Turn, candidate selector.Candidate, inv *models.ToolInvocation, args value.Value, sink Sink) error {
	approvalID := fmt.Sprintf("appr_%s", inv.ToolCallID)
	if err := o.gate.RequestApproval(ctx, inv, candidate.Operation, t.AgentID, approvalID); err != nil {
		return err
	}
	if sink != nil {
		sink.Emit(ctx, *inv)
	}

	ch := make(chan bool, 1)
	o.waiters.Store(approvalID, ch)
	defer o.waiters.Delete(approvalID)

	timer := time.NewTimer(o.approvalTTL)
	defer timer.Stop()

	select {
	case approved := <-ch:
		if err := o.gate.Decide(ctx, inv, approved); err != nil {
			return err
		}
		if sink != nil {
			sink.Emit(ctx, *inv)
		}
		if !approved {
			return o.recordRejected(ctx, t, candidate, inv)
		}
		return o.dispatch(ctx, t, candidate, inv, args, sink)
	case <-timer.C:
		// Left in approval_requested: the Turn completes without this
		// call's result per §4.9 step 6. No further state transition.
		return o.actionLog.RecordDispatch(ctx, o.pendingRecord(t, candidate, inv))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) recordRejected(ctx context.Context, t *models.Turn, candidate selector.Candidate, inv *models.ToolInvocation) error {
	inv.Output = confirmation.RejectedBody()
	inv.Transition(models.StateOutputAvailable)
	if err := o.actionLog.RecordDispatch(ctx, &models.ActionRecord{
		OrgID:       t.OrgID,
		UserID:      t.UserID,
		AgentID:     t.AgentID,
		SourceID:    candidate.Operation.SourceID,
		OperationID: candidate.Operation.ID,
		ToolCallID:  inv.ToolCallID,
		Method:      candidate.Operation.Method,
		Status:      models.ActionRejected,
		CreatedAt:   time.Now(),
	}); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) pendingRecord(t *models.Turn, candidate selector.Candidate, inv *models.ToolInvocation) *models.ActionRecord {
	return &models.ActionRecord{
		OrgID:       t.OrgID,
		UserID:      t.UserID,
		AgentID:     t.AgentID,
		SourceID:    candidate.Operation.SourceID,
		OperationID: candidate.Operation.ID,
		ToolCallID:  inv.ToolCallID,
		Method:      candidate.Operation.Method,
		Status:      models.ActionPendingConfirmation,
		CreatedAt:   time.Now(),
	}
}

// dispatch resolves the Source and Credential, calls the Executor, and
// records the ActionRecord, transitioning inv to its terminal state.
func (o *Orchestrator) dispatch(ctx context.Context, t *models.Turn, candidate selector.Candidate, inv *models.ToolInvocation, args value.Value, sink Sink) error {
	src, err := o.sourceOf(ctx, candidate.Operation.SourceID)
	if err != nil {
		return o.fail(ctx, t, candidate, inv, sink, brokererr.New(brokererr.Internal, err).WithOperation(candidate.Operation.ID))
	}

	cred, err := o.resolver.Resolve(ctx, t.OrgID, t.UserID, candidate.Operation.SourceID)
	if err != nil {
		return o.fail(ctx, t, candidate, inv, sink, err)
	}

	start := time.Now()
	result, execErr := o.executor.Execute(ctx, candidate.Operation, args, executor.Context{
		Source:     *src,
		Credential: cred,
		UserID:     t.UserID,
	})
	duration := time.Since(start).Milliseconds()

	rec := &models.ActionRecord{
		OrgID:          t.OrgID,
		UserID:         t.UserID,
		AgentID:        t.AgentID,
		SourceID:       candidate.Operation.SourceID,
		OperationID:    candidate.Operation.ID,
		ToolCallID:     inv.ToolCallID,
		Method:         candidate.Operation.Method,
		URL:            result.URL,
		ResponseStatus: result.Status,
		ResponseBody:   result.RawBody,
		DurationMs:     duration,
		CreatedAt:      time.Now(),
	}

	if execErr != nil {
		inv.ErrorMessage = brokererr.CallerMessage(execErr)
		inv.DurationMs = duration
		inv.Transition(models.StateOutputError)
		rec.Status = models.ActionFailed
		rec.ErrorMessage = inv.ErrorMessage
		if sink != nil {
			sink.Emit(ctx, *inv)
		}
		return o.actionLog.RecordDispatch(ctx, rec)
	}

	summary := executor.Summarize(result)
	out, merr := json.Marshal(map[string]any{
		"_actionchat": map[string]any{
			"tool_id":         candidate.ToolID,
			"tool_name":       candidate.Operation.Name,
			"source_id":       candidate.Operation.SourceID,
			"source_name":     src.Name,
			"method":          candidate.Operation.Method,
			"url":             result.URL,
			"response_status": result.Status,
			"response_body":   result.RawBody,
			"duration_ms":     duration,
		},
		"result": summary,
	})
	if merr != nil {
		return o.fail(ctx, t, candidate, inv, sink, brokererr.New(brokererr.Internal, merr).WithOperation(candidate.Operation.ID))
	}

	inv.Output = out
	inv.DurationMs = duration
	inv.UpstreamStatus = result.Status
	inv.Transition(models.StateOutputAvailable)
	rec.Status = models.ActionCompleted
	if sink != nil {
		sink.Emit(ctx, *inv)
	}
	return o.actionLog.RecordDispatch(ctx, rec)
}

func (o *Orchestrator) fail(ctx context.Context, t *models.Turn, candidate selector.Candidate, inv *models.ToolInvocation, sink Sink, err error) error {
	inv.ErrorMessage = brokererr.CallerMessage(err)
	inv.Transition(models.StateOutputError)
	if sink != nil {
		sink.Emit(ctx, *inv)
	}
	recErr := o.actionLog.RecordDispatch(ctx, &models.ActionRecord{
		OrgID:        t.OrgID,
		UserID:       t.UserID,
		AgentID:      t.AgentID,
		SourceID:     candidate.Operation.SourceID,
		OperationID:  candidate.Operation.ID,
		ToolCallID:   inv.ToolCallID,
		Method:       candidate.Operation.Method,
		Status:       models.ActionFailed,
		ErrorMessage: inv.ErrorMessage,
		CreatedAt:    time.Now(),
	})
	if recErr != nil {
		o.logger.Error("failed to record action after dispatch error", "error", recErr)
	}
	return err
}
