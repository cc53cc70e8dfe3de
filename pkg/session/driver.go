package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentrt/aca/pkg/audit"
	"github.com/agentrt/aca/pkg/llm"
	"github.com/agentrt/aca/pkg/scheduler"
	"github.com/agentrt/aca/pkg/task"
)

// InteractionRecorder receives the outcome of every provider call the
// driver makes; the audit store satisfies it. A nil recorder disables the
// mirror entirely.
type InteractionRecorder interface {
	RecordInteraction(ctx context.Context, in audit.Interaction) error
}

// ErrNoEligibleTasks signals the driver found nothing runnable this tick.
var ErrNoEligibleTasks = errors.New("session: no eligible tasks")

// Driver runs the per-task execution loop: ask the scheduler (C2) for the
// next task via the Task Manager (C3), obtain a rate-limiter permit (C4,
// gated by the circuit breaker C5), send a request through a provider
// dispatcher (C7), record the exchange in the context manager (C6), and
// commit the resulting status back into C1 via C3.
type Driver struct {
	mgr       *Manager
	context   *llm.ContextManager
	provider  string
	idleSleep time.Duration
	recorder  InteractionRecorder
	log       *slog.Logger
}

// NewDriver builds a Driver bound to one provider's dispatcher, already
// registered on mgr via RegisterDispatcher.
func NewDriver(mgr *Manager, contextMgr *llm.ContextManager, provider string, log *slog.Logger) *Driver {
	return &Driver{mgr: mgr, context: contextMgr, provider: provider, idleSleep: time.Second, log: log}
}

// SetRecorder attaches an optional audit mirror for provider interactions.
func (d *Driver) SetRecorder(r InteractionRecorder) { d.recorder = r }

func (d *Driver) recordInteraction(ctx context.Context, resp llm.Response, callErr error) {
	if d.recorder == nil {
		return
	}
	requestID := resp.RequestID
	if requestID == "" {
		// Failed dispatches return no request id; mint one so the audit
		// row still satisfies the unique index.
		requestID = uuid.NewString()
	}
	in := audit.Interaction{
		SessionID:    d.mgr.id,
		Provider:     d.provider,
		RequestID:    requestID,
		Model:        resp.ModelUsed,
		Usage:        resp.Usage,
		Duration:     resp.ExecutionTime,
		ResponseText: resp.Text,
	}
	if callErr != nil {
		if e, ok := llm.AsError(callErr); ok {
			in.ErrorKind = string(e.Kind)
		} else {
			in.ErrorKind = "other"
		}
	}
	if err := d.recorder.RecordInteraction(ctx, in); err != nil {
		d.log.Warn("audit interaction insert failed", "provider", d.provider, "error", err)
	}
}

// RunOnce performs a single select-dispatch-commit cycle, returning
// ErrNoEligibleTasks when the tree currently has nothing runnable.
func (d *Driver) RunOnce(ctx context.Context, promptFor func(*task.Task) string) error {
	dispatcher, ok := d.mgr.Dispatcher(d.provider)
	if !ok {
		return errors.New("session: no dispatcher registered for provider " + d.provider)
	}

	selection := d.mgr.scheduler.Select(d.mgr.tree, scheduler.ResourceUsage{})
	if selection == nil {
		return ErrNoEligibleTasks
	}

	tk, err := d.mgr.tasks.Get(selection.ID)
	if err != nil {
		return err
	}

	estimatedCompletion := time.Now().Add(tk.Metadata.ResolvedDuration())
	if err := d.mgr.tasks.Start(tk.ID, &estimatedCompletion); err != nil {
		return err
	}

	prompt := promptFor(tk)
	if _, err := d.context.AddMessage(tk.ID, llm.ConversationMessage{Role: llm.RoleUser, Content: prompt}); err != nil {
		d.log.Warn("failed to record outgoing message in context manager", "task_id", tk.ID, "error", err)
	}

	logDir := d.mgr.store.Layout().ProviderInteractionsDir(d.provider)
	resp, err := dispatcher.Execute(ctx, llm.Request{SessionID: d.mgr.id, Prompt: prompt}, logDir)
	if e, ok := llm.AsError(err); ok && e.Kind == llm.ErrKindContextTooLarge {
		// Prune the conversation and retry once with the same prompt.
		if _, optErr := d.context.Optimize(d.mgr.id); optErr == nil {
			resp, err = dispatcher.Execute(ctx, llm.Request{SessionID: d.mgr.id, Prompt: prompt}, logDir)
		}
	}
	d.recordInteraction(ctx, resp, err)
	if err != nil {
		d.mgr.scheduler.RecordOutcome(tk.ID, false)
		if e, ok := llm.AsError(err); ok && !e.Retryable() {
			d.mgr.LogError(string(e.Kind), tk.ID, e.Message)
		}
		if failErr := d.mgr.tasks.Fail(tk.ID, err.Error()); failErr != nil {
			if !errors.Is(failErr, task.ErrMaxRetriesExceeded) {
				return failErr
			}
			// Terminal for this task only; the session keeps running.
			d.mgr.LogError("max_retries_exceeded", tk.ID, err.Error())
		}
		return err
	}

	if _, err := d.context.AddMessage(tk.ID, llm.ConversationMessage{Role: llm.RoleAssistant, Content: resp.Text}); err != nil {
		d.log.Warn("failed to record response in context manager", "task_id", tk.ID, "error", err)
	}

	d.mgr.scheduler.RecordOutcome(tk.ID, true)
	d.mgr.usage.RecordUsage(d.mgr.id, resp.Usage, resp.ExecutionTime)
	return d.mgr.tasks.Complete(tk.ID, task.Result{Output: map[string]string{"response": resp.Text}})
}

// Run drives RunOnce in a loop until ctx is cancelled, sleeping idleSleep
// whenever there is nothing eligible to run.
func (d *Driver) Run(ctx context.Context, promptFor func(*task.Task) string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if unblocked := d.mgr.tasks.RetryIfDue(); len(unblocked) > 0 {
			d.log.Info("blocked tasks returned to pending", "count", len(unblocked))
		}

		if err := d.RunOnce(ctx, promptFor); err != nil {
			if errors.Is(err, ErrNoEligibleTasks) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(d.idleSleep):
				}
				continue
			}
			d.log.Error("driver iteration failed", "error", err)
		}
	}
}
