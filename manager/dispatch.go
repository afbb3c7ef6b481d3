package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/llm"
	"github.com/structhub/buildlens/planner"
	"github.com/structhub/buildlens/session"
	"github.com/structhub/buildlens/stream"
	"github.com/structhub/buildlens/worker"
)

// stepResult pairs a plan step with its dispatch result. Exactly one of
// result and err is set.
type stepResult struct {
	step   planner.Step
	result *worker.Result
	err    error
}

// dispatchBatch runs one or more steps against the same state snapshot.
// Single-step batches run inline; larger batches run concurrently and
// yield results in completion order.
func (m *Manager) dispatchBatch(ctx context.Context, sessionID, tag string, batch []planner.Step) ([]stepResult, error) {
	snap, err := m.store.Read(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if len(batch) == 1 {
		return []stepResult{m.dispatchStep(ctx, sessionID, tag, batch[0], snap)}, nil
	}

	// Concurrent batch: if any step pauses or fails fatally the others
	// are cancelled at their next I/O boundary.
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan stepResult, len(batch))
	for _, step := range batch {
		go func(step planner.Step) {
			sr := m.dispatchStep(batchCtx, sessionID, tag, step, snap)
			if sr.err == nil && sr.result.Outcome != worker.OutcomeOK &&
				sr.result.Outcome != worker.OutcomeRecoverableError {
				cancel()
			}
			results <- sr
		}(step)
	}

	ordered := make([]stepResult, 0, len(batch))
	for range batch {
		ordered = append(ordered, <-results)
	}
	return ordered, nil
}

// dispatchStep allocates a brain choice, announces the step, and runs
// the worker with retries.
func (m *Manager) dispatchStep(ctx context.Context, sessionID, tag string, step planner.Step, snap *session.AppState) stepResult {
	w, err := m.registry.Get(step.Worker)
	if err != nil {
		return stepResult{step: step, err: err}
	}
	desc := w.Descriptor()

	hint := brain.HintMedium
	if desc.Complexity != nil {
		hint = desc.Complexity(snap)
	}
	choice := m.allocator.Allocate(step.Worker, hint, tag, snap)

	m.broadcaster.Publish(stream.NewEvent(stream.EventBrainAllocation, sessionID,
		stream.BrainAllocationData{
			AgentName:            step.Worker,
			ModelSelected:        choice.Model,
			ModelTier:            string(choice.Tier),
			Reasoning:            choice.Rationale,
			ComplexityAssessment: choice.ComplexityAssessment,
			ContextWindow:        choice.ContextWindow,
			FactorsConsidered:    choice.Factors,
		}))

	m.emitSubstep(sessionID, step.Worker, stream.SubstepInitializing, 0, nil)

	result, err := m.dispatch(ctx, sessionID, w, snap, choice)
	return stepResult{step: step, result: result, err: err}
}

// dispatch runs one worker with the retry policy: transient failures
// retry with exponential backoff, fatal failures and context ends do
// not. Retries leave no trace in state.
func (m *Manager) dispatch(ctx context.Context, sessionID string, w worker.Worker, snap *session.AppState, choice brain.Choice) (*worker.Result, error) {
	name := w.Descriptor().Name

	var lastErr error
	for attempt := 0; attempt <= m.retryBudget; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(m.retryBaseDelay, m.retryMaxDelay, attempt)
			dispatchRetries.WithLabelValues(name).Inc()
			m.emitError(sessionID,
				fmt.Sprintf("%s attempt %d failed: %v", name, attempt, lastErr),
				stream.SeverityLow, "retrying", true, []string{name}, false)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		dctx, cancel := context.WithTimeout(ctx, m.dispatchTimeout)
		start := time.Now()
		result, err := w.Run(dctx, snap, choice)
		cancel()

		if err == nil {
			dispatchDuration.WithLabelValues(name, string(result.Outcome)).Observe(time.Since(start).Seconds())
			return result, nil
		}
		dispatchDuration.WithLabelValues(name, "error").Observe(time.Since(start).Seconds())
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if llm.IsFatal(err) {
			// Auth and configuration failures do not improve on retry.
			return nil, err
		}

		m.logger.Warn("Worker dispatch failed",
			"session_id", sessionID,
			"worker", name,
			"attempt", attempt+1,
			"error", err)
	}

	return nil, fmt.Errorf("worker %s: retry budget exhausted: %w", name, lastErr)
}

// backoffDelay doubles from base per attempt, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// nextParallelBatch extends a batch while consecutive steps have
// disjoint requires and produces and no step consumes what an earlier
// one in the batch produces.
func nextParallelBatch(steps []planner.Step, reg *worker.Registry) []planner.Step {
	batch := []planner.Step{steps[0]}
	seen := fieldSet(steps[0], reg)

	for _, step := range steps[1:] {
		if step.Skip {
			break
		}
		fields := fieldSet(step, reg)
		if intersects(seen, fields) {
			break
		}
		batch = append(batch, step)
		for f := range fields {
			seen[f] = true
		}
	}
	return batch
}

// fieldSet is the union of a step's requires and produces.
func fieldSet(step planner.Step, reg *worker.Registry) map[string]bool {
	fields := map[string]bool{}
	desc, err := reg.Descriptor(step.Worker)
	if err != nil {
		return fields
	}
	for _, f := range desc.Requires {
		fields[f] = true
	}
	for _, f := range desc.Produces {
		fields[f] = true
	}
	return fields
}

func intersects(a, b map[string]bool) bool {
	for f := range b {
		if a[f] {
			return true
		}
	}
	return false
}
