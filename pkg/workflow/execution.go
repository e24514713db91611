package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/module-comms/pkg/commserr"
)

type execution struct {
	def  *compiled
	snap Execution
	doc  []byte

	mu        sync.Mutex
	cancelled bool
	paused    bool
	retrying  int
	wake      chan struct{}
	abortWait context.CancelFunc
}

func newExecution(c *compiled, doc []byte, triggerEventID string) *execution {
	return &execution{
		def: c,
		doc: doc,
		snap: Execution{
			ID:             newExecutionID(),
			WorkflowID:     c.def.ID,
			TriggerEventID: triggerEventID,
			Status:         StatusPending,
			CompletedSteps: []string{},
			StepResults:    make(map[string]StepResult),
			StartedAt:      time.Now().UTC(),
		},
		wake: make(chan struct{}, 1),
	}
}

func (x *execution) snapshot() Execution {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.snap
	s.CompletedSteps = append([]string{}, x.snap.CompletedSteps...)
	s.SkippedSteps = append([]string(nil), x.snap.SkippedSteps...)
	s.FailedSteps = append([]string(nil), x.snap.FailedSteps...)
	s.StepResults = make(map[string]StepResult, len(x.snap.StepResults))
	for k, v := range x.snap.StepResults {
		s.StepResults[k] = v
	}
	s.Context = decodeDoc(x.doc)
	return s
}

func (x *execution) status() Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snap.Status
}

func (x *execution) finishedBefore(cutoff time.Time) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snap.Status.Terminal() && x.snap.CompletedAt != nil && x.snap.CompletedAt.Before(cutoff)
}

func (x *execution) signal() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}

func (x *execution) requestCancel() bool {
	x.mu.Lock()
	if x.snap.Status.Terminal() || x.cancelled {
		x.mu.Unlock()
		return false
	}
	x.cancelled = true
	abort := x.abortWait
	x.mu.Unlock()
	if abort != nil {
		abort()
	}
	x.signal()
	return true
}

func (x *execution) isCancelled() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cancelled
}

func (x *execution) pause() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.snap.Status.Terminal() || x.cancelled {
		return commserr.InvalidArgument("execution %s is %s", x.snap.ID, x.snap.Status)
	}
	x.paused = true
	x.snap.Status = StatusPaused
	return nil
}

func (x *execution) resume() error {
	x.mu.Lock()
	if !x.paused {
		x.mu.Unlock()
		return commserr.InvalidArgument("execution %s is not paused", x.snap.ID)
	}
	x.paused = false
	x.snap.Status = StatusRunning
	x.mu.Unlock()
	x.signal()
	return nil
}

// setActive moves between Running and Retrying unless a pause or cancel is pending.
func (x *execution) setActive(delta int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.retrying += delta
	if x.paused || x.cancelled || x.snap.Status.Terminal() {
		return
	}
	if x.retrying > 0 {
		x.snap.Status = StatusRetrying
	} else {
		x.snap.Status = StatusRunning
	}
}

func (x *execution) waitIfPaused(ctx context.Context) error {
	for {
		x.mu.Lock()
		held := x.paused && !x.cancelled
		x.mu.Unlock()
		if !held {
			return nil
		}
		select {
		case <-x.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ready returns the steps whose dependencies have all completed, in
// definition order.
func (x *execution) ready() (ready []*compiledStep, remaining int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	done := make(map[string]bool, len(x.snap.CompletedSteps))
	for _, id := range x.snap.CompletedSteps {
		done[id] = true
	}
	for _, cs := range x.def.steps {
		if _, seen := x.snap.StepResults[cs.ID]; seen {
			continue
		}
		remaining++
		satisfied := true
		for _, dep := range cs.DependsOn {
			if !done[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, cs)
		}
	}
	return ready, remaining
}

func (x *execution) contextDoc() []byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]byte(nil), x.doc...)
}

func (x *execution) markRunning(cs *compiledStep) time.Time {
	now := time.Now().UTC()
	x.mu.Lock()
	defer x.mu.Unlock()
	x.snap.CurrentStepIndex = cs.index
	x.snap.StepResults[cs.ID] = StepResult{StepID: cs.ID, Status: StepRunning, StartedAt: now}
	return now
}

func (x *execution) markSkipped(cs *compiledStep) {
	now := time.Now().UTC()
	x.mu.Lock()
	defer x.mu.Unlock()
	x.snap.StepResults[cs.ID] = StepResult{StepID: cs.ID, Status: StepSkipped, StartedAt: now, FinishedAt: &now}
	x.snap.CompletedSteps = append(x.snap.CompletedSteps, cs.ID)
	x.snap.SkippedSteps = append(x.snap.SkippedSteps, cs.ID)
}

func (x *execution) markCompleted(cs *compiledStep, started time.Time, out map[string]interface{}, attempts int) error {
	now := time.Now().UTC()
	x.mu.Lock()
	defer x.mu.Unlock()
	doc, err := applyOutput(x.doc, cs.ID, out, cs.OutputMapping)
	if err != nil {
		return err
	}
	x.doc = doc
	x.snap.StepResults[cs.ID] = StepResult{
		StepID: cs.ID, Status: StepCompleted, Output: out,
		Attempts: attempts, StartedAt: started, FinishedAt: &now,
	}
	x.snap.CompletedSteps = append(x.snap.CompletedSteps, cs.ID)
	return nil
}

func (x *execution) markFailed(cs *compiledStep, started time.Time, err error, attempts int) {
	now := time.Now().UTC()
	x.mu.Lock()
	defer x.mu.Unlock()
	x.snap.StepResults[cs.ID] = StepResult{
		StepID: cs.ID, Status: StepFailed, Error: err.Error(),
		Attempts: attempts, StartedAt: started, FinishedAt: &now,
	}
	x.snap.FailedSteps = append(x.snap.FailedSteps, cs.ID)
}

// finish moves the execution to a terminal status once.
func (x *execution) finish(status Status, errText string) bool {
	now := time.Now().UTC()
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.snap.Status.Terminal() {
		return false
	}
	x.snap.Status = status
	x.snap.Error = errText
	x.snap.CompletedAt = &now
	x.paused = false
	return true
}

// run drives an execution wave by wave until it reaches a terminal status.
func (e *Engine) run(x *execution) {
	defer e.work.Done()

	acquireCtx, stopWaiting := context.WithCancel(e.ctx)
	x.mu.Lock()
	x.abortWait = stopWaiting
	x.mu.Unlock()
	err := e.sem.Acquire(acquireCtx, 1)
	stopWaiting()
	if err != nil {
		if x.isCancelled() {
			e.complete(x, StatusCancelled, "cancelled before start")
		} else {
			e.complete(x, StatusCancelled, "engine stopped before start")
		}
		return
	}
	defer e.sem.Release(1)

	runCtx, cancel := e.ctx, context.CancelFunc(func() {})
	if x.def.def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(e.ctx, x.def.def.Timeout)
	}
	defer cancel()

	runCtx, span := e.tracer.Start(runCtx, "workflow.execute")
	span.SetAttributes(
		attribute.String("workflow.id", x.def.def.ID),
		attribute.String("workflow.execution_id", x.snap.ID),
	)
	defer span.End()

	x.setActive(0)
	e.publishLifecycle(x, EventStarted)

	for {
		if err := x.waitIfPaused(runCtx); err != nil {
			e.stopOnContext(x)
			return
		}
		if x.isCancelled() {
			e.complete(x, StatusCancelled, "")
			return
		}
		if runCtx.Err() != nil {
			e.stopOnContext(x)
			return
		}

		wave, remaining := x.ready()
		if remaining == 0 {
			e.complete(x, StatusCompleted, "")
			return
		}
		if len(wave) == 0 {
			e.complete(x, StatusFailed, "no runnable steps remain")
			return
		}
		if !x.def.def.ParallelExecution {
			wave = wave[:1]
		}

		// Siblings in a wave run to completion even if one fails.
		var g errgroup.Group
		for _, cs := range wave {
			g.Go(func() error { return e.runStep(runCtx, x, cs) })
		}
		if err := g.Wait(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.complete(x, StatusFailed, err.Error())
			return
		}
	}
}

func (e *Engine) stopOnContext(x *execution) {
	if e.ctx.Err() != nil {
		e.complete(x, StatusCancelled, "engine stopped")
		return
	}
	e.complete(x, StatusFailed, fmt.Sprintf("workflow timed out after %s", x.def.def.Timeout))
}

func (e *Engine) complete(x *execution, status Status, errText string) {
	if !x.finish(status, errText) {
		return
	}
	var name string
	switch status {
	case StatusCompleted:
		e.completed.Add(1)
		name = EventCompleted
	case StatusFailed:
		e.failed.Add(1)
		name = EventFailed
	default:
		e.cancelled.Add(1)
		name = EventCancelled
	}
	if errText != "" {
		slog.Warn(fmt.Sprintf("%s - Execution %s (%s) %s: %s", logPrefix, x.snap.ID, x.def.def.ID, status, errText))
	} else {
		slog.Info(fmt.Sprintf("%s - Execution %s (%s) %s", logPrefix, x.snap.ID, x.def.def.ID, status))
	}
	e.publishLifecycle(x, name)
}

func (e *Engine) runStep(ctx context.Context, x *execution, cs *compiledStep) error {
	ctx, span := e.tracer.Start(ctx, "workflow.step")
	span.SetAttributes(
		attribute.String("workflow.step_id", cs.ID),
		attribute.String("workflow.handler", cs.Handler),
	)
	defer span.End()

	doc := x.contextDoc()
	if !cs.cond.eval(doc) {
		x.markSkipped(cs)
		span.SetAttributes(attribute.Bool("workflow.skipped", true))
		slog.Debug(fmt.Sprintf("%s - Step %s of %s skipped by condition", logPrefix, cs.ID, x.snap.ID))
		return nil
	}

	started := x.markRunning(cs)
	input, err := buildInput(doc, cs.InputMapping)
	if err != nil {
		x.markFailed(cs, started, err, 0)
		return fmt.Errorf("step %s: %w", cs.ID, err)
	}

	timeout := cs.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBackoff
	bo.MaxInterval = 10 * e.cfg.RetryBackoff
	bo.Reset()

	for attempt := 1; ; attempt++ {
		out, err := invokeStep(ctx, cs.fn, input, timeout)
		if err == nil {
			if err := x.markCompleted(cs, started, out, attempt); err != nil {
				x.markFailed(cs, started, err, attempt)
				return fmt.Errorf("step %s: %w", cs.ID, err)
			}
			return nil
		}
		if attempt > cs.MaxRetries || ctx.Err() != nil || x.isCancelled() {
			x.markFailed(cs, started, err, attempt)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("step %s: %w", cs.ID, err)
		}

		wait := bo.NextBackOff()
		slog.Warn(fmt.Sprintf("%s - Step %s of %s failed (attempt %d/%d), retrying in %s: %v",
			logPrefix, cs.ID, x.snap.ID, attempt, cs.MaxRetries+1, wait, err))
		x.setActive(1)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		x.setActive(-1)
	}
}

// invokeStep calls fn with a deadline. A handler that overruns its deadline
// is abandoned and its eventual result discarded.
func invokeStep(ctx context.Context, fn StepFunc, input map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out map[string]interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: commserr.Newf(commserr.CodeHandlerFailure, "step panicked: %v", r)}
			}
		}()
		out, err := fn(stepCtx, input)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, commserr.Wrap(commserr.CodeTimeout, o.err, fmt.Sprintf("step exceeded %s", timeout))
		}
		return o.out, o.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, commserr.Newf(commserr.CodeTimeout, "step exceeded %s", timeout)
	}
}

// Compensate runs the compensation handlers of completed steps in reverse
// completion order. Only failed or cancelled executions can be compensated,
// and each step is compensated at most once. It returns the compensated step
// ids; handler failures are joined into the error without stopping the rest.
func (e *Engine) Compensate(ctx context.Context, executionID string) ([]string, error) {
	x, err := e.lookup(executionID)
	if err != nil {
		return nil, err
	}
	s := x.snapshot()
	if s.Status != StatusFailed && s.Status != StatusCancelled {
		return nil, commserr.InvalidArgument("execution %s is %s; only failed or cancelled executions can be compensated", executionID, s.Status)
	}

	var compensated []string
	var errs []error
	for i := len(s.CompletedSteps) - 1; i >= 0; i-- {
		id := s.CompletedSteps[i]
		res := s.StepResults[id]
		cs := x.def.byID[id]
		if res.Status != StepCompleted || cs.compensate == nil {
			continue
		}
		input := map[string]interface{}{
			"stepId":  id,
			"output":  res.Output,
			"context": s.Context,
		}
		timeout := cs.Timeout
		if timeout <= 0 {
			timeout = e.cfg.DefaultStepTimeout
		}
		if _, err := invokeStep(ctx, cs.compensate, input, timeout); err != nil {
			errs = append(errs, fmt.Errorf("compensate %s: %w", id, err))
			slog.Error(fmt.Sprintf("%s - Compensation of step %s in %s failed: %v", logPrefix, id, executionID, err))
			continue
		}
		x.mu.Lock()
		r := x.snap.StepResults[id]
		r.Status = StepCompensated
		x.snap.StepResults[id] = r
		x.mu.Unlock()
		compensated = append(compensated, id)
	}
	slog.Info(fmt.Sprintf("%s - Compensated %d steps of %s", logPrefix, len(compensated), executionID))
	if len(errs) > 0 {
		return compensated, commserr.Wrap(commserr.CodeHandlerFailure, errors.Join(errs...), "compensation incomplete")
	}
	return compensated, nil
}
