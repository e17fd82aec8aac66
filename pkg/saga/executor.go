package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/signal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxConcurrentRuns bounds the runs one executor drives at the same time.
	DefaultMaxConcurrentRuns = 256
	// DefaultCompensationTimeout bounds one attempt of an undo action.
	DefaultCompensationTimeout = 30 * time.Second
)

var errCancellationRequested = errors.New("cancellation requested")

// Executor drives saga runs. Each run executes on its own goroutine; callers
// observe it through snapshots and may cancel it at any time.
type Executor struct {
	store       RunStore
	journal     Journal
	bus         signal.Bus
	steps       *StepExecutor
	metrics     MetricsRecorder
	logger      logger.Logger
	idempotency IdempotencyStore

	compensationRetry   RetryPolicy
	compensationTimeout time.Duration

	baseCtx context.Context
	now     func() time.Time

	sema chan struct{}
	mu   sync.RWMutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithRunStore persists snapshots after creation and at the end of every run.
func WithRunStore(store RunStore) Option {
	return func(e *Executor) {
		e.store = store
	}
}

// WithJournal records every transition and step event.
func WithJournal(journal Journal) Option {
	return func(e *Executor) {
		e.journal = journal
	}
}

// WithSignalBus lets runs receive cancel signals published by other processes.
func WithSignalBus(bus signal.Bus) Option {
	return func(e *Executor) {
		e.bus = bus
	}
}

// WithStepExecutor replaces the step executor used for forward and undo actions.
func WithStepExecutor(steps *StepExecutor) Option {
	return func(e *Executor) {
		if steps != nil {
			e.steps = steps
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder MetricsRecorder) Option {
	return func(e *Executor) {
		if recorder != nil {
			e.metrics = recorder
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.logger = log
		}
	}
}

// WithIdempotencyStore sets where successful undo actions are remembered.
func WithIdempotencyStore(store IdempotencyStore) Option {
	return func(e *Executor) {
		if store != nil {
			e.idempotency = store
		}
	}
}

// WithCompensationRetry sets the retry policy and per-attempt timeout of undo actions.
func WithCompensationRetry(policy RetryPolicy, timeout time.Duration) Option {
	return func(e *Executor) {
		e.compensationRetry = policy
		if timeout > 0 {
			e.compensationTimeout = timeout
		}
	}
}

// WithMaxConcurrentRuns bounds how many runs execute at once. Start blocks while
// the executor is at capacity.
func WithMaxConcurrentRuns(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.sema = make(chan struct{}, n)
		}
	}
}

// WithBaseContext sets the context runs execute under. Cancelling it aborts
// in-flight step attempts; runs then compensate.
func WithBaseContext(ctx context.Context) Option {
	return func(e *Executor) {
		if ctx != nil {
			e.baseCtx = ctx
		}
	}
}

// NewExecutor creates an executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		metrics:             nopMetricsRecorder{},
		logger:              logger.Global(),
		idempotency:         NewInMemoryIdempotencyStore(),
		compensationRetry:   DefaultRetryPolicy(),
		compensationTimeout: DefaultCompensationTimeout,
		baseCtx:             context.Background(),
		now:                 func() time.Time { return time.Now().UTC() },
		sema:                make(chan struct{}, DefaultMaxConcurrentRuns),
		runs:                make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.steps == nil {
		e.steps = NewStepExecutor(WithStepMetrics(e.metrics), WithStepLogger(e.logger))
	}
	return e
}

// Start begins a run of def for input under runID and returns immediately. The
// run id must be unique across the executor and its run store.
func (e *Executor) Start(ctx context.Context, runID string, def *Definition, input any) (*RunHandle, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id cannot be empty")
	}
	if def == nil {
		return nil, fmt.Errorf("saga definition cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if _, ok := e.lookup(runID); ok {
		return nil, duplicateRun(runID)
	}
	if e.store != nil {
		_, err := e.store.Get(ctx, runID)
		switch {
		case err == nil:
			return nil, duplicateRun(runID)
		case !errors.Is(err, ErrRunNotFound):
			return nil, fmt.Errorf("look up run %s: %w", runID, err)
		}
	}

	select {
	case e.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r := e.newRun(runID, def, input)
	e.mu.Lock()
	if _, exists := e.runs[runID]; exists {
		e.mu.Unlock()
		<-e.sema
		return nil, duplicateRun(runID)
	}
	e.runs[runID] = r
	e.mu.Unlock()

	abort := func(err error) (*RunHandle, error) {
		e.mu.Lock()
		delete(e.runs, runID)
		e.mu.Unlock()
		<-e.sema
		return nil, err
	}
	if err := e.record(ctx, JournalEntry{RunID: runID, Type: EntryRunCreated, Status: r.status}); err != nil {
		return abort(err)
	}
	if e.store != nil {
		if err := e.store.Save(ctx, r.snapshot()); err != nil {
			return abort(fmt.Errorf("save run %s: %w", runID, err))
		}
	}

	stopSignals := e.listen(r)
	e.wg.Add(1)
	go e.drive(r, stopSignals)

	return &RunHandle{exec: e, run: r}, nil
}

// Cancel asks runID to stop. It returns nil once the run has switched to
// cancelling, or an error of kind KindCancellationRejected when the run is
// already compensating or finished.
func (e *Executor) Cancel(ctx context.Context, runID string) error {
	r, ok := e.lookup(runID)
	if !ok {
		if e.store != nil {
			snapshot, err := e.store.Get(ctx, runID)
			switch {
			case err == nil:
				if rejection := cancelRejection(snapshot.Status, false); rejection != nil {
					e.metrics.RecordCancellation("rejected")
					return rejection
				}
				return fmt.Errorf("run %s is not driven by this executor", runID)
			case !errors.Is(err, ErrRunNotFound):
				return err
			}
		}
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if rejection := cancelRejection(r.current.Load().Status, false); rejection != nil {
		e.metrics.RecordCancellation("rejected")
		return rejection
	}

	req := cancelRequest{reply: make(chan error, 1)}
	select {
	case r.cancelCh <- req:
		err := <-req.reply
		if err != nil {
			e.metrics.RecordCancellation("rejected")
			return err
		}
		e.metrics.RecordCancellation("accepted")
		return nil
	case <-r.done:
		e.metrics.RecordCancellation("rejected")
		return cancelRejection(r.current.Load().Status, false)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest snapshot of runID, falling back to the run store
// for runs this executor no longer holds.
func (e *Executor) Snapshot(ctx context.Context, runID string) (Snapshot, error) {
	if r, ok := e.lookup(runID); ok {
		return r.snapshot(), nil
	}
	if e.store != nil {
		return e.store.Get(ctx, runID)
	}
	return Snapshot{}, ErrRunNotFound
}

// Handle returns the handle of a run held in memory.
func (e *Executor) Handle(runID string) (*RunHandle, error) {
	r, ok := e.lookup(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return &RunHandle{exec: e, run: r}, nil
}

// Release drops a finished run from memory. Its snapshot stays in the run store.
func (e *Executor) Release(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	select {
	case <-r.done:
	default:
		return fmt.Errorf("run %s is still active", runID)
	}
	delete(e.runs, runID)
	r.stack.Forget()
	return nil
}

// ActiveRuns returns the ids of runs that have not finished.
func (e *Executor) ActiveRuns() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.runs))
	for id, r := range e.runs {
		select {
		case <-r.done:
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

// Wait blocks until every started run has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Shutdown waits for in-flight runs until ctx expires.
func (e *Executor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown with %d runs in flight: %w", len(e.ActiveRuns()), ctx.Err())
	}
}

func (e *Executor) lookup(runID string) (*run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[runID]
	return r, ok
}

func (e *Executor) newRun(runID string, def *Definition, input any) *run {
	now := e.now()
	r := &run{
		id:        runID,
		def:       def,
		input:     input,
		now:       e.now,
		status:    StatusPending,
		results:   make(map[string]any),
		published: make(map[string]string),
		createdAt: now,
		cancelCh:  make(chan cancelRequest),
		done:      make(chan struct{}),
		stack:     NewCompensationStack(runID, e.steps, e.compensationRetry, e.compensationTimeout, e.idempotency),
	}
	r.machine = newLifecycle(def,
		func() Status { return r.status },
		func(s Status) { r.status = s },
		func(ctx context.Context, from, to Status) {
			r.publish()
			e.logger.DebugContext(ctx, "saga status changed",
				"run_id", r.id,
				"from", from,
				"to", to,
			)
		},
	)
	r.publish()
	return r
}

// listen forwards cancel signals addressed to r into Cancel. The returned func
// stops the listener.
func (e *Executor) listen(r *run) func() {
	if e.bus == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	ch, err := e.bus.Subscribe(ctx, r.id)
	if err != nil {
		cancel()
		e.logger.Warn("saga run not subscribed to signals", "run_id", r.id, "error", err)
		return func() {}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if sig.Type != signal.SignalCancel {
					continue
				}
				payload, _ := signal.ParseCancelPayload(sig)
				reason := ""
				if payload != nil {
					reason = payload.Reason
				}
				if err := e.Cancel(ctx, r.id); err != nil {
					e.logger.InfoContext(ctx, "cancel signal not applied",
						"run_id", r.id,
						"reason", reason,
						"error", err,
					)
					continue
				}
				e.logger.InfoContext(ctx, "cancel signal applied", "run_id", r.id, "reason", reason)
			}
		}
	}()

	return func() {
		cancel()
		if err := e.bus.Unsubscribe(r.id); err != nil {
			e.logger.Warn("unsubscribe saga run from signals", "run_id", r.id, "error", err)
		}
		wg.Wait()
	}
}

func (e *Executor) drive(r *run, stopSignals func()) {
	defer e.wg.Done()
	defer func() { <-e.sema }()

	ctx, span := sagaTracer().Start(e.baseCtx, spanSagaRun, trace.WithAttributes(
		attribute.String("saga.name", r.def.Name),
		attribute.String("saga.run_id", r.id),
	))
	defer span.End()

	e.metrics.IncActiveRuns()
	defer e.metrics.DecActiveRuns()

	start := time.Now()
	e.logger.InfoContext(ctx, "saga run started", "run_id", r.id, "saga", r.def.Name)

	execErr := e.execute(ctx, r)
	e.settleSafely(ctx, r, execErr)
	e.finish(ctx, r, start, span)

	close(r.done)
	stopSignals()
}

// execute runs the forward steps in order. It returns nil when the run completed
// or was cancelled, and the failure that must trigger compensation otherwise.
func (e *Executor) execute(ctx context.Context, r *run) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = internalError("panic in run %s: %v", r.id, rec)
		}
	}()

	for _, step := range r.def.steps {
		if r.cancelled {
			return nil
		}
		if err := e.fire(ctx, r, triggerAdvance, step.Name); err != nil {
			return err
		}
		if err := e.record(ctx, JournalEntry{RunID: r.id, Step: step.Name, Type: EntryStepStarted, Status: r.status}); err != nil {
			return err
		}

		res := e.runStep(ctx, r, step)
		if res.Err != nil {
			if err := e.record(ctx, JournalEntry{
				RunID:  r.id,
				Step:   step.Name,
				Type:   EntryStepFailed,
				Status: r.status,
				Data:   []byte(res.Err.Error()),
			}); err != nil {
				e.logger.ErrorContext(ctx, "journal step failure", "run_id", r.id, "step", step.Name, "error", err)
			}
			if r.cancelled {
				// The cancel stays the reason; the in-flight failure is kept as detail.
				r.cause = &Error{Kind: KindCancelled, Err: errorList{errCancellationRequested, res.Err}}
				r.publish()
				e.logger.InfoContext(ctx, "step failed after cancellation", "run_id", r.id, "step", step.Name, "error", res.Err)
				return nil
			}
			return res.Err
		}
		if err := e.commit(ctx, r, step, res.Value); err != nil {
			return err
		}
	}

	if r.cancelled {
		return nil
	}
	return e.fire(ctx, r, triggerAdvance, "")
}

// runStep executes step while still serving cancel requests. A step that is
// already in flight runs to its own end; its committed effect is then undone.
func (e *Executor) runStep(ctx context.Context, r *run, step *Step) StepResult {
	stepCtx := r.stepContext(step.Name)
	resultCh := make(chan StepResult, 1)
	go func() {
		resultCh <- e.steps.Execute(ctx, step.Name, step.Timeout, step.Retry, func(ctx context.Context) (any, error) {
			return step.Action(ctx, stepCtx)
		})
	}()

	for {
		select {
		case res := <-resultCh:
			return res
		case req := <-r.cancelCh:
			req.reply <- e.acceptCancel(ctx, r)
		}
	}
}

func (e *Executor) acceptCancel(ctx context.Context, r *run) error {
	if rejection := cancelRejection(r.status, r.cancelled); rejection != nil {
		return rejection
	}
	r.cancelled = true
	r.cause = &Error{Kind: KindCancelled, Err: errCancellationRequested}

	if err := e.fire(ctx, r, triggerCancel, ""); err != nil {
		if r.status != StatusCancelling {
			r.cancelled = false
			r.cause = nil
			return err
		}
		e.logger.ErrorContext(ctx, "journal cancellation", "run_id", r.id, "error", err)
	}
	if err := e.record(ctx, JournalEntry{RunID: r.id, Type: EntryCancelRequested, Status: r.status}); err != nil {
		e.logger.ErrorContext(ctx, "journal cancellation", "run_id", r.id, "error", err)
	}
	e.logger.InfoContext(ctx, "saga run cancelling", "run_id", r.id)
	return nil
}

func (e *Executor) commit(ctx context.Context, r *run, step *Step, value any) error {
	r.results[step.Name] = value
	r.completed = append(r.completed, step.Name)
	if step.ResultKey != "" && value != nil {
		r.published[step.ResultKey] = fmt.Sprint(value)
	}
	if step.Compensate != nil && value != nil {
		if undo := step.Compensate(value); undo != nil {
			if err := r.stack.Push(CompensationEntry{Step: step.Name, Name: step.CompensationName, Undo: undo}); err != nil {
				return internalError("register compensation of %s: %v", step.Name, err)
			}
		}
	}
	r.publish()
	return e.record(ctx, JournalEntry{RunID: r.id, Step: step.Name, Type: EntryStepCompleted, Status: r.status})
}

func (e *Executor) settleSafely(ctx context.Context, r *run, execErr error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.ErrorContext(ctx, "panic while settling saga run", "run_id", r.id, "panic", rec)
			if r.cause == nil {
				r.cause = internalError("panic while settling run: %v", rec)
			}
			if !r.status.IsTerminal() {
				r.status = StatusPartiallyCompensated
			}
		}
	}()
	e.settle(ctx, r, execErr)
}

// settle moves the run into a terminal status, unwinding the compensation stack
// when the run failed or was cancelled.
func (e *Executor) settle(ctx context.Context, r *run, execErr error) {
	ctx = context.WithoutCancel(ctx)

	switch {
	case r.status == StatusCompleted:
		if execErr != nil {
			e.logger.ErrorContext(ctx, "saga run completed with bookkeeping error", "run_id", r.id, "error", execErr)
		}
	case r.cancelled:
		e.unwind(ctx, r)
	default:
		if execErr == nil {
			execErr = internalError("run stopped in status %s", r.status)
		}
		r.cause = execErr
		e.transition(ctx, r, triggerFail, StatusCompensating)
		e.unwind(ctx, r)
	}
}

func (e *Executor) unwind(ctx context.Context, r *run) {
	rolledBack := StatusFailed
	if r.status == StatusCancelling {
		rolledBack = StatusCancelled
	}
	if r.stack.Len() == 0 {
		e.transition(ctx, r, triggerRolledBack, rolledBack)
		return
	}

	ctx, span := sagaTracer().Start(ctx, spanSagaCompensate, trace.WithAttributes(
		attribute.String("saga.run_id", r.id),
		attribute.Int("saga.compensations", r.stack.Len()),
	))
	defer span.End()

	start := time.Now()
	pending := r.stack.Pending()
	if err := e.record(ctx, JournalEntry{RunID: r.id, Type: EntryCompensationStarted, Status: r.status, Data: []byte(fmt.Sprint(pending))}); err != nil {
		e.logger.ErrorContext(ctx, "journal compensation start", "run_id", r.id, "error", err)
	}
	e.logger.InfoContext(ctx, "saga run compensating", "run_id", r.id, "pending", pending)

	results := r.stack.UnwindAll(ctx)
	for _, res := range results {
		if res.Skipped {
			e.logger.DebugContext(ctx, "compensation already applied", "run_id", r.id, "compensation", res.Name)
			continue
		}
		entry := JournalEntry{RunID: r.id, Step: res.Step, Type: EntryCompensationCompleted, Status: r.status}
		if res.Err != nil {
			entry.Type = EntryCompensationFailed
			entry.Data = []byte(res.Err.Error())
			e.logger.ErrorContext(ctx, "compensation failed",
				"run_id", r.id,
				"compensation", res.Name,
				"attempts", res.Attempts,
				"error", res.Err,
			)
		} else {
			r.compensated = append(r.compensated, res.Name)
		}
		if err := e.record(ctx, entry); err != nil {
			e.logger.ErrorContext(ctx, "journal compensation result", "run_id", r.id, "error", err)
		}
	}
	e.metrics.RecordCompensationDuration(time.Since(start))

	r.compErr = CompensationFailure(results)
	if r.compErr != nil {
		e.metrics.RecordCompensation("partial")
		span.RecordError(r.compErr)
		span.SetStatus(codes.Error, r.compErr.Error())
		e.transition(ctx, r, triggerPartial, StatusPartiallyCompensated)
		return
	}
	e.metrics.RecordCompensation("completed")
	e.transition(ctx, r, triggerRolledBack, rolledBack)
}

func (e *Executor) finish(ctx context.Context, r *run, start time.Time, span trace.Span) {
	ctx = context.WithoutCancel(ctx)

	finished := e.now()
	r.finishedAt = &finished
	if r.status != StatusCompleted {
		switch {
		case r.cause == nil:
			r.outcome = r.compErr
		case r.compErr != nil:
			r.outcome = errorList{r.cause, r.compErr}
		default:
			r.outcome = r.cause
		}
	}
	r.publish()
	snapshot := r.snapshot()

	if e.store != nil {
		if err := e.store.Save(ctx, snapshot); err != nil {
			e.logger.ErrorContext(ctx, "save finished saga run", "run_id", r.id, "error", err)
		}
	}

	duration := time.Since(start)
	e.metrics.RecordRunExecution(string(r.status))
	e.metrics.RecordRunDuration(string(r.status), duration)
	span.SetAttributes(attribute.String("saga.status", string(r.status)))

	if r.outcome != nil {
		span.RecordError(r.outcome)
		if r.status != StatusCancelled {
			span.SetStatus(codes.Error, snapshot.LastError)
		}
		e.logger.WarnContext(ctx, "saga run finished",
			"run_id", r.id,
			"status", r.status,
			"duration", duration,
			"error", snapshot.LastError,
		)
		return
	}
	span.SetStatus(codes.Ok, "")
	e.logger.InfoContext(ctx, "saga run finished",
		"run_id", r.id,
		"status", r.status,
		"duration", duration,
	)
}

// fire applies t and journals the resulting transition.
func (e *Executor) fire(ctx context.Context, r *run, t trigger, step string) error {
	from := r.status
	if err := r.machine.FireCtx(ctx, t); err != nil {
		return internalError("transition %s from %s: %v", t, from, err)
	}
	return e.record(ctx, JournalEntry{RunID: r.id, Step: step, Type: EntryStatusChanged, From: from, Status: r.status})
}

// transition fires t during settlement. If the machine refuses, the run is moved
// to target directly so it always terminates.
func (e *Executor) transition(ctx context.Context, r *run, t trigger, target Status) {
	if err := e.fire(ctx, r, t, ""); err != nil {
		e.logger.ErrorContext(ctx, "saga transition", "run_id", r.id, "trigger", t, "error", err)
		if r.status != target {
			r.status = target
			r.publish()
		}
	}
}

func (e *Executor) record(ctx context.Context, entry JournalEntry) error {
	if e.journal == nil {
		return nil
	}
	entry.Timestamp = e.now()
	if _, err := e.journal.Append(ctx, entry); err != nil {
		return internalError("journal %s for run %s: %v", entry.Type, entry.RunID, err)
	}
	return nil
}
