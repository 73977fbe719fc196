// Package queue provides a persistent, priority-ordered run queue in front
// of the workflow engine.
//
// Every accepted request is persisted before it is admitted, so queued work
// survives a process restart: Start recovers pending requests from the
// store and re-dispatches them. A fixed worker pool caps the number of runs
// executing concurrently; within the pool, higher-priority requests
// dispatch first and equal priorities dispatch in enqueue order. Runs that
// error without producing an outcome are retried with exponential backoff
// until the retry policy is exhausted.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/flowrun-go/flow"
	"github.com/dshills/flowrun-go/flow/emit"
	"github.com/dshills/flowrun-go/flow/store"
)

// DefaultWorkers is the default number of concurrent run workers.
const DefaultWorkers = 10

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("queue is closed")

// Queue dispatches persisted run requests to a workflow engine.
type Queue struct {
	eng     *flow.Engine
	defs    DefinitionSource
	store   store.Store
	policy  RetryPolicy
	workers int
	emitter emit.Emitter
	metrics *flow.Metrics

	mu      sync.Mutex
	heap    requestHeap
	seq     uint64
	handles map[string]*RunHandle
	closed  bool

	wake   chan struct{}
	work   chan *item
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue) error

// WithWorkers sets the size of the worker pool. Must be >= 1.
func WithWorkers(n int) Option {
	return func(q *Queue) error {
		if n < 1 {
			return fmt.Errorf("workers must be >= 1, got %d", n)
		}
		q.workers = n
		return nil
	}
}

// WithRetryPolicy sets the retry policy applied to failed runs.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) error {
		if err := p.Validate(); err != nil {
			return err
		}
		q.policy = p
		return nil
	}
}

// WithEmitter sets the emitter for queue lifecycle events.
func WithEmitter(e emit.Emitter) Option {
	return func(q *Queue) error {
		q.emitter = e
		return nil
	}
}

// WithMetrics enables queue depth and retry metrics.
func WithMetrics(m *flow.Metrics) Option {
	return func(q *Queue) error {
		q.metrics = m
		return nil
	}
}

// New creates a run queue backed by the given store.
//
// The queue does not own the engine or the store; Stop drains workers but
// leaves both open.
func New(eng *flow.Engine, defs DefinitionSource, st store.Store, opts ...Option) (*Queue, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if defs == nil {
		return nil, errors.New("definition source is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}

	q := &Queue{
		eng:     eng,
		defs:    defs,
		store:   st,
		workers: DefaultWorkers,
		policy: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
		},
		emitter: emit.NewNullEmitter(),
		handles: make(map[string]*RunHandle),
		wake:    make(chan struct{}, 1),
		work:    make(chan *item),
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// EnqueueOption adjusts the scheduling attributes of one request.
type EnqueueOption func(*store.RunRequest)

// WithPriority sets the request's dispatch priority. Higher runs first;
// the default is 0.
func WithPriority(p int) EnqueueOption {
	return func(req *store.RunRequest) { req.Priority = p }
}

// WithDelay makes the request ineligible for dispatch until the given
// duration has elapsed.
func WithDelay(d time.Duration) EnqueueOption {
	return func(req *store.RunRequest) { req.NotBefore = time.Now().Add(d) }
}

// WithRunID overrides the generated run ID. Useful when the caller needs
// to correlate the run with an external identifier.
func WithRunID(id string) EnqueueOption {
	return func(req *store.RunRequest) { req.ID = id }
}

// Enqueue persists a run request and admits it for dispatch.
//
// The request is durable once Enqueue returns: if the process stops before
// the run executes, Start recovers it. The returned handle resolves when
// the run reaches a terminal outcome.
func (q *Queue) Enqueue(ctx context.Context, workflowID string, trigger map[string]interface{}, opts ...EnqueueOption) (*RunHandle, error) {
	req := store.RunRequest{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Trigger:    trigger,
		EnqueuedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&req)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.mu.Unlock()

	if err := q.store.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist run request: %w", err)
	}

	h := newRunHandle(req.ID)
	q.push(&item{req: req, handle: h})
	q.emitter.Emit(emit.Event{RunID: req.ID, Msg: "run_enqueued",
		Meta: map[string]interface{}{"workflow_id": workflowID, "priority": req.Priority}})
	return h, nil
}

// Handle returns the handle for a queued or running request, if the queue
// still tracks it.
func (q *Queue) Handle(runID string) (*RunHandle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.handles[runID]
	return h, ok
}

// Start recovers persisted requests and launches the dispatcher and worker
// pool. Workers run until Stop is called or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	pending, err := q.store.PendingRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending requests: %w", err)
	}
	for _, req := range pending {
		q.mu.Lock()
		_, known := q.handles[req.ID]
		q.mu.Unlock()
		if known {
			continue
		}
		q.push(&item{req: req, handle: newRunHandle(req.ID)})
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go q.dispatch(runCtx)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}
	return nil
}

// Stop halts dispatch and waits for in-flight runs to finish. Requests
// still queued stay persisted and are recovered by the next Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Depth reports the number of requests waiting for dispatch.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *Queue) push(it *item) {
	q.mu.Lock()
	q.seq++
	it.seq = q.seq
	heap.Push(&q.heap, it)
	q.handles[it.req.ID] = it.handle
	depth := q.heap.Len()
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.SetQueueDepth(depth)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// nextLocked removes and returns the best eligible item, or nil and the
// wait until the soonest delayed item becomes eligible (0 when the heap is
// empty). Caller holds q.mu.
func (q *Queue) nextLocked(now time.Time) (*item, time.Duration) {
	best := -1
	var soonest time.Duration
	for i, it := range q.heap {
		if it.req.NotBefore.After(now) {
			wait := it.req.NotBefore.Sub(now)
			if soonest == 0 || wait < soonest {
				soonest = wait
			}
			continue
		}
		if best == -1 || q.heap.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil, soonest
	}
	return heap.Remove(&q.heap, best).(*item), 0
}

func (q *Queue) dispatch(ctx context.Context) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		it, wait := q.nextLocked(time.Now())
		depth := q.heap.Len()
		q.mu.Unlock()

		if it != nil {
			if q.metrics != nil {
				q.metrics.SetQueueDepth(depth)
			}
			select {
			case q.work <- it:
			case <-ctx.Done():
				return
			}
			continue
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case it := <-q.work:
			q.process(ctx, it)
		}
	}
}

// process executes one request and settles its outcome: delete on terminal
// results, re-persist with backoff on retryable errors, and leave the
// request untouched on cancellation so restart recovery picks it up.
//
// Step failures captured inside a FAILED result are terminal: the run
// executed and its outcome is recorded, so re-executing would repeat the
// side effects of every step that did run. The Retryable hook opts such
// outcomes into retry; errors escaping the engine without a result are
// retried unconditionally, validation failures excepted.
func (q *Queue) process(ctx context.Context, it *item) {
	req := it.req

	def, err := q.defs.Definition(ctx, req.WorkflowID)
	if err != nil {
		q.finish(it, nil, err)
		return
	}

	result, err := q.eng.ExecuteAs(ctx, req.ID, def, req.Trigger)
	if ctx.Err() != nil {
		// Shutdown mid-run: the persisted request is recovered on the
		// next Start.
		return
	}
	if err != nil {
		if flow.IsValidationError(err) {
			// A definition that cannot execute will not execute
			// better on retry.
			q.finish(it, nil, err)
			return
		}
		q.retry(ctx, it, err)
		return
	}

	if result.Status == flow.RunFailed && q.policy.Retryable != nil {
		cause := result.Err
		if cause == nil {
			cause = errors.New("run failed")
		}
		if q.policy.Retryable(cause) {
			q.retryResult(ctx, it, result, cause)
			return
		}
	}

	q.finish(it, result, nil)
}

func (q *Queue) retry(ctx context.Context, it *item, cause error) {
	q.retryResult(ctx, it, nil, cause)
}

func (q *Queue) retryResult(ctx context.Context, it *item, result *flow.RunResult, cause error) {
	attempt := it.req.Attempt + 1
	if attempt >= q.policy.MaxAttempts {
		q.emitter.Emit(emit.Event{RunID: it.req.ID, Msg: "run_retries_exhausted",
			Meta: map[string]interface{}{"attempts": attempt, "error": cause.Error()}})
		q.finish(it, result, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, cause))
		return
	}

	backoff := computeBackoff(attempt-1, q.policy.BaseDelay, q.policy.MaxDelay)
	it.req.Attempt = attempt
	it.req.NotBefore = time.Now().Add(backoff)

	if err := q.store.SaveRequest(ctx, it.req); err != nil {
		// The retry cannot be made durable; fail the run rather than
		// retry work that would be lost on restart.
		q.finish(it, result, fmt.Errorf("failed to persist retry: %w", err))
		return
	}

	if q.metrics != nil {
		q.metrics.RunRetried(it.req.WorkflowID)
	}
	q.emitter.Emit(emit.Event{RunID: it.req.ID, Msg: "run_retry_scheduled",
		Meta: map[string]interface{}{"attempt": attempt, "backoff_ms": backoff.Milliseconds(), "error": cause.Error()}})
	q.push(it)
}

func (q *Queue) finish(it *item, result *flow.RunResult, err error) {
	if delErr := q.store.DeleteRequest(context.Background(), it.req.ID); delErr != nil {
		q.emitter.Emit(emit.Event{RunID: it.req.ID, Msg: "request_delete_failed",
			Meta: map[string]interface{}{"error": delErr.Error()}})
	}

	q.mu.Lock()
	delete(q.handles, it.req.ID)
	q.mu.Unlock()

	it.handle.complete(result, err)
}

// RunHandle tracks a queued run to its terminal outcome.
type RunHandle struct {
	// RunID is the identifier the run executes under.
	RunID string

	done   chan struct{}
	once   sync.Once
	result *flow.RunResult
	err    error
}

func newRunHandle(runID string) *RunHandle {
	return &RunHandle{RunID: runID, done: make(chan struct{})}
}

func (h *RunHandle) complete(result *flow.RunResult, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}

// Done returns a channel closed when the run reaches a terminal outcome.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the run outcome. Valid only after Done is closed; before
// that it returns nil, nil.
func (h *RunHandle) Result() (*flow.RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return nil, nil
	}
}

// Wait blocks until the run finishes or ctx is cancelled.
func (h *RunHandle) Wait(ctx context.Context) (*flow.RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
