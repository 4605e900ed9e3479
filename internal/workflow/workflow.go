// Package workflow fans one logical task out across parallel workers and
// collects their results without letting any single wedged worker block the
// whole run. A worker that keeps reporting the same in-progress payload is
// declared stale-completed by a circuit breaker and its last payload is kept
// as a partial result.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tabmux/tabmux/pkg/models"
)

// DefaultStaleThreshold is how many consecutive identical in-progress
// payloads trip the staleness breaker.
const DefaultStaleThreshold = 3

var (
	// ErrUnknownWorker rejects an update for a name Init never created.
	ErrUnknownWorker = errors.New("unknown workflow worker")

	// ErrNotRunning rejects updates after the workflow left the running
	// phase.
	ErrNotRunning = errors.New("workflow is not running")
)

// Launcher is the slice of the registry the orchestrator needs: create or
// reuse a worker, open its tab, start the navigation.
type Launcher interface {
	CreateWorker(ctx context.Context, sessionID string, req models.CreateWorkerRequest) (models.Worker, error)
	CreateTarget(ctx context.Context, sessionID string, req models.CreateTargetRequest) (models.CreateTargetResponse, error)
}

type workerState struct {
	spec   models.WorkerSpec
	status models.WorkerStatus

	targetID string
	workerID string

	payload     json.RawMessage
	payloadRuns int // consecutive identical in-progress payloads
	updatedAt   time.Time
}

// Workflow is one parallel run. Safe for concurrent Update/Collect callers.
type Workflow struct {
	ID        string
	SessionID string

	log       *zap.Logger
	launcher  Launcher
	threshold int

	mu      sync.Mutex
	state   models.WorkflowState
	workers map[string]*workerState
	done    chan struct{} // closed when every worker is terminal
}

// Option tweaks a workflow.
type Option func(*Workflow)

// WithStaleThreshold overrides the breaker threshold.
func WithStaleThreshold(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.threshold = n
		}
	}
}

func New(log *zap.Logger, launcher Launcher, sessionID string, opts ...Option) *Workflow {
	w := &Workflow{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		log:       log,
		launcher:  launcher,
		threshold: DefaultStaleThreshold,
		state:     models.WorkflowInit,
		workers:   make(map[string]*workerState),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current lifecycle phase.
func (w *Workflow) State() models.WorkflowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Init provisions one worker+tab per spec in parallel and starts every
// navigation. Workers whose provisioning fails enter the run as errored
// rather than aborting the whole workflow.
func (w *Workflow) Init(ctx context.Context, specs []models.WorkerSpec) error {
	w.mu.Lock()
	if w.state != models.WorkflowInit {
		w.mu.Unlock()
		return fmt.Errorf("init called in state %s", w.state)
	}
	for _, spec := range specs {
		if _, dup := w.workers[spec.Name]; dup {
			w.mu.Unlock()
			return fmt.Errorf("duplicate worker name %q", spec.Name)
		}
		w.workers[spec.Name] = &workerState{
			spec:      spec,
			status:    models.WorkerPending,
			updatedAt: time.Now(),
		}
	}
	w.state = models.WorkflowRunning
	w.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		g.Go(func() error {
			w.provision(ctx, spec)
			return nil
		})
	}
	_ = g.Wait()

	w.mu.Lock()
	w.checkAllTerminalLocked()
	w.mu.Unlock()

	w.log.Info("workflow started",
		zap.String("workflow", w.ID),
		zap.Int("workers", len(specs)))
	return nil
}

func (w *Workflow) provision(ctx context.Context, spec models.WorkerSpec) {
	workerID := spec.WorkerID
	if workerID == "" {
		created, err := w.launcher.CreateWorker(ctx, w.SessionID, models.CreateWorkerRequest{Name: spec.Name})
		if err != nil {
			w.failProvision(spec.Name, fmt.Errorf("create worker: %w", err))
			return
		}
		workerID = created.ID
	}

	res, err := w.launcher.CreateTarget(ctx, w.SessionID, models.CreateTargetRequest{
		URL:      spec.URL,
		WorkerID: workerID,
	})
	if err != nil {
		w.failProvision(spec.Name, fmt.Errorf("open tab: %w", err))
		return
	}

	w.mu.Lock()
	ws := w.workers[spec.Name]
	ws.workerID = workerID
	ws.targetID = res.TargetID
	ws.status = models.WorkerInProgress
	ws.updatedAt = time.Now()
	w.mu.Unlock()
}

func (w *Workflow) failProvision(name string, err error) {
	w.log.Warn("workflow worker provisioning failed",
		zap.String("workflow", w.ID), zap.String("worker", name), zap.Error(err))

	w.mu.Lock()
	defer w.mu.Unlock()
	ws := w.workers[name]
	ws.status = models.WorkerError
	ws.payload, _ = json.Marshal(map[string]string{"error": err.Error()})
	ws.updatedAt = time.Now()
	w.checkAllTerminalLocked()
}

// Update records a worker's progress. Terminal statuses stick. An
// in-progress payload byte-identical to the previous one increments the
// staleness run; at the threshold the breaker trips and the worker is
// marked stale-completed with its last payload retained. Tripping is not an
// error.
func (w *Workflow) Update(name string, status models.WorkerStatus, payload json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case models.WorkflowRunning, models.WorkflowCollecting, models.WorkflowPartiallyCollected:
	default:
		return fmt.Errorf("%w: state %s", ErrNotRunning, w.state)
	}
	ws, ok := w.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	if ws.status.Terminal() {
		// Late report after the breaker tripped or the worker finished.
		return nil
	}

	if status == models.WorkerInProgress {
		if ws.payloadRuns > 0 && bytes.Equal(ws.payload, payload) {
			ws.payloadRuns++
		} else {
			ws.payloadRuns = 1
		}
		if ws.payloadRuns >= w.threshold {
			w.log.Info("staleness breaker tripped",
				zap.String("workflow", w.ID),
				zap.String("worker", name),
				zap.Int("identicalRuns", ws.payloadRuns))
			ws.status = models.WorkerStaleCompleted
			ws.payload = payload
			ws.updatedAt = time.Now()
			w.checkAllTerminalLocked()
			return nil
		}
	} else {
		ws.payloadRuns = 0
	}

	ws.status = status
	ws.payload = payload
	ws.updatedAt = time.Now()
	if status.Terminal() {
		w.checkAllTerminalLocked()
	}
	return nil
}

// CollectPartial returns the results that are terminal right now, without
// waiting. With onlySuccessful, errored and stale workers are filtered out.
func (w *Workflow) CollectPartial(onlySuccessful bool) []models.WorkerResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == models.WorkflowRunning {
		w.state = models.WorkflowPartiallyCollected
	}

	var out []models.WorkerResult
	for name, ws := range w.workers {
		if !ws.status.Terminal() {
			continue
		}
		if onlySuccessful && ws.status != models.WorkerSuccess {
			continue
		}
		out = append(out, w.resultLocked(name, ws))
	}
	return out
}

// Collect blocks until every worker is terminal (stale-completed counts),
// then returns all results. The staleness breaker guarantees the wait is
// bounded by worker reports, but the caller's context still applies.
func (w *Workflow) Collect(ctx context.Context) ([]models.WorkerResult, error) {
	w.mu.Lock()
	if w.state == models.WorkflowRunning || w.state == models.WorkflowPartiallyCollected {
		w.state = models.WorkflowCollecting
	}
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		w.mu.Lock()
		w.state = models.WorkflowAborted
		w.mu.Unlock()
		return nil, fmt.Errorf("collect: %w", ctx.Err())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = models.WorkflowCompleted
	out := make([]models.WorkerResult, 0, len(w.workers))
	for name, ws := range w.workers {
		out = append(out, w.resultLocked(name, ws))
	}
	return out, nil
}

// Results returns a point-in-time view of every worker, terminal or not.
func (w *Workflow) Results() []models.WorkerResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.WorkerResult, 0, len(w.workers))
	for name, ws := range w.workers {
		out = append(out, w.resultLocked(name, ws))
	}
	return out
}

func (w *Workflow) resultLocked(name string, ws *workerState) models.WorkerResult {
	return models.WorkerResult{
		Name:      name,
		Status:    ws.status,
		Payload:   ws.payload,
		TargetID:  ws.targetID,
		WorkerID:  ws.workerID,
		Stale:     ws.status == models.WorkerStaleCompleted,
		UpdatedAt: ws.updatedAt,
	}
}

// checkAllTerminalLocked closes the done channel once no worker can make
// further progress. Caller holds w.mu.
func (w *Workflow) checkAllTerminalLocked() {
	for _, ws := range w.workers {
		if !ws.status.Terminal() {
			return
		}
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}
