// Package registry tracks the session → worker → target hierarchy and maps
// it onto browser contexts and tabs over the shared protocol connection.
// Sessions are logical clients, workers are isolated browsing contexts, and
// targets are tabs inside a worker's context.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tabmux/tabmux/internal/cdp"
	"github.com/tabmux/tabmux/pkg/models"
)

// Client is the slice of the connection pool the registry depends on.
// *cdp.Pool satisfies it; tests substitute a fake browser.
type Client interface {
	Send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error)
	Subscribe(sessionID, method string) (<-chan cdp.Event, func(), error)
	UnsubscribeSession(sessionID string)
}

const defaultWorkerName = "default"

type worker struct {
	// mu serializes create/delete of targets on this worker. Unrelated
	// workers stay fully concurrent.
	mu sync.Mutex

	id             string
	name           string
	contextID      string
	targetIDs      []string
	createdAt      time.Time
	lastActivityAt time.Time
}

type session struct {
	id              string
	name            string
	defaultWorkerID string
	workers         map[string]*worker
	createdAt       time.Time
	lastActivityAt  time.Time

	// slots caps in-flight commands attributed to this session.
	slots *semaphore.Weighted
}

// Registry owns all sessions and their browser-side resources.
type Registry struct {
	log         *zap.Logger
	client      Client
	concurrency int64

	mu       sync.RWMutex
	sessions map[string]*session
	pages    map[string]*Page // keyed by target id

	// creating guards in-flight session construction so a session is never
	// visible before its default worker exists. Waiters block on the channel
	// and re-check once it closes.
	creating map[string]chan struct{}

	// onTargetClosed fires after a target leaves the registry, whether by
	// explicit close or out-of-band destruction. Used to invalidate element
	// references held against the tab.
	onTargetClosed func(sessionID, targetID string)

	unsubscribe func()
}

func New(log *zap.Logger, client Client, sessionConcurrency int) *Registry {
	if sessionConcurrency <= 0 {
		sessionConcurrency = 10
	}
	return &Registry{
		log:         log,
		client:      client,
		concurrency: int64(sessionConcurrency),
		sessions:    make(map[string]*session),
		pages:       make(map[string]*Page),
		creating:    make(map[string]chan struct{}),
	}
}

// SetTargetClosedHook registers the callback invoked whenever a target is
// removed. Must be called before any targets exist.
func (r *Registry) SetTargetClosedHook(fn func(sessionID, targetID string)) {
	r.onTargetClosed = fn
}

// GetOrCreateSession returns the session for id, creating it with a default
// worker on first touch. An empty id gets a generated one. The session is
// published only once its default worker exists, so no reader ever observes
// a session whose defaultWorkerId does not resolve.
func (r *Registry) GetOrCreateSession(ctx context.Context, id string) (models.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	for {
		r.mu.Lock()
		if s, ok := r.sessions[id]; ok {
			s.lastActivityAt = time.Now()
			snap := r.snapshotLocked(s)
			r.mu.Unlock()
			return snap, nil
		}
		wait, inFlight := r.creating[id]
		if !inFlight {
			r.creating[id] = make(chan struct{})
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()

		// Another caller is building this session; wait and re-check. If the
		// builder failed, the loop retries the construction itself.
		select {
		case <-wait:
		case <-ctx.Done():
			return models.Session{}, ctx.Err()
		}
	}

	w, err := r.newWorker(ctx, "", defaultWorkerName)

	r.mu.Lock()
	wait := r.creating[id]
	delete(r.creating, id)
	if err != nil {
		r.mu.Unlock()
		close(wait)
		return models.Session{}, fmt.Errorf("create default worker: %w", err)
	}

	now := time.Now()
	s := &session{
		id:              id,
		defaultWorkerID: w.id,
		workers:         map[string]*worker{w.id: w},
		createdAt:       now,
		lastActivityAt:  now,
		slots:           semaphore.NewWeighted(r.concurrency),
	}
	r.sessions[id] = s
	snap := r.snapshotLocked(s)
	r.mu.Unlock()
	close(wait)

	r.log.Info("session created",
		zap.String("session", id),
		zap.String("defaultWorker", w.id))
	return snap, nil
}

// GetSession returns the current state of an existing session.
func (r *Registry) GetSession(id string) (models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return r.snapshotLocked(s), nil
}

// ListSessions returns a snapshot of every live session.
func (r *Registry) ListSessions() []models.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, r.snapshotLocked(s))
	}
	return out
}

// CreateWorker adds an isolated worker to the session. A caller-supplied id
// that already exists is an error; an empty id gets a generated one.
func (r *Registry) CreateWorker(ctx context.Context, sessionID string, req models.CreateWorkerRequest) (models.Worker, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.RUnlock()
		return models.Worker{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if req.ID != "" {
		if _, exists := s.workers[req.ID]; exists {
			r.mu.RUnlock()
			return models.Worker{}, fmt.Errorf("%w: %s", ErrWorkerExists, req.ID)
		}
	}
	r.mu.RUnlock()

	w, err := r.newWorker(ctx, req.ID, req.Name)
	if err != nil {
		return models.Worker{}, err
	}

	// Re-validate before publishing: the session may have been swept and the
	// worker id claimed while the context round trip was in flight.
	r.mu.Lock()
	if r.sessions[sessionID] != s {
		r.mu.Unlock()
		go r.disposeContext(w.contextID)
		return models.Worker{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if _, exists := s.workers[w.id]; exists {
		r.mu.Unlock()
		go r.disposeContext(w.contextID)
		return models.Worker{}, fmt.Errorf("%w: %s", ErrWorkerExists, w.id)
	}
	s.workers[w.id] = w
	s.lastActivityAt = time.Now()
	snap := workerSnapshot(w)
	r.mu.Unlock()
	return snap, nil
}

// newWorker allocates a dedicated browser context so the worker's cookies
// and storage never leak across workers or sessions. The worker is not yet
// attached to any session; the caller publishes it under the registry lock.
func (r *Registry) newWorker(ctx context.Context, id, name string) (*worker, error) {
	res, err := r.client.Send(ctx, "", "Target.createBrowserContext", map[string]any{
		"disposeOnDetach": false,
	})
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	var created struct {
		BrowserContextID string `json:"browserContextId"`
	}
	if err := json.Unmarshal(res, &created); err != nil {
		return nil, fmt.Errorf("decode browser context: %w", err)
	}

	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &worker{
		id:             id,
		name:           name,
		contextID:      created.BrowserContextID,
		createdAt:      now,
		lastActivityAt: now,
	}, nil
}

// DeleteWorker tears a worker down: closes its tabs, disposes its browser
// context, and removes it. Deleting the default worker is refused; deleting
// a worker that is already gone is a no-op.
func (r *Registry) DeleteWorker(ctx context.Context, sessionID, workerID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if workerID == s.defaultWorkerID {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDefaultWorker, workerID)
	}
	w, ok := s.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	r.mu.Lock()
	targets := append([]string(nil), w.targetIDs...)
	r.mu.Unlock()

	for _, targetID := range targets {
		if err := r.closeTarget(ctx, sessionID, w, targetID); err != nil {
			r.log.Warn("close target during worker delete",
				zap.String("target", targetID), zap.Error(err))
		}
	}

	if w.contextID != "" {
		if _, err := r.client.Send(ctx, "", "Target.disposeBrowserContext", map[string]any{
			"browserContextId": w.contextID,
		}); err != nil {
			r.log.Warn("dispose browser context",
				zap.String("worker", workerID), zap.Error(err))
		}
	}

	r.mu.Lock()
	delete(s.workers, workerID)
	s.lastActivityAt = time.Now()
	r.mu.Unlock()

	r.log.Info("worker deleted",
		zap.String("session", sessionID), zap.String("worker", workerID))
	return nil
}

// CleanupAllSessions tears everything down in parallel at shutdown. A
// failure on one session does not stop the sweep; the first error is
// reported after all sessions were attempted.
func (r *Registry) CleanupAllSessions(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}

	g, ctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, s := range sessions {
		g.Go(func() error {
			var firstErr error
			for _, w := range s.workers {
				for _, targetID := range w.targetIDs {
					if err := r.closeTarget(ctx, s.id, w, targetID); err != nil && firstErr == nil {
						firstErr = err
					}
				}
				if w.contextID == "" {
					continue
				}
				if _, err := r.client.Send(ctx, "", "Target.disposeBrowserContext", map[string]any{
					"browserContextId": w.contextID,
				}); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			if firstErr != nil {
				return fmt.Errorf("cleanup session %s: %w", s.id, firstErr)
			}
			return nil
		})
	}
	err := g.Wait()
	r.log.Info("all sessions cleaned up", zap.Int("count", len(sessions)))
	return err
}

func (r *Registry) disposeContext(contextID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.client.Send(ctx, "", "Target.disposeBrowserContext", map[string]any{
		"browserContextId": contextID,
	}); err != nil {
		r.log.Warn("dispose orphaned browser context", zap.Error(err))
	}
}

// snapshotLocked copies a session into its wire form. Caller holds r.mu.
func (r *Registry) snapshotLocked(s *session) models.Session {
	workers := make(map[string]models.Worker, len(s.workers))
	for id, w := range s.workers {
		workers[id] = workerSnapshot(w)
	}
	return models.Session{
		ID:              s.id,
		Name:            s.name,
		DefaultWorkerID: s.defaultWorkerID,
		Workers:         workers,
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.lastActivityAt,
	}
}

func workerSnapshot(w *worker) models.Worker {
	return models.Worker{
		ID:             w.id,
		Name:           w.name,
		ContextID:      w.contextID,
		TargetIDs:      append([]string(nil), w.targetIDs...),
		CreatedAt:      w.createdAt,
		LastActivityAt: w.lastActivityAt,
	}
}
