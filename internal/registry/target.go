package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tabmux/tabmux/pkg/models"
)

// Page is a live handle to one tab: every command sent through it is scoped
// to the tab's protocol session and counted against the owning session's
// concurrency slots.
type Page struct {
	SessionID         string
	WorkerID          string
	TargetID          string
	ProtocolSessionID string

	reg   *Registry
	slots *semaphoreRef
}

// semaphoreRef keeps the Page decoupled from the session struct.
type semaphoreRef struct {
	acquire func(ctx context.Context) error
	release func()
}

// Send issues one protocol command against this tab.
func (p *Page) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := p.slots.acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire command slot: %w", err)
	}
	defer p.slots.release()
	return p.reg.client.Send(ctx, p.ProtocolSessionID, method, params)
}

// Navigate points the tab at a URL.
func (p *Page) Navigate(ctx context.Context, url string) error {
	res, err := p.Send(ctx, "Page.navigate", map[string]any{"url": url})
	if err != nil {
		return err
	}
	var nav struct {
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(res, &nav); err == nil && nav.ErrorText != "" {
		return fmt.Errorf("navigate to %s: %s", url, nav.ErrorText)
	}
	return nil
}

// CreateTarget opens (or reuses) a tab in the requested worker and points it
// at the URL. A worker holding exactly one tab navigates that tab instead of
// opening another; the response says which happened.
func (r *Registry) CreateTarget(ctx context.Context, sessionID string, req models.CreateTargetRequest) (models.CreateTargetResponse, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return models.CreateTargetResponse{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	workerID := req.WorkerID
	if workerID == "" {
		workerID = s.defaultWorkerID
	}
	w, ok := s.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return models.CreateTargetResponse{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	r.mu.Unlock()

	// One structural mutation per worker at a time. Two concurrent creates
	// on a one-tab worker must not both decide to reuse it.
	w.mu.Lock()
	defer w.mu.Unlock()

	r.mu.Lock()
	if r.sessions[sessionID] != s || s.workers[workerID] != w {
		// A DeleteWorker or the shutdown sweep won the race while we waited
		// for the worker mutex; its browser context is already disposed.
		r.mu.Unlock()
		return models.CreateTargetResponse{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	var reuseID string
	if len(w.targetIDs) == 1 {
		reuseID = w.targetIDs[0]
	}
	r.mu.Unlock()

	if reuseID != "" {
		page, err := r.GetPage(sessionID, reuseID)
		if err == nil {
			if err := page.Navigate(ctx, req.URL); err != nil {
				return models.CreateTargetResponse{}, fmt.Errorf("reuse tab %s: %w", reuseID, err)
			}
			r.touch(s, w)
			return models.CreateTargetResponse{TargetID: reuseID, WorkerID: workerID, Reused: true}, nil
		}
		// Tracked tab has no page handle; fall through and open a fresh one.
		r.log.Warn("reusable tab had no page handle",
			zap.String("target", reuseID), zap.Error(err))
	}

	res, err := r.client.Send(ctx, "", "Target.createTarget", map[string]any{
		"url":              req.URL,
		"browserContextId": w.contextID,
	})
	if err != nil {
		return models.CreateTargetResponse{}, fmt.Errorf("create target: %w", err)
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(res, &created); err != nil {
		return models.CreateTargetResponse{}, fmt.Errorf("decode target: %w", err)
	}

	attach, err := r.client.Send(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	})
	if err != nil {
		return models.CreateTargetResponse{}, fmt.Errorf("attach to target %s: %w", created.TargetID, err)
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(attach, &attached); err != nil {
		return models.CreateTargetResponse{}, fmt.Errorf("decode attach: %w", err)
	}

	page := &Page{
		SessionID:         sessionID,
		WorkerID:          workerID,
		TargetID:          created.TargetID,
		ProtocolSessionID: attached.SessionID,
		reg:               r,
		slots: &semaphoreRef{
			acquire: func(ctx context.Context) error { return s.slots.Acquire(ctx, 1) },
			release: func() { s.slots.Release(1) },
		},
	}

	r.mu.Lock()
	w.targetIDs = append(w.targetIDs, created.TargetID)
	r.pages[created.TargetID] = page
	r.mu.Unlock()
	r.touch(s, w)

	r.log.Info("target created",
		zap.String("session", sessionID),
		zap.String("worker", workerID),
		zap.String("target", created.TargetID))
	return models.CreateTargetResponse{TargetID: created.TargetID, WorkerID: workerID}, nil
}

// GetPage returns the live handle for a tracked target.
func (r *Registry) GetPage(sessionID, targetID string) (*Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	page, ok := r.pages[targetID]
	if !ok || page.SessionID != sessionID {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
	}
	return page, nil
}

// IsTargetValid reports whether the target is still tracked for the session.
func (r *Registry) IsTargetValid(sessionID, targetID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	page, ok := r.pages[targetID]
	return ok && page.SessionID == sessionID
}

// CloseTarget closes one tab. Closing an untracked tab is a no-op.
func (r *Registry) CloseTarget(ctx context.Context, sessionID, targetID string) error {
	r.mu.RLock()
	page, ok := r.pages[targetID]
	if !ok || page.SessionID != sessionID {
		r.mu.RUnlock()
		return nil
	}
	s := r.sessions[sessionID]
	var w *worker
	if s != nil {
		w = s.workers[page.WorkerID]
	}
	r.mu.RUnlock()
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return r.closeTarget(ctx, sessionID, w, targetID)
}

// closeTarget issues the protocol close and untracks the tab. Caller holds
// the worker mutex.
func (r *Registry) closeTarget(ctx context.Context, sessionID string, w *worker, targetID string) error {
	r.mu.RLock()
	page := r.pages[targetID]
	r.mu.RUnlock()

	var closeErr error
	if _, err := r.client.Send(ctx, "", "Target.closeTarget", map[string]any{
		"targetId": targetID,
	}); err != nil {
		closeErr = fmt.Errorf("close target %s: %w", targetID, err)
	}

	if page != nil && page.ProtocolSessionID != "" {
		r.client.UnsubscribeSession(page.ProtocolSessionID)
	}
	r.untrack(sessionID, w, targetID)
	return closeErr
}

// untrack removes the target from the registry's maps and fires the
// target-closed hook.
func (r *Registry) untrack(sessionID string, w *worker, targetID string) {
	r.mu.Lock()
	delete(r.pages, targetID)
	for i, id := range w.targetIDs {
		if id == targetID {
			w.targetIDs = append(w.targetIDs[:i], w.targetIDs[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if r.onTargetClosed != nil {
		r.onTargetClosed(sessionID, targetID)
	}
}

// Start enables target discovery and begins reconciling out-of-band tab
// closures (the user closed a window, a tab crashed) against the registry.
func (r *Registry) Start(ctx context.Context) error {
	if _, err := r.client.Send(ctx, "", "Target.setDiscoverTargets", map[string]any{
		"discover": true,
	}); err != nil {
		return fmt.Errorf("enable target discovery: %w", err)
	}

	events, cancel, err := r.client.Subscribe("", "Target.targetDestroyed")
	if err != nil {
		return fmt.Errorf("subscribe target destruction: %w", err)
	}
	r.unsubscribe = cancel

	go func() {
		for ev := range events {
			var params struct {
				TargetID string `json:"targetId"`
			}
			if err := json.Unmarshal(ev.Params, &params); err != nil {
				continue
			}
			r.reconcileDestroyed(params.TargetID)
		}
	}()
	return nil
}

// reconcileDestroyed drops a tab the browser reports gone. The protocol-side
// resources are already dead; only bookkeeping remains.
func (r *Registry) reconcileDestroyed(targetID string) {
	r.mu.Lock()
	page, ok := r.pages[targetID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s := r.sessions[page.SessionID]
	var w *worker
	if s != nil {
		w = s.workers[page.WorkerID]
	}
	r.mu.Unlock()
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if page.ProtocolSessionID != "" {
		r.client.UnsubscribeSession(page.ProtocolSessionID)
	}
	r.untrack(page.SessionID, w, targetID)
	r.log.Info("target destroyed out of band",
		zap.String("session", page.SessionID),
		zap.String("target", targetID))
}

func (r *Registry) touch(s *session, w *worker) {
	now := time.Now()
	r.mu.Lock()
	s.lastActivityAt = now
	w.lastActivityAt = now
	r.mu.Unlock()
}
