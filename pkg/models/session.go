package models

import "time"

// Session is the logical isolation unit for one client conversation.
// It owns one or more workers and always has a resolvable default worker
// once it has been touched.
type Session struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	DefaultWorkerID string            `json:"defaultWorkerId"`
	Workers         map[string]Worker `json:"workers"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastActivityAt  time.Time         `json:"lastActivityAt"`
}

// Worker is an isolated browsing context within a session: its own cookie
// jar, local storage, and session storage. The browser context handle is
// owned exclusively by the worker; all commands against it go through the
// worker's targets.
type Worker struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	ContextID      string    `json:"-"`
	TargetIDs      []string  `json:"targetIds"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// CreateWorkerRequest is the payload for creating a worker inside a session.
type CreateWorkerRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// CreateTargetRequest is the payload for opening a tab inside a worker.
// WorkerID is optional; the session's default worker is used when empty.
type CreateTargetRequest struct {
	URL      string `json:"url"`
	WorkerID string `json:"workerId,omitempty"`
}

// CreateTargetResponse reports the tab that will serve the navigation.
// Reused is true when the worker's single existing tab was repurposed
// instead of opening a new one, so callers can tell the two cases apart.
type CreateTargetResponse struct {
	TargetID string `json:"targetId"`
	WorkerID string `json:"workerId"`
	Reused   bool   `json:"reused"`
}
