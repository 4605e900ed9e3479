package registry

import "errors"

var (
	// ErrSessionNotFound means the session id has never been touched (or was
	// cleaned up).
	ErrSessionNotFound = errors.New("session not found")

	// ErrWorkerNotFound means the worker id does not exist in the session.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrWorkerExists rejects creating a worker under an id already in use.
	ErrWorkerExists = errors.New("worker id already exists")

	// ErrDefaultWorker rejects deleting a session's default worker.
	ErrDefaultWorker = errors.New("cannot delete the default worker")

	// ErrTargetNotFound means the target is not (or no longer) tracked.
	ErrTargetNotFound = errors.New("target not found")
)
