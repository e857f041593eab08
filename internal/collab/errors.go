package collab

import "errors"

var (
	ErrSessionInit        = errors.New("SESSION_INIT_FAILED")
	ErrSessionNotFound    = errors.New("SESSION_NOT_FOUND")
	ErrSessionInactive    = errors.New("SESSION_INACTIVE")
	ErrStateSyncTimeout   = errors.New("STATE_SYNC_TIMEOUT")
	ErrMalformedOperation = errors.New("MALFORMED_OPERATION")
	ErrDependencyStalled  = errors.New("DEPENDENCY_STALLED")
	ErrConflictPending    = errors.New("CONFLICT_PENDING")
	ErrTargetNotFound     = errors.New("TARGET_NOT_FOUND")
	ErrSessionFull        = errors.New("SESSION_FULL")
	ErrCommentNotFound    = errors.New("COMMENT_NOT_FOUND")
)
