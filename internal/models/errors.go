package models

import "errors"

// Application-wide standard errors
var (
	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrSceneNotFound = errors.New("no scene at the requested position")

	// User & authentication errors
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailAlreadyExists = errors.New("user with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthorized       = errors.New("unauthorized")

	// Lock & turn protocol errors
	ErrLockTimeout        = errors.New("timed out waiting for session lock")
	ErrStaleLockEpoch     = errors.New("lock epoch does not match current holder")
	ErrTurnAlreadyApplied = errors.New("turn commit already applied")

	// General request/server errors
	ErrBadRequest     = errors.New("operation invalid for current state")
	ErrConflict       = errors.New("conflict with existing resource")
	ErrInvalidInput   = errors.New("invalid input data")
	ErrInternalServer = errors.New("internal server error")
)
