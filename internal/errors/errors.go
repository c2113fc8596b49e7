package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrDuplicateEvent - duplicate inbound update, dropped silently
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrPermissionDenied - chat not allow-listed or mailbox writing outside its own scope
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidInput - invalid input (bad schedule, unknown command, missing fields)
	ErrInvalidInput = errors.New("invalid input")

	// ErrScheduleInvalid - a task schedule value that does not parse for its kind
	ErrScheduleInvalid = errors.New("invalid schedule")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrConflict - conflict (session busy, store locked by another daemon)
	ErrConflict = errors.New("conflict")

	// ErrTransient - transient error (retry on the next tick or message)
	ErrTransient = errors.New("transient error")

	// ErrSpawnFailure - the container runtime could not start a worker
	ErrSpawnFailure = errors.New("spawn failure")

	// ErrTimeout - the watchdog stopped a worker that went quiet
	ErrTimeout = errors.New("container timeout")

	// ErrNonZeroExit - worker exited with a failure code and no usable frame
	ErrNonZeroExit = errors.New("non-zero exit")

	// ErrFrameParse - a marker-delimited payload was not valid JSON
	ErrFrameParse = errors.New("frame parse error")

	// ErrMailboxParse - a mailbox file could not be decoded
	ErrMailboxParse = errors.New("mailbox parse error")

	// ErrStoreCorrupt - a persisted store file could not be decoded
	ErrStoreCorrupt = errors.New("store corrupt")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
