package entity

import "errors"

var (
	ErrNotRegistered = errors.New("entity class not registered")
	ErrUnrecoverable = errors.New("entity data was deleted without recovery")
	ErrNoID          = errors.New("entity has no id")
	ErrStopped       = errors.New("engine stopped")

	// ErrSkipSave is returned by a MakeChanges handler to commit
	// nothing while still unwinding the edit scope cleanly.
	ErrSkipSave = errors.New("skip save")
)
