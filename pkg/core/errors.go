package core

import "errors"

var (
	ErrAlreadyRunning  = errors.New("component already running")
	ErrNotRunning      = errors.New("component not running")
	ErrBusStopped      = errors.New("event bus is stopped")
	ErrSourceNotFound  = errors.New("source not found")
	ErrSessionNotFound = errors.New("session not found")
)
