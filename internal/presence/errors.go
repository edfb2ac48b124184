package presence

import "errors"

var (
	ErrAlreadyRunning = errors.New("broadcaster is already running")
	ErrNotRunning     = errors.New("broadcaster is not running")
)
