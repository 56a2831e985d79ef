package chat

import "errors"

var (
	// ErrNoSession is returned when sending before a conversation exists.
	ErrNoSession = errors.New("no active conversation")
	// ErrEmptyInput is returned when the input is blank.
	ErrEmptyInput = errors.New("input is empty")
	// ErrBusy is returned when a send starts while an answer is still arriving.
	ErrBusy = errors.New("an answer is still in progress")
	// ErrNoToolAction is returned when submitting a tool response without an active tool action.
	ErrNoToolAction = errors.New("no active tool action")
)

const errLoggerKey = "err"
