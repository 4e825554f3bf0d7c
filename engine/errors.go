package engine

import "errors"

var (
	// ErrNoResponse means the engine did not answer: it died, a write failed, or the response timeout elapsed.
	// The engine has been relaunched by the time this is returned.
	ErrNoResponse = errors.New("no response from engine")
	// ErrNoMove means the engine answered with something that is not a move.
	ErrNoMove = errors.New("engine reply is not a move")
	// ErrNoOwnership means the analysis line carried no ownership values.
	ErrNoOwnership = errors.New("analysis has no ownership")
	// ErrEngineDown means there is no live process to write to.
	ErrEngineDown = errors.New("engine process is not running")
	// ErrClosed means the session or supervisor has been terminated.
	ErrClosed = errors.New("engine closed")
)
