package errors

import "errors"

var (
	ErrEngineStart        = errors.New("engine could not be started")
	ErrEngineInitTimeout  = errors.New("engine did not become ready in time")
	ErrEngineNotReady     = errors.New("engine is not ready")
	ErrEngineTerminated   = errors.New("engine was terminated")
	ErrEngineExited       = errors.New("engine process exited")
	ErrEngineUnresponsive = errors.New("engine did not answer the sync request")
	ErrEvaluationInFlight = errors.New("another evaluation is in flight")
	ErrEmptyGame          = errors.New("game has no moves")
	ErrInvalidMove        = errors.New("move cannot be played in this position")
	ErrInvalidPGN         = errors.New("invalid PGN")
	ErrAnalysisNotFound   = errors.New("analysis not found")
)
