package flow

import "errors"

var (
	// ErrUnknownScenario is returned when a call is started with a scenario name that has
	// no definition. No session is created.
	ErrUnknownScenario = errors.New("unknown scenario")
	// ErrUnknownCall is returned when an event arrives for a call with no live session,
	// typically after a process restart.
	ErrUnknownCall = errors.New("unknown call")
)
