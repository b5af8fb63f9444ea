package bridge

import (
	"errors"

	"github.com/thruflo/comsync/internal/channel"
)

// OutcomeKind is the closed set of results of a blocking call.
type OutcomeKind int

const (
	// OutcomeValue carries input in Outcome.Value.
	OutcomeValue OutcomeKind = iota
	// OutcomeElapsed means a sleep ran its full duration or was woken.
	OutcomeElapsed
	// OutcomeInterrupted means the foreground interrupted the wait.
	OutcomeInterrupted
	// OutcomeRelayUnavailable means the relay stopped answering.
	OutcomeRelayUnavailable
	// OutcomeUnsupported means there is no channel to wait on.
	OutcomeUnsupported
	// OutcomeFailed is any other failure.
	OutcomeFailed
)

var outcomeNames = map[OutcomeKind]string{
	OutcomeValue:            "value",
	OutcomeElapsed:          "elapsed",
	OutcomeInterrupted:      "interrupted",
	OutcomeRelayUnavailable: "relay_unavailable",
	OutcomeUnsupported:      "unsupported",
	OutcomeFailed:           "failed",
}

func (k OutcomeKind) String() string {
	if name, ok := outcomeNames[k]; ok {
		return name
	}
	return "unknown"
}

// Outcome is the result of Input or Sleep.
type Outcome struct {
	Kind  OutcomeKind
	Value string
	Err   error
}

// OK reports whether the call completed normally.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeValue || o.Kind == OutcomeElapsed
}

// Code returns the scalar form for interpreters that can only take an
// integer across the boundary: 0 for success, then 1 interrupted, 2 relay
// unavailable, 3 unsupported, 4 other failure.
func (o Outcome) Code() int {
	switch o.Kind {
	case OutcomeInterrupted:
		return 1
	case OutcomeRelayUnavailable:
		return 2
	case OutcomeUnsupported:
		return 3
	case OutcomeFailed:
		return 4
	default:
		return 0
	}
}

func outcomeFor(err error) Outcome {
	switch {
	case errors.Is(err, channel.ErrInterrupted), errors.Is(err, channel.ErrClosed):
		// A closed channel means the worker was replaced.
		return Outcome{Kind: OutcomeInterrupted, Err: err}
	case channel.IsRelayError(err):
		return Outcome{Kind: OutcomeRelayUnavailable, Err: err}
	case errors.Is(err, ErrNoChannel), errors.Is(err, channel.ErrUnsupportedPlatform):
		return Outcome{Kind: OutcomeUnsupported, Err: err}
	default:
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
}
