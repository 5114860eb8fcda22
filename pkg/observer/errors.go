// Copyright 2025 Intmax Protocol
//
// Observer package errors

package observer

import (
	"errors"
	"fmt"
)

// Common errors for the observer package
var (
	ErrEventFetch = errors.New("event fetch failed")
)

// EventGapError signals a hole in an event stream: the first new event's
// id is ahead of the locally expected one. Recoverable via backward rescan.
type EventGapError struct {
	Stream          Stream
	ExpectedEventID uint64
	GotEventID      uint64
}

func (e *EventGapError) Error() string {
	return fmt.Sprintf("event gap detected on %s: expected %d, got %d",
		e.Stream, e.ExpectedEventID, e.GotEventID)
}

// IsEventGap reports whether err is an EventGapError.
func IsEventGap(err error) bool {
	var gap *EventGapError
	return errors.As(err, &gap)
}
