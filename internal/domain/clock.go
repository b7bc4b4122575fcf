package domain

import "time"

// Clock abstracts wall-clock access so windowed logic (cooldowns, trend
// windows, history pruning) is deterministic under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production clock.
var SystemClock Clock = systemClock{}
