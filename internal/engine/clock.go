package engine

import "time"

// Clock abstracts time so tests can drive lease expiry and backoff
// deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// NewClock returns the wall clock (UTC).
func NewClock() Clock { return realClock{} }
