// clock.go

package aztok

import "time"

// Clock supplies the current time. All expiry comparisons in this package go
// through a Clock so tests can substitute a controllable one.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

// RealClock returns the wall clock.
func RealClock() Clock {
	return realClock{}
}
