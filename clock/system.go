// Package clock abstracts wall time so records can be stamped from a
// source that tests can pin.
package clock

import "time"

// Clock supplies wall time at the granularities the stores use. Record
// stamps are milliseconds; seconds appear at API boundaries such as
// retention cutoffs.
type Clock interface {
	CurrentTimeMicro() uint64
	CurrentTimeMs() uint64
	CurrentTimeSec() uint64
	Now() time.Time
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by time.Now.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (sc systemClock) CurrentTimeMicro() uint64 {
	return uint64(sc.Now().UnixMicro())
}

func (sc systemClock) CurrentTimeMs() uint64 {
	return uint64(sc.Now().UnixMilli())
}

func (sc systemClock) CurrentTimeSec() uint64 {
	return uint64(sc.Now().Unix())
}
