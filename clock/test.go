package clock

import (
	"sync"
	"time"
)

// A settable clock for deterministic tests.
type TestClock struct {
	lock  sync.Mutex
	micro uint64
}

func NewTestClock(micro uint64) *TestClock {
	return &TestClock{micro: micro}
}

func (tc *TestClock) Advance(d time.Duration) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.micro += uint64(d.Microseconds())
}

func (tc *TestClock) SetMicro(micro uint64) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.micro = micro
}

func (tc *TestClock) CurrentTimeMicro() uint64 {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return tc.micro
}

func (tc *TestClock) CurrentTimeMs() uint64 {
	return tc.CurrentTimeMicro() / 1000
}

func (tc *TestClock) CurrentTimeSec() uint64 {
	return tc.CurrentTimeMicro() / 1000000
}

func (tc *TestClock) Now() time.Time {
	return time.UnixMicro(int64(tc.CurrentTimeMicro()))
}
