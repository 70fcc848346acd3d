package rollfile

import (
	"runtime"
	"time"
)

// YieldFunc is called between spin-CAS retries and by every polling wait in
// this package (allocating-flag contention, close-file pending spin, the
// coordination-file lock word). attempt is the 0-based retry count, so a
// policy can back off progressively.
type YieldFunc func(attempt int)

// YieldBusy never yields; it spins as tightly as possible.
//
// Appropriate only when contention windows are known to be a handful of
// instructions (as for the reservation CAS loops themselves). Using it for
// longer waits (e.g. close-file's pending spin) wastes a CPU core.
func YieldBusy(int) {}

// YieldGosched calls runtime.Gosched() between attempts, letting other
// goroutines run without sleeping.
func YieldGosched(int) {
	runtime.Gosched()
}

// YieldBackoff sleeps with bounded exponential backoff: 1us, 2us, 4us, ...
// capped at 1ms.
func YieldBackoff(attempt int) {
	const (
		base       = time.Microsecond
		maxBackoff = time.Millisecond
	)

	d := base << attempt
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}

	time.Sleep(d)
}
