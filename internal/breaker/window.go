package breaker

import "time"

// bucket counts calls that landed in one slice of the window.
type bucket struct {
	epoch int64 // bucket number since the unix epoch; identifies staleness
	calls int
	slow  int
}

// slowWindow is a rolling window of call counts split into fixed buckets.
// It is not safe for concurrent use; the owning Breaker guards it.
type slowWindow struct {
	buckets    []bucket
	bucketSize time.Duration
}

func newSlowWindow(window time.Duration, bucketCount int) *slowWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	size := window / time.Duration(bucketCount)
	if size <= 0 {
		size = time.Millisecond
	}
	return &slowWindow{buckets: make([]bucket, bucketCount), bucketSize: size}
}

func (w *slowWindow) epoch(now time.Time) int64 {
	return now.UnixNano() / int64(w.bucketSize)
}

// record counts one call at now.
func (w *slowWindow) record(now time.Time, slow bool) {
	e := w.epoch(now)
	b := &w.buckets[e%int64(len(w.buckets))]
	if b.epoch != e {
		*b = bucket{epoch: e}
	}
	b.calls++
	if slow {
		b.slow++
	}
}

// counts returns calls and slow calls within the window ending at now.
func (w *slowWindow) counts(now time.Time) (calls, slow int) {
	e := w.epoch(now)
	oldest := e - int64(len(w.buckets)) + 1
	for _, b := range w.buckets {
		if b.epoch >= oldest && b.epoch <= e {
			calls += b.calls
			slow += b.slow
		}
	}
	return calls, slow
}

func (w *slowWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
