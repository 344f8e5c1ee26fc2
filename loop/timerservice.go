package loop

// TimerService is the public timer API described in spec.md §4.C. The
// source's plugin-facing API is seconds-granularity ("interval_seconds|0");
// the loop itself runs at millisecond granularity (spec.md §4.B), so
// CreateMS is offered alongside CreateSeconds for callers (like the
// illustrative plugins' sub-second polling) that need finer control.
type TimerService struct {
	l *Loop
}

// NewTimerService binds a TimerService to l's timer wheel.
func NewTimerService(l *Loop) *TimerService {
	return &TimerService{l: l}
}

// CreateSeconds creates a timer with interval_seconds|0 semantics: 0
// creates a one-shot idle source that fires on the next empty-queue tick;
// otherwise a repeating timer (repeat continues as long as cb returns
// true).
func (t *TimerService) CreateSeconds(intervalSeconds int, cb Callback) Handle {
	return t.l.timers.Create(intervalSeconds*1000, cb)
}

// CreateMS is CreateSeconds generalized to millisecond granularity.
func (t *TimerService) CreateMS(intervalMS int, cb Callback) Handle {
	return t.l.timers.Create(intervalMS, cb)
}

// Destroy stops and releases a timer. Effective immediately: the timer
// will not fire again after Destroy returns, even if already due.
func (t *TimerService) Destroy(h Handle) {
	h.Destroy()
}
