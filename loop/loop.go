// Package loop implements dsmed's single-threaded cooperative main loop:
// epoll-multiplexed fd watches, a millisecond-granularity timer wheel, idle
// callbacks, and an async-signal-safe self-pipe wakeup, per spec.md §4.B.
package loop

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// State is the loop's lifecycle state.
type State int32

const (
	NotStarted State = iota
	Running
	Stopped
)

// IterationHook is invoked once per wake, before servicing ready sources.
// dsmed's main passes nil: bus.Publish dispatches synchronously and the
// bus keeps no queue to drain.
type IterationHook func()

// FDCallback is invoked when a watched fd becomes ready. events carries the
// raw epoll event mask (EPOLLIN, EPOLLOUT, ...).
type FDCallback func(fd int, events uint32)

type fdWatch struct {
	fd       int
	events   uint32
	cb       FDCallback
	priority int
	removed  bool
}

// Loop is dsmed's main loop.
type Loop struct {
	epfd      int
	selfPipe  [2]int
	state     atomic.Int32
	exitCode  atomic.Int32
	watches   map[int]*fdWatch
	nextOrder int
	timers    *wheel
	idles     []*idleCallback
}

type idleCallback struct {
	cb      func() bool // returns true to keep running
	removed bool
}

// New creates an unstarted Loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	l := &Loop{
		epfd:     epfd,
		selfPipe: pipe,
		watches:  make(map[int]*fdWatch),
		timers:   newWheel(),
	}
	l.watches[pipe[0]] = &fdWatch{fd: pipe[0], events: unix.EPOLLIN, cb: l.drainSelfPipe}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, pipe[0], &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(pipe[0]),
	}); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Loop) drainSelfPipe(fd int, events uint32) {
	var buf [64]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}

// AddFD registers a level-triggered watch on fd. Ready fds are serviced in
// the order epoll_wait reports them; priority is stored with the watch but
// does not affect that order, and registration order is not preserved.
func (l *Loop) AddFD(fd int, events uint32, priority int, cb FDCallback) error {
	w := &fdWatch{fd: fd, events: events, cb: cb, priority: priority}
	l.watches[fd] = w
	l.nextOrder++
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

// RemoveFD guarantees the fd's callback will not be entered after this
// call returns; if called re-entrantly from within the callback, the
// callback's return is ignored and the source is released regardless.
func (l *Loop) RemoveFD(fd int) {
	if w, ok := l.watches[fd]; ok {
		w.removed = true
		delete(l.watches, fd)
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
}

// AddIdle registers a callback runnable only when no higher-priority work
// (ready fds, due timers) exists. cb returns false to remove itself.
func (l *Loop) AddIdle(cb func() bool) *idleCallback {
	ic := &idleCallback{cb: cb}
	l.idles = append(l.idles, ic)
	return ic
}

// RemoveIdle removes an idle callback; safe to call from within the callback.
func (l *Loop) RemoveIdle(ic *idleCallback) {
	ic.removed = true
}

// Quit is async-signal-safe: it performs at most one non-blocking write to
// the self-pipe and records the highest exit code ever set.
func (l *Loop) Quit(code int) {
	for {
		cur := l.exitCode.Load()
		if int32(code) <= cur {
			break
		}
		if l.exitCode.CompareAndSwap(cur, int32(code)) {
			break
		}
	}
	l.state.Store(int32(Stopped))
	unix.Write(l.selfPipe[1], []byte{1})
}

// ExitCode returns the highest exit code ever set via Quit.
func (l *Loop) ExitCode() int { return int(l.exitCode.Load()) }

// CurrentState returns the loop's lifecycle state.
func (l *Loop) CurrentState() State { return State(l.state.Load()) }

// Timers exposes the timer wheel for the timer service (package-local use).
func (l *Loop) Timers() *wheel { return l.timers }

// Run blocks, polling all registered sources, until Quit is called or
// epoll_wait fails (which quits with exit code 1). iterationHook runs once
// per wake, before ready sources are serviced.
func (l *Loop) Run(iterationHook IterationHook) {
	if !l.state.CompareAndSwap(int32(NotStarted), int32(Running)) {
		return
	}

	events := make([]unix.EpollEvent, 64)
	for l.state.Load() == int32(Running) {
		if iterationHook != nil {
			iterationHook()
		}

		timeout := l.nextTimeout()
		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.Quit(1)
			break
		}

		l.timers.fireDue()

		if n == 0 {
			l.runIdles()
			continue
		}

		l.dispatchReady(events[:n])
	}
}

func (l *Loop) dispatchReady(events []unix.EpollEvent) {
	// Events are serviced in the order epoll_wait returned them, without
	// reordering by priority or registration order (epoll does not
	// guarantee FIFO order itself).
	for _, ev := range events {
		fd := int(ev.Fd)
		w, ok := l.watches[fd]
		if !ok || w.removed {
			continue
		}
		w.cb(fd, ev.Events)
	}
}

func (l *Loop) runIdles() {
	alive := l.idles[:0]
	for _, ic := range l.idles {
		if ic.removed {
			continue
		}
		if ic.cb() {
			alive = append(alive, ic)
		}
	}
	l.idles = alive
}

// nextTimeout computes the epoll_wait timeout in milliseconds: 0 if an idle
// callback is pending (so we don't block when there's idle work), otherwise
// the time until the next timer fires, or -1 (block indefinitely) if none.
func (l *Loop) nextTimeout() int {
	if len(l.idles) > 0 {
		return 0
	}
	d, ok := l.timers.nextDeadline()
	if !ok {
		return -1
	}
	ms := int(time.Until(d) / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return ms
}

// Close releases the loop's epoll fd and self-pipe. Call only after Run returns.
func (l *Loop) Close() {
	if l.epfd >= 0 {
		unix.Close(l.epfd)
	}
	unix.Close(l.selfPipe[0])
	unix.Close(l.selfPipe[1])
}
