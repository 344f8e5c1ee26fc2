// Package logger implements dsmed's leveled, rule-filtered logging with a
// lock-free single-producer/single-consumer ring buffer handed off to a
// background writer goroutine via a Linux eventfd, per spec.md §4.A.
package logger

import (
	"fmt"
	"log/syslog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Priority mirrors syslog priority levels; lower is more severe.
type Priority int

const (
	EMERG   Priority = 0
	ALERT   Priority = 1
	CRIT    Priority = 2
	ERR     Priority = 3
	WARNING Priority = 4
	NOTICE  Priority = 5
	INFO    Priority = 6
	DEBUG   Priority = 7
)

// Method selects the logging backend.
type Method int

const (
	MethodNone Method = iota
	MethodStderr
	MethodSyslog
	MethodFile
)

const (
	ringCapacity   = 1024 // power of two
	entryTextBytes = 256
	// overflowClearRatio is the occupancy level below which the logger
	// reopens the ring for new entries after an overflow (spec.md §9:
	// "the 7/8 drained heuristic ... should be treated as tunable").
	overflowClearRatio = 7.0 / 8.0
)

type logEntry struct {
	priority Priority
	text     [entryTextBytes]byte
	textLen  uint16
}

// Logger is dsmed's process-wide logging facility. Exactly one producer
// (whichever goroutine calls Log — in practice the single main-loop
// goroutine) and one consumer (the writer goroutine) touch the ring
// buffer; writeCount/readCount are the only cross-thread state.
type Logger struct {
	mu         sync.Mutex // guards method/verbosity/backend swap, not the hot path
	method     Method
	verbosity  Priority
	prefix     string
	file       *os.File
	sys        *syslog.Writer
	rules      *ruleSet
	ring       [ringCapacity]logEntry
	writeCount atomic.Uint64
	readCount  atomic.Uint64
	dropped    atomic.Uint64
	overflowed atomic.Bool
	eventfd    int
	fallback   atomic.Bool // true once the worker can no longer be signaled
	closeOnce  sync.Once
	closed     atomic.Bool
	doneCh     chan struct{}
}

// New creates an unopened Logger; call Open to select a backend and start
// the writer goroutine.
func New() *Logger {
	return &Logger{
		rules:   newRuleSet(),
		eventfd: -1,
		doneCh:  make(chan struct{}),
	}
}

// Open selects the backend, sets initial verbosity/prefix, and starts the
// background writer goroutine (backed by a Linux eventfd wakeup).
func (l *Logger) Open(method Method, verbosity Priority, prefix, filePath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.method = method
	l.verbosity = verbosity
	l.prefix = prefix

	switch method {
	case MethodFile:
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("logger: open log file: %w", err)
		}
		l.file = f
	case MethodSyslog:
		w, err := syslog.New(syslog.LOG_DAEMON, prefix)
		if err != nil {
			return fmt.Errorf("logger: open syslog: %w", err)
		}
		l.sys = w
	}

	fd, err := unix.Eventfd(0, 0)
	if err != nil {
		// Can't create the hand-off primitive: fall back to synchronous
		// in-caller emission permanently, per spec.md §4.A failure semantics.
		l.fallback.Store(true)
		return nil
	}
	l.eventfd = fd

	go l.writerLoop()
	return nil
}

// SetVerbosity changes the verbosity threshold used when no rule matches.
func (l *Logger) SetVerbosity(v Priority) {
	l.mu.Lock()
	l.verbosity = v
	l.mu.Unlock()
}

// Include adds a most-recent-wins include rule for the given file:func glob.
func (l *Logger) Include(pattern string) error { return l.rules.add(pattern, actionInclude) }

// Exclude adds a most-recent-wins exclude rule for the given file:func glob.
func (l *Logger) Exclude(pattern string) error { return l.rules.add(pattern, actionExclude) }

// ClearRules removes all include/exclude rules and resets logging to
// verbosity-only filtering (the UseLoggingDefaults wire control message).
func (l *Logger) ClearRules() { l.rules.clear() }

// Log formats and queues a log call if it passes the filter: emitted iff a
// matching rule says "included", or no rule matches and priority <= verbosity.
// An excluded match suppresses unconditionally.
func (l *Logger) Log(priority Priority, file, fn, format string, args ...interface{}) {
	key := file + ":" + fn
	matched, include := l.rules.evaluate(key)

	l.mu.Lock()
	verbosity := l.verbosity
	l.mu.Unlock()

	switch {
	case matched && !include:
		return // excluded rule suppresses unconditionally
	case matched && include:
		// included rule always emits
	default:
		if priority > verbosity {
			return
		}
	}

	msg := fmt.Sprintf(format, args...)
	text := fmt.Sprintf("[%s] %s: %s", priority.String(), key, msg)
	l.enqueue(priority, text)
}

func (l *Logger) enqueue(priority Priority, text string) {
	if l.fallback.Load() {
		l.emit(priority, text)
		return
	}

	writeCount := l.writeCount.Load()
	readCount := l.readCount.Load()
	if writeCount-readCount >= ringCapacity {
		l.dropped.Add(1)
		l.overflowed.Store(true)
		return
	}

	slot := int(writeCount % ringCapacity)
	e := &l.ring[slot]
	e.priority = priority
	n := copy(e.text[:], text)
	e.textLen = uint16(n)

	l.writeCount.Add(1)

	if err := l.notify(); err != nil {
		// Worker can no longer be signaled: degrade to synchronous emission
		// from here on, per spec.md §4.A.
		l.fallback.Store(true)
	}
}

func (l *Logger) notify() error {
	if l.eventfd < 0 {
		return fmt.Errorf("logger: no eventfd")
	}
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(l.eventfd, buf[:])
	return err
}

func (l *Logger) writerLoop() {
	defer close(l.doneCh)
	buf := make([]byte, 8)
	for {
		n, err := unix.Read(l.eventfd, buf)
		if err != nil || n == 0 {
			return
		}
		l.drain()
		if l.closed.Load() {
			return
		}
	}
}

// drain processes every entry queued since the last drain, in order.
func (l *Logger) drain() {
	for {
		readCount := l.readCount.Load()
		writeCount := l.writeCount.Load()
		if readCount >= writeCount {
			break
		}
		slot := int(readCount % ringCapacity)
		e := l.ring[slot]
		l.readCount.Add(1)
		l.emit(e.priority, string(e.text[:e.textLen]))

		if l.overflowed.Load() {
			buffered := l.writeCount.Load() - l.readCount.Load()
			if float64(buffered) < float64(ringCapacity)*overflowClearRatio {
				lost := l.dropped.Swap(0)
				l.overflowed.Store(false)
				if lost > 0 {
					l.emit(NOTICE, fmt.Sprintf("logging ringbuffer overflow; %d messages lost", lost))
				}
			}
		}
	}
}

func (l *Logger) emit(priority Priority, text string) {
	l.mu.Lock()
	method := l.method
	l.mu.Unlock()

	switch method {
	case MethodStderr:
		fmt.Fprintln(os.Stderr, text)
	case MethodFile:
		if l.file != nil {
			fmt.Fprintln(l.file, text)
		}
	case MethodSyslog:
		if l.sys != nil {
			writeSyslog(l.sys, priority, text)
		}
	case MethodNone:
		// discard
	}
}

func writeSyslog(w *syslog.Writer, priority Priority, text string) {
	switch {
	case priority <= ERR:
		w.Err(text)
	case priority == WARNING:
		w.Warning(text)
	case priority == NOTICE:
		w.Notice(text)
	case priority == INFO:
		w.Info(text)
	default:
		w.Debug(text)
	}
}

// Close flushes any remaining entries from the calling goroutine (process
// teardown) and releases backend resources.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		if l.eventfd >= 0 {
			// Wake the writer so it observes closed and exits; closing the
			// eventfd does not interrupt a read already blocked on it.
			l.notify()
			<-l.doneCh
			unix.Close(l.eventfd)
		}
		// Flush anything queued after the writer observed closed.
		l.drain()
		if l.file != nil {
			l.file.Close()
		}
		if l.sys != nil {
			l.sys.Close()
		}
	})
}

func (p Priority) String() string {
	switch p {
	case EMERG:
		return "emerg"
	case ALERT:
		return "alert"
	case CRIT:
		return "crit"
	case ERR:
		return "err"
	case WARNING:
		return "warning"
	case NOTICE:
		return "notice"
	case INFO:
		return "info"
	case DEBUG:
		return "debug"
	default:
		return "unknown"
	}
}
