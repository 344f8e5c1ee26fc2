package loop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestQuitStopsRunAndRecordsHighestExitCode(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Quit(1)
		l.Quit(5) // higher code should win
		l.Quit(2) // lower code after a higher one must not regress
	}()

	l.Run(nil)

	if l.CurrentState() != Stopped {
		t.Fatalf("expected Stopped, got %v", l.CurrentState())
	}
	if got := l.ExitCode(); got != 5 {
		t.Fatalf("ExitCode() = %d, want 5", got)
	}
}

func TestRepeatingTimerFiresAndStops(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	ts := NewTimerService(l)
	var fires int
	ts.CreateMS(5, func() bool {
		fires++
		if fires >= 3 {
			l.Quit(0)
			return false
		}
		return true
	})

	l.Run(nil)

	if fires != 3 {
		t.Fatalf("fires = %d, want 3", fires)
	}
}

func TestTimerDestroyPreventsFurtherFiring(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	ts := NewTimerService(l)
	var fires int
	h := ts.CreateMS(5, func() bool {
		fires++
		return true
	})

	go func() {
		time.Sleep(12 * time.Millisecond)
		ts.Destroy(h)
		time.Sleep(20 * time.Millisecond)
		l.Quit(0)
	}()

	l.Run(nil)

	after := fires
	time.Sleep(20 * time.Millisecond)
	if fires != after {
		t.Fatalf("timer fired after Destroy: before=%d after=%d", after, fires)
	}
}

func TestFDWatchDispatchesOnReadable(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])

	called := make(chan struct{}, 1)
	if err := l.AddFD(pipe[0], unix.EPOLLIN, 0, func(fd int, events uint32) {
		var buf [8]byte
		unix.Read(fd, buf[:])
		called <- struct{}{}
		l.Quit(0)
	}); err != nil {
		t.Fatalf("AddFD: %v", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		unix.Write(pipe[1], []byte("x"))
	}()

	l.Run(nil)

	select {
	case <-called:
	default:
		t.Fatal("fd callback was never invoked")
	}
}
