// Package watchdog implements dsmed's heartbeat ping/pong relay, per
// spec.md §4.H: a parent process writes a single byte to stdin at a
// known cadence, dsmed replies with a single byte on stdout and fans out
// an internal HEARTBEAT message. EOF or a read error quits the daemon
// with a failure exit code.
package watchdog

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/tinydsme/dsmed/bus"
	"github.com/tinydsme/dsmed/loop"
	"github.com/tinydsme/dsmed/wire"
)

// ExitFailure is the exit code Relay requests from the main loop on a
// watchdog pipe EOF or read error, per spec.md §7's fatal-error policy.
const ExitFailure = 1

// Relay wires stdin/stdout as the watchdog ping/pong pipe.
type Relay struct {
	l   *loop.Loop
	b   *bus.Bus
	in  int
	out int
}

// New creates a Relay reading pings from os.Stdin and writing pongs to
// os.Stdout, dsmed's standard watchdog wiring.
func New(l *loop.Loop, b *bus.Bus) *Relay {
	return &Relay{l: l, b: b, in: int(os.Stdin.Fd()), out: int(os.Stdout.Fd())}
}

// Attach registers the relay's stdin watch with the main loop.
func (r *Relay) Attach() error {
	unix.SetNonblock(r.in, true)
	return r.l.AddFD(r.in, unix.EPOLLIN, 0, r.onPing)
}

func (r *Relay) onPing(fd int, events uint32) {
	var buf [1]byte
	n, err := unix.Read(fd, buf[:])
	if err == unix.EAGAIN {
		return
	}
	if err != nil || n == 0 {
		r.l.Quit(ExitFailure)
		return
	}

	if _, err := unix.Write(r.out, buf[:n]); err != nil {
		r.l.Quit(ExitFailure)
		return
	}

	if r.b != nil {
		r.b.Publish(bus.Message{Type: wire.MsgHeartbeat, Sender: wire.Core})
	}
}
