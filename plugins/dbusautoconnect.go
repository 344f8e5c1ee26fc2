package plugins

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/tinydsme/dsmed/bus"
	"github.com/tinydsme/dsmed/dbusproxy"
	"github.com/tinydsme/dsmed/logger"
	"github.com/tinydsme/dsmed/loop"
	"github.com/tinydsme/dsmed/pluginmgr"
	"github.com/tinydsme/dsmed/wire"
)

// DefaultBusSocketDir is the directory containing the system bus socket
// on a typical Linux install; dsmed watches it for the socket's
// appearance rather than assuming D-Bus is already up at startup.
const DefaultBusSocketDir = "/var/run/dbus"

// DBusAutoconnect retries Proxy.Connect as the system bus becomes
// available: an fsnotify watch on the bus socket's directory wakes the
// main loop immediately on appearance, with a 1-second poll timer as a
// fallback for filesystems or setups where fsnotify doesn't fire (the
// watcher goroutine itself runs outside the loop, per fsnotify's own
// API, so its events are bridged back via a self-pipe wake fd, the same
// technique dbusproxy uses for godbus's signal goroutine).
type DBusAutoconnect struct {
	proxy   *dbusproxy.Proxy
	b       *bus.Bus
	ts      *loop.TimerService
	l       *loop.Loop
	log     *logger.Logger
	busDir  string
	watcher *fsnotify.Watcher
	wake    [2]int

	mu sync.Mutex
}

// NewDBusAutoconnect constructs the plugin watching busDir (or
// DefaultBusSocketDir if empty) for the system bus socket. l is the main
// loop the fsnotify wake fd is registered against.
func NewDBusAutoconnect(proxy *dbusproxy.Proxy, b *bus.Bus, ts *loop.TimerService, l *loop.Loop, log *logger.Logger, busDir string) *DBusAutoconnect {
	if busDir == "" {
		busDir = DefaultBusSocketDir
	}
	return &DBusAutoconnect{proxy: proxy, b: b, ts: ts, l: l, log: log, busDir: busDir}
}

func (d *DBusAutoconnect) Name() string { return "dbusautoconnect" }
func (d *DBusAutoconnect) Path() string { return "builtin:dbusautoconnect" }

func (d *DBusAutoconnect) Init(ctx *pluginmgr.Context) error {
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return err
	}
	d.wake = pipe
	ctx.Track("wake-pipe", func() {
		unix.Close(d.wake[0])
		unix.Close(d.wake[1])
	})

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	d.watcher = watcher
	ctx.Track("fsnotify-watcher", func() { watcher.Close() })

	if err := watcher.Add(d.busDir); err != nil && d.log != nil {
		d.log.Log(logger.WARNING, "dbusautoconnect", "Init", "watch %s: %v", d.busDir, err)
	}

	go d.watchLoop()

	if err := d.l.AddFD(d.wake[0], unix.EPOLLIN, 0, d.onWake); err != nil {
		return err
	}
	ctx.Track("wake-fd-registration", func() { d.l.RemoveFD(d.wake[0]) })

	h := d.ts.CreateSeconds(1, d.onTimerTick)
	ctx.Track("timer", func() { d.ts.Destroy(h) })

	d.b.Subscribe(ctx, wire.MsgDBusConnect, func(msg bus.Message) { d.attempt() })

	d.attempt()
	return nil
}

func (d *DBusAutoconnect) Fini() {}

func (d *DBusAutoconnect) watchLoop() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) == "system_bus_socket" || event.Op&fsnotify.Create != 0 {
				unix.Write(d.wake[1], []byte{1})
			}
		case _, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (d *DBusAutoconnect) onWake(fd int, events uint32) {
	var buf [64]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			break
		}
	}
	d.attempt()
}

func (d *DBusAutoconnect) onTimerTick() bool {
	d.attempt()
	return true
}

func (d *DBusAutoconnect) attempt() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.proxy.NameState() == dbusproxy.NameAcquired {
		return
	}
	if err := d.proxy.Connect(); err != nil && d.log != nil {
		d.log.Log(logger.DEBUG, "dbusautoconnect", "attempt", "connect: %v", err)
	}
}
