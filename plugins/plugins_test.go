package plugins

import (
	"fmt"
	"testing"

	"github.com/tinydsme/dsmed/bus"
	"github.com/tinydsme/dsmed/loop"
	"github.com/tinydsme/dsmed/pluginmgr"
	"github.com/tinydsme/dsmed/wire"
)

// newTestBus wires a bare bus.Bus + pluginmgr.Manager pair for plugin unit
// tests that only need to publish/subscribe, not a running event loop.
func newTestBus(t *testing.T) (*bus.Bus, *pluginmgr.Manager) {
	t.Helper()
	mgr := pluginmgr.NewManager()
	cat := wire.NewCatalog()
	return bus.New(mgr, cat, nil), mgr
}

// newTestTimerService wires a loop.Loop (closed on test cleanup) and
// returns a TimerService bound to it, for plugins whose Init creates a
// timer but whose tests drive the callback directly rather than running
// the loop.
func newTestTimerService(t *testing.T) *loop.TimerService {
	t.Helper()
	l, _ := newTestLoop(t)
	return loop.NewTimerService(l)
}

// newTestLoop wires a bare loop.Loop (closed on test cleanup) for plugins
// whose Init registers an fd against the loop (e.g. a self-pipe wake fd)
// but whose tests drive callbacks directly rather than running the loop.
func newTestLoop(t *testing.T) (*loop.Loop, *loop.TimerService) {
	t.Helper()
	l, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, loop.NewTimerService(l)
}

// probePlugin is a minimal pluginmgr.Plugin whose Init runs an arbitrary
// callback, used to obtain a live *pluginmgr.Context for bus.Subscribe
// calls made outside of a real plugin's own Init.
type probePlugin struct {
	onInit func(ctx *pluginmgr.Context)
}

func (p *probePlugin) Name() string { return "probe" }
func (p *probePlugin) Path() string { return "builtin:probe" }
func (p *probePlugin) Init(ctx *pluginmgr.Context) error {
	if p.onInit != nil {
		p.onInit(ctx)
	}
	return nil
}
func (p *probePlugin) Fini() {}

// subscribeDiskStatus registers a DISK_STATUS handler via a throwaway
// probe plugin and invokes fn with the mount path carried in Extra.
func subscribeDiskStatus(t *testing.T, mgr *pluginmgr.Manager, b *bus.Bus, fn func(mount string)) {
	t.Helper()
	mgr.Register("probe", func() pluginmgr.Plugin {
		return &probePlugin{onInit: func(ctx *pluginmgr.Context) {
			b.Subscribe(ctx, wire.MsgDiskStatus, func(msg bus.Message) {
				fn(string(msg.Extra))
			})
		}}
	})
	if err := mgr.Load("probe"); err != nil {
		t.Fatalf("mgr.Load(probe): %v", err)
	}
}

// subscribeTo registers a handler for typ via a throwaway probe plugin,
// a generic counterpart to subscribeDiskStatus for tests that only need
// to observe a single message type.
func subscribeTo(t *testing.T, mgr *pluginmgr.Manager, b *bus.Bus, typ wire.MsgType, fn bus.Handler) {
	t.Helper()
	name := fmt.Sprintf("probe-%d", typ)
	mgr.Register(name, func() pluginmgr.Plugin {
		return &probePlugin{onInit: func(ctx *pluginmgr.Context) {
			b.Subscribe(ctx, typ, fn)
		}}
	})
	if err := mgr.Load(name); err != nil {
		t.Fatalf("mgr.Load(%s): %v", name, err)
	}
}
