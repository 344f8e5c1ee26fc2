package socket

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinydsme/dsmed/bus"
	"github.com/tinydsme/dsmed/loop"
	"github.com/tinydsme/dsmed/pluginmgr"
	"github.com/tinydsme/dsmed/wire"
)

func newTestServer(t *testing.T) (*Server, *loop.Loop, string) {
	t.Helper()
	l, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	t.Cleanup(l.Close)

	mgr := pluginmgr.NewManager()
	cat := wire.NewCatalog()
	b := bus.New(mgr, cat, nil)

	path := filepath.Join(t.TempDir(), "dsme.sock")
	srv := New(Config{Path: path, CompatPingToPong: true}, l, b, cat, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv, l, path
}

func runLoopBriefly(l *loop.Loop, d time.Duration) {
	go func() {
		time.Sleep(d)
		l.Quit(0)
	}()
	l.Run(nil)
}

func TestClientFrameThenCloseRemovesClient(t *testing.T) {
	srv, l, path := newTestServer(t)

	received := make(chan struct{}, 1)
	go func() {
		conn, err := net.Dial("unix", path)
		if err != nil {
			t.Errorf("dial: %v", err)
			return
		}
		defer conn.Close()

		frame := wire.Encode(wire.MsgHeartbeat, nil, nil)
		if _, err := conn.Write(frame); err != nil {
			t.Errorf("write: %v", err)
			return
		}
		received <- struct{}{}

		closeFrame := wire.Encode(wire.MsgClose, nil, nil)
		conn.Write(closeFrame)
	}()

	runLoopBriefly(l, 60*time.Millisecond)

	select {
	case <-received:
	default:
		t.Fatal("client never completed its write")
	}
	if srv.ClientCount() != 0 {
		t.Fatalf("ClientCount() = %d, want 0 after CLOSE", srv.ClientCount())
	}
}

func TestPingCompatRewriteToPong(t *testing.T) {
	l, err := loop.New()
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	defer l.Close()

	mgr := pluginmgr.NewManager()
	cat := wire.NewCatalog()
	b := bus.New(mgr, cat, nil)

	var seenType wire.MsgType
	b.Subscribe(pluginCtxFor(mgr, "watcher"), wire.MsgPong, func(m bus.Message) { seenType = m.Type })

	path := filepath.Join(t.TempDir(), "dsme.sock")
	srv := New(Config{Path: path, CompatPingToPong: true}, l, b, cat, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Shutdown()

	go func() {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(wire.Encode(wire.MsgPing, nil, nil))
		time.Sleep(20 * time.Millisecond)
	}()

	runLoopBriefly(l, 60*time.Millisecond)

	if seenType != wire.MsgPong {
		t.Fatalf("seenType = %d, want MsgPong after compat rewrite", seenType)
	}
}

func TestUnknownTypeClosesConnection(t *testing.T) {
	srv, l, path := newTestServer(t)

	go func() {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(wire.Encode(wire.MsgType(0xBEEF), nil, nil))
		time.Sleep(20 * time.Millisecond)
	}()

	runLoopBriefly(l, 60*time.Millisecond)

	if srv.ClientCount() != 0 {
		t.Fatalf("ClientCount() = %d, want 0 after protocol error", srv.ClientCount())
	}
}

func TestResolvedPathHonorsEnvOverride(t *testing.T) {
	os.Setenv("DSME_SOCKFILE", "/tmp/override.sock")
	defer os.Unsetenv("DSME_SOCKFILE")

	cfg := Config{}
	if got := cfg.ResolvedPath(); got != "/tmp/override.sock" {
		t.Fatalf("ResolvedPath() = %q, want /tmp/override.sock", got)
	}
}

// pluginCtxFor is a test helper bridging pluginmgr's Init-scoped Context
// requirement for bus.Subscribe: production code always subscribes from
// within Plugin.Init using the Context Manager.Load passes in.
func pluginCtxFor(mgr *pluginmgr.Manager, name string) *pluginmgr.Context {
	var captured *pluginmgr.Context
	mgr.Register("__capture__"+name, func() pluginmgr.Plugin {
		return &captureInitPlugin{name: "__capture__" + name, capture: func(c *pluginmgr.Context) {
			captured = c
		}}
	})
	mgr.Load("__capture__" + name)
	return captured
}

type captureInitPlugin struct {
	name    string
	capture func(*pluginmgr.Context)
}

func (p *captureInitPlugin) Name() string { return p.name }
func (p *captureInitPlugin) Path() string { return "builtin:" + p.name }
func (p *captureInitPlugin) Init(ctx *pluginmgr.Context) error {
	p.capture(ctx)
	return nil
}
func (p *captureInitPlugin) Fini() {}
