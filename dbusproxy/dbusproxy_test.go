package dbusproxy

import (
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/tinydsme/dsmed/bus"
	"github.com/tinydsme/dsmed/pluginmgr"
	"github.com/tinydsme/dsmed/wire"
)

type capturePlugin struct {
	name    string
	capture func(*pluginmgr.Context)
}

func (p *capturePlugin) Name() string { return p.name }
func (p *capturePlugin) Path() string { return "builtin:" + p.name }
func (p *capturePlugin) Init(ctx *pluginmgr.Context) error {
	if p.capture != nil {
		p.capture(ctx)
	}
	return nil
}
func (p *capturePlugin) Fini() {}

func newTestProxy(t *testing.T) (*Proxy, *pluginmgr.Manager) {
	t.Helper()
	mgr := pluginmgr.NewManager()
	cat := wire.NewCatalog()
	b := bus.New(mgr, cat, nil)
	return New(Config{ServiceName: "com.example.dsmed", RebootOnBusDisconnect: true}, mgr, b, nil), mgr
}

func loadCapturingPlugin(t *testing.T, mgr *pluginmgr.Manager, name string) *pluginmgr.Context {
	t.Helper()
	var ctx *pluginmgr.Context
	mgr.Register(name, func() pluginmgr.Plugin {
		return &capturePlugin{name: name, capture: func(c *pluginmgr.Context) { ctx = c }}
	})
	if err := mgr.Load(name); err != nil {
		t.Fatalf("Load(%s): %v", name, err)
	}
	return ctx
}

func TestNameStateDefaultsUnrequested(t *testing.T) {
	p, _ := newTestProxy(t)
	if p.NameState() != NameUnrequested {
		t.Fatalf("NameState() = %v, want NameUnrequested", p.NameState())
	}
}

func TestBindMethodsWithoutConnectionStillRegisters(t *testing.T) {
	p, mgr := newTestProxy(t)
	ctx := loadCapturingPlugin(t, mgr, "state")

	called := false
	specs := map[string]MethodSpec{
		"get_version": {
			Kind: KindQuery,
			Handler: func(sender wire.Endpoint, arg interface{}) (interface{}, error) {
				called = true
				return "1.0", nil
			},
		},
	}
	if err := p.BindMethods(ctx, "/com/example/dsmed", "com.example.dsmed.Device", specs); err != nil {
		t.Fatalf("BindMethods: %v", err)
	}

	if !p.ifaceRegistered("com.example.dsmed.Device") {
		t.Fatal("expected interface registered after BindMethods")
	}
	_ = called // handler is exercised only through a real dispatchCall, not asserted here
}

func TestUnbindMethodsOnPluginUnloadPrunesRegistration(t *testing.T) {
	p, mgr := newTestProxy(t)
	ctx := loadCapturingPlugin(t, mgr, "state")

	specs := map[string]MethodSpec{
		"get_state": {Kind: KindQuery, Handler: func(wire.Endpoint, interface{}) (interface{}, error) { return "USER", nil }},
	}
	p.BindMethods(ctx, "/com/example/dsmed", "com.example.dsmed.Device", specs)
	if !p.ifaceRegistered("com.example.dsmed.Device") {
		t.Fatal("expected registered before unload")
	}

	mgr.Unload("state")
	if p.ifaceRegistered("com.example.dsmed.Device") {
		t.Fatal("expected interface unregistered after owning plugin unload")
	}
}

func TestEmitSignalRefusesUnregisteredInterface(t *testing.T) {
	p, _ := newTestProxy(t)
	if err := p.EmitSignal("/com/example/dsmed", "com.example.dsmed.Device", "state_change_ind", "USER"); err == nil {
		t.Fatal("expected error emitting unregistered interface")
	}
}

func TestBindSignalsRegistersAndAllowsEmit(t *testing.T) {
	p, mgr := newTestProxy(t)
	ctx := loadCapturingPlugin(t, mgr, "state")

	if err := p.BindSignals(ctx, "com.example.dsmed.Device", "state_change_ind", func(sig *dbus.Signal) {}); err != nil {
		t.Fatalf("BindSignals: %v", err)
	}

	if !p.ifaceRegistered("com.example.dsmed.Device") {
		t.Fatal("expected interface registered via signal binding")
	}

	mgr.Unload("state")
	if p.ifaceRegistered("com.example.dsmed.Device") {
		t.Fatal("expected interface unregistered after owning plugin unload")
	}
}

func TestComposeIntrospectXMLListsChildNodes(t *testing.T) {
	p, mgr := newTestProxy(t)
	ctx := loadCapturingPlugin(t, mgr, "state")

	p.BindMethods(ctx, "/com/example/dsmed/child", "com.example.dsmed.Device", map[string]MethodSpec{
		"get_version": {Kind: KindQuery, Handler: func(wire.Endpoint, interface{}) (interface{}, error) { return "1.0", nil }},
	})

	xml := p.composeIntrospectXML("/com/example/dsmed")
	if !strings.Contains(xml, `<node name="child"/>`) {
		t.Fatalf("expected child node entry in introspection XML, got:\n%s", xml)
	}
	if !strings.Contains(xml, ifaceIntrospectable) || !strings.Contains(xml, ifacePeer) {
		t.Fatalf("expected standard interfaces in introspection XML, got:\n%s", xml)
	}
}

func TestComposeIntrospectXMLListsOwnMethods(t *testing.T) {
	p, mgr := newTestProxy(t)
	ctx := loadCapturingPlugin(t, mgr, "state")

	p.BindMethods(ctx, "/com/example/dsmed", "com.example.dsmed.Device", map[string]MethodSpec{
		"get_version": {Kind: KindQuery, Handler: func(wire.Endpoint, interface{}) (interface{}, error) { return "1.0", nil }},
	})

	xml := p.composeIntrospectXML("/com/example/dsmed")
	if !strings.Contains(xml, `<method name="get_version"/>`) {
		t.Fatalf("expected get_version method entry, got:\n%s", xml)
	}
}
