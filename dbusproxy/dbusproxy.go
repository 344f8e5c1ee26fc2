// Package dbusproxy implements dsmed's D-Bus proxy, per spec.md §4.G:
// lazy connection, well-known name acquisition, method/signal bindings
// scoped to plugin lifetime, hand-composed introspection XML, and a
// privileged-method access check performed via a synchronous
// GetConnectionUnixUser round trip (an accepted exception to the
// cooperative single-threaded model, since the bus daemon is local —
// spec.md §5).
//
// godbus/dbus/v5 delivers signals and inbound method calls from its own
// internal reader goroutine. To preserve dsmed's single-threaded
// dispatch invariant (handlers only ever run with one "current plugin"
// on the call stack), both are bridged onto the main loop through a
// self-pipe wakeup, the same pattern loop.Loop uses for Quit.
package dbusproxy

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/tinydsme/dsmed/bus"
	"github.com/tinydsme/dsmed/logger"
	"github.com/tinydsme/dsmed/loop"
	"github.com/tinydsme/dsmed/pluginmgr"
	"github.com/tinydsme/dsmed/wire"
)

const (
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifacePeer           = "org.freedesktop.DBus.Peer"
	localDisconnected   = "org.freedesktop.DBus.Local.Disconnected"
)

// NameState is the well-known-name request state machine spec.md §4.G names.
type NameState int

const (
	NameUnrequested NameState = iota
	NameRequested
	NameAcquired
	NameRejected
)

// MethodKind enumerates the concrete D-Bus method shapes dsmed's surface
// uses (spec.md §6): a no-arg string query, a no-arg action, and a
// single-bool-arg action. This is a deliberately closed set rather than
// fully generic reflection-based export — dsmed's own D-Bus surface
// (get_version, get_state, req_powerup, req_reboot, req_shutdown,
// inhibit_shutdown) uses exactly these three shapes.
type MethodKind int

const (
	KindQuery      MethodKind = iota // func() (string, *dbus.Error)
	KindAction                       // func() *dbus.Error
	KindBoolAction                   // func(bool) *dbus.Error
)

// MethodHandler implements one bound D-Bus method's behavior. arg is nil
// for KindAction, a bool for KindBoolAction. For KindQuery, result must
// be a string.
type MethodHandler func(sender wire.Endpoint, arg interface{}) (result interface{}, err error)

// MethodSpec describes one method binding.
type MethodSpec struct {
	Kind    MethodKind
	Priv    bool
	Handler MethodHandler
}

// SignalHandler processes an inbound signal matching a binding.
type SignalHandler func(sig *dbus.Signal)

type methodBinding struct {
	owner string
	spec  MethodSpec
}

type signalBinding struct {
	owner   string
	iface   string
	member  string
	handler SignalHandler
}

type ifaceNode struct {
	methods map[string]*methodBinding
}

type objectNode struct {
	ifaces map[string]*ifaceNode
}

// Config configures a Proxy.
type Config struct {
	ServiceName           string
	PrivilegedUIDs        map[uint32]bool
	RebootOnBusDisconnect bool
	MarkerFilePath        string
}

type pendingSignal struct {
	sig *dbus.Signal
}

type pendingCall struct {
	path   dbus.ObjectPath
	iface  string
	member string
	sender wire.Endpoint
	arg    interface{}
	reply  chan callResult
}

type callResult struct {
	val interface{}
	err error
}

// Proxy is dsmed's D-Bus proxy.
type Proxy struct {
	mu  sync.Mutex // guards objects/nameState/signalBindings: also read from godbus's goroutine
	mgr *pluginmgr.Manager
	b   *bus.Bus
	log *logger.Logger
	cfg Config

	conn      *dbus.Conn
	nameState NameState

	objects        map[dbus.ObjectPath]*objectNode
	signalBindings map[string][]*signalBinding // "iface\x00member" -> bindings

	sigCh chan *dbus.Signal
	inbox chan interface{}
	wake  [2]int
}

// New creates an unconnected Proxy.
func New(cfg Config, mgr *pluginmgr.Manager, b *bus.Bus, log *logger.Logger) *Proxy {
	return &Proxy{
		cfg:            cfg,
		mgr:            mgr,
		b:              b,
		log:            log,
		objects:        make(map[dbus.ObjectPath]*objectNode),
		signalBindings: make(map[string][]*signalBinding),
		inbox:          make(chan interface{}, 128),
		wake:           [2]int{-1, -1},
	}
}

// AttachToLoop registers the proxy's internal wakeup pipe with l so that
// bridged D-Bus signals and method calls are drained on the main
// goroutine, never on godbus's own reader goroutine.
func (p *Proxy) AttachToLoop(l *loop.Loop) error {
	if err := unix.Pipe2(p.wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("dbusproxy: wake pipe: %w", err)
	}
	return l.AddFD(p.wake[0], unix.EPOLLIN, 0, p.onWake)
}

func (p *Proxy) signalWake() {
	unix.Write(p.wake[1], []byte{1})
}

func (p *Proxy) onWake(fd int, events uint32) {
	var buf [64]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			break
		}
	}
	for {
		select {
		case item := <-p.inbox:
			p.process(item)
		default:
			return
		}
	}
}

func (p *Proxy) process(item interface{}) {
	switch v := item.(type) {
	case *pendingSignal:
		p.dispatchSignal(v.sig)
	case *pendingCall:
		p.dispatchCall(v)
	}
}

// Connect establishes the D-Bus connection and requests the configured
// well-known name. Per spec.md §4.G the proxy does not connect eagerly;
// callers invoke Connect in response to a DBUS_CONNECT request.
func (p *Proxy) Connect() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		p.mu.Lock()
		p.nameState = NameRejected
		p.mu.Unlock()
		return fmt.Errorf("dbusproxy: connect: %w", err)
	}
	p.conn = conn
	p.sigCh = make(chan *dbus.Signal, 64)
	conn.Signal(p.sigCh)
	go p.signalLoop()

	p.mu.Lock()
	p.nameState = NameRequested
	p.mu.Unlock()

	reply, err := conn.RequestName(p.cfg.ServiceName, dbus.NameFlagDoNotQueue)
	p.mu.Lock()
	if err != nil || reply != dbus.RequestNameReplyPrimaryOwner {
		p.nameState = NameRejected
		p.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("dbusproxy: name %q not acquired: reply=%v", p.cfg.ServiceName, reply)
		}
		return err
	}
	p.nameState = NameAcquired
	p.mu.Unlock()

	if p.b != nil {
		p.b.Publish(bus.Message{Type: wire.MsgDBusConnected, Sender: wire.Core})
	}
	return nil
}

func (p *Proxy) signalLoop() {
	for sig := range p.sigCh {
		if sig.Name == localDisconnected {
			p.inbox <- &pendingSignal{sig: sig}
			p.signalWake()
			return
		}
		p.inbox <- &pendingSignal{sig: sig}
		p.signalWake()
	}
}

func (p *Proxy) dispatchSignal(sig *dbus.Signal) {
	if sig.Name == localDisconnected {
		p.handleDisconnected()
		return
	}
	iface, member := splitSignalName(sig.Name)
	p.mu.Lock()
	matches := append([]*signalBinding(nil), p.signalBindings[iface+"\x00"+member]...)
	p.mu.Unlock()
	for _, m := range matches {
		p.invokeUnderOwner(m.owner, func() {
			m.handler(sig)
		})
	}
}

func splitSignalName(full string) (iface, member string) {
	i := strings.LastIndex(full, ".")
	if i < 0 {
		return "", full
	}
	return full[:i], full[i+1:]
}

func (p *Proxy) invokeUnderOwner(owner string, f func()) {
	leave := p.mgr.Enter(owner)
	defer leave()
	defer func() {
		if r := recover(); r != nil && p.log != nil {
			p.log.Log(logger.ERR, "dbusproxy", "invokeUnderOwner", "handler panic: owner=%s: %v", owner, r)
		}
	}()
	f()
}

// handleDisconnected implements the "Disconnected" reboot policy
// (spec.md §4.G; DESIGN.md Open Question #3): write a marker file and
// request a reboot. Gated by Config.RebootOnBusDisconnect so a
// deployment can disable the policy without deleting it.
func (p *Proxy) handleDisconnected() {
	if p.log != nil {
		p.log.Log(logger.ERR, "dbusproxy", "handleDisconnected", "system bus connection lost")
	}
	if !p.cfg.RebootOnBusDisconnect {
		return
	}
	if p.cfg.MarkerFilePath != "" {
		if err := writeMarkerFile(p.cfg.MarkerFilePath); err != nil && p.log != nil {
			p.log.Log(logger.WARNING, "dbusproxy", "handleDisconnected", "marker file: %v", err)
		}
	}
	if p.b != nil {
		p.b.Publish(bus.Message{Type: wire.MsgReqReboot, Sender: wire.Core})
	}
}

// BindMethods registers specs under path/iface, owned by ctx's plugin.
// The binding is released automatically when that plugin unloads.
func (p *Proxy) BindMethods(ctx *pluginmgr.Context, path dbus.ObjectPath, iface string, specs map[string]MethodSpec) error {
	p.mu.Lock()
	obj := p.ensureObjectLocked(path)
	node, ok := obj.ifaces[iface]
	if !ok {
		node = &ifaceNode{methods: make(map[string]*methodBinding)}
		obj.ifaces[iface] = node
	}
	methodTable := make(map[string]interface{}, len(specs))
	for member, spec := range specs {
		spec := spec
		binding := &methodBinding{owner: ctx.PluginName(), spec: spec}
		node.methods[member] = binding
		methodTable[member] = p.adapterFor(path, iface, member, spec.Kind)
	}
	p.mu.Unlock()

	if p.conn != nil {
		if err := p.conn.ExportMethodTable(methodTable, path, iface); err != nil {
			return fmt.Errorf("dbusproxy: export %s %s: %w", path, iface, err)
		}
	}

	ctx.Track("dbus-methods", func() {
		p.unbindMethods(path, iface, specs)
	})
	return nil
}

func (p *Proxy) unbindMethods(path dbus.ObjectPath, iface string, specs map[string]MethodSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[path]
	if !ok {
		return
	}
	node, ok := obj.ifaces[iface]
	if !ok {
		return
	}
	for member := range specs {
		delete(node.methods, member)
	}
	if len(node.methods) == 0 {
		delete(obj.ifaces, iface)
	}
	if len(obj.ifaces) == 0 {
		delete(p.objects, path)
	}
}

// BindSignals registers handler for iface.member signals, owned by ctx's
// plugin, and installs a bus match rule for them.
func (p *Proxy) BindSignals(ctx *pluginmgr.Context, iface, member string, handler SignalHandler) error {
	key := iface + "\x00" + member
	binding := &signalBinding{owner: ctx.PluginName(), iface: iface, member: member, handler: handler}

	p.mu.Lock()
	p.signalBindings[key] = append(p.signalBindings[key], binding)
	p.mu.Unlock()

	if p.conn != nil {
		if err := p.conn.AddMatchSignal(dbus.WithMatchInterface(iface), dbus.WithMatchMember(member)); err != nil {
			return fmt.Errorf("dbusproxy: add match %s.%s: %w", iface, member, err)
		}
	}

	ctx.Track("dbus-signal", func() {
		p.unbindSignal(key, binding, iface, member)
	})
	return nil
}

func (p *Proxy) unbindSignal(key string, binding *signalBinding, iface, member string) {
	p.mu.Lock()
	list := p.signalBindings[key]
	for i, b := range list {
		if b == binding {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.signalBindings, key)
	} else {
		p.signalBindings[key] = list
	}
	p.mu.Unlock()

	if p.conn != nil {
		p.conn.RemoveMatchSignal(dbus.WithMatchInterface(iface), dbus.WithMatchMember(member))
	}
}

// EmitSignal sends iface.member on path, after verifying iface has at
// least one method registration at some object path or at least one
// signal binding (spec.md §4.G: "outbound
// signals are verified against the registered interface table before
// sending").
func (p *Proxy) EmitSignal(path dbus.ObjectPath, iface, member string, args ...interface{}) error {
	if !p.ifaceRegistered(iface) {
		if p.log != nil {
			p.log.Log(logger.WARNING, "dbusproxy", "EmitSignal", "refusing to emit unregistered interface %s.%s", iface, member)
		}
		return fmt.Errorf("dbusproxy: interface %q not registered", iface)
	}
	if p.conn == nil {
		return fmt.Errorf("dbusproxy: not connected")
	}
	return p.conn.Emit(path, iface+"."+member, args...)
}

func (p *Proxy) ifaceRegistered(iface string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, obj := range p.objects {
		if _, ok := obj.ifaces[iface]; ok {
			return true
		}
	}
	for key := range p.signalBindings {
		parts := strings.SplitN(key, "\x00", 2)
		if len(parts) == 2 && parts[0] == iface {
			return true
		}
	}
	return false
}

func (p *Proxy) ensureObjectLocked(path dbus.ObjectPath) *objectNode {
	obj, ok := p.objects[path]
	if !ok {
		obj = &objectNode{ifaces: make(map[string]*ifaceNode)}
		p.objects[path] = obj
		if p.conn != nil {
			p.exportIntrospectionLocked(path)
		}
	}
	return obj
}

func (p *Proxy) exportIntrospectionLocked(path dbus.ObjectPath) {
	introspectTable := map[string]interface{}{
		"Introspect": func() (string, *dbus.Error) {
			return p.composeIntrospectXML(path), nil
		},
	}
	peerTable := map[string]interface{}{
		"Ping": func() *dbus.Error { return nil },
	}
	p.conn.ExportMethodTable(introspectTable, path, ifaceIntrospectable)
	p.conn.ExportMethodTable(peerTable, path, ifacePeer)
}

// composeIntrospectXML builds introspection XML for path: its own
// registered interfaces plus standard Introspectable/Peer, plus a
// <node name="..."/> child entry for every registered path that is a
// strict prefix-descendant of path one segment deeper.
func (p *Proxy) composeIntrospectXML(path dbus.ObjectPath) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b strings.Builder
	b.WriteString(`<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN" "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">` + "\n")
	b.WriteString(`<node>` + "\n")

	writeIface := func(name string, members map[string]*methodBinding) {
		fmt.Fprintf(&b, "  <interface name=%q>\n", name)
		for member := range members {
			fmt.Fprintf(&b, "    <method name=%q/>\n", member)
		}
		b.WriteString("  </interface>\n")
	}

	writeIface(ifaceIntrospectable, nil)
	writeIface(ifacePeer, nil)

	if obj, ok := p.objects[path]; ok {
		for iface, node := range obj.ifaces {
			writeIface(iface, node.methods)
		}
	}

	prefix := string(path)
	if prefix != "/" {
		prefix += "/"
	}
	seen := make(map[string]bool)
	for objPath := range p.objects {
		s := string(objPath)
		if s == string(path) || !strings.HasPrefix(s, prefix) {
			continue
		}
		rest := strings.TrimPrefix(s, prefix)
		child := rest
		if i := strings.Index(rest, "/"); i >= 0 {
			child = rest[:i]
		}
		if child != "" && !seen[child] {
			seen[child] = true
			fmt.Fprintf(&b, "  <node name=%q/>\n", child)
		}
	}

	b.WriteString("</node>\n")
	return b.String()
}

// adapterFor builds the concrete godbus-callable function for one
// binding, bridging the call onto the main loop and back.
func (p *Proxy) adapterFor(path dbus.ObjectPath, iface, member string, kind MethodKind) interface{} {
	call := func(sender dbus.Sender, arg interface{}) (interface{}, *dbus.Error) {
		endpoint := p.resolveSenderEndpoint(sender)

		p.mu.Lock()
		obj, ok := p.objects[path]
		var binding *methodBinding
		if ok {
			if node, ok := obj.ifaces[iface]; ok {
				binding = node.methods[member]
			}
		}
		p.mu.Unlock()
		if binding == nil {
			return nil, dbus.MakeFailedError(fmt.Errorf("unknown method"))
		}
		if binding.spec.Priv && !endpoint.IsPrivileged(p.cfg.PrivilegedUIDs) {
			return nil, dbus.NewError("org.freedesktop.DBus.Error.AccessDenied", []interface{}{"dsmed: privileged method"})
		}

		reply := make(chan callResult, 1)
		p.inbox <- &pendingCall{path: path, iface: iface, member: member, sender: endpoint, arg: arg, reply: reply}
		p.signalWake()
		res := <-reply
		if res.err != nil {
			return nil, dbus.MakeFailedError(res.err)
		}
		return res.val, nil
	}

	switch kind {
	case KindQuery:
		return func(sender dbus.Sender) (string, *dbus.Error) {
			v, derr := call(sender, nil)
			if derr != nil {
				return "", derr
			}
			s, _ := v.(string)
			return s, nil
		}
	case KindBoolAction:
		return func(flag bool, sender dbus.Sender) *dbus.Error {
			_, derr := call(sender, flag)
			return derr
		}
	default: // KindAction
		return func(sender dbus.Sender) *dbus.Error {
			_, derr := call(sender, nil)
			return derr
		}
	}
}

func (p *Proxy) resolveSenderEndpoint(sender dbus.Sender) wire.Endpoint {
	uid := ^uint32(0)
	if p.conn != nil {
		var u uint32
		obj := p.conn.BusObject()
		if err := obj.Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).Store(&u); err == nil {
			uid = u
		}
	}
	return wire.Endpoint{Kind: wire.EndpointClient, Creds: wire.PeerCreds{UID: uid, GID: ^uint32(0)}}
}

func (p *Proxy) dispatchCall(pc *pendingCall) {
	p.mu.Lock()
	var binding *methodBinding
	if obj, ok := p.objects[pc.path]; ok {
		if node, ok := obj.ifaces[pc.iface]; ok {
			binding = node.methods[pc.member]
		}
	}
	p.mu.Unlock()

	if binding == nil {
		pc.reply <- callResult{err: fmt.Errorf("method unbound")}
		return
	}

	var res callResult
	p.invokeUnderOwner(binding.owner, func() {
		v, err := binding.spec.Handler(pc.sender, pc.arg)
		res = callResult{val: v, err: err}
	})
	pc.reply <- res
}

// NameState returns the current well-known-name request state.
func (p *Proxy) NameState() NameState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nameState
}

func writeMarkerFile(path string) error {
	return os.WriteFile(path, []byte("dbus-disconnected\n"), 0o644)
}
