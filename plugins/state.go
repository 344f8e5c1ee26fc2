package plugins

import (
	"github.com/godbus/dbus/v5"

	"github.com/tinydsme/dsmed/bus"
	"github.com/tinydsme/dsmed/dbusproxy"
	"github.com/tinydsme/dsmed/pluginmgr"
	"github.com/tinydsme/dsmed/wire"
)

// State is the device state enumeration, observed and broadcast by this
// plugin but owned by no particular component: policy for transitions
// lives entirely here and in the peers reacting to its signals.
type State int

const (
	StateNotSet State = iota
	StateBoot
	StateUser
	StateActDead
	StateShutdown
	StateReboot
	StateMalf
	StateTest
	StateLocal
)

func (s State) String() string {
	switch s {
	case StateBoot:
		return "BOOT"
	case StateUser:
		return "USER"
	case StateActDead:
		return "ACTDEAD"
	case StateShutdown:
		return "SHUTDOWN"
	case StateReboot:
		return "REBOOT"
	case StateMalf:
		return "MALF"
	case StateTest:
		return "TEST"
	case StateLocal:
		return "LOCAL"
	default:
		return "NOT_SET"
	}
}

const (
	dsmeRequestPath  = dbus.ObjectPath("/com/nokia/dsme/request")
	dsmeSignalPath   = dbus.ObjectPath("/com/nokia/dsme/signal")
	dsmeRequestIface = "com.nokia.dsme.request"
	dsmeSignalIface  = "com.nokia.dsme.signal"

	protocolVersion = "1.0"
)

// StateModule owns the device state enumeration, its D-Bus request/signal
// surface, and the internal reaction to power-transition messages.
type StateModule struct {
	b     *bus.Bus
	proxy *dbusproxy.Proxy

	state     State
	inhibited bool
}

// NewStateModule constructs the state plugin, starting in StateBoot.
func NewStateModule(b *bus.Bus, proxy *dbusproxy.Proxy) *StateModule {
	return &StateModule{b: b, proxy: proxy, state: StateBoot}
}

func (m *StateModule) Name() string { return "state" }
func (m *StateModule) Path() string { return "builtin:state" }

func (m *StateModule) Init(ctx *pluginmgr.Context) error {
	if err := m.proxy.BindMethods(ctx, dsmeRequestPath, dsmeRequestIface, map[string]dbusproxy.MethodSpec{
		"get_version": {Kind: dbusproxy.KindQuery, Handler: m.handleGetVersion},
		"get_state":   {Kind: dbusproxy.KindQuery, Handler: m.handleGetState},
		"req_powerup": {Kind: dbusproxy.KindAction, Handler: m.handleReqPowerup},
		"req_reboot":  {Kind: dbusproxy.KindAction, Handler: m.handleReqReboot},
		"req_shutdown": {
			Kind: dbusproxy.KindAction, Priv: true, Handler: m.handleReqShutdown,
		},
		"inhibit_shutdown": {
			Kind: dbusproxy.KindBoolAction, Priv: true, Handler: m.handleInhibitShutdown,
		},
	}); err != nil {
		return err
	}
	// An empty binding registers the signal interface, so EmitSignal
	// accepts state_change_ind and the other com.nokia.dsme.signal members.
	if err := m.proxy.BindMethods(ctx, dsmeSignalPath, dsmeSignalIface, map[string]dbusproxy.MethodSpec{}); err != nil {
		return err
	}

	m.b.Subscribe(ctx, wire.MsgReqPowerup, func(msg bus.Message) { m.transition(StateUser) })
	m.b.Subscribe(ctx, wire.MsgReqReboot, func(msg bus.Message) { m.transition(StateReboot) })
	m.b.Subscribe(ctx, wire.MsgReqShutdown, func(msg bus.Message) { m.requestShutdown(msg.Sender) })
	m.b.Subscribe(ctx, wire.MsgBatteryEmptyInd, func(msg bus.Message) { m.transition(StateShutdown) })
	m.b.Subscribe(ctx, wire.MsgInhibitShutdown, m.onInhibitShutdown)

	return nil
}

func (m *StateModule) Fini() {}

func (m *StateModule) handleGetVersion(sender wire.Endpoint, arg interface{}) (interface{}, error) {
	return protocolVersion, nil
}

func (m *StateModule) handleGetState(sender wire.Endpoint, arg interface{}) (interface{}, error) {
	return m.state.String(), nil
}

func (m *StateModule) handleReqPowerup(sender wire.Endpoint, arg interface{}) (interface{}, error) {
	m.b.Publish(bus.Message{Type: wire.MsgReqPowerup, Sender: sender})
	return nil, nil
}

func (m *StateModule) handleReqReboot(sender wire.Endpoint, arg interface{}) (interface{}, error) {
	m.b.Publish(bus.Message{Type: wire.MsgReqReboot, Sender: sender})
	return nil, nil
}

func (m *StateModule) handleReqShutdown(sender wire.Endpoint, arg interface{}) (interface{}, error) {
	m.b.Publish(bus.Message{Type: wire.MsgReqShutdown, Sender: sender})
	return nil, nil
}

func (m *StateModule) handleInhibitShutdown(sender wire.Endpoint, arg interface{}) (interface{}, error) {
	inhibited, _ := arg.(bool)
	m.b.Publish(bus.Message{Type: wire.MsgInhibitShutdown, Body: boolBody(inhibited), Sender: sender})
	return nil, nil
}

// onInhibitShutdown tracks the latest inhibit_shutdown request so
// requestShutdown can consult it; inhibition is a standing flag, not a
// one-shot veto, matching inhibit_shutdown's boolean-state D-Bus shape.
func (m *StateModule) onInhibitShutdown(msg bus.Message) {
	m.inhibited = len(msg.Body) > 0 && msg.Body[0] != 0
}

// requestShutdown is MsgReqShutdown's bus handler, reached whether the
// request arrived over D-Bus (handleReqShutdown) or from a socket
// client forwarding the same message type. A prior inhibit_shutdown(true)
// call denies the request instead of transitioning: MsgStateReqDeniedInd
// is published for internal subscribers and state_req_denied_ind is
// emitted as the user-visible D-Bus signal, per spec.md §7.
func (m *StateModule) requestShutdown(sender wire.Endpoint) {
	if m.inhibited {
		m.denyRequest(sender, "req_shutdown", "inhibited")
		return
	}
	m.transition(StateShutdown)
}

// denyRequest reports a policy-level refusal of action, for reason.
// extra is action and reason NUL-joined, per the catalog's own
// MsgStateReqDeniedInd framing comment.
func (m *StateModule) denyRequest(sender wire.Endpoint, action, reason string) {
	extra := append([]byte(action+"\x00"), []byte(reason)...)
	m.b.Publish(bus.Message{Type: wire.MsgStateReqDeniedInd, Extra: extra, Sender: wire.Core})
	if m.proxy != nil {
		m.proxy.EmitSignal(dsmeSignalPath, dsmeSignalIface, "state_req_denied_ind", action, reason)
	}
}

// transition updates the observed state and emits state_change_ind.
func (m *StateModule) transition(next State) {
	m.state = next
	if m.proxy != nil {
		m.proxy.EmitSignal(dsmeSignalPath, dsmeSignalIface, "state_change_ind", next.String())
		if next == StateShutdown || next == StateReboot {
			m.proxy.EmitSignal(dsmeSignalPath, dsmeSignalIface, "save_unsaved_data_ind")
			m.proxy.EmitSignal(dsmeSignalPath, dsmeSignalIface, "shutdown_ind")
		}
	}
}

func boolBody(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}
