// Package bus implements dsmed's internal message bus: synchronous,
// depth-first, panic-isolated dispatch of typed messages to handlers
// registered by plugins, in plugin-load order, per spec.md §4.D.
//
// Dispatch mechanics are grounded on the pack's synchronous
// registration-order EventBus.Publish pattern rather than the teacher's
// own buffered-channel-per-subscriber async bus — spec.md requires that
// "the broadcast call returns only after all matching handlers have
// executed", which a channel hand-off cannot give.
package bus

import (
	"fmt"

	"github.com/tinydsme/dsmed/logger"
	"github.com/tinydsme/dsmed/pluginmgr"
	"github.com/tinydsme/dsmed/wire"
)

// Message is one typed message in flight on the bus.
type Message struct {
	Type   wire.MsgType
	Body   []byte
	Extra  []byte
	Sender wire.Endpoint
}

// Handler processes a Message. It runs with the owning plugin entered as
// current (pluginmgr.Manager.CurrentName() reports the subscriber), so
// panics are attributed to the right plugin and any resources the handler
// creates are owned by it.
type Handler func(msg Message)

type handlerReg struct {
	pluginName string
	handler    Handler
}

// Bus is dsmed's single message bus instance.
type Bus struct {
	mgr      *pluginmgr.Manager
	catalog  *wire.Catalog
	log      *logger.Logger
	handlers map[wire.MsgType][]*handlerReg
	warned   map[wire.MsgType]bool
}

// New creates a Bus. catalog is consulted to distinguish "unknown to the
// daemon" message types (dropped with a once-per-id warning) from known
// types that simply have no current subscriber (dropped silently).
func New(mgr *pluginmgr.Manager, catalog *wire.Catalog, log *logger.Logger) *Bus {
	return &Bus{
		mgr:      mgr,
		catalog:  catalog,
		log:      log,
		handlers: make(map[wire.MsgType][]*handlerReg),
		warned:   make(map[wire.MsgType]bool),
	}
}

// Subscribe registers h for typ under the plugin owning ctx. The
// subscription is released automatically when that plugin unloads.
func (b *Bus) Subscribe(ctx *pluginmgr.Context, typ wire.MsgType, h Handler) {
	reg := &handlerReg{pluginName: ctx.PluginName(), handler: h}
	b.handlers[typ] = append(b.handlers[typ], reg)
	ctx.Track("bus-subscription", func() {
		b.unsubscribe(typ, reg)
	})
}

func (b *Bus) unsubscribe(typ wire.MsgType, reg *handlerReg) {
	list := b.handlers[typ]
	for i, r := range list {
		if r == reg {
			b.handlers[typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish dispatches msg synchronously, depth-first, to every handler
// currently registered for msg.Type, in the order those handlers were
// registered (which, since plugins subscribe during Init, is plugin-load
// order). Publish returns only after every handler has run. A handler
// that panics is isolated: its panic is recovered and logged, and
// dispatch continues to the remaining handlers.
//
// If msg.Type has no registered handlers: when the catalog recognizes
// the type (it is a known message, just unsubscribed-to right now) the
// message is dropped silently; when the catalog does not recognize it at
// all, the message is dropped with a warning logged once per type-id.
func (b *Bus) Publish(msg Message) {
	handlers, ok := b.handlers[msg.Type]
	if !ok || len(handlers) == 0 {
		b.warnUnknown(msg.Type)
		return
	}

	// Snapshot: a handler may itself Subscribe/unsubscribe (e.g. by
	// loading/unloading a plugin) during dispatch; the snapshot ensures
	// every handler registered *at the moment of broadcast* runs exactly
	// once, unaffected by mutation mid-dispatch.
	snapshot := make([]*handlerReg, len(handlers))
	copy(snapshot, handlers)

	for _, reg := range snapshot {
		b.dispatchOne(reg, msg)
	}
}

func (b *Bus) dispatchOne(reg *handlerReg, msg Message) {
	leave := b.mgr.Enter(reg.pluginName)
	defer leave()
	defer func() {
		if r := recover(); r != nil {
			if b.log != nil {
				b.log.Log(logger.ERR, "bus", "dispatchOne",
					"handler panic: plugin=%s type=%d: %v", reg.pluginName, msg.Type, r)
			}
		}
	}()
	reg.handler(msg)
}

func (b *Bus) warnUnknown(typ wire.MsgType) {
	if _, known := b.catalog.Lookup(typ); known {
		return
	}
	if b.warned[typ] {
		return
	}
	b.warned[typ] = true
	if b.log != nil {
		b.log.Log(logger.WARNING, "bus", "Publish", "dropping unknown message type %d", uint32(typ))
	}
}

// HandlerCount reports how many handlers are currently registered for
// typ, for diagnostics and tests.
func (b *Bus) HandlerCount(typ wire.MsgType) int {
	return len(b.handlers[typ])
}

// String renders a Message for logging.
func (m Message) String() string {
	return fmt.Sprintf("Message{type=%d sender=%v bodyLen=%d extraLen=%d}",
		m.Type, m.Sender.Kind, len(m.Body), len(m.Extra))
}
