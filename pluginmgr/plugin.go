// Package pluginmgr implements dsmed's plugin lifecycle and the
// current-plugin context stack that scopes resource ownership, per
// spec.md §4.E. Plugins are realized as in-process Go values rather than
// dlopen'd shared objects — see DESIGN.md Open Question #1 for why.
package pluginmgr

import "fmt"

// CoreName is the sentinel plugin name used when no plugin is current.
const CoreName = "core"

// Plugin is the interface dsmed plugins implement. Name/Path mirror the
// source's filesystem-path-and-display-name identity even though nothing
// is actually mapped from disk; Path is retained for compatibility with
// tooling/logging that expects one.
type Plugin interface {
	Name() string
	Path() string
	Init(ctx *Context) error
	Fini()
}

// Factory constructs a fresh Plugin instance by name.
type Factory func() Plugin

// Resource is a single owned handle; Release undoes whatever the creating
// call did (destroy a timer, unbind a D-Bus method, remove a socket
// subscription).
type Resource struct {
	Kind    string
	Release func()
}

type loadedPlugin struct {
	name     string
	path     string
	instance Plugin
	owned    []Resource
}

// Context is passed to Plugin.Init so a plugin can register message
// handlers and create owned resources. It is a thin facade the Manager
// constructs per-load; concrete component packages (bus, dbusproxy) take
// a *Context in their own registration methods and record each resource
// through Context.Track, which avoids an import cycle between pluginmgr
// and those packages.
type Context struct {
	mgr    *Manager
	plugin *loadedPlugin
}

// PluginName returns the name of the plugin this context belongs to.
func (c *Context) PluginName() string { return c.plugin.name }

// Track records a resource as owned by this context's plugin; Release is
// called (in LIFO order with other tracked resources) when the plugin
// unloads.
func (c *Context) Track(kind string, release func()) {
	c.mgr.track(c.plugin, kind, release)
}

// Manager owns plugin load/unload and the current-plugin stack. All
// methods are called from the single main-goroutine, per spec.md §5, so
// no locking is required.
type Manager struct {
	factories map[string]Factory
	loaded    []*loadedPlugin // in load order
	byName    map[string]*loadedPlugin
	stack     []*loadedPlugin // current-plugin stack; nil top == core
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		factories: make(map[string]Factory),
		byName:    make(map[string]*loadedPlugin),
	}
}

// Register adds a plugin factory under name, available to Init/Load.
func (m *Manager) Register(name string, f Factory) {
	m.factories[name] = f
}

// Init loads the enumerated plugins in order. Any failure aborts
// initialization: plugins already loaded in this call are unwound in
// reverse order before the error is returned.
func (m *Manager) Init(names []string) error {
	var loadedThisCall []string
	for _, name := range names {
		if err := m.Load(name); err != nil {
			for i := len(loadedThisCall) - 1; i >= 0; i-- {
				m.Unload(loadedThisCall[i])
			}
			return fmt.Errorf("pluginmgr: init aborted at %q: %w", name, err)
		}
		loadedThisCall = append(loadedThisCall, name)
	}
	return nil
}

// Load constructs and initializes the named plugin under its own current
// context, in registration order; if it fails, the plugin's Fini is not
// called (Init never ran to completion) but any resources Track()ed
// before the failure are released.
func (m *Manager) Load(name string) error {
	factory, ok := m.factories[name]
	if !ok {
		return fmt.Errorf("pluginmgr: unknown plugin %q", name)
	}
	instance := factory()
	lp := &loadedPlugin{name: instance.Name(), path: instance.Path(), instance: instance}

	m.enter(lp)
	defer m.leave()

	ctx := &Context{mgr: m, plugin: lp}
	if err := instance.Init(ctx); err != nil {
		m.releaseOwned(lp)
		return fmt.Errorf("pluginmgr: init %q: %w", lp.name, err)
	}

	m.loaded = append(m.loaded, lp)
	m.byName[lp.name] = lp
	return nil
}

// Unload calls Fini, releases every resource the plugin owns (in reverse
// creation order), and removes it from the registry. After Unload
// returns, no code path may reach the unloaded plugin's handlers, timers,
// or D-Bus bindings again.
func (m *Manager) Unload(name string) {
	lp, ok := m.byName[name]
	if !ok {
		return
	}

	m.enter(lp)
	lp.instance.Fini()
	m.leave()

	m.releaseOwned(lp)

	delete(m.byName, name)
	for i, p := range m.loaded {
		if p == lp {
			m.loaded = append(m.loaded[:i], m.loaded[i+1:]...)
			break
		}
	}
}

func (m *Manager) releaseOwned(lp *loadedPlugin) {
	for i := len(lp.owned) - 1; i >= 0; i-- {
		lp.owned[i].Release()
	}
	lp.owned = nil
}

func (m *Manager) track(lp *loadedPlugin, kind string, release func()) {
	lp.owned = append(lp.owned, Resource{Kind: kind, Release: release})
}

// enter pushes lp as the current plugin; leave pops it. Exported via
// Enter (which returns the matching leave) for components (bus,
// dbusproxy) that must run a plugin's callback under its context.
func (m *Manager) enter(lp *loadedPlugin) { m.stack = append(m.stack, lp) }
func (m *Manager) leave()                 { m.stack = m.stack[:len(m.stack)-1] }

// Enter pushes the named loaded plugin as current and returns a function
// that restores the previous context unconditionally — intended to be
// deferred immediately by the caller, matching spec.md §4.C's "invokes
// the callback, and restores the prior context unconditionally (including
// on callback error)".
func (m *Manager) Enter(name string) (leave func()) {
	lp, ok := m.byName[name]
	if !ok {
		// Unknown/unloaded plugin: push nothing, current stays whatever it was.
		return func() {}
	}
	m.enter(lp)
	return m.leave
}

// CurrentName returns the name of the currently-entered plugin, or
// CoreName if none is current.
func (m *Manager) CurrentName() string {
	if len(m.stack) == 0 {
		return CoreName
	}
	return m.stack[len(m.stack)-1].name
}

// TrackForCurrent records a resource as owned by whichever plugin is
// currently entered; if none is entered (core context), the resource is
// not tracked and release is the caller's own responsibility.
func (m *Manager) TrackForCurrent(kind string, release func()) {
	if len(m.stack) == 0 {
		return
	}
	cur := m.stack[len(m.stack)-1]
	m.track(cur, kind, release)
}

// Loaded returns every loaded plugin's name, in load order.
func (m *Manager) Loaded() []string {
	names := make([]string, len(m.loaded))
	for i, lp := range m.loaded {
		names[i] = lp.name
	}
	return names
}

// IsLoaded reports whether name currently has a loaded plugin instance.
func (m *Manager) IsLoaded(name string) bool {
	_, ok := m.byName[name]
	return ok
}
