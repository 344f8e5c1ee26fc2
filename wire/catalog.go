package wire

import "sync"

// Catalog tracks the registered body size for every known MsgType. The
// socket server uses it to reject incoming frames of an unknown type or
// too short for the type's body size; the bus uses it only to tell an
// unknown type from a known one with no handlers. bus.Subscribe does not
// consult it.
type Catalog struct {
	mu    sync.RWMutex
	sizes map[MsgType]int
}

// NewCatalog seeds a catalog with the well-known core message types.
func NewCatalog() *Catalog {
	c := &Catalog{sizes: make(map[MsgType]int)}
	for t, sz := range coreBodySizes {
		c.sizes[t] = sz
	}
	return c
}

// coreBodySizes gives the fixed body size (bytes) for every core message
// type. Generic (header-only) messages register size 0.
var coreBodySizes = map[MsgType]int{
	MsgPing:  0,
	MsgPong:  0,
	MsgClose: 0,

	MsgSetLoggingVerbosity: 4, // int32 verbosity
	MsgAddLoggingInclude:   0, // pattern carried entirely in extra
	MsgAddLoggingExclude:   0,
	MsgUseLoggingDefaults:  0,

	MsgHeartbeat: 0,

	MsgDBusConnect:   0,
	MsgDBusConnected: 0,

	MsgDiskStatus: 8, // used_percent float64; mount path in extra

	MsgStateChangeInd:     4, // state enum
	MsgSaveUnsavedDataInd: 0,
	MsgBatteryEmptyInd:    0,
	MsgThermalShutdownInd: 0,
	MsgShutdownInd:        0,
	MsgStateReqDeniedInd:  0, // action/reason carried in extra, NUL-joined
	MsgReqPowerup:         0,
	MsgReqReboot:          0,
	MsgReqShutdown:        0,
	MsgInhibitShutdown:    1, // bool
	MsgShutdownReq:        0,
}

// Register records the expected body size for a plugin-defined message
// type. Re-registering an id with a different size is rejected: ids are
// global and must not be redefined once bound.
func (c *Catalog) Register(t MsgType, bodySize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sizes[t]; ok && existing != bodySize {
		return &SizeConflictError{Type: t, Existing: existing, New: bodySize}
	}
	c.sizes[t] = bodySize
	return nil
}

// Lookup returns the expected body size for t and whether it is known.
func (c *Catalog) Lookup(t MsgType) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sz, ok := c.sizes[t]
	return sz, ok
}

// SizeConflictError reports an attempt to register an id with a body
// size incompatible with its existing registration.
type SizeConflictError struct {
	Type     MsgType
	Existing int
	New      int
}

func (e *SizeConflictError) Error() string {
	return "wire: message type already registered with a different body size"
}
