package plugins

import (
	"os"
	"strconv"
	"strings"

	"github.com/tinydsme/dsmed/bus"
	"github.com/tinydsme/dsmed/loop"
	"github.com/tinydsme/dsmed/pluginmgr"
	"github.com/tinydsme/dsmed/wire"
)

// batteryEmptyThreshold is the sysfs capacity percentage (0-100) at or
// below which Battery publishes BATTERY_EMPTY_IND.
const batteryEmptyThreshold = 3

// Battery polls a Linux power-supply sysfs node for its capacity and
// raises BATTERY_EMPTY_IND once it drops to batteryEmptyThreshold,
// letting the state plugin drive a controlled shutdown.
type Battery struct {
	b         *bus.Bus
	ts        *loop.TimerService
	sysPath   string // e.g. /sys/class/power_supply/BAT0/capacity
	announced bool
}

// NewBattery constructs a Battery plugin watching sysPath, the sysfs
// capacity file for a single power supply.
func NewBattery(b *bus.Bus, ts *loop.TimerService, sysPath string) *Battery {
	if sysPath == "" {
		sysPath = "/sys/class/power_supply/BAT0/capacity"
	}
	return &Battery{b: b, ts: ts, sysPath: sysPath}
}

func (p *Battery) Name() string { return "battery" }
func (p *Battery) Path() string { return "builtin:battery" }

func (p *Battery) Init(ctx *pluginmgr.Context) error {
	h := p.ts.CreateSeconds(15, p.poll)
	ctx.Track("timer", func() { p.ts.Destroy(h) })
	return nil
}

func (p *Battery) Fini() {}

func (p *Battery) poll() bool {
	capacity, ok := p.readCapacity()
	if !ok {
		return true
	}

	if capacity <= batteryEmptyThreshold {
		if !p.announced {
			p.announced = true
			p.b.Publish(bus.Message{Type: wire.MsgBatteryEmptyInd, Sender: wire.Core})
		}
	} else {
		p.announced = false
	}
	return true
}

// readCapacity reads the sysfs capacity node, a plain decimal 0-100
// integer with a trailing newline. There is no battery-reading library
// in the dependency set this repo draws from; gopsutil/v3 does not
// expose power-supply capacity, so this falls back to a direct sysfs
// read (the node's format is fixed and single-line, not worth a parser).
func (p *Battery) readCapacity() (int, bool) {
	data, err := os.ReadFile(p.sysPath)
	if err != nil {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return v, true
}
