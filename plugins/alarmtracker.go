package plugins

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/godbus/dbus/v5"

	"github.com/tinydsme/dsmed/dbusproxy"
	"github.com/tinydsme/dsmed/logger"
	"github.com/tinydsme/dsmed/pluginmgr"
)

// DefaultAlarmQueueStatusPath is where AlarmTracker persists the next
// wakeup time, matching the real dsme alarm tracker plugin's status file.
const DefaultAlarmQueueStatusPath = "/var/lib/dsme/alarm_queue_status"

const (
	alarmIface  = "com.nokia.time.signal"
	alarmMember = "next_bootup_event"
)

// AlarmTracker listens for the alarm daemon's next_bootup_event D-Bus
// signal and persists the queued wakeup time_t to a status file, so a
// reboot handler elsewhere on the device can pick an appropriate next
// alarm time without a live D-Bus round-trip.
type AlarmTracker struct {
	proxy      *dbusproxy.Proxy
	log        *logger.Logger
	statusPath string
}

// NewAlarmTracker constructs an AlarmTracker writing to statusPath (or
// DefaultAlarmQueueStatusPath if empty).
func NewAlarmTracker(proxy *dbusproxy.Proxy, log *logger.Logger, statusPath string) *AlarmTracker {
	if statusPath == "" {
		statusPath = DefaultAlarmQueueStatusPath
	}
	return &AlarmTracker{proxy: proxy, log: log, statusPath: statusPath}
}

func (a *AlarmTracker) Name() string { return "alarmtracker" }
func (a *AlarmTracker) Path() string { return "builtin:alarmtracker" }

func (a *AlarmTracker) Init(ctx *pluginmgr.Context) error {
	return a.proxy.BindSignals(ctx, alarmIface, alarmMember, a.onNextBootupEvent)
}

func (a *AlarmTracker) Fini() {}

func (a *AlarmTracker) onNextBootupEvent(sig *dbus.Signal) {
	if len(sig.Body) == 0 {
		return
	}
	when, ok := sig.Body[0].(int64)
	if !ok {
		if a.log != nil {
			a.log.Log(logger.WARNING, "alarmtracker", "onNextBootupEvent", "unexpected signal body type %T", sig.Body[0])
		}
		return
	}
	a.writeStatus(when)
}

func (a *AlarmTracker) writeStatus(when int64) {
	if err := os.MkdirAll(filepath.Dir(a.statusPath), 0o755); err != nil {
		if a.log != nil {
			a.log.Log(logger.WARNING, "alarmtracker", "writeStatus", "mkdir: %v", err)
		}
		return
	}
	data := []byte(fmt.Sprintf("%d\n", when))
	if err := os.WriteFile(a.statusPath, data, 0o644); err != nil && a.log != nil {
		a.log.Log(logger.WARNING, "alarmtracker", "writeStatus", "write %s: %v", a.statusPath, err)
	}
}
