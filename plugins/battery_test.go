package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tinydsme/dsmed/bus"
	"github.com/tinydsme/dsmed/pluginmgr"
	"github.com/tinydsme/dsmed/wire"
)

func writeCapacity(t *testing.T, pct int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capacity")
	if err := os.WriteFile(path, []byte(formatCapacity(pct)), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func formatCapacity(pct int) string {
	if pct < 0 {
		pct = 0
	}
	digits := []byte{}
	if pct == 0 {
		digits = append(digits, '0')
	}
	for pct > 0 {
		digits = append([]byte{byte('0' + pct%10)}, digits...)
		pct /= 10
	}
	return string(digits) + "\n"
}

func TestBatteryPublishesEmptyIndAtThreshold(t *testing.T) {
	b, mgr := newTestBus(t)
	ts := newTestTimerService(t)

	var fired int
	mgr.Register("probe", func() pluginmgr.Plugin {
		return &probePlugin{onInit: func(ctx *pluginmgr.Context) {
			b.Subscribe(ctx, wire.MsgBatteryEmptyInd, func(msg bus.Message) { fired++ })
		}}
	})
	mgr.Load("probe")

	path := writeCapacity(t, 2)
	bat := NewBattery(b, ts, path)

	bat.poll()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 after first low reading", fired)
	}

	bat.poll()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 (no re-announce while still low)", fired)
	}
}

func TestBatteryResetsAnnouncedAboveThreshold(t *testing.T) {
	b, mgr := newTestBus(t)
	ts := newTestTimerService(t)

	var fired int
	mgr.Register("probe", func() pluginmgr.Plugin {
		return &probePlugin{onInit: func(ctx *pluginmgr.Context) {
			b.Subscribe(ctx, wire.MsgBatteryEmptyInd, func(msg bus.Message) { fired++ })
		}}
	})
	mgr.Load("probe")

	path := writeCapacity(t, 2)
	bat := NewBattery(b, ts, path)
	bat.poll()

	if err := os.WriteFile(path, []byte("50\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	bat.poll()

	if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	bat.poll()

	if fired != 2 {
		t.Fatalf("fired = %d, want 2 (re-announce after recovering above threshold)", fired)
	}
}

func TestBatteryMissingSysfsNodeIsNonFatal(t *testing.T) {
	b, _ := newTestBus(t)
	ts := newTestTimerService(t)

	bat := NewBattery(b, ts, "/nonexistent/capacity")
	if cont := bat.poll(); !cont {
		t.Fatal("poll() should keep the timer alive even when the sysfs node is absent")
	}
}
