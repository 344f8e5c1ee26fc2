package plugins

import (
	"testing"

	"github.com/tinydsme/dsmed/dbusproxy"
)

func TestDBusAutoconnectAttemptWithoutBusDoesNotAcquire(t *testing.T) {
	b, mgr := newTestBus(t)
	proxy := dbusproxy.New(dbusproxy.Config{ServiceName: "com.example.test"}, mgr, b, nil)

	d := &DBusAutoconnect{proxy: proxy, b: b, log: nil}

	// NameUnrequested (the zero value) is not Acquired, so attempt()
	// should call through to Connect(), which will fail fast without a
	// real bus and leave NameState() at NameRejected rather than panic.
	d.attempt()
	if proxy.NameState() == dbusproxy.NameAcquired {
		t.Fatal("NameState should not report Acquired without a real bus connection")
	}
}
