package device

import (
	"testing"
	"time"

	"github.com/parlolabs/parlo-core/internal/config"
	"github.com/parlolabs/parlo-core/internal/protocol"
)

func newTestRegistry(timeoutMS int) *Registry {
	return &Registry{
		cfg:   config.DeviceConfig{HeartbeatTimeoutMS: timeoutMS},
		items: make(map[string]*Info),
	}
}

func TestHealthyRoleMatchesDuplexDevices(t *testing.T) {
	r := newTestRegistry(5000)
	r.update("dev-1", protocol.RoleDuplex, nil, time.Now())

	if !r.HasHealthyRole(protocol.RoleMicrophone) {
		t.Fatal("duplex device should satisfy microphone role")
	}
	if !r.HasHealthyRole(protocol.RoleSpeaker) {
		t.Fatal("duplex device should satisfy speaker role")
	}
}

func TestStaleDeviceMarkedUnhealthy(t *testing.T) {
	r := newTestRegistry(100)
	r.update("mic-1", protocol.RoleMicrophone, nil, time.Now().Add(-time.Second))
	r.evaluateHealth()

	if r.HasHealthyRole(protocol.RoleMicrophone) {
		t.Fatal("stale device should not be healthy")
	}
	devices := r.Query(nil)
	if len(devices) != 1 || devices[0].Healthy {
		t.Fatalf("expected one unhealthy device, got %+v", devices)
	}
}

func TestHeartbeatRestoresHealth(t *testing.T) {
	r := newTestRegistry(100)
	r.update("mic-1", protocol.RoleMicrophone, nil, time.Now().Add(-time.Second))
	r.evaluateHealth()
	r.update("mic-1", "", nil, time.Now())

	if !r.HasHealthyRole(protocol.RoleMicrophone) {
		t.Fatal("fresh heartbeat should restore health")
	}
	devices := r.Query(func(info Info) bool { return info.ID == "mic-1" })
	if len(devices) != 1 || devices[0].Role != protocol.RoleMicrophone {
		t.Fatalf("heartbeat must not erase the announced role, got %+v", devices)
	}
}
