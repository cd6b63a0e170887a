package manager

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aerolink/link-manager/internal/config"
	"github.com/aerolink/link-manager/internal/driver"
	"github.com/aerolink/link-manager/internal/protocol"
	"github.com/aerolink/link-manager/internal/status"
)

// fakeDriver simulates a radio driver: it reports connected shortly after
// init and records every parameter set pushed to it.
type fakeDriver struct {
	driver.Base

	mu          sync.Mutex
	configured  []map[string]string
	pairingMode bool
	stopped     bool
}

var (
	fakeDriversMu sync.Mutex
	fakeDrivers   []*fakeDriver
)

func newFakeDriver() driver.Driver {
	d := &fakeDriver{}
	fakeDriversMu.Lock()
	fakeDrivers = append(fakeDrivers, d)
	fakeDriversMu.Unlock()
	return d
}

func init() {
	driver.Register("TestRadio",
		map[string]string{"channel": "radio channel"},
		map[string]string{"channel": "36", "tx_power": "7"},
		newFakeDriver)
}

func (d *fakeDriver) Name() string { return "TestRadio" }

func (d *fakeDriver) Init(cfg *config.DriverConfig) error {
	d.SetConfig(cfg)
	go func() {
		time.Sleep(20 * time.Millisecond)
		d.ReportStatus(status.DriverConnected)
	}()
	return nil
}

func (d *fakeDriver) Configure(params map[string]string) error {
	d.mu.Lock()
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	d.configured = append(d.configured, copied)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

func (d *fakeDriver) EnterPairingMode() {
	d.mu.Lock()
	d.pairingMode = true
	d.mu.Unlock()
}

func (d *fakeDriver) LocalIP() string { return "127.0.0.1" }

func (d *fakeDriver) BroadcastInfo() (protocol.DriverInfo, bool) {
	cfg := d.Config()
	return protocol.DriverInfo{
		Name:              "TestRadio",
		Instance:          d.Instance(),
		IP:                "127.0.0.1",
		MavlinkPort:       d.MavlinkPort(),
		DownloadBandwidth: cfg.Bandwidth(),
		StreamingPriority: cfg.Priority(),
	}, true
}

func (d *fakeDriver) PairingSettings() map[string]string {
	cfg := d.Config()
	if len(cfg.Pairing) > 0 {
		return cfg.Pairing
	}
	defaults, _ := driver.PairingSettings("TestRadio")
	return defaults
}

func (d *fakeDriver) ConnectionSettings() (map[string]string, bool) {
	cfg := d.Config()
	if len(cfg.Connection) == 0 {
		return nil, false
	}
	return cfg.Connection, true
}

func (d *fakeDriver) lastConfigured() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.configured) == 0 {
		return nil
	}
	return d.configured[len(d.configured)-1]
}

// statusRecorder collects manager status transitions for assertions.
type statusRecorder struct {
	mu   sync.Mutex
	list []status.Status
}

func (r *statusRecorder) callback(s status.Status) {
	r.mu.Lock()
	r.list = append(r.list, s)
	r.mu.Unlock()
}

func (r *statusRecorder) has(code status.Code) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.list {
		if s.Code == code {
			return true
		}
	}
	return false
}

// waitFor blocks until the recorder has seen the code or the timeout
// elapses.
func (r *statusRecorder) waitFor(t *testing.T, code status.Code, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !r.has(code) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for status %s; seen: %v", code, r.codes())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (r *statusRecorder) codes() []status.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]status.Code, len(r.list))
	for i, s := range r.list {
		codes[i] = s.Code
	}
	return codes
}

// hasSubsequence checks the codes appear in order, other codes in between
// allowed.
func (r *statusRecorder) hasSubsequence(want ...status.Code) bool {
	codes := r.codes()
	i := 0
	for _, c := range codes {
		if i < len(want) && c == want[i] {
			i++
		}
	}
	return i == len(want)
}

func masterConfig(dir string, port uint16) string {
	return fmt.Sprintf(`{
		"machine_name": "TestGCS",
		"encryption_key": "1234567890",
		"link_layer": "udp",
		"configuration_file": %q,
		"aes_encryption": false,
		"rsa_encryption": true,
		"port": %d,
		"drivers": [
			{
				"name": "TestRadio",
				"instance": "TestRadio",
				"local": {"mode": "0", "tx_rate": "8"},
				"pairing": {"network_id": "FIELD", "channel": "36", "bandwidth": "1", "tx_power": "7"},
				"connection": {"channel": "16", "bandwidth": "0", "tx_power": "20"}
			}
		]
	}`, filepath.Join(dir, "pairing-master.json"), port)
}

func slaveConfig(dir, name string, port uint16) string {
	return fmt.Sprintf(`{
		"machine_name": %q,
		"encryption_key": "1234567890",
		"link_layer": "udp",
		"configuration_file": %q,
		"aes_encryption": false,
		"rsa_encryption": true,
		"port": %d,
		"drivers": [
			{
				"name": "TestRadio",
				"instance": "TestRadio",
				"mavlink_port": 14550,
				"local": {"mode": "1", "tx_rate": "4"},
				"pairing": {"network_id": "FIELD", "channel": "36", "bandwidth": "1", "tx_power": "7"},
				"connection": {"channel": "16", "bandwidth": "0", "tx_power": "20"}
			}
		]
	}`, name, filepath.Join(dir, "pairing-"+name+".json"), port)
}

// advertiseUntil keeps advertising the slave endpoint to the master until
// the condition holds.
func advertiseUntil(t *testing.T, m *Master, slavePort uint16, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out advertising to slave")
		}
		m.Advertise(fmt.Sprintf("127.0.0.1:%d", slavePort))
		time.Sleep(200 * time.Millisecond)
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
