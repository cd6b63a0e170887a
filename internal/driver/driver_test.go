package driver

import (
	"sync"
	"testing"
	"time"

	"github.com/aerolink/link-manager/internal/config"
	"github.com/aerolink/link-manager/internal/status"
)

func TestBaseStatusCoalescing(t *testing.T) {
	var b Base
	b.SetConfig(&config.DriverConfig{Name: "TestBase", Instance: "inst"})

	var mu sync.Mutex
	var reported []status.Code
	b.RegisterStatusCallback(func(instance string, code status.Code) {
		if instance != "inst" {
			t.Errorf("instance mismatch: %q", instance)
		}
		mu.Lock()
		reported = append(reported, code)
		mu.Unlock()
	})

	b.ReportStatus(status.DriverConnected)
	b.ReportStatus(status.DriverConnected) // coalesced
	b.ReportStatus(status.DriverNotConnected)
	b.ReportStatus(status.DriverConnected)

	mu.Lock()
	defer mu.Unlock()
	want := []status.Code{status.DriverConnected, status.DriverNotConnected, status.DriverConnected}
	if len(reported) != len(want) {
		t.Fatalf("reported %v, want %v", reported, want)
	}
	for i := range want {
		if reported[i] != want[i] {
			t.Fatalf("reported %v, want %v", reported, want)
		}
	}
}

func TestBaseDefaults(t *testing.T) {
	var b Base
	b.SetConfig(&config.DriverConfig{Name: "TestBase"})

	if b.Instance() != "TestBase" {
		t.Errorf("instance should default to name, got %q", b.Instance())
	}
	if b.MavlinkPort() != 0 {
		t.Errorf("mavlink port without config should be 0, got %d", b.MavlinkPort())
	}

	mavlink := false
	port := uint16(14550)
	var c Base
	c.SetConfig(&config.DriverConfig{Name: "X", Mavlink: &mavlink, MavlinkPort: port})
	if c.MavlinkPort() != 0 {
		t.Error("mavlink port should be 0 when mavlink is disabled")
	}
}

func TestRegistry(t *testing.T) {
	Register("UnitTestDriver",
		map[string]string{"field": "description"},
		map[string]string{"channel": "11"},
		func() Driver { return &NetDev{} })

	d, err := Create("UnitTestDriver")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if d == nil {
		t.Fatal("Create returned nil driver")
	}

	if _, err := Create("NoSuchDriver"); err == nil {
		t.Error("expected error for unknown driver")
	}

	settings, ok := PairingSettings("UnitTestDriver")
	if !ok || settings["channel"] != "11" {
		t.Errorf("pairing settings = %v, %v", settings, ok)
	}
	settings["channel"] = "mutated"
	again, _ := PairingSettings("UnitTestDriver")
	if again["channel"] != "11" {
		t.Error("registry settings leaked by reference")
	}

	templates := SettingsTemplates()
	if templates["UnitTestDriver"]["field"] != "description" {
		t.Errorf("settings templates = %v", templates)
	}

	found := false
	for _, name := range CandidateList() {
		if name == "UnitTestDriver" {
			found = true
		}
	}
	if !found {
		t.Errorf("candidate list missing driver: %v", CandidateList())
	}
}

func TestBuiltinDriversRegistered(t *testing.T) {
	names := CandidateList()
	for _, want := range []string{NetDevName, ModemdName} {
		found := false
		for _, name := range names {
			if name == want {
				found = true
			}
		}
		if !found {
			t.Errorf("%s not registered: %v", want, names)
		}
	}
}

func TestIPMatchesPrefix(t *testing.T) {
	cases := []struct {
		ip, prefix string
		want       bool
	}{
		{"10.41.0.7", "10.41.0", true},
		{"10.41.0.7", "10.41.0.", true},
		{"10.41.10.7", "10.41.0", false},
		{"10.41.0.7", "10.41", true},
		{"192.168.1.5", "10.41.0", false},
		{"10.41.0.7", "", false},
		{"10.41.0.7", "10.41.0.7", true},
	}
	for _, tc := range cases {
		if got := ipMatchesPrefix(tc.ip, tc.prefix); got != tc.want {
			t.Errorf("ipMatchesPrefix(%q, %q) = %v, want %v", tc.ip, tc.prefix, got, tc.want)
		}
	}
}

func TestNetDevAgainstLoopback(t *testing.T) {
	d := NewNetDev().(*NetDev)

	err := d.Init(&config.DriverConfig{
		Name:       NetDevName,
		Instance:   "lo-test",
		IP:         "127.0.0",
		Simplified: true,
	})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer d.Stop()

	// The poll loop runs once immediately; loopback always carries
	// 127.0.0.1.
	deadline := time.Now().Add(5 * time.Second)
	for d.LocalIP() == "" {
		if time.Now().After(deadline) {
			t.Fatal("netdev never found the loopback address")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if d.LocalIP() != "127.0.0.1" {
		t.Errorf("LocalIP = %q, want 127.0.0.1", d.LocalIP())
	}
	info, ok := d.BroadcastInfo()
	if !ok {
		t.Fatal("BroadcastInfo not ready")
	}
	if info.IP != "127.0.0.1" || info.Instance != "lo-test" || !info.Simplified {
		t.Errorf("broadcast info mismatch: %+v", info)
	}
	if _, ok := d.ConnectionSettings(); ok {
		t.Error("netdev should have no connection settings")
	}

	d.Stop()
	d.Stop() // idempotent
}

func TestNetDevRequiresPrefix(t *testing.T) {
	d := NewNetDev().(*NetDev)
	if err := d.Init(&config.DriverConfig{Name: NetDevName}); err == nil {
		d.Stop()
		t.Error("expected Init without ip prefix to fail")
	}
}

