package pairing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "pairing-cm.json")
}

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(tempStorePath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(s.List()) != 0 {
		t.Errorf("fresh store not empty: %v", s.List())
	}
	if pub, priv := s.Identity(); pub != "" || priv != "" {
		t.Error("fresh store has an identity")
	}
}

func TestPutGetReload(t *testing.T) {
	path := tempStorePath(t)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	s.SetIdentity("TestGCS", "PUB", "PRIV")
	s.Put(&Record{
		Name:        "TestVehicle",
		PublicKey:   "VEHICLE-PUB",
		Autoconnect: true,
		Drivers: map[string]InstanceInfo{
			"Modemd": {RemoteIP: "192.168.168.2", MavlinkPort: 14550},
		},
	})
	s.SetLastConnected("TestVehicle")

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	pub, priv := reloaded.Identity()
	if pub != "PUB" || priv != "PRIV" {
		t.Errorf("identity lost across reload: %q %q", pub, priv)
	}
	if reloaded.LastConnected() != "TestVehicle" {
		t.Errorf("last_connected lost: %q", reloaded.LastConnected())
	}

	rec, ok := reloaded.Get("TestVehicle")
	if !ok {
		t.Fatal("record lost across reload")
	}
	if !rec.Autoconnect || rec.PublicKey != "VEHICLE-PUB" {
		t.Errorf("record fields lost: %+v", rec)
	}
	if rec.Drivers["Modemd"].RemoteIP != "192.168.168.2" {
		t.Errorf("driver detail lost: %+v", rec.Drivers)
	}
	if rec.Drivers["Modemd"].MavlinkPort != 14550 {
		t.Errorf("mavlink port lost: %+v", rec.Drivers)
	}
}

func TestPutReplacesRecord(t *testing.T) {
	s, err := Open(tempStorePath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	s.Put(&Record{Name: "TestVehicle", PublicKey: "OLD-KEY"})
	s.Put(&Record{Name: "TestVehicle", PublicKey: "NEW-KEY"})

	if len(s.List()) != 1 {
		t.Fatalf("expected one record, got %v", s.List())
	}
	rec, _ := s.Get("TestVehicle")
	if rec.PublicKey != "NEW-KEY" {
		t.Errorf("re-pairing did not replace the key: %q", rec.PublicKey)
	}
}

func TestRemove(t *testing.T) {
	s, err := Open(tempStorePath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	s.Put(&Record{Name: "TestVehicle"})
	s.SetLastConnected("TestVehicle")

	if !s.Remove("TestVehicle") {
		t.Error("Remove returned false for existing record")
	}
	if s.Remove("TestVehicle") {
		t.Error("Remove returned true for missing record")
	}
	if s.LastConnected() != "" {
		t.Error("last_connected kept after removing that peer")
	}
}

func TestAutoconnect(t *testing.T) {
	s, err := Open(tempStorePath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	s.Put(&Record{Name: "TestVehicle", Autoconnect: false})
	if s.Autoconnect("TestVehicle") {
		t.Error("autoconnect should start false")
	}
	if !s.SetAutoconnect("TestVehicle", true) {
		t.Error("SetAutoconnect reported no change")
	}
	if s.SetAutoconnect("TestVehicle", true) {
		t.Error("SetAutoconnect reported a change for equal value")
	}
	if !s.Autoconnect("TestVehicle") {
		t.Error("autoconnect not persisted")
	}
}

func TestSetInstanceRemoteIP(t *testing.T) {
	path := tempStorePath(t)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	s.Put(&Record{Name: "TestVehicle"})
	s.SetInstanceRemoteIP("TestVehicle", "wifi", "10.41.0.7")

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	rec, _ := reloaded.Get("TestVehicle")
	if rec.Drivers["wifi"].RemoteIP != "10.41.0.7" {
		t.Errorf("remote ip not persisted: %+v", rec.Drivers)
	}
}

func TestUnknownFieldsPreserved(t *testing.T) {
	path := tempStorePath(t)
	seed := `{
		"machine_name": "TestGCS",
		"public_key": "PUB",
		"private_key": "PRIV",
		"future_field": {"nested": true},
		"paired": [
			{"name": "TestVehicle", "public_key": "K", "autoconnect": true, "future_record_field": 7}
		]
	}`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	// Any mutation triggers a save.
	s.SetLastConnected("TestVehicle")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("saved file not JSON: %v", err)
	}
	if _, ok := doc["future_field"]; !ok {
		t.Error("unknown top-level field dropped on save")
	}

	var file struct {
		Paired []map[string]json.RawMessage `json:"paired"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("saved file structure: %v", err)
	}
	if len(file.Paired) != 1 {
		t.Fatalf("expected 1 record, got %d", len(file.Paired))
	}
	if _, ok := file.Paired[0]["future_record_field"]; !ok {
		t.Error("unknown record field dropped on save")
	}
}

func TestClonedRecordsAreIndependent(t *testing.T) {
	s, err := Open(tempStorePath(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	s.Put(&Record{Name: "TestVehicle", Drivers: map[string]InstanceInfo{"wifi": {RemoteIP: "a"}}})
	rec, _ := s.Get("TestVehicle")
	rec.Drivers["wifi"] = InstanceInfo{RemoteIP: "mutated"}

	again, _ := s.Get("TestVehicle")
	if again.Drivers["wifi"].RemoteIP != "a" {
		t.Error("mutating a returned record leaked into the store")
	}
}
