package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLinkEventStorage(t *testing.T) {
	db := openTestDB(t)

	id, err := db.InsertLinkEvent(&LinkEvent{
		Code:      6,
		Status:    "CONNECTED",
		Context:   "TestVehicle",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertLinkEvent failed: %v", err)
	}
	if id <= 0 {
		t.Error("expected positive ID from insert")
	}

	events, err := db.RecentLinkEvents(10)
	if err != nil {
		t.Fatalf("RecentLinkEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Status != "CONNECTED" || events[0].Context != "TestVehicle" {
		t.Errorf("event fields mismatch: %+v", events[0])
	}
}

func TestRecentLinkEventsOrderAndLimit(t *testing.T) {
	db := openTestDB(t)

	for i, s := range []string{"IDLE", "PAIRING", "CONNECTED"} {
		if _, err := db.InsertLinkEvent(&LinkEvent{
			Code:      i,
			Status:    s,
			Timestamp: time.Now(),
		}); err != nil {
			t.Fatalf("InsertLinkEvent failed: %v", err)
		}
	}

	events, err := db.RecentLinkEvents(2)
	if err != nil {
		t.Fatalf("RecentLinkEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Status != "CONNECTED" || events[1].Status != "PAIRING" {
		t.Errorf("order mismatch: %s, %s", events[0].Status, events[1].Status)
	}
}

func TestPeerEventStorage(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.InsertPeerEvent(&PeerEvent{
		Peer:      "TestVehicle",
		Event:     "connected",
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("InsertPeerEvent failed: %v", err)
	}

	events, err := db.RecentPeerEvents(10)
	if err != nil {
		t.Fatalf("RecentPeerEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Peer != "TestVehicle" || events[0].Event != "connected" {
		t.Errorf("peer event mismatch: %+v", events)
	}
}

func TestTelemetryStorage(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.InsertTelemetrySample(&TelemetrySample{
		Instance:  "Modemd",
		Payload:   `{"RSSI":-62,"SNR":22}`,
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("InsertTelemetrySample failed: %v", err)
	}
	if _, err := db.InsertTelemetrySample(&TelemetrySample{
		Instance:  "wifi",
		Payload:   `{"RSSI":-40}`,
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("InsertTelemetrySample failed: %v", err)
	}

	all, err := db.RecentTelemetry("", 10)
	if err != nil {
		t.Fatalf("RecentTelemetry failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(all))
	}

	modem, err := db.RecentTelemetry("Modemd", 10)
	if err != nil {
		t.Fatalf("RecentTelemetry failed: %v", err)
	}
	if len(modem) != 1 || modem[0].Payload != `{"RSSI":-62,"SNR":22}` {
		t.Errorf("filtered telemetry mismatch: %+v", modem)
	}
}

func TestPruneBefore(t *testing.T) {
	db := openTestDB(t)

	old := time.Now().Add(-48 * time.Hour)
	if _, err := db.InsertLinkEvent(&LinkEvent{Code: 0, Status: "IDLE", Timestamp: old}); err != nil {
		t.Fatalf("InsertLinkEvent failed: %v", err)
	}
	if _, err := db.InsertLinkEvent(&LinkEvent{Code: 6, Status: "CONNECTED", Timestamp: time.Now()}); err != nil {
		t.Fatalf("InsertLinkEvent failed: %v", err)
	}

	if err := db.PruneBefore(time.Now().Add(-24 * time.Hour)); err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}

	events, err := db.RecentLinkEvents(10)
	if err != nil {
		t.Fatalf("RecentLinkEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Status != "CONNECTED" {
		t.Errorf("prune kept wrong rows: %+v", events)
	}
}
