package config

import (
	"math"
	"testing"
)

const sampleConfig = `{
	"machine_name": "TestGCS",
	"encryption_key": "1234567890",
	"link_layer": "udp",
	"configuration_file": "pairing-cm.json",
	"aes_encryption": false,
	"rsa_encryption": true,
	"drivers": [
		{
			"name": "Modemd",
			"instance": "Modemd",
			"password": "fieldtest",
			"local": {"mode": "0", "tx_rate": "8"},
			"pairing": {"encryption_key": "1234567890", "network_id": "FIELD", "channel": "36", "bandwidth": "1", "tx_power": "7"},
			"connection": {"channel": "16", "bandwidth": "0", "tx_power": "20"}
		},
		{
			"name": "NetDevice",
			"instance": "wifi",
			"ip": "10.41.0",
			"ip_status": true,
			"simplified": true,
			"autopair": true,
			"mavlink": false
		}
	]
}`

func TestParse(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.MachineName != "TestGCS" {
		t.Errorf("MachineName mismatch: %q", cfg.MachineName)
	}
	if !cfg.RSAEncryption || cfg.AESEncryption {
		t.Error("encryption flags parsed wrong")
	}
	if cfg.File() != "pairing-cm.json" {
		t.Errorf("File mismatch: %q", cfg.File())
	}
	if len(cfg.Drivers) != 2 {
		t.Fatalf("expected 2 drivers, got %d", len(cfg.Drivers))
	}

	modem := cfg.Driver("Modemd")
	if modem == nil {
		t.Fatal("Modemd instance not found")
	}
	if modem.Pairing["channel"] != "36" || modem.Connection["channel"] != "16" {
		t.Errorf("sections parsed wrong: %+v", modem)
	}
	if !modem.MavlinkEnabled() {
		t.Error("mavlink should default to enabled")
	}
	if modem.Bandwidth() != math.MaxInt32 || modem.Priority() != math.MaxInt32 {
		t.Error("bandwidth/priority defaults wrong")
	}

	wifi := cfg.Driver("wifi")
	if wifi == nil {
		t.Fatal("wifi instance not found")
	}
	if !wifi.Simplified || !wifi.Autopair || wifi.MavlinkEnabled() {
		t.Errorf("wifi flags parsed wrong: %+v", wifi)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"invalid json", `{`},
		{"missing machine_name", `{"drivers":[]}`},
		{"unsupported link layer", `{"machine_name":"x","link_layer":"tcp"}`},
		{"driver without name", `{"machine_name":"x","drivers":[{}]}`},
		{"duplicate instance", `{"machine_name":"x","drivers":[{"name":"A"},{"name":"A"}]}`},
	}
	for _, tc := range cases {
		if _, err := Parse(tc.input); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestInstanceDefaultsToName(t *testing.T) {
	cfg, err := Parse(`{"machine_name":"x","drivers":[{"name":"Modemd"}]}`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Drivers[0].InstanceName() != "Modemd" {
		t.Errorf("instance should default to name, got %q", cfg.Drivers[0].InstanceName())
	}
	if cfg.Driver("Modemd") == nil {
		t.Error("lookup by defaulted instance failed")
	}
}

func TestParseReconfiguration(t *testing.T) {
	rc, err := ParseReconfiguration(`{"drivers":[{"instance":"Modemd","channel":"48","tx_power":"23"}]}`)
	if err != nil {
		t.Fatalf("ParseReconfiguration failed: %v", err)
	}
	if len(rc.Drivers) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(rc.Drivers))
	}
	delta := rc.Drivers[0]
	if delta.Instance != "Modemd" {
		t.Errorf("instance mismatch: %q", delta.Instance)
	}
	if delta.Params["channel"] != "48" || delta.Params["tx_power"] != "23" {
		t.Errorf("params mismatch: %v", delta.Params)
	}
	if _, present := delta.Params["instance"]; present {
		t.Error("instance leaked into params")
	}
}

func TestParseReconfigurationErrors(t *testing.T) {
	for _, input := range []string{
		`{}`,
		`{"drivers":[]}`,
		`{"drivers":[{"channel":"48"}]}`,
	} {
		if _, err := ParseReconfiguration(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestMerge(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	rc, err := ParseReconfiguration(`{"drivers":[{"instance":"Modemd","channel":"48","tx_power":"23"},{"instance":"unknown","channel":"1"}]}`)
	if err != nil {
		t.Fatalf("ParseReconfiguration failed: %v", err)
	}

	cfg.Merge(rc)

	modem := cfg.Driver("Modemd")
	if modem.Connection["channel"] != "48" {
		t.Errorf("channel not merged: %q", modem.Connection["channel"])
	}
	if modem.Connection["tx_power"] != "23" {
		t.Errorf("tx_power not merged: %q", modem.Connection["tx_power"])
	}
	if modem.Connection["bandwidth"] != "0" {
		t.Errorf("untouched key lost: %q", modem.Connection["bandwidth"])
	}
}
