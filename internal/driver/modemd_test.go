package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/aerolink/link-manager/internal/config"
	"github.com/aerolink/link-manager/internal/status"
)

// fakeDaemon answers modemd commands like a radio management daemon would.
type fakeDaemon struct {
	rep zmq4.Socket
	pub zmq4.Socket

	mu         sync.Mutex
	configured []map[string]string
	pairing    bool
}

func startFakeDaemon(t *testing.T, ctx context.Context, cmdURL, evtURL string) *fakeDaemon {
	t.Helper()

	d := &fakeDaemon{
		rep: zmq4.NewRep(ctx),
		pub: zmq4.NewPub(ctx),
	}
	if err := d.rep.Listen(cmdURL); err != nil {
		t.Fatalf("daemon failed to listen on %s: %v", cmdURL, err)
	}
	if err := d.pub.Listen(evtURL); err != nil {
		t.Fatalf("daemon failed to listen on %s: %v", evtURL, err)
	}

	go func() {
		for {
			msg, err := d.rep.Recv()
			if err != nil {
				return
			}
			var cmd modemdCommand
			if err := json.Unmarshal(msg.Bytes(), &cmd); err != nil {
				continue
			}

			reply := modemdReply{OK: true}
			switch cmd.Command {
			case "status":
				reply.Connected = true
				reply.LoggedIn = true
				reply.LocalIP = "192.168.168.10"
				reply.RadioIP = "192.168.168.1"
			case "configure":
				d.mu.Lock()
				d.configured = append(d.configured, cmd.Params)
				d.mu.Unlock()
			case "pairing_mode":
				d.mu.Lock()
				d.pairing = true
				d.mu.Unlock()
			default:
				reply.OK = false
				reply.Error = "unknown command"
			}

			raw, _ := json.Marshal(&reply)
			if err := d.rep.Send(zmq4.NewMsg(raw)); err != nil {
				return
			}
		}
	}()

	return d
}

func (d *fakeDaemon) close() {
	d.rep.Close()
	d.pub.Close()
}

func TestModemdAgainstFakeDaemon(t *testing.T) {
	dir := t.TempDir()
	cmdURL := fmt.Sprintf("ipc://%s", filepath.Join(dir, "cmd"))
	evtURL := fmt.Sprintf("ipc://%s", filepath.Join(dir, "evt"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	daemon := startFakeDaemon(t, ctx, cmdURL, evtURL)
	defer daemon.close()

	d := NewModemdWithEndpoints(cmdURL, evtURL)

	var mu sync.Mutex
	var statuses []status.Code
	var telemetry []json.RawMessage
	d.RegisterStatusCallback(func(instance string, code status.Code) {
		mu.Lock()
		statuses = append(statuses, code)
		mu.Unlock()
	})
	d.RegisterTelemetryCallback(func(instance string, data json.RawMessage) {
		mu.Lock()
		telemetry = append(telemetry, data)
		mu.Unlock()
	})

	err := d.Init(&config.DriverConfig{
		Name:     ModemdName,
		Instance: "Modemd",
		Local:    map[string]string{"mode": "0"},
		Pairing:  map[string]string{"channel": "36"},
		Connection: map[string]string{
			"channel": "16", "tx_power": "20",
		},
	})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer d.Stop()

	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(10 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	waitFor("driver connected status", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range statuses {
			if c == status.DriverConnected {
				return true
			}
		}
		return false
	})

	waitFor("local ip", func() bool { return d.LocalIP() == "192.168.168.10" })
	if d.IP() != "192.168.168.1" {
		t.Errorf("IP = %q, want radio ip", d.IP())
	}

	info, ok := d.BroadcastInfo()
	if !ok || info.IP != "192.168.168.10" {
		t.Errorf("broadcast info = %+v, %v", info, ok)
	}

	if err := d.Configure(map[string]string{"channel": "48"}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	daemon.mu.Lock()
	var sawChannel bool
	for _, params := range daemon.configured {
		if params["channel"] == "48" {
			sawChannel = true
		}
	}
	daemon.mu.Unlock()
	if !sawChannel {
		t.Error("daemon never received the configure command")
	}

	d.EnterPairingMode()
	daemon.mu.Lock()
	pairing := daemon.pairing
	daemon.mu.Unlock()
	if !pairing {
		t.Error("daemon never received the pairing mode command")
	}

	// Telemetry flows from the daemon's PUB socket to the callback. PUB
	// subscriptions settle asynchronously, so publish until one arrives.
	waitFor("telemetry", func() bool {
		daemon.pub.Send(zmq4.NewMsg([]byte(`{"RSSI":-60,"SNR":21}`)))
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return len(telemetry) > 0
	})

	settings := d.PairingSettings()
	if settings["channel"] != "36" {
		t.Errorf("pairing settings = %v", settings)
	}
	conn, ok := d.ConnectionSettings()
	if !ok || conn["channel"] != "16" {
		t.Errorf("connection settings = %v, %v", conn, ok)
	}
}
