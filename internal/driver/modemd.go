package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/aerolink/link-manager/internal/config"
	"github.com/aerolink/link-manager/internal/protocol"
	"github.com/aerolink/link-manager/internal/status"
)

// ModemdName is the registry name of the modem daemon driver.
const ModemdName = "Modemd"

const (
	modemdCommandURL  = "ipc:///tmp/modemd_command"
	modemdEventURL    = "ipc:///tmp/modemd_event"
	modemdPollPeriod  = 2 * time.Second
	modemdReplyBudget = 5 * time.Second
)

// modemdCommand is one request to the management daemon.
type modemdCommand struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

// modemdReply is the daemon's answer.
type modemdReply struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Connected bool   `json:"connected,omitempty"`
	LoggedIn  bool   `json:"logged_in,omitempty"`
	LocalIP   string `json:"local_ip,omitempty"`
	RadioIP   string `json:"radio_ip,omitempty"`
}

// Modemd drives a radio modem through its local management daemon over
// ZeroMQ. Commands go over a REQ socket, telemetry arrives on a SUB socket.
// The daemon owns the vendor specifics; this driver only speaks the daemon's
// JSON command protocol.
type Modemd struct {
	Base

	commandURL string
	eventURL   string

	cmdMu    sync.Mutex
	cmdSock  zmq4.Socket
	evtSock  zmq4.Socket
	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
	localIP string
	radioIP string
}

// NewModemd creates an unconfigured modemd driver using the default daemon
// endpoints.
func NewModemd() Driver {
	return &Modemd{commandURL: modemdCommandURL, eventURL: modemdEventURL}
}

// NewModemdWithEndpoints creates a modemd driver against specific daemon
// endpoints. Used by tests with an in-process fake daemon.
func NewModemdWithEndpoints(commandURL, eventURL string) *Modemd {
	return &Modemd{commandURL: commandURL, eventURL: eventURL}
}

func init() {
	Register(ModemdName,
		map[string]string{
			"channel":    "radio channel",
			"bandwidth":  "channel bandwidth index",
			"tx_power":   "transmit power in dBm",
			"network_id": "radio network identifier",
		},
		map[string]string{
			"channel":   "36",
			"bandwidth": "1",
			"tx_power":  "7",
		},
		NewModemd)
}

func (d *Modemd) Name() string { return ModemdName }

// Init connects to the daemon, pushes the local section and starts the
// status poll and telemetry loops.
func (d *Modemd) Init(cfg *config.DriverConfig) error {
	d.SetConfig(cfg)

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("driver already running")
	}
	d.running = true
	d.stopChan = make(chan struct{})
	d.mu.Unlock()

	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.cmdSock = zmq4.NewReq(d.ctx)
	if err := d.cmdSock.Dial(d.commandURL); err != nil {
		d.teardown()
		return fmt.Errorf("failed to connect command socket: %w", err)
	}

	d.evtSock = zmq4.NewSub(d.ctx)
	if err := d.evtSock.Dial(d.eventURL); err != nil {
		d.teardown()
		return fmt.Errorf("failed to connect event socket: %w", err)
	}
	if err := d.evtSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		d.teardown()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	if len(cfg.Local) > 0 {
		if _, err := d.request(&modemdCommand{Command: "configure", Params: cfg.Local}); err != nil {
			log.Printf("modemd %s: failed to apply local section: %v", d.Instance(), err)
		}
	}

	d.wg.Add(1)
	go d.statusLoop()

	d.wg.Add(1)
	go d.eventLoop()

	return nil
}

// Configure pushes a parameter set to the daemon.
func (d *Modemd) Configure(params map[string]string) error {
	reply, err := d.request(&modemdCommand{Command: "configure", Params: params})
	if err != nil {
		d.ReportStatus(status.ErrorDriverConfiguration)
		return err
	}
	if !reply.OK {
		d.ReportStatus(status.ErrorDriverConfiguration)
		return fmt.Errorf("daemon rejected configuration: %s", reply.Error)
	}
	return nil
}

// EnterPairingMode tells the daemon to switch to its preconfigured pairing
// network.
func (d *Modemd) EnterPairingMode() {
	if _, err := d.request(&modemdCommand{Command: "pairing_mode"}); err != nil {
		log.Printf("modemd %s: failed to enter pairing mode: %v", d.Instance(), err)
	}
}

func (d *Modemd) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopChan)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	d.teardown()
}

func (d *Modemd) teardown() {
	if d.cmdSock != nil {
		d.cmdSock.Close()
	}
	if d.evtSock != nil {
		d.evtSock.Close()
	}
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Modemd) LocalIP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localIP
}

func (d *Modemd) IP() string {
	d.mu.Lock()
	radioIP := d.radioIP
	d.mu.Unlock()
	if radioIP != "" {
		return radioIP
	}
	return d.Base.IP()
}

func (d *Modemd) BroadcastInfo() (protocol.DriverInfo, bool) {
	ip := d.LocalIP()
	if ip == "" {
		return protocol.DriverInfo{}, false
	}
	cfg := d.Config()
	return protocol.DriverInfo{
		Name:              ModemdName,
		Instance:          d.Instance(),
		IP:                ip,
		VLAN:              cfg.VLAN,
		MavlinkPort:       d.MavlinkPort(),
		DownloadBandwidth: cfg.Bandwidth(),
		StreamingPriority: cfg.Priority(),
	}, true
}

// PairingSettings returns the pairing section, falling back to the registry
// defaults for this driver type.
func (d *Modemd) PairingSettings() map[string]string {
	cfg := d.Config()
	if len(cfg.Pairing) > 0 {
		return cfg.Pairing
	}
	defaults, _ := PairingSettings(ModemdName)
	return defaults
}

func (d *Modemd) ConnectionSettings() (map[string]string, bool) {
	cfg := d.Config()
	if len(cfg.Connection) == 0 {
		return nil, false
	}
	return cfg.Connection, true
}

// request performs one REQ round trip with the daemon.
func (d *Modemd) request(cmd *modemdCommand) (*modemdReply, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	ctx, cancel := context.WithTimeout(d.ctx, modemdReplyBudget)
	defer cancel()

	done := make(chan error, 1)
	var msg zmq4.Msg
	go func() {
		if err := d.cmdSock.Send(zmq4.NewMsg(raw)); err != nil {
			done <- err
			return
		}
		m, err := d.cmdSock.Recv()
		if err == nil {
			msg = m
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("daemon request timed out")
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("daemon request failed: %w", err)
		}
	}

	var reply modemdReply
	if err := json.Unmarshal(msg.Bytes(), &reply); err != nil {
		return nil, fmt.Errorf("failed to parse daemon reply: %w", err)
	}
	return &reply, nil
}

// statusLoop polls the daemon and reports link state transitions.
func (d *Modemd) statusLoop() {
	defer d.wg.Done()

	for {
		reply, err := d.request(&modemdCommand{Command: "status"})
		switch {
		case err != nil:
			d.ReportStatus(status.ErrorDriverConnection)
		case !reply.OK:
			d.ReportStatus(status.ErrorDriverDetection)
		case reply.Connected && !reply.LoggedIn:
			d.ReportStatus(status.ErrorDriverLogin)
		case reply.Connected:
			d.mu.Lock()
			d.localIP = reply.LocalIP
			d.radioIP = reply.RadioIP
			d.mu.Unlock()
			d.ReportStatus(status.DriverConnected)
		default:
			d.ReportStatus(status.DriverNotConnected)
		}

		select {
		case <-d.stopChan:
			return
		case <-time.After(modemdPollPeriod):
		}
	}
}

// eventLoop forwards telemetry documents published by the daemon.
func (d *Modemd) eventLoop() {
	defer d.wg.Done()

	for {
		msg, err := d.evtSock.Recv()
		if err != nil {
			select {
			case <-d.stopChan:
				return
			default:
			}
			// Socket errors during shutdown are expected; anything else
			// is worth a log line before retrying.
			log.Printf("modemd %s: event receive error: %v", d.Instance(), err)
			select {
			case <-d.stopChan:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		data := msg.Bytes()
		if !json.Valid(data) {
			continue
		}
		d.ReportTelemetry(json.RawMessage(data))
	}
}
