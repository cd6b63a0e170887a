// Package driver defines the contract for physical link drivers, a base
// implementation with coalesced status reporting, a registry of driver
// factories and the built-in netdev and modemd drivers.
package driver

import (
	"encoding/json"
	"sync"

	"github.com/aerolink/link-manager/internal/config"
	"github.com/aerolink/link-manager/internal/protocol"
	"github.com/aerolink/link-manager/internal/status"
)

// StatusCallback receives driver status transitions.
type StatusCallback func(instance string, code status.Code)

// TelemetryCallback receives opaque telemetry documents from a driver.
type TelemetryCallback func(instance string, data json.RawMessage)

// Driver is the uniform contract over one physical radio or interface.
// Mutating operations (Init, Configure, EnterPairingMode, Stop) are invoked
// only from the manager's state machine worker; queries may be called from
// any goroutine.
type Driver interface {
	Name() string
	Instance() string
	SetInstance(instance string)

	Init(cfg *config.DriverConfig) error
	Configure(params map[string]string) error
	Stop()
	EnterPairingMode()

	// BroadcastInfo returns the reachability info announced to peers.
	// ok is false while the driver is not ready.
	BroadcastInfo() (info protocol.DriverInfo, ok bool)
	LocalIP() string
	IP() string
	SetIP(ip string)
	VLAN() string
	PairingSettings() map[string]string
	// ConnectionSettings returns the parameters that can be changed while
	// connected. ok is false when the driver has none.
	ConnectionSettings() (settings map[string]string, ok bool)
	ReportWiredStatus() bool

	Simplified() bool
	Autopair() bool
	MavlinkPort() uint16
	DownloadBandwidth() int
	StreamingPriority() int

	RegisterStatusCallback(cb StatusCallback)
	RegisterTelemetryCallback(cb TelemetryCallback)
}

// Base carries the configuration and callback plumbing shared by all
// drivers. Concrete drivers embed it.
type Base struct {
	mu          sync.Mutex
	cfg         config.DriverConfig
	instance    string
	statusCB    StatusCallback
	telemetryCB TelemetryCallback
	lastStatus  status.Code
}

// SetConfig stores the driver configuration. Called from Init.
func (b *Base) SetConfig(cfg *config.DriverConfig) {
	b.mu.Lock()
	b.cfg = *cfg
	if b.instance == "" {
		b.instance = cfg.InstanceName()
	}
	b.mu.Unlock()
}

// Config returns a copy of the stored configuration.
func (b *Base) Config() config.DriverConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *Base) Instance() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.instance != "" {
		return b.instance
	}
	return b.cfg.Name
}

func (b *Base) SetInstance(instance string) {
	b.mu.Lock()
	b.instance = instance
	b.mu.Unlock()
}

func (b *Base) IP() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.IP
}

func (b *Base) SetIP(ip string) {
	b.mu.Lock()
	b.cfg.IP = ip
	b.mu.Unlock()
}

func (b *Base) VLAN() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.VLAN
}

func (b *Base) Simplified() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Simplified
}

func (b *Base) Autopair() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Autopair
}

// MavlinkPort returns the UDP port handed off to the mavlink router, or 0
// when this driver does not carry mavlink.
func (b *Base) MavlinkPort() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.MavlinkEnabled() {
		return 0
	}
	return b.cfg.MavlinkPort
}

func (b *Base) DownloadBandwidth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Bandwidth()
}

func (b *Base) StreamingPriority() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Priority()
}

func (b *Base) ReportWiredStatus() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.IPStatus
}

func (b *Base) RegisterStatusCallback(cb StatusCallback) {
	b.mu.Lock()
	b.statusCB = cb
	b.mu.Unlock()
}

func (b *Base) RegisterTelemetryCallback(cb TelemetryCallback) {
	b.mu.Lock()
	b.telemetryCB = cb
	b.mu.Unlock()
}

// ReportStatus forwards a status transition to the manager. Repeated reports
// of the same code are coalesced.
func (b *Base) ReportStatus(code status.Code) {
	b.mu.Lock()
	if b.lastStatus == code {
		b.mu.Unlock()
		return
	}
	b.lastStatus = code
	cb := b.statusCB
	instance := b.instance
	b.mu.Unlock()

	if cb != nil {
		cb(instance, code)
	}
}

// ReportTelemetry forwards a telemetry document to the manager.
func (b *Base) ReportTelemetry(data json.RawMessage) {
	b.mu.Lock()
	cb := b.telemetryCB
	instance := b.instance
	b.mu.Unlock()

	if cb != nil {
		cb(instance, data)
	}
}
