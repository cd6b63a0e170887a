package driver

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aerolink/link-manager/internal/config"
	"github.com/aerolink/link-manager/internal/protocol"
	"github.com/aerolink/link-manager/internal/status"
)

// NetDevName is the registry name of the generic IP interface driver. It
// covers links that appear as a plain network device: WiFi, USB-C networking
// and IP tunnels. Such links have no radio parameters to push, so the driver
// is typically configured simplified and autopair.
const NetDevName = "NetDevice"

const netdevPollPeriod = time.Second

// NetDev watches the local interfaces for an address inside the configured
// prefix and reports the link up while one is present.
type NetDev struct {
	Base

	mu       sync.Mutex
	localIP  string
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewNetDev creates an unconfigured netdev driver.
func NewNetDev() Driver {
	return &NetDev{}
}

func init() {
	Register(NetDevName,
		map[string]string{
			"ip":       "IP prefix of the link network, e.g. 10.41.0",
			"vlan":     "optional VLAN specification",
			"autopair": "pair on first broadcast",
		},
		nil,
		NewNetDev)
}

func (d *NetDev) Name() string { return NetDevName }

// Init stores the configuration and starts the interface poll loop.
func (d *NetDev) Init(cfg *config.DriverConfig) error {
	if cfg.IP == "" {
		return fmt.Errorf("netdev driver %q requires an ip prefix", cfg.InstanceName())
	}
	d.SetConfig(cfg)

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("driver already running")
	}
	d.running = true
	d.stopChan = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go d.pollLoop()
	return nil
}

// Configure is a no-op: a plain network device has no radio parameters.
func (d *NetDev) Configure(map[string]string) error { return nil }

// EnterPairingMode is a no-op for network devices.
func (d *NetDev) EnterPairingMode() {}

func (d *NetDev) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopChan)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *NetDev) LocalIP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localIP
}

func (d *NetDev) BroadcastInfo() (protocol.DriverInfo, bool) {
	ip := d.LocalIP()
	if ip == "" {
		return protocol.DriverInfo{}, false
	}
	cfg := d.Config()
	return protocol.DriverInfo{
		Name:              NetDevName,
		Instance:          d.Instance(),
		IP:                ip,
		VLAN:              cfg.VLAN,
		MavlinkPort:       d.MavlinkPort(),
		DownloadBandwidth: cfg.Bandwidth(),
		StreamingPriority: cfg.Priority(),
		Simplified:        cfg.Simplified,
	}, true
}

func (d *NetDev) PairingSettings() map[string]string { return nil }

func (d *NetDev) ConnectionSettings() (map[string]string, bool) { return nil, false }

// pollLoop scans the interfaces for an address matching the configured
// prefix and reports link state transitions.
func (d *NetDev) pollLoop() {
	defer d.wg.Done()

	for {
		ip := findPrefixedIP(d.Config().IP)

		d.mu.Lock()
		d.localIP = ip
		d.mu.Unlock()

		if ip != "" {
			if d.ReportWiredStatus() {
				d.ReportStatus(status.DriverWiredConnected)
			} else {
				d.ReportStatus(status.DriverConnected)
			}
		} else {
			d.ReportStatus(status.DriverNotConnected)
		}

		select {
		case <-d.stopChan:
			return
		case <-time.After(netdevPollPeriod):
		}
	}
}

// findPrefixedIP returns the first local IPv4 address inside the prefix, or
// empty. The prefix is dotted-decimal, e.g. "10.41.0" matches "10.41.0.7".
func findPrefixedIP(prefix string) string {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Printf("netdev: failed to list interfaces: %v", err)
		return ""
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			ip := ipNet.IP.String()
			if ipMatchesPrefix(ip, prefix) {
				return ip
			}
		}
	}
	return ""
}

// ipMatchesPrefix reports whether the dotted-decimal IP falls under the
// dotted-decimal prefix on an octet boundary.
func ipMatchesPrefix(ip, prefix string) bool {
	if prefix == "" {
		return false
	}
	if ip == prefix {
		return true
	}
	return strings.HasPrefix(ip, strings.TrimSuffix(prefix, ".")+".")
}
