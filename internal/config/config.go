// Package config defines the typed configuration schema for the link manager
// and validates incoming JSON configuration at ingress.
package config

import (
	"encoding/json"
	"fmt"
	"math"
)

// Link layer selector values
const (
	LinkLayerUDP = "udp"
)

// DefaultConfigurationFile is used when no configuration_file is given.
const DefaultConfigurationFile = "pairing-cm.json"

// DriverConfig holds the configuration of one driver instance.
// The local section is applied always, the pairing section while pairing and
// the connection section once paired.
type DriverConfig struct {
	Name              string            `json:"name"`
	Instance          string            `json:"instance,omitempty"`
	Password          string            `json:"password,omitempty"`
	IP                string            `json:"ip,omitempty"`
	IPStatus          bool              `json:"ip_status,omitempty"`
	VLAN              string            `json:"vlan,omitempty"`
	Simplified        bool              `json:"simplified,omitempty"`
	Autopair          bool              `json:"autopair,omitempty"`
	Mavlink           *bool             `json:"mavlink,omitempty"`
	MavlinkPort       uint16            `json:"mavlink_port,omitempty"`
	DownloadBandwidth *int              `json:"download_bandwidth,omitempty"`
	StreamingPriority *int              `json:"streaming_priority,omitempty"`
	Local             map[string]string `json:"local,omitempty"`
	Pairing           map[string]string `json:"pairing,omitempty"`
	Connection        map[string]string `json:"connection,omitempty"`
}

// InstanceName returns the instance label, defaulting to the driver name.
func (d *DriverConfig) InstanceName() string {
	if d.Instance != "" {
		return d.Instance
	}
	return d.Name
}

// MavlinkEnabled reports whether this driver carries mavlink traffic.
// Defaults to true when unset.
func (d *DriverConfig) MavlinkEnabled() bool {
	if d.Mavlink == nil {
		return true
	}
	return *d.Mavlink
}

// Bandwidth returns the download bandwidth in bytes/s. Higher is better.
func (d *DriverConfig) Bandwidth() int {
	if d.DownloadBandwidth == nil {
		return math.MaxInt32
	}
	return *d.DownloadBandwidth
}

// Priority returns the streaming priority. Lower is better, -1 disables
// streaming over this driver.
func (d *DriverConfig) Priority() int {
	if d.StreamingPriority == nil {
		return math.MaxInt32
	}
	return *d.StreamingPriority
}

// Section returns the named parameter section of this driver.
func (d *DriverConfig) Section(name string) map[string]string {
	switch name {
	case "local":
		return d.Local
	case "pairing":
		return d.Pairing
	case "connection":
		return d.Connection
	}
	return nil
}

// Config is the top level link manager configuration.
type Config struct {
	MachineName       string         `json:"machine_name"`
	EncryptionKey     string         `json:"encryption_key,omitempty"`
	LinkLayer         string         `json:"link_layer,omitempty"`
	ConfigurationFile string         `json:"configuration_file,omitempty"`
	AESEncryption     bool           `json:"aes_encryption,omitempty"`
	RSAEncryption     bool           `json:"rsa_encryption,omitempty"`
	EthernetDevice    string         `json:"ethernet_device,omitempty"`
	MulticastIP       string         `json:"multicast_ip,omitempty"`
	Port              uint16         `json:"port,omitempty"`
	EventLog          string         `json:"event_log,omitempty"`
	StatusFeed        string         `json:"status_feed,omitempty"`
	Drivers           []DriverConfig `json:"drivers,omitempty"`
}

// Parse parses and validates a JSON configuration document.
func Parse(configuration string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(configuration), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.MachineName == "" {
		return fmt.Errorf("machine_name is required")
	}
	if c.LinkLayer != "" && c.LinkLayer != LinkLayerUDP {
		return fmt.Errorf("unsupported link_layer %q", c.LinkLayer)
	}
	seen := make(map[string]bool)
	for i := range c.Drivers {
		d := &c.Drivers[i]
		if d.Name == "" {
			return fmt.Errorf("driver %d: name is required", i)
		}
		instance := d.InstanceName()
		if seen[instance] {
			return fmt.Errorf("duplicate driver instance %q", instance)
		}
		seen[instance] = true
	}
	return nil
}

// File returns the configured persistent store path, or the default.
func (c *Config) File() string {
	if c.ConfigurationFile != "" {
		return c.ConfigurationFile
	}
	return DefaultConfigurationFile
}

// Driver returns the driver configuration for the given instance label.
func (c *Config) Driver(instance string) *DriverConfig {
	for i := range c.Drivers {
		if c.Drivers[i].InstanceName() == instance {
			return &c.Drivers[i]
		}
	}
	return nil
}

// ReconfigureDelta carries new connection-section parameters for one driver
// instance. All string-valued keys other than "instance" are treated as
// parameters; keys with other value types are ignored.
type ReconfigureDelta struct {
	Instance string
	Params   map[string]string
}

// UnmarshalJSON captures the instance label and collects every other string
// valued key as a parameter.
func (r *ReconfigureDelta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Params = make(map[string]string)
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		if k == "instance" {
			r.Instance = s
			continue
		}
		r.Params[k] = s
	}
	if r.Instance == "" {
		return fmt.Errorf("reconfigure delta without instance")
	}
	return nil
}

// Reconfiguration is the document accepted by the reconfigure command.
type Reconfiguration struct {
	Drivers []ReconfigureDelta `json:"drivers"`
}

// ParseReconfiguration parses a reconfigure JSON document.
func ParseReconfiguration(configuration string) (*Reconfiguration, error) {
	var rc Reconfiguration
	if err := json.Unmarshal([]byte(configuration), &rc); err != nil {
		return nil, fmt.Errorf("failed to parse reconfiguration: %w", err)
	}
	if len(rc.Drivers) == 0 {
		return nil, fmt.Errorf("reconfiguration without drivers")
	}
	return &rc, nil
}

// Merge applies a reconfiguration to the running configuration. Parameters
// are merged into the connection section of the matching driver instance.
func (c *Config) Merge(rc *Reconfiguration) {
	for _, delta := range rc.Drivers {
		d := c.Driver(delta.Instance)
		if d == nil {
			continue
		}
		if d.Connection == nil {
			d.Connection = make(map[string]string)
		}
		for k, v := range delta.Params {
			d.Connection[k] = v
		}
	}
}
