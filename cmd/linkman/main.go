// Link manager CLI
// Runs a master or slave connection manager from a YAML configuration file
// and exposes the reference interactive command loop on the master side.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aerolink/link-manager/internal/manager"
	"github.com/aerolink/link-manager/internal/status"
	"github.com/aerolink/link-manager/internal/storage"
)

// DriverConfig mirrors one driver entry of the manager configuration.
type DriverConfig struct {
	Name              string            `yaml:"name" json:"name"`
	Instance          string            `yaml:"instance,omitempty" json:"instance,omitempty"`
	Password          string            `yaml:"password,omitempty" json:"password,omitempty"`
	IP                string            `yaml:"ip,omitempty" json:"ip,omitempty"`
	IPStatus          bool              `yaml:"ip_status,omitempty" json:"ip_status,omitempty"`
	Simplified        bool              `yaml:"simplified,omitempty" json:"simplified,omitempty"`
	Autopair          bool              `yaml:"autopair,omitempty" json:"autopair,omitempty"`
	Mavlink           *bool             `yaml:"mavlink,omitempty" json:"mavlink,omitempty"`
	MavlinkPort       uint16            `yaml:"mavlink_port,omitempty" json:"mavlink_port,omitempty"`
	DownloadBandwidth *int              `yaml:"download_bandwidth,omitempty" json:"download_bandwidth,omitempty"`
	StreamingPriority *int              `yaml:"streaming_priority,omitempty" json:"streaming_priority,omitempty"`
	Local             map[string]string `yaml:"local,omitempty" json:"local,omitempty"`
	Pairing           map[string]string `yaml:"pairing,omitempty" json:"pairing,omitempty"`
	Connection        map[string]string `yaml:"connection,omitempty" json:"connection,omitempty"`
}

// Config represents the configuration file structure
type Config struct {
	MachineName       string         `yaml:"machine_name" json:"machine_name"`
	EncryptionKey     string         `yaml:"encryption_key,omitempty" json:"encryption_key,omitempty"`
	LinkLayer         string         `yaml:"link_layer,omitempty" json:"link_layer,omitempty"`
	ConfigurationFile string         `yaml:"configuration_file,omitempty" json:"configuration_file,omitempty"`
	AESEncryption     bool           `yaml:"aes_encryption,omitempty" json:"aes_encryption,omitempty"`
	RSAEncryption     bool           `yaml:"rsa_encryption,omitempty" json:"rsa_encryption,omitempty"`
	EthernetDevice    string         `yaml:"ethernet_device,omitempty" json:"ethernet_device,omitempty"`
	MulticastIP       string         `yaml:"multicast_ip,omitempty" json:"multicast_ip,omitempty"`
	Port              uint16         `yaml:"port,omitempty" json:"port,omitempty"`
	EventLog          string         `yaml:"event_log,omitempty" json:"event_log,omitempty"`
	StatusFeed        string         `yaml:"status_feed,omitempty" json:"status_feed,omitempty"`
	Drivers           []DriverConfig `yaml:"drivers" json:"drivers,omitempty"`
}

var (
	configFile string
	eventLimit int

	rootCmd = &cobra.Command{
		Use:   "linkman",
		Short: "Secure radio link manager",
		Long:  "Connection manager for secure, authenticated radio links between a ground station and remote vehicles.",
	}

	masterCmd = &cobra.Command{
		Use:   "master",
		Short: "Run the master (ground station) manager",
		RunE:  runMaster,
	}

	slaveCmd = &cobra.Command{
		Use:   "slave",
		Short: "Run the slave (vehicle) manager",
		RunE:  runSlave,
	}

	eventsCmd = &cobra.Command{
		Use:   "events [event-log.db]",
		Short: "List recent link events from an event log database",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvents,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("linkman v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/linkman/linkman.yaml", "Configuration file path")
	eventsCmd.Flags().IntVarP(&eventLimit, "limit", "n", 50, "Number of events to show")
	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(slaveCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the YAML file and converts it to the JSON document the
// manager consumes.
func loadConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.MachineName == "" {
		return "", fmt.Errorf("machine_name is required")
	}

	jsonCfg, err := json.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("failed to convert config: %w", err)
	}
	return string(jsonCfg), nil
}

func runSlave(cmd *cobra.Command, args []string) error {
	configuration, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	slave := manager.NewSlave()
	slave.RegisterStatusCallback(func(s status.Status) {
		log.Printf("***** Status = %d (%s) %s", int(s.Code), s.Code, s.Context)
	})

	if err := slave.Init(configuration); err != nil {
		return fmt.Errorf("failed to initialize slave manager: %w", err)
	}

	slave.EnterPairingMode()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	slave.Stop()
	return nil
}

func runMaster(cmd *cobra.Command, args []string) error {
	configuration, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	master := manager.NewMaster()

	master.RegisterStatusCallback(func(s status.Status) {
		fmt.Printf("***** Status = %d (%s) %s\n", int(s.Code), s.Code, s.Context)
	})
	master.RegisterPairingListChangedCallback(func() {
		fmt.Println("***** pairing list changed")
		displayLists(master)
	})
	master.RegisterPairedListChangedCallback(func() {
		fmt.Println("***** paired list changed")
		displayLists(master)
	})
	master.RegisterConnectedListChangedCallback(func() {
		fmt.Println("***** connected list changed")
		displayLists(master)
	})
	master.RegisterTelemetryCallback(func(instance string, data json.RawMessage) {
		fmt.Printf("***** %s telemetry: %s\n", instance, data)
	})

	if err := master.Init(configuration); err != nil {
		return fmt.Errorf("failed to initialize master manager: %w", err)
	}
	defer master.Stop()

	displayHelp()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		in := scanner.Text()
		if len(in) == 0 {
			continue
		}
		switch in[0] {
		case 'x':
			return nil
		case 'l':
			displayLists(master)
		case 'p':
			master.EnterPairingMode()
			if len(in) > 1 {
				master.PairTo(vehicleName(master, in[1]), false)
			}
		case 's':
			if len(in) == 2 {
				switch in[1] {
				case 'p':
					master.StopPairing()
				case 'c':
					master.StopConnecting()
				}
			}
		case 'c':
			if len(in) == 2 {
				master.ConnectTo(vehicleName(master, in[1]))
			}
		case 'd':
			if len(in) == 2 {
				master.DisconnectFrom(vehicleName(master, in[1]))
			}
		case 'u':
			if len(in) == 2 {
				master.UnpairFrom(vehicleName(master, in[1]))
			}
		case '?', 'h':
			displayHelp()
		}
	}
	return scanner.Err()
}

func displayHelp() {
	fmt.Println("l  - display lists")
	fmt.Println("p  - enter pairing mode")
	fmt.Println("sp - stop pairing")
	fmt.Println("sc - stop connecting")
	fmt.Println("pN - pair to N")
	fmt.Println("cN - connect to N")
	fmt.Println("dN - disconnect from N")
	fmt.Println("uN - unpair from N")
	fmt.Println("x  - exit")
}

// vehicles returns every known peer name, pairing and paired combined.
func vehicles(m *manager.Master) []string {
	seen := make(map[string]bool)
	for _, v := range m.GetPairingList() {
		seen[v] = true
	}
	for _, v := range m.GetPairedList() {
		seen[v] = true
	}
	names := make([]string, 0, len(seen))
	for v := range seen {
		names = append(names, v)
	}
	sort.Strings(names)
	return names
}

func vehicleName(m *manager.Master, digit byte) string {
	names := vehicles(m)
	i := int(digit - '0')
	if i < 0 || i >= len(names) {
		return ""
	}
	return names[i]
}

func displayLists(m *manager.Master) {
	pairingList := m.GetPairingList()
	pairedList := m.GetPairedList()
	connectedList := m.GetConnectedList()

	contains := func(list []string, v string) bool {
		for _, x := range list {
			if x == v {
				return true
			}
		}
		return false
	}
	yesNo := func(b bool) string {
		if b {
			return "YES"
		}
		return "NO"
	}

	fmt.Printf("%-2s %-20s %-10s %-10s %-12s %-10s\n", "N", "Vehicle", "Pairing", "Paired", "Connecting", "Connected")
	for i, v := range vehicles(m) {
		connected := contains(connectedList, v)
		connecting := !connected && m.GetPairedAutoconnect(v)
		fmt.Printf("%-2d %-20s %-10s %-10s %-12s %-10s", i, v,
			yesNo(contains(pairingList, v)),
			yesNo(contains(pairedList, v)),
			yesNo(connecting),
			yesNo(connected))
		if connected {
			fmt.Printf(" (%v)", m.GetConnectedDriverInstances(v))
		}
		fmt.Println()
	}
}

// runEvents lists the newest rows of an event log database.
func runEvents(cmd *cobra.Command, args []string) error {
	db, err := storage.Open(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.RecentLinkEvents(eventLimit)
	if err != nil {
		return err
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		fmt.Printf("%s  %-26s %s\n", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Status, ev.Context)
	}

	peers, err := db.RecentPeerEvents(eventLimit)
	if err != nil {
		return err
	}
	if len(peers) > 0 {
		fmt.Println()
		for i := len(peers) - 1; i >= 0; i-- {
			ev := peers[i]
			fmt.Printf("%s  %-12s %s\n", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Event, ev.Peer)
		}
	}
	return nil
}
