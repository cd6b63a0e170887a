package manager

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aerolink/link-manager/internal/config"
	"github.com/aerolink/link-manager/internal/crypto"
	"github.com/aerolink/link-manager/internal/driver"
	"github.com/aerolink/link-manager/internal/link"
	"github.com/aerolink/link-manager/internal/pairing"
	"github.com/aerolink/link-manager/internal/protocol"
	"github.com/aerolink/link-manager/internal/status"
	"github.com/aerolink/link-manager/internal/statusfeed"
	"github.com/aerolink/link-manager/internal/storage"
)

// Protocol timing. All peers share these constants.
const (
	mavlinkRouterPeriod    = 10 * time.Second
	broadcastPeriod        = 3 * time.Second
	statusPeriod           = 2 * time.Second
	statusTimeout          = 6 * time.Second
	reconfigurationTimeout = 20 * time.Second
	requestTimeout         = 500 * time.Millisecond
	requestRetries         = 10
	driverConfigureTimeout = 30 * time.Second

	// A pairing-mode broadcast entry expires when no refresh arrives for
	// three broadcast periods.
	broadcastExpiry = 3 * broadcastPeriod

	workerPeriod     = 500 * time.Millisecond
	stateMachineTick = 100 * time.Millisecond
)

// StatusCallback receives manager status transitions.
type StatusCallback func(s status.Status)

// TelemetryCallback receives driver telemetry documents.
type TelemetryCallback func(instance string, data json.RawMessage)

// Manager is the shared core of the master and slave connection managers:
// configuration, identity, drivers, link layer, envelope codec and the
// persistent pairing store.
type Manager struct {
	cfg      *config.Config
	store    *pairing.Store
	identity *crypto.RSA
	codec    *protocol.Codec
	seq      *protocol.SeqCounter
	guard    *protocol.ReplayGuard
	udp      *link.UDP
	drivers  []driver.Driver
	events   *storage.DB
	feed     *statusfeed.Feed

	remoteMu   sync.Mutex
	remoteKeys map[string]*crypto.RSA

	driverMu     sync.Mutex
	driverStates map[string]status.Code

	cbMu         sync.Mutex
	statusCB     StatusCallback
	pairedListCB func()
	telemetryCB  TelemetryCallback

	wake       chan struct{}
	shouldExit atomic.Bool
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// initBase wires up everything both manager variants share. onMessage is
// the link layer dispatch of the concrete variant.
func (m *Manager) initBase(configuration string, defaultPort uint16, onMessage link.MessageCallback) error {
	cfg, err := config.Parse(configuration)
	if err != nil {
		return err
	}
	m.cfg = cfg
	m.seq = protocol.NewSeqCounter()
	m.guard = protocol.NewReplayGuard()
	m.remoteKeys = make(map[string]*crypto.RSA)
	m.driverStates = make(map[string]status.Code)
	m.wake = make(chan struct{}, 1)

	store, err := pairing.Open(cfg.File())
	if err != nil {
		return err
	}
	m.store = store

	if err := m.loadIdentity(); err != nil {
		return err
	}

	if cfg.EncryptionKey != "" && store.EncryptionKey() != cfg.EncryptionKey {
		store.SetEncryptionKey(cfg.EncryptionKey)
	}
	var aes *crypto.AES
	if cfg.AESEncryption {
		key := cfg.EncryptionKey
		if key == "" {
			key = store.EncryptionKey()
		}
		if key == "" {
			return fmt.Errorf("aes_encryption enabled without encryption_key")
		}
		aes = crypto.NewAES(key, crypto.DefaultSalt, true)
	}
	m.codec = protocol.NewCodec(m.identity, aes, cfg.RSAEncryption)

	// Public keys of already paired peers.
	for _, name := range store.List() {
		rec, ok := store.Get(name)
		if !ok || rec.PublicKey == "" {
			continue
		}
		if err := m.setRemoteKey(name, rec.PublicKey); err != nil {
			log.Printf("ignoring stored key for %q: %v", name, err)
		}
	}

	if cfg.EventLog != "" {
		events, err := storage.Open(cfg.EventLog)
		if err != nil {
			log.Printf("event log disabled: %v", err)
		} else {
			m.events = events
		}
	}
	if cfg.StatusFeed != "" {
		feed, err := statusfeed.New(cfg.StatusFeed)
		if err != nil {
			log.Printf("status feed disabled: %v", err)
		} else {
			m.feed = feed
		}
	}

	if err := m.createDrivers(); err != nil {
		m.closeAux()
		return err
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	m.udp = link.NewUDP(port, cfg.MulticastIP)
	m.udp.RegisterMessageCallback(onMessage)
	if err := m.udp.Init(); err != nil {
		m.stopDrivers()
		m.closeAux()
		return err
	}
	if cfg.MulticastIP != "" {
		for _, d := range m.drivers {
			if ip := d.LocalIP(); ip != "" {
				if err := m.udp.AddMulticastMembership(ip); err != nil {
					log.Printf("multicast membership on %s: %v", ip, err)
				}
			}
		}
	}

	return nil
}

// loadIdentity loads the persisted RSA key pair, generating and persisting a
// fresh one on first start.
func (m *Manager) loadIdentity() error {
	m.identity = &crypto.RSA{}
	pub, priv := m.store.Identity()
	if pub != "" && priv != "" {
		if err := m.identity.LoadPrivate(priv); err != nil {
			return fmt.Errorf("failed to load stored identity: %w", err)
		}
		return nil
	}
	if err := m.identity.Generate(); err != nil {
		return err
	}
	m.store.SetIdentity(m.cfg.MachineName, m.identity.PublicKey(), m.identity.PrivateKey())
	return nil
}

func (m *Manager) createDrivers() error {
	for i := range m.cfg.Drivers {
		dcfg := &m.cfg.Drivers[i]
		d, err := driver.Create(dcfg.Name)
		if err != nil {
			m.stopDrivers()
			return err
		}
		d.SetInstance(dcfg.InstanceName())
		d.RegisterStatusCallback(m.driverStatus)
		d.RegisterTelemetryCallback(m.driverTelemetry)
		if err := d.Init(dcfg); err != nil {
			m.stopDrivers()
			return fmt.Errorf("failed to init driver %q: %w", dcfg.InstanceName(), err)
		}
		m.drivers = append(m.drivers, d)
	}
	return nil
}

func (m *Manager) stopDrivers() {
	for _, d := range m.drivers {
		d.Stop()
	}
}

func (m *Manager) closeAux() {
	if m.events != nil {
		m.events.Close()
	}
	if m.feed != nil {
		m.feed.Close()
	}
}

// stopBase tears down the shared machinery. Safe to call more than once.
func (m *Manager) stopBase() {
	m.stopOnce.Do(func() {
		m.shouldExit.Store(true)
		m.wakeUp()
		if m.udp != nil {
			m.udp.Stop()
		}
		m.wg.Wait()
		m.stopDrivers()
		m.closeAux()
	})
}

// running reports whether the manager accepts commands.
func (m *Manager) running() bool {
	return !m.shouldExit.Load()
}

// wakeUp nudges the state machine worker.
func (m *Manager) wakeUp() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// MachineName returns the configured local peer name.
func (m *Manager) MachineName() string {
	return m.cfg.MachineName
}

// LocalPort returns the UDP port the manager is bound to.
func (m *Manager) LocalPort() uint16 {
	return m.udp.LocalPort()
}

// RegisterStatusCallback registers the manager status transition callback.
func (m *Manager) RegisterStatusCallback(cb StatusCallback) {
	m.cbMu.Lock()
	m.statusCB = cb
	m.cbMu.Unlock()
}

// RegisterPairedListChangedCallback registers the paired list change
// callback.
func (m *Manager) RegisterPairedListChangedCallback(cb func()) {
	m.cbMu.Lock()
	m.pairedListCB = cb
	m.cbMu.Unlock()
}

// RegisterTelemetryCallback registers the driver telemetry callback.
func (m *Manager) RegisterTelemetryCallback(cb TelemetryCallback) {
	m.cbMu.Lock()
	m.telemetryCB = cb
	m.cbMu.Unlock()
}

// GetPairedList returns the names of all paired peers.
func (m *Manager) GetPairedList() []string {
	return m.store.List()
}

// GetPairedAutoconnect returns the autoconnect flag of a paired peer.
func (m *Manager) GetPairedAutoconnect(name string) bool {
	return m.store.Autoconnect(name)
}

// SetPairedAutoconnect updates the autoconnect flag of a paired peer.
func (m *Manager) SetPairedAutoconnect(name string, autoconnect bool) {
	if !m.running() {
		return
	}
	if m.store.SetAutoconnect(name, autoconnect) {
		m.notifyPairedListChanged()
	}
}

// GetLastConnected returns the peer that connected last.
func (m *Manager) GetLastConnected() string {
	return m.store.LastConnected()
}

// SetLastConnected persists the last connected peer.
func (m *Manager) SetLastConnected(name string) {
	if !m.running() {
		return
	}
	m.store.SetLastConnected(name)
}

// GetDriverInstancePairingSettings returns the pairing settings of a driver
// instance. ok is false when the instance does not exist.
func (m *Manager) GetDriverInstancePairingSettings(instance string) (map[string]string, bool) {
	d := m.driverByInstance(instance)
	if d == nil {
		return nil, false
	}
	return d.PairingSettings(), true
}

// GetDriverInstanceConnectionSettings returns the connection settings of a
// driver instance. ok is false when the instance has none.
func (m *Manager) GetDriverInstanceConnectionSettings(instance string) (map[string]string, bool) {
	d := m.driverByInstance(instance)
	if d == nil {
		return nil, false
	}
	return d.ConnectionSettings()
}

// ReportWiredStatus reports whether wired status reporting is enabled for a
// driver instance.
func (m *Manager) ReportWiredStatus(instance string) bool {
	d := m.driverByInstance(instance)
	return d != nil && d.ReportWiredStatus()
}

// GetRadioCandidateList returns the registered driver type names.
func GetRadioCandidateList() []string {
	return driver.CandidateList()
}

func (m *Manager) driverByInstance(instance string) driver.Driver {
	for _, d := range m.drivers {
		if d.Instance() == instance {
			return d
		}
	}
	return nil
}

// driverStatus receives status transitions from drivers, forwards them as
// manager status and wakes the state machine.
func (m *Manager) driverStatus(instance string, code status.Code) {
	m.driverMu.Lock()
	m.driverStates[instance] = code
	m.driverMu.Unlock()

	m.reportStatus(code, instance)
	m.wakeUp()
}

func (m *Manager) driverTelemetry(instance string, data json.RawMessage) {
	m.cbMu.Lock()
	cb := m.telemetryCB
	m.cbMu.Unlock()
	if cb != nil {
		cb(instance, data)
	}
	if m.feed != nil {
		m.feed.PublishTelemetry(instance, data)
	}
	if m.events != nil {
		if _, err := m.events.InsertTelemetrySample(&storage.TelemetrySample{
			Instance:  instance,
			Payload:   string(data),
			Timestamp: time.Now(),
		}); err != nil {
			log.Printf("event log: %v", err)
		}
	}
}

// reportStatus delivers a status transition to the embedder and the
// auxiliary sinks. The callback runs outside all manager locks.
func (m *Manager) reportStatus(code status.Code, context string) {
	m.cbMu.Lock()
	cb := m.statusCB
	m.cbMu.Unlock()

	s := status.Status{Code: code, Context: context}
	if cb != nil {
		cb(s)
	}
	if m.feed != nil {
		m.feed.PublishStatus(int(code), code.String(), context)
	}
	if m.events != nil {
		if _, err := m.events.InsertLinkEvent(&storage.LinkEvent{
			Code:      int(code),
			Status:    code.String(),
			Context:   context,
			Timestamp: time.Now(),
		}); err != nil {
			log.Printf("event log: %v", err)
		}
	}
}

func (m *Manager) notifyPairedListChanged() {
	m.cbMu.Lock()
	cb := m.pairedListCB
	m.cbMu.Unlock()
	if cb != nil {
		cb()
	}
	if m.feed != nil {
		m.feed.PublishList("paired", m.store.List())
	}
}

func (m *Manager) recordPeerEvent(peer, event string) {
	if m.events == nil {
		return
	}
	if _, err := m.events.InsertPeerEvent(&storage.PeerEvent{
		Peer:      peer,
		Event:     event,
		Timestamp: time.Now(),
	}); err != nil {
		log.Printf("event log: %v", err)
	}
}

// rsaFor returns the RSA key of a known peer, or nil.
func (m *Manager) rsaFor(name string) *crypto.RSA {
	m.remoteMu.Lock()
	defer m.remoteMu.Unlock()
	return m.remoteKeys[name]
}

// setRemoteKey binds a peer name to its public key.
func (m *Manager) setRemoteKey(name, pemKey string) error {
	key := &crypto.RSA{}
	if err := key.LoadPublic(pemKey); err != nil {
		return err
	}
	m.remoteMu.Lock()
	m.remoteKeys[name] = key
	m.remoteMu.Unlock()
	return nil
}

func (m *Manager) forgetRemoteKey(name string) {
	m.remoteMu.Lock()
	delete(m.remoteKeys, name)
	m.remoteMu.Unlock()
}

// seqScope keys the outbound sequence counter. One counter serves every
// recipient so each receiver observes a strictly increasing sequence.
const seqScope = "out"

// sendFrame encodes and unicasts a frame to a peer endpoint. The envelope
// is RSA when the peer's key is known, otherwise AES or plaintext.
func (m *Manager) sendFrame(f *protocol.Frame, peer, ip string, port uint16) error {
	f.Seq = m.seq.Next(seqScope)
	f.Port = m.udp.LocalPort()
	var key *crypto.RSA
	if peer != "" {
		key = m.rsaFor(peer)
	}
	data, err := m.codec.Encode(f, key)
	if err != nil {
		return err
	}
	return m.udp.Send(data, ip, port)
}

// sendDiscovery encodes a frame with the shared outbound sequence and
// multicasts or broadcasts it from the given local interface.
func (m *Manager) sendDiscovery(f *protocol.Frame, localIP string, port uint16) error {
	f.Seq = m.seq.Next(seqScope)
	f.Port = m.udp.LocalPort()
	data, err := m.codec.Encode(f, nil)
	if err != nil {
		return err
	}
	return m.udp.SendMulticast(data, localIP, port)
}

// decodeFrame unwraps an inbound datagram and enforces replay protection.
func (m *Manager) decodeFrame(raw []byte) (*protocol.Frame, bool) {
	f, err := m.codec.Decode(raw, m.rsaFor)
	if err != nil {
		log.Printf("dropping datagram: %v", err)
		return nil, false
	}
	if f.MachineName == m.cfg.MachineName {
		// Our own discovery traffic looped back.
		return nil, false
	}
	if !m.guard.Accept(f.MachineName, f.Seq) {
		log.Printf("dropping replayed frame from %q (seq %d)", f.MachineName, f.Seq)
		return nil, false
	}
	return f, true
}

// broadcastInfo collects the reachability info of every ready driver.
func (m *Manager) broadcastInfo() []protocol.DriverInfo {
	var infos []protocol.DriverInfo
	for _, d := range m.drivers {
		info, ok := d.BroadcastInfo()
		if !ok {
			continue
		}
		if info.IP == "" && m.cfg.EthernetDevice != "" {
			info.IP = interfaceIPByName(m.cfg.EthernetDevice)
		}
		infos = append(infos, info)
	}
	return infos
}

// pairingSections returns the pairing parameter section per driver
// instance, falling back to the registry defaults of the driver type.
func (m *Manager) pairingSections() map[string]map[string]string {
	sections := make(map[string]map[string]string)
	for _, d := range m.drivers {
		if params := d.PairingSettings(); len(params) > 0 {
			sections[d.Instance()] = params
		}
	}
	return sections
}

// connectionSections returns the connection parameter section per driver
// instance, overlaid with the stored per-instance detail of the peer.
func (m *Manager) connectionSections(peer string) map[string]map[string]string {
	sections := make(map[string]map[string]string)
	rec, _ := m.store.Get(peer)
	for _, d := range m.drivers {
		params := make(map[string]string)
		if dcfg := m.cfg.Driver(d.Instance()); dcfg != nil {
			for k, v := range dcfg.Connection {
				params[k] = v
			}
		}
		if rec != nil {
			for k, v := range rec.Drivers[d.Instance()].Params {
				params[k] = v
			}
		}
		if len(params) > 0 {
			sections[d.Instance()] = params
		}
	}
	return sections
}

// configureDrivers pushes the given parameter sections and waits for every
// driver to report connected, bounded by driverConfigureTimeout. Invoked
// only from the state machine worker.
func (m *Manager) configureDrivers(sections map[string]map[string]string) bool {
	for _, d := range m.drivers {
		params := sections[d.Instance()]
		if params == nil {
			continue
		}
		if err := d.Configure(params); err != nil {
			log.Printf("failed to configure driver %q: %v", d.Instance(), err)
			return false
		}
	}
	return m.waitDriversConnected(driverConfigureTimeout)
}

// waitDriversConnected blocks until every driver reports a connected status
// or the timeout elapses.
func (m *Manager) waitDriversConnected(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.shouldExit.Load() {
			return false
		}
		missing := ""
		m.driverMu.Lock()
		for _, d := range m.drivers {
			code := m.driverStates[d.Instance()]
			if code != status.DriverConnected && code != status.DriverWiredConnected {
				missing = d.Instance()
				break
			}
		}
		m.driverMu.Unlock()
		if missing == "" {
			return true
		}
		if time.Now().After(deadline) {
			m.reportStatus(status.ErrorDriverTimeout, missing)
			return false
		}
		select {
		case <-m.wake:
		case <-time.After(stateMachineTick):
		}
	}
}

// sleep waits for the duration but returns early on shutdown.
func (m *Manager) sleep(d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for {
		if m.shouldExit.Load() {
			return
		}
		select {
		case <-deadline.C:
			return
		case <-m.wake:
			if m.shouldExit.Load() {
				return
			}
		}
	}
}

// buildPairingRecord assembles a persistent pairing record from the peer's
// announced driver infos and the parameters agreed during pairing.
func buildPairingRecord(name, publicKey string, infos []protocol.DriverInfo, params []protocol.InstanceParams) *pairing.Record {
	rec := &pairing.Record{
		Name:        name,
		PublicKey:   publicKey,
		Autoconnect: true,
		Drivers:     make(map[string]pairing.InstanceInfo),
	}
	for _, info := range infos {
		rec.Drivers[info.Instance] = instanceInfoFrom(info)
	}
	for _, p := range params {
		detail := rec.Drivers[p.Instance]
		detail.Params = p.Params
		rec.Drivers[p.Instance] = detail
	}
	return rec
}

func instanceInfoFrom(info protocol.DriverInfo) pairing.InstanceInfo {
	return pairing.InstanceInfo{
		RemoteIP:    info.IP,
		MavlinkPort: info.MavlinkPort,
	}
}

// interfaceIPByName returns the first IPv4 address of the named interface.
func interfaceIPByName(name string) string {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return ""
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if ok && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return ""
}
