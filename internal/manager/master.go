package manager

import (
	"encoding/json"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aerolink/link-manager/internal/config"
	"github.com/aerolink/link-manager/internal/link"
	"github.com/aerolink/link-manager/internal/pairing"
	"github.com/aerolink/link-manager/internal/protocol"
	"github.com/aerolink/link-manager/internal/status"
)

// Master state machine states
type masterState int

const (
	mIdle masterState = iota
	mConfigPairing
	mPair
	mConfigConnect
	mReconfigure
	mReconfiguring
)

func (s masterState) String() string {
	switch s {
	case mIdle:
		return "M_IDLE"
	case mConfigPairing:
		return "M_CONFIG_PAIRING"
	case mPair:
		return "M_PAIR"
	case mConfigConnect:
		return "M_CONFIG_CONNECT"
	case mReconfigure:
		return "M_RECONFIGURE"
	case mReconfiguring:
		return "M_RECONFIGURING"
	default:
		return "M_UNKNOWN"
	}
}

var masterTransitions = TransitionTable[masterState]{
	mIdle:          {Next1: mConfigPairing, Next2: mConfigConnect, Next3: mReconfigure, Next4: mPair},
	mConfigPairing: {Next1: mPair, Next2: mIdle, Error: mIdle},
	mPair:          {Next1: mConfigConnect, Next2: mIdle, Error: mIdle},
	mConfigConnect: {Next1: mIdle, Error: mIdle},
	mReconfigure:   {Next1: mReconfiguring, Error: mIdle},
	mReconfiguring: {Next1: mIdle, Error: mIdle},
}

// pairingEntry is one peer currently visible through its broadcasts.
type pairingEntry struct {
	info     protocol.BroadcastPayload
	fromIP   string
	port     uint16
	lastSeen time.Time
	expired  bool
}

// connectedEntry tracks one connected peer: its connect response and the
// last status time per driver instance.
type connectedEntry struct {
	response   protocol.ConnectResponse
	fromIP     string
	port       uint16
	lastStatus map[string]time.Time
}

// Master is the coordinator side of the link manager, typically the ground
// station. It discovers broadcasting peers, pairs with them, connects and
// reconfigures live links.
type Master struct {
	Manager
	sm *StateMachine[masterState]

	// master-only callbacks, guarded by the base cbMu
	pairingListCB   func()
	connectedListCB func()
	connectedCB     func(name string)

	cmdMu             sync.Mutex
	pairingActive     bool
	pairingConfigured bool
	stopPairingFlag   bool
	stopConnectFlag   bool
	pairTarget        string
	skipPairConfig    bool
	connectTarget     string
	reconfigureParams *config.Reconfiguration
	pairingIdleSeen   bool
	lastAdvertised    string

	pairingMu  sync.Mutex
	pairingMap map[string]*pairingEntry

	connectedMu        sync.Mutex
	connectedMap       map[string]*connectedEntry
	connectedNotified  map[string]bool
	reconfigureTargets map[string]bool
	reconfigureStart   time.Time

	respMu           sync.Mutex
	pairResponse     *protocol.Frame
	pairResponseBody *protocol.PairResponse
	connectResponse  *protocol.ConnectResponse
	connectRespName  string
	connectRespIP    string
	connectRespPort  uint16
}

// NewMaster creates an uninitialized master manager.
func NewMaster() *Master {
	return &Master{
		pairingMap:        make(map[string]*pairingEntry),
		connectedMap:      make(map[string]*connectedEntry),
		connectedNotified: make(map[string]bool),
	}
}

// Init initializes the master from a JSON configuration document and starts
// its workers.
func (m *Master) Init(configuration string) error {
	if err := m.initBase(configuration, link.DefaultMasterPort, m.messageReceived); err != nil {
		return err
	}

	m.sm = NewStateMachine(mIdle, m.runState, masterTransitions.Next, m.logTransition)

	m.wg.Add(1)
	go m.stateMachineWorker()

	m.wg.Add(1)
	go m.expiryWorker()

	log.Printf("master %q initialized on port %d", m.MachineName(), m.udp.LocalPort())
	return nil
}

// Stop shuts down the master. Calling Stop twice is a no-op.
func (m *Master) Stop() {
	m.stopBase()
}

func (m *Master) logTransition(from, to masterState, t Transition) {
	log.Printf("master state %s -> %s (%s)", from, to, t)
}

// stateMachineWorker drives the state machine, sleeping between repeated
// ticks until an external command or driver event wakes it.
func (m *Master) stateMachineWorker() {
	defer m.wg.Done()
	for m.running() {
		if m.sm.IterateOnce() {
			continue
		}
		select {
		case <-m.wake:
		case <-time.After(stateMachineTick):
		}
	}
}

func (m *Master) runState(s masterState) Transition {
	if !m.running() {
		return Repeat
	}
	switch s {
	case mIdle:
		return m.runIdle()
	case mConfigPairing:
		return m.runConfigPairing()
	case mPair:
		return m.runPair()
	case mConfigConnect:
		return m.runConfigConnect()
	case mReconfigure:
		return m.runReconfigure()
	case mReconfiguring:
		return m.runReconfiguring()
	default:
		return Repeat
	}
}

// --- external commands ---

// EnterPairingMode latches the pairing intent: drivers are pushed to their
// pairing sections and the master starts accepting pair targets.
func (m *Master) EnterPairingMode() {
	if !m.running() {
		return
	}
	m.cmdMu.Lock()
	m.pairingActive = true
	m.cmdMu.Unlock()
	m.wakeUp()
}

// StopPairing aborts pairing and leaves pairing mode.
func (m *Master) StopPairing() {
	if !m.running() {
		return
	}
	m.cmdMu.Lock()
	m.stopPairingFlag = true
	m.cmdMu.Unlock()
	m.wakeUp()
}

// StopConnecting aborts an in-flight connection attempt.
func (m *Master) StopConnecting() {
	if !m.running() {
		return
	}
	m.cmdMu.Lock()
	m.stopConnectFlag = true
	m.cmdMu.Unlock()
	m.wakeUp()
}

// PairTo requests pairing with a specific peer. With skipConfig the drivers
// are assumed to already be on the pairing network.
func (m *Master) PairTo(name string, skipConfig bool) {
	if !m.running() || name == "" {
		return
	}
	m.cmdMu.Lock()
	m.pairTarget = name
	m.skipPairConfig = skipConfig
	m.cmdMu.Unlock()
	m.wakeUp()
}

// ConnectTo requests a connection to a paired peer.
func (m *Master) ConnectTo(name string) {
	if !m.running() || name == "" {
		return
	}
	m.cmdMu.Lock()
	m.connectTarget = name
	m.cmdMu.Unlock()
	m.wakeUp()
}

// DisconnectFrom tears down the link to a connected peer.
func (m *Master) DisconnectFrom(name string) {
	if !m.running() {
		return
	}

	m.connectedMu.Lock()
	entry, connected := m.connectedMap[name]
	if connected {
		delete(m.connectedMap, name)
		delete(m.connectedNotified, name)
	}
	m.connectedMu.Unlock()
	if !connected {
		return
	}

	f, err := protocol.NewFrame(protocol.VerbDisconnect, protocol.DirRequest, m.MachineName(), struct{}{})
	if err == nil {
		if err := m.sendFrame(f, name, entry.fromIP, entry.port); err != nil {
			log.Printf("failed to send disconnect to %q: %v", name, err)
		}
	}

	m.recordPeerEvent(name, "disconnected")
	m.reportStatus(status.Disconnected, name)
	m.notifyConnectedListChanged()
}

// UnpairFrom removes the pairing record of a peer, disconnecting it first
// when needed.
func (m *Master) UnpairFrom(name string) {
	if !m.running() {
		return
	}
	m.DisconnectFrom(name)
	if m.store.Remove(name) {
		m.forgetRemoteKey(name)
		m.guard.Forget(name)
		m.recordPeerEvent(name, "unpaired")
		m.notifyPairedListChanged()
	}
}

// Reconfigure applies a new connection parameter set to all connected peers
// and the local drivers.
func (m *Master) Reconfigure(newConfiguration string) {
	if !m.running() {
		return
	}
	rc, err := config.ParseReconfiguration(newConfiguration)
	if err != nil {
		log.Printf("rejecting reconfiguration: %v", err)
		m.reportStatus(status.ErrorReconfiguring, "")
		return
	}
	m.cmdMu.Lock()
	m.reconfigureParams = rc
	m.cmdMu.Unlock()
	m.wakeUp()
}

// Advertise unicasts the master's reachability directly to a known peer
// address, used with simplified drivers that have no discovery of their
// own. addr is an IP, optionally with a port; the default slave port is
// assumed otherwise.
func (m *Master) Advertise(addr string) {
	if !m.running() || addr == "" {
		return
	}
	m.cmdMu.Lock()
	m.lastAdvertised = addr
	m.cmdMu.Unlock()

	ip := addr
	port := link.DefaultSlavePort
	if host, portStr, err := net.SplitHostPort(addr); err == nil {
		if p, err := strconv.ParseUint(portStr, 10, 16); err == nil {
			ip = host
			port = uint16(p)
		}
	}

	payload := protocol.BroadcastPayload{Drivers: m.broadcastInfo()}
	f, err := protocol.NewFrame(protocol.VerbBroadcast, protocol.DirRequest, m.MachineName(), &payload)
	if err != nil {
		return
	}
	if err := m.sendFrame(f, "", ip, port); err != nil {
		log.Printf("failed to advertise to %s: %v", addr, err)
	}
}

// --- callback registration ---

// RegisterPairingListChangedCallback registers the pairing list change
// callback.
func (m *Master) RegisterPairingListChangedCallback(cb func()) {
	m.cbMu.Lock()
	m.pairingListCB = cb
	m.cbMu.Unlock()
}

// RegisterConnectedListChangedCallback registers the connected list change
// callback.
func (m *Master) RegisterConnectedListChangedCallback(cb func()) {
	m.cbMu.Lock()
	m.connectedListCB = cb
	m.cbMu.Unlock()
}

// RegisterConnectedCallback registers the one-shot per-peer connected
// callback.
func (m *Master) RegisterConnectedCallback(cb func(name string)) {
	m.cbMu.Lock()
	m.connectedCB = cb
	m.cbMu.Unlock()
}

// --- queries ---

// GetPairingList returns the names of peers currently visible for pairing.
func (m *Master) GetPairingList() []string {
	m.pairingMu.Lock()
	defer m.pairingMu.Unlock()
	names := make([]string, 0, len(m.pairingMap))
	for name, entry := range m.pairingMap {
		if !entry.expired {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetConnectedList returns the names of currently connected peers.
func (m *Master) GetConnectedList() []string {
	m.connectedMu.Lock()
	defer m.connectedMu.Unlock()
	names := make([]string, 0, len(m.connectedMap))
	for name := range m.connectedMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetConnectedDriverInstances returns the alive driver instances of a
// connected peer.
func (m *Master) GetConnectedDriverInstances(name string) []string {
	m.connectedMu.Lock()
	defer m.connectedMu.Unlock()
	entry, ok := m.connectedMap[name]
	if !ok {
		return nil
	}
	instances := make([]string, 0, len(entry.lastStatus))
	for instance := range entry.lastStatus {
		instances = append(instances, instance)
	}
	sort.Strings(instances)
	return instances
}

// GetActiveMavlinkPorts returns the UDP ports to hand off to the mavlink
// router for a connected peer.
func (m *Master) GetActiveMavlinkPorts(name string) []uint16 {
	m.connectedMu.Lock()
	defer m.connectedMu.Unlock()
	entry, ok := m.connectedMap[name]
	if !ok {
		return nil
	}
	var ports []uint16
	for _, info := range entry.response.Drivers {
		if info.MavlinkPort == 0 {
			continue
		}
		if _, alive := entry.lastStatus[info.Instance]; alive {
			ports = append(ports, info.MavlinkPort)
		}
	}
	return ports
}

// GetBestIPForDownload returns the connected peer IP with the highest
// download bandwidth, with the owning instance and its bandwidth.
func (m *Master) GetBestIPForDownload(name string) (ip, instance string, bandwidth int) {
	m.connectedMu.Lock()
	defer m.connectedMu.Unlock()
	entry, ok := m.connectedMap[name]
	if !ok {
		return "", "", 0
	}
	best := -1
	for _, info := range entry.response.Drivers {
		if _, alive := entry.lastStatus[info.Instance]; !alive {
			continue
		}
		if info.DownloadBandwidth > best {
			best = info.DownloadBandwidth
			ip = info.IP
			instance = info.Instance
		}
	}
	if best < 0 {
		return "", "", 0
	}
	return ip, instance, best
}

// GetBestIPForStreaming returns the connected peer IP with the best
// (lowest nonnegative) streaming priority, with the owning instance.
func (m *Master) GetBestIPForStreaming(name string) (ip, instance string) {
	m.connectedMu.Lock()
	defer m.connectedMu.Unlock()
	entry, ok := m.connectedMap[name]
	if !ok {
		return "", ""
	}
	best := -1
	for _, info := range entry.response.Drivers {
		if _, alive := entry.lastStatus[info.Instance]; !alive {
			continue
		}
		if info.StreamingPriority < 0 {
			continue
		}
		if best < 0 || info.StreamingPriority < best {
			best = info.StreamingPriority
			ip = info.IP
			instance = info.Instance
		}
	}
	return ip, instance
}

// --- state handlers ---

func (m *Master) runIdle() Transition {
	m.cmdMu.Lock()
	if m.stopPairingFlag {
		m.stopPairingFlag = false
		m.pairingActive = false
		m.pairingConfigured = false
		m.pairTarget = ""
		m.skipPairConfig = false
	}
	m.stopConnectFlag = false
	switch {
	case m.reconfigureParams != nil:
		m.cmdMu.Unlock()
		return Next3
	case m.connectTarget != "":
		m.cmdMu.Unlock()
		return Next2
	case m.pairTarget != "" && (m.skipPairConfig || m.pairingConfigured):
		m.cmdMu.Unlock()
		return Next4
	case m.pairTarget != "" || m.pairingActive && !m.pairingConfigured:
		m.cmdMu.Unlock()
		return Next1
	case m.pairingActive:
		// Pairing mode with no target yet: sit in M_PAIR listening.
		m.cmdMu.Unlock()
		return Next4
	}
	m.cmdMu.Unlock()

	if name := m.autoconnectCandidate(); name != "" {
		m.cmdMu.Lock()
		m.connectTarget = name
		m.cmdMu.Unlock()
		return Next2
	}
	return Repeat
}

// autoconnectCandidate picks a paired autoconnect peer that is visible and
// not yet connected.
func (m *Master) autoconnectCandidate() string {
	for _, name := range m.store.List() {
		if !m.store.Autoconnect(name) {
			continue
		}
		m.connectedMu.Lock()
		_, connected := m.connectedMap[name]
		m.connectedMu.Unlock()
		if connected {
			continue
		}
		m.pairingMu.Lock()
		entry, visible := m.pairingMap[name]
		visible = visible && !entry.expired
		m.pairingMu.Unlock()
		if visible {
			return name
		}
	}
	return ""
}

func (m *Master) runConfigPairing() Transition {
	if m.stopPairingRequested() {
		return Next2
	}
	m.reportStatus(status.ConfigureForPairing, "")

	for _, d := range m.drivers {
		d.EnterPairingMode()
	}
	if !m.configureDrivers(m.pairingSections()) {
		m.reportStatus(status.ErrorPairing, "")
		m.clearPairingIntent()
		return Error
	}

	m.cmdMu.Lock()
	m.pairingConfigured = true
	m.pairingIdleSeen = false
	m.cmdMu.Unlock()
	return Next1
}

func (m *Master) runPair() Transition {
	if m.stopPairingRequested() {
		return Next2
	}

	m.cmdMu.Lock()
	target := m.pairTarget
	idleSeen := m.pairingIdleSeen
	m.pairingIdleSeen = true
	m.cmdMu.Unlock()

	if target == "" {
		if !idleSeen {
			m.reportStatus(status.PairingIdle, "")
		}
		return Repeat
	}

	m.reportStatus(status.Pairing, target)
	m.respMu.Lock()
	m.pairResponse = nil
	m.pairResponseBody = nil
	m.respMu.Unlock()

	for attempt := 0; attempt < requestRetries && m.running(); attempt++ {
		if m.stopPairingRequested() {
			return Next2
		}
		m.sendPairRequest(target)
		m.sleep(requestTimeout)
		if resp, body := m.takePairResponse(target); resp != nil {
			m.finishPairing(target, resp, body)
			m.cmdMu.Lock()
			m.pairTarget = ""
			m.skipPairConfig = false
			m.connectTarget = target
			m.cmdMu.Unlock()
			return Next1
		}
	}

	m.reportStatus(status.ErrorPairing, target)
	m.clearPairingIntent()
	return Error
}

func (m *Master) runConfigConnect() Transition {
	m.cmdMu.Lock()
	target := m.connectTarget
	m.cmdMu.Unlock()
	if target == "" {
		return Error
	}

	rec, paired := m.store.Get(target)
	if !paired {
		m.reportStatus(status.ErrorConnecting, target)
		m.clearConnectIntent()
		return Error
	}

	m.reportStatus(status.ConfigureForConnecting, target)
	if !m.configureDrivers(m.connectionSections(target)) {
		m.reportStatus(status.ErrorConnecting, target)
		m.clearConnectIntent()
		return Error
	}

	m.reportStatus(status.Connecting, target)
	m.respMu.Lock()
	m.connectResponse = nil
	m.respMu.Unlock()

	ip, port := m.peerEndpoint(target, rec)
	for attempt := 0; attempt < requestRetries && m.running(); attempt++ {
		if m.stopConnectRequested() {
			m.clearConnectIntent()
			return Error
		}
		if ip != "" {
			m.sendConnectRequest(target, ip, port)
		}
		m.sleep(requestTimeout)
		if resp, fromIP, fromPort := m.takeConnectResponse(target); resp != nil {
			m.registerConnected(target, resp, fromIP, fromPort)
			m.clearConnectIntent()
			m.cmdMu.Lock()
			m.pairingActive = false
			m.pairingConfigured = false
			m.cmdMu.Unlock()
			return Next1
		}
	}

	m.reportStatus(status.ErrorConnecting, target)
	m.clearConnectIntent()
	return Error
}

func (m *Master) runReconfigure() Transition {
	m.cmdMu.Lock()
	rc := m.reconfigureParams
	m.reconfigureParams = nil
	m.cmdMu.Unlock()
	if rc == nil {
		return Error
	}

	m.cfg.Merge(rc)
	m.reportStatus(status.Reconfiguring, "")

	targets := m.sendReconfigureRequests(rc)

	m.connectedMu.Lock()
	m.reconfigureTargets = make(map[string]bool, len(targets))
	for _, name := range targets {
		m.reconfigureTargets[name] = false
	}
	m.reconfigureStart = time.Now()
	m.connectedMu.Unlock()

	// Move the local drivers to the new parameters after the requests have
	// left on the old ones.
	sections := make(map[string]map[string]string, len(rc.Drivers))
	for _, delta := range rc.Drivers {
		sections[delta.Instance] = delta.Params
	}
	if !m.configureDrivers(sections) {
		m.reportStatus(status.ErrorReconfiguring, "")
		return Error
	}
	return Next1
}

func (m *Master) runReconfiguring() Transition {
	m.connectedMu.Lock()
	var missing []string
	for name := range m.reconfigureTargets {
		entry, connected := m.connectedMap[name]
		acked := false
		if connected {
			for _, ts := range entry.lastStatus {
				if ts.After(m.reconfigureStart) {
					acked = true
					break
				}
			}
		}
		m.reconfigureTargets[name] = acked
		if !acked {
			missing = append(missing, name)
		}
	}
	start := m.reconfigureStart
	m.connectedMu.Unlock()

	if len(missing) == 0 {
		m.reportStatus(status.Reconfigured, "")
		return Next1
	}
	if time.Since(start) > reconfigurationTimeout {
		sort.Strings(missing)
		m.reportStatus(status.ErrorReconfiguring, strings.Join(missing, ","))
		return Error
	}
	return Repeat
}

func (m *Master) stopPairingRequested() bool {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	if m.stopPairingFlag {
		m.stopPairingFlag = false
		m.pairingActive = false
		m.pairingConfigured = false
		m.pairTarget = ""
		m.skipPairConfig = false
		return true
	}
	return false
}

func (m *Master) stopConnectRequested() bool {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	if m.stopConnectFlag {
		m.stopConnectFlag = false
		return true
	}
	return false
}

func (m *Master) clearPairingIntent() {
	m.cmdMu.Lock()
	m.pairTarget = ""
	m.skipPairConfig = false
	m.cmdMu.Unlock()
}

func (m *Master) clearConnectIntent() {
	m.cmdMu.Lock()
	m.connectTarget = ""
	m.cmdMu.Unlock()
}

// --- requests ---

// sendPairRequest unicasts a pair request to the target if it is visible.
func (m *Master) sendPairRequest(name string) {
	m.pairingMu.Lock()
	entry, visible := m.pairingMap[name]
	var ip string
	var port uint16
	if visible && !entry.expired {
		ip = entry.fromIP
		port = entry.port
	}
	m.pairingMu.Unlock()
	if ip == "" {
		return
	}

	req := protocol.PairRequest{}
	for _, d := range m.drivers {
		dcfg := m.cfg.Driver(d.Instance())
		if dcfg != nil && dcfg.Password != "" {
			req.Password = dcfg.Password
			break
		}
	}
	for instance, params := range m.pairingSections() {
		req.Drivers = append(req.Drivers, protocol.InstanceParams{Instance: instance, Params: params})
	}

	f, err := protocol.NewFrame(protocol.VerbPair, protocol.DirRequest, m.MachineName(), &req)
	if err != nil {
		return
	}
	f.PublicKey = m.identity.PublicKey()
	if err := m.sendFrame(f, name, ip, port); err != nil {
		log.Printf("failed to send pair request to %q: %v", name, err)
	}
}

// finishPairing records the peer identity and persists the pairing record.
// A simplified peer responds without a public key; the record is persisted
// with an empty key.
func (m *Master) finishPairing(name string, resp *protocol.Frame, body *protocol.PairResponse) {
	if resp.PublicKey != "" {
		if err := m.setRemoteKey(name, resp.PublicKey); err != nil {
			log.Printf("rejecting pair response key from %q: %v", name, err)
			return
		}
	}

	var infos []protocol.DriverInfo
	m.pairingMu.Lock()
	if entry, ok := m.pairingMap[name]; ok {
		infos = entry.info.Drivers
	}
	m.pairingMu.Unlock()
	var params []protocol.InstanceParams
	if body != nil {
		params = body.Drivers
	}
	m.store.Put(buildPairingRecord(name, resp.PublicKey, infos, params))

	m.recordPeerEvent(name, "paired")
	m.notifyPairedListChanged()
}

// peerEndpoint picks the address to reach a peer: its live broadcast origin
// when visible, otherwise the stored per-instance IP.
func (m *Master) peerEndpoint(name string, rec *pairing.Record) (string, uint16) {
	m.pairingMu.Lock()
	entry, visible := m.pairingMap[name]
	m.pairingMu.Unlock()
	if visible && !entry.expired {
		return entry.fromIP, entry.port
	}
	for _, info := range rec.Drivers {
		if info.RemoteIP != "" {
			return info.RemoteIP, link.DefaultSlavePort
		}
	}
	return "", 0
}

func (m *Master) sendConnectRequest(name, ip string, port uint16) {
	req := protocol.ConnectRequest{}
	for instance, params := range m.connectionSections(name) {
		req.Drivers = append(req.Drivers, protocol.InstanceParams{Instance: instance, Params: params})
	}
	f, err := protocol.NewFrame(protocol.VerbConnect, protocol.DirRequest, m.MachineName(), &req)
	if err != nil {
		return
	}
	if err := m.sendFrame(f, name, ip, port); err != nil {
		log.Printf("failed to send connect request to %q: %v", name, err)
	}
}

// sendReconfigureRequests pushes the delta to every connected peer and
// returns their names.
func (m *Master) sendReconfigureRequests(rc *config.Reconfiguration) []string {
	payload := protocol.ReconfigurePayload{}
	for _, delta := range rc.Drivers {
		payload.Drivers = append(payload.Drivers, protocol.InstanceParams{
			Instance: delta.Instance,
			Params:   delta.Params,
		})
	}

	m.connectedMu.Lock()
	endpoints := make(map[string]*connectedEntry, len(m.connectedMap))
	for name, entry := range m.connectedMap {
		endpoints[name] = entry
	}
	m.connectedMu.Unlock()

	var names []string
	for name, entry := range endpoints {
		f, err := protocol.NewFrame(protocol.VerbReconfigure, protocol.DirRequest, m.MachineName(), &payload)
		if err != nil {
			continue
		}
		if err := m.sendFrame(f, name, entry.fromIP, entry.port); err != nil {
			log.Printf("failed to send reconfigure to %q: %v", name, err)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// registerConnected installs a peer into the connected map and emits the
// connected callbacks.
func (m *Master) registerConnected(name string, resp *protocol.ConnectResponse, fromIP string, fromPort uint16) {
	now := time.Now()
	entry := &connectedEntry{
		response:   *resp,
		fromIP:     fromIP,
		port:       fromPort,
		lastStatus: make(map[string]time.Time, len(resp.Drivers)),
	}
	for _, info := range resp.Drivers {
		entry.lastStatus[info.Instance] = now
		if info.IP != "" {
			m.store.SetInstanceRemoteIP(name, info.Instance, info.IP)
		}
	}

	m.connectedMu.Lock()
	m.connectedMap[name] = entry
	notified := m.connectedNotified[name]
	m.connectedNotified[name] = true
	m.connectedMu.Unlock()

	m.store.SetLastConnected(name)
	m.recordPeerEvent(name, "connected")
	m.reportStatus(status.Connected, name)
	m.notifyConnectedListChanged()

	if !notified {
		m.cbMu.Lock()
		cb := m.connectedCB
		m.cbMu.Unlock()
		if cb != nil {
			cb(name)
		}
	}
}

// --- inbound dispatch ---

// messageReceived runs on the link layer receive worker.
func (m *Master) messageReceived(msg []byte, fromIP string) {
	f, ok := m.decodeFrame(msg)
	if !ok {
		return
	}
	verb, ex, err := f.Verb()
	if err != nil {
		log.Printf("dropping frame from %s: %v", fromIP, err)
		return
	}

	switch verb {
	case protocol.VerbBroadcast:
		if ex.Request != nil {
			m.processBroadcast(f, ex.Request, fromIP)
		}
	case protocol.VerbPair:
		if ex.Response != nil {
			m.processPairResponse(f, ex.Response)
		}
	case protocol.VerbConnect:
		if ex.Response != nil {
			m.processConnectResponse(f, ex.Response, fromIP)
		}
	case protocol.VerbStatus:
		if ex.Request != nil {
			m.processStatusRequest(f, ex.Request, fromIP)
		}
	case protocol.VerbDisconnect:
		if ex.Request != nil {
			m.processDisconnect(f)
		}
	}
}

func (m *Master) processBroadcast(f *protocol.Frame, raw json.RawMessage, fromIP string) {
	var payload protocol.BroadcastPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("dropping malformed broadcast from %q: %v", f.MachineName, err)
		return
	}

	name := f.MachineName
	m.pairingMu.Lock()
	entry, known := m.pairingMap[name]
	changed := !known
	if !known {
		entry = &pairingEntry{}
		m.pairingMap[name] = entry
	}
	if entry.expired {
		changed = true
	}
	entry.info = payload
	entry.fromIP = fromIP
	entry.port = f.Port
	entry.lastSeen = time.Now()
	entry.expired = false
	m.pairingMu.Unlock()

	// A paired peer may come back on new addresses.
	if _, paired := m.store.Get(name); paired {
		for _, info := range payload.Drivers {
			if info.IP != "" {
				m.store.SetInstanceRemoteIP(name, info.Instance, info.IP)
			}
		}
	} else if m.anyDriverAutopair() {
		m.cmdMu.Lock()
		if m.pairTarget == "" && m.connectTarget == "" {
			m.pairTarget = name
			m.skipPairConfig = true
		}
		m.cmdMu.Unlock()
	}

	if changed {
		m.notifyPairingListChanged()
	}
	m.wakeUp()
}

func (m *Master) anyDriverAutopair() bool {
	for _, d := range m.drivers {
		if d.Autopair() {
			return true
		}
	}
	return false
}

func (m *Master) processPairResponse(f *protocol.Frame, raw json.RawMessage) {
	var body protocol.PairResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		log.Printf("dropping malformed pair response from %q: %v", f.MachineName, err)
		return
	}
	if !body.Accepted {
		log.Printf("pairing rejected by %q", f.MachineName)
		return
	}

	m.respMu.Lock()
	m.pairResponse = f
	m.pairResponseBody = &body
	m.respMu.Unlock()
	m.wakeUp()
}

func (m *Master) takePairResponse(target string) (*protocol.Frame, *protocol.PairResponse) {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	if m.pairResponse == nil || m.pairResponse.MachineName != target {
		return nil, nil
	}
	f, body := m.pairResponse, m.pairResponseBody
	m.pairResponse = nil
	m.pairResponseBody = nil
	return f, body
}

func (m *Master) processConnectResponse(f *protocol.Frame, raw json.RawMessage, fromIP string) {
	var body protocol.ConnectResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		log.Printf("dropping malformed connect response from %q: %v", f.MachineName, err)
		return
	}

	m.respMu.Lock()
	m.connectResponse = &body
	m.connectRespName = f.MachineName
	m.connectRespIP = fromIP
	m.connectRespPort = f.Port
	m.respMu.Unlock()
	m.wakeUp()
}

func (m *Master) takeConnectResponse(target string) (*protocol.ConnectResponse, string, uint16) {
	m.respMu.Lock()
	defer m.respMu.Unlock()
	if m.connectResponse == nil || m.connectRespName != target {
		return nil, "", 0
	}
	resp := m.connectResponse
	m.connectResponse = nil
	return resp, m.connectRespIP, m.connectRespPort
}

func (m *Master) processStatusRequest(f *protocol.Frame, raw json.RawMessage, fromIP string) {
	var body protocol.StatusPayload
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}

	name := f.MachineName
	now := time.Now()
	m.connectedMu.Lock()
	entry, connected := m.connectedMap[name]
	if connected {
		entry.fromIP = fromIP
		entry.port = f.Port
		for _, instance := range body.Instances {
			entry.lastStatus[instance] = now
		}
	}
	m.connectedMu.Unlock()
	if !connected {
		return
	}

	// Answer so the peer can track our liveness too.
	reply, err := protocol.NewFrame(protocol.VerbStatus, protocol.DirResponse, m.MachineName(),
		&protocol.StatusPayload{Instances: m.aliveDriverInstances()})
	if err != nil {
		return
	}
	if err := m.sendFrame(reply, name, fromIP, f.Port); err != nil {
		log.Printf("failed to send status response to %q: %v", name, err)
	}
}

func (m *Master) processDisconnect(f *protocol.Frame) {
	name := f.MachineName
	m.connectedMu.Lock()
	_, connected := m.connectedMap[name]
	delete(m.connectedMap, name)
	delete(m.connectedNotified, name)
	m.connectedMu.Unlock()
	if !connected {
		return
	}
	m.recordPeerEvent(name, "disconnected")
	m.reportStatus(status.Disconnected, name)
	m.notifyConnectedListChanged()
}

// aliveDriverInstances lists the local driver instances currently reporting
// a connected status.
func (m *Manager) aliveDriverInstances() []string {
	m.driverMu.Lock()
	defer m.driverMu.Unlock()
	var instances []string
	for _, d := range m.drivers {
		code := m.driverStates[d.Instance()]
		if code == status.DriverConnected || code == status.DriverWiredConnected {
			instances = append(instances, d.Instance())
		}
	}
	sort.Strings(instances)
	return instances
}

// --- expiry worker ---

// expiryWorker prunes expired broadcast entries and stale connected
// instances, and periodically logs the mavlink ports of each connected peer.
func (m *Master) expiryWorker() {
	defer m.wg.Done()

	lastMavlinkRefresh := time.Now()
	for m.running() {
		m.expirePairingEntries()
		m.pruneConnected()

		if time.Since(lastMavlinkRefresh) >= mavlinkRouterPeriod {
			lastMavlinkRefresh = time.Now()
			for _, name := range m.GetConnectedList() {
				if ports := m.GetActiveMavlinkPorts(name); len(ports) > 0 {
					log.Printf("mavlink endpoints for %q: %v", name, ports)
				}
			}
		}

		time.Sleep(workerPeriod)
	}
}

func (m *Master) expirePairingEntries() {
	changed := false
	m.pairingMu.Lock()
	for _, entry := range m.pairingMap {
		if !entry.expired && time.Since(entry.lastSeen) > broadcastExpiry {
			entry.expired = true
			changed = true
		}
	}
	m.pairingMu.Unlock()
	if changed {
		m.notifyPairingListChanged()
	}
}

// pruneConnected drops driver instances whose status went stale and peers
// with no live instances left.
func (m *Master) pruneConnected() {
	var lost []string
	m.connectedMu.Lock()
	for name, entry := range m.connectedMap {
		for instance, ts := range entry.lastStatus {
			if time.Since(ts) > statusTimeout {
				delete(entry.lastStatus, instance)
			}
		}
		if len(entry.lastStatus) == 0 {
			delete(m.connectedMap, name)
			delete(m.connectedNotified, name)
			lost = append(lost, name)
		}
	}
	m.connectedMu.Unlock()

	for _, name := range lost {
		m.recordPeerEvent(name, "disconnected")
		m.reportStatus(status.Disconnected, name)
	}
	if len(lost) > 0 {
		m.notifyConnectedListChanged()
	}
}

func (m *Master) notifyPairingListChanged() {
	m.cbMu.Lock()
	cb := m.pairingListCB
	m.cbMu.Unlock()
	if cb != nil {
		cb()
	}
	if m.feed != nil {
		m.feed.PublishList("pairing", m.GetPairingList())
	}
}

func (m *Master) notifyConnectedListChanged() {
	m.cbMu.Lock()
	cb := m.connectedListCB
	m.cbMu.Unlock()
	if cb != nil {
		cb()
	}
	if m.feed != nil {
		m.feed.PublishList("connected", m.GetConnectedList())
	}
}
