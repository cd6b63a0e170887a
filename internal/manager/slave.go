package manager

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/aerolink/link-manager/internal/link"
	"github.com/aerolink/link-manager/internal/protocol"
	"github.com/aerolink/link-manager/internal/status"
)

// Slave state machine states
type slaveState int

const (
	sIdle slaveState = iota
	sBroadcast
	sConfigConnect
	sConnected
	sReconfigure
	sReconfiguring
)

func (s slaveState) String() string {
	switch s {
	case sIdle:
		return "S_IDLE"
	case sBroadcast:
		return "S_BROADCAST"
	case sConfigConnect:
		return "S_CONFIG_CONNECT"
	case sConnected:
		return "S_CONNECTED"
	case sReconfigure:
		return "S_RECONFIGURE"
	case sReconfiguring:
		return "S_RECONFIGURING"
	default:
		return "S_UNKNOWN"
	}
}

var slaveTransitions = TransitionTable[slaveState]{
	sIdle:          {Next1: sBroadcast},
	sBroadcast:     {Next1: sConfigConnect, Next2: sIdle, Error: sIdle},
	sConfigConnect: {Next1: sConnected, Next2: sBroadcast, Error: sIdle},
	sConnected:     {Next1: sReconfigure, Next2: sIdle, Error: sIdle},
	sReconfigure:   {Next1: sReconfiguring, Error: sIdle},
	sReconfiguring: {Next1: sConnected, Error: sIdle},
}

// pendingPair is a pair request awaiting the state machine.
type pendingPair struct {
	frame  *protocol.Frame
	body   *protocol.PairRequest
	fromIP string
}

// pendingConnect is a connect request awaiting the state machine.
type pendingConnect struct {
	frame  *protocol.Frame
	body   *protocol.ConnectRequest
	fromIP string
}

// Slave is the responder side of the link manager, typically a vehicle. It
// broadcasts its presence, answers pairing and connection requests and keeps
// the session alive with periodic status.
type Slave struct {
	Manager
	sm *StateMachine[slaveState]

	cmdMu         sync.Mutex
	pairingActive bool

	masterMu       sync.Mutex
	masterName     string
	masterIP       string
	masterPort     uint16
	lastMasterSeen time.Time

	reqMu              sync.Mutex
	pendingPair        *pendingPair
	pendingConnect     *pendingConnect
	pendingReconfigure *protocol.ReconfigurePayload
	pendingDisconnect  bool

	lastBroadcast  time.Time
	lastStatusSent time.Time
}

// NewSlave creates an uninitialized slave manager.
func NewSlave() *Slave {
	return &Slave{}
}

// Init initializes the slave from a JSON configuration document and starts
// its workers.
func (s *Slave) Init(configuration string) error {
	if err := s.initBase(configuration, link.DefaultSlavePort, s.messageReceived); err != nil {
		return err
	}

	s.sm = NewStateMachine(sIdle, s.runState, slaveTransitions.Next, s.logTransition)

	s.wg.Add(1)
	go s.stateMachineWorker()

	log.Printf("slave %q initialized on port %d", s.MachineName(), s.udp.LocalPort())
	return nil
}

// Stop shuts down the slave. Calling Stop twice is a no-op.
func (s *Slave) Stop() {
	s.stopBase()
}

// EnterPairingMode latches the pairing intent: drivers are moved to their
// pairing sections and incoming pair requests are accepted.
func (s *Slave) EnterPairingMode() {
	if !s.running() {
		return
	}
	s.cmdMu.Lock()
	s.pairingActive = true
	s.cmdMu.Unlock()
	s.wakeUp()
}

func (s *Slave) logTransition(from, to slaveState, t Transition) {
	log.Printf("slave state %s -> %s (%s)", from, to, t)
}

func (s *Slave) stateMachineWorker() {
	defer s.wg.Done()
	for s.running() {
		if s.sm.IterateOnce() {
			continue
		}
		select {
		case <-s.wake:
		case <-time.After(stateMachineTick):
		}
	}
}

func (s *Slave) runState(state slaveState) Transition {
	if !s.running() {
		return Repeat
	}
	switch state {
	case sIdle:
		return s.runIdle()
	case sBroadcast:
		return s.runBroadcast()
	case sConfigConnect:
		return s.runConfigConnect()
	case sConnected:
		return s.runConnected()
	case sReconfigure:
		return s.runReconfigure()
	case sReconfiguring:
		return s.runReconfiguring()
	default:
		return Repeat
	}
}

// --- state handlers ---

func (s *Slave) runIdle() Transition {
	s.cmdMu.Lock()
	pairing := s.pairingActive
	s.cmdMu.Unlock()

	switch {
	case pairing:
		s.reportStatus(status.ConfigureForPairing, "")
		for _, d := range s.drivers {
			d.EnterPairingMode()
		}
		if !s.configureDrivers(s.pairingSections()) {
			s.reportStatus(status.ErrorPairing, "")
			s.cmdMu.Lock()
			s.pairingActive = false
			s.cmdMu.Unlock()
			return Repeat
		}
		return Next1

	case len(s.store.List()) > 0:
		// Paired already: move to the connection network and broadcast so
		// an autoconnecting master finds us again.
		master := s.store.LastConnected()
		if master == "" {
			master = s.store.List()[0]
		}
		if !s.configureDrivers(s.connectionSections(master)) {
			return Repeat
		}
		return Next1
	}
	return Repeat
}

func (s *Slave) runBroadcast() Transition {
	if s.takeDisconnect() {
		return Repeat
	}

	if pc := s.peekConnect(); pc != nil {
		return Next1
	}

	if pp := s.takePairRequest(); pp != nil {
		if s.acceptPairRequest(pp) {
			return Next1
		}
		return Repeat
	}

	if time.Since(s.lastBroadcast) >= broadcastPeriod {
		s.lastBroadcast = time.Now()
		s.sendPresence()
	}
	return Repeat
}

// sendPresence emits the discovery broadcast, and a direct copy to the last
// advertising master when one is known.
func (s *Slave) sendPresence() {
	infos := s.broadcastInfo()
	if len(infos) == 0 {
		return
	}
	payload := protocol.BroadcastPayload{Drivers: infos}

	sent := make(map[string]bool)
	for _, info := range infos {
		if sent[info.IP] {
			continue
		}
		sent[info.IP] = true
		f, err := protocol.NewFrame(protocol.VerbBroadcast, protocol.DirRequest, s.MachineName(), &payload)
		if err != nil {
			return
		}
		if err := s.sendDiscovery(f, info.IP, link.DefaultMasterPort); err != nil {
			log.Printf("failed to send broadcast from %s: %v", info.IP, err)
		}
	}

	s.masterMu.Lock()
	masterName, masterIP, masterPort := s.masterName, s.masterIP, s.masterPort
	s.masterMu.Unlock()
	if masterIP != "" {
		f, err := protocol.NewFrame(protocol.VerbBroadcast, protocol.DirRequest, s.MachineName(), &payload)
		if err != nil {
			return
		}
		if err := s.sendFrame(f, masterName, masterIP, masterPort); err != nil {
			log.Printf("failed to send broadcast to master %s: %v", masterIP, err)
		}
	}
}

// acceptPairRequest validates a pair request, persists the master identity
// and answers. Returns true when pairing succeeded.
func (s *Slave) acceptPairRequest(pp *pendingPair) bool {
	s.cmdMu.Lock()
	pairing := s.pairingActive
	s.cmdMu.Unlock()

	if !pairing && !s.anyDriverAutopair() {
		log.Printf("ignoring pair request from %q outside pairing mode", pp.frame.MachineName)
		return false
	}
	if !s.passwordAcceptable(pp.body.Password) {
		log.Printf("rejecting pair request from %q: bad password", pp.frame.MachineName)
		s.sendPairResponse(pp, false)
		return false
	}

	s.reportStatus(status.Pairing, pp.frame.MachineName)

	// Simplified pairing skips the RSA handshake: no master key is bound.
	masterKey := pp.frame.PublicKey
	if s.allDriversSimplified() {
		masterKey = ""
	}
	if masterKey != "" {
		if err := s.setRemoteKey(pp.frame.MachineName, masterKey); err != nil {
			log.Printf("rejecting pair request key from %q: %v", pp.frame.MachineName, err)
			return false
		}
	}
	s.store.Put(buildPairingRecord(pp.frame.MachineName, masterKey, nil, pp.body.Drivers))
	s.recordPeerEvent(pp.frame.MachineName, "paired")
	s.notifyPairedListChanged()

	s.masterMu.Lock()
	s.masterName = pp.frame.MachineName
	s.masterIP = pp.fromIP
	s.masterPort = pp.frame.Port
	s.lastMasterSeen = time.Now()
	s.masterMu.Unlock()

	s.sendPairResponse(pp, true)

	s.cmdMu.Lock()
	s.pairingActive = false
	s.cmdMu.Unlock()
	return true
}

func (s *Slave) anyDriverAutopair() bool {
	for _, d := range s.drivers {
		if d.Autopair() {
			return true
		}
	}
	return false
}

// passwordAcceptable checks the pairing password when one is configured.
func (s *Slave) passwordAcceptable(password string) bool {
	for _, d := range s.drivers {
		if d.Autopair() {
			continue
		}
		dcfg := s.cfg.Driver(d.Instance())
		if dcfg != nil && dcfg.Password != "" && dcfg.Password != password {
			return false
		}
	}
	return true
}

func (s *Slave) sendPairResponse(pp *pendingPair, accepted bool) {
	resp := protocol.PairResponse{Accepted: accepted}
	for instance, params := range s.pairingSections() {
		resp.Drivers = append(resp.Drivers, protocol.InstanceParams{Instance: instance, Params: params})
	}

	f, err := protocol.NewFrame(protocol.VerbPair, protocol.DirResponse, s.MachineName(), &resp)
	if err != nil {
		return
	}
	if !s.allDriversSimplified() {
		f.PublicKey = s.identity.PublicKey()
	}
	if err := s.sendFrame(f, pp.frame.MachineName, pp.fromIP, pp.frame.Port); err != nil {
		log.Printf("failed to send pair response to %q: %v", pp.frame.MachineName, err)
	}
}

func (s *Slave) allDriversSimplified() bool {
	for _, d := range s.drivers {
		if !d.Simplified() {
			return false
		}
	}
	return len(s.drivers) > 0
}

func (s *Slave) runConfigConnect() Transition {
	deadline := time.Now().Add(driverConfigureTimeout)
	var pc *pendingConnect
	for pc == nil {
		if !s.running() {
			return Repeat
		}
		if time.Now().After(deadline) {
			return Next2
		}
		pc = s.takeConnect()
		if pc == nil {
			s.sleep(stateMachineTick)
		}
	}

	s.reportStatus(status.ConfigureForConnecting, pc.frame.MachineName)

	sections := make(map[string]map[string]string, len(pc.body.Drivers))
	for _, p := range pc.body.Drivers {
		sections[p.Instance] = p.Params
	}
	if !s.configureDrivers(sections) {
		s.reportStatus(status.ErrorConnecting, pc.frame.MachineName)
		return Error
	}

	s.reportStatus(status.Connecting, pc.frame.MachineName)

	resp := protocol.ConnectResponse{Drivers: s.broadcastInfo()}
	f, err := protocol.NewFrame(protocol.VerbConnect, protocol.DirResponse, s.MachineName(), &resp)
	if err != nil {
		return Error
	}
	if err := s.sendFrame(f, pc.frame.MachineName, pc.fromIP, pc.frame.Port); err != nil {
		log.Printf("failed to send connect response to %q: %v", pc.frame.MachineName, err)
		return Error
	}

	s.masterMu.Lock()
	s.masterName = pc.frame.MachineName
	s.masterIP = pc.fromIP
	s.masterPort = pc.frame.Port
	s.lastMasterSeen = time.Now()
	s.masterMu.Unlock()

	s.store.SetLastConnected(pc.frame.MachineName)
	s.recordPeerEvent(pc.frame.MachineName, "connected")
	s.reportStatus(status.Connected, pc.frame.MachineName)
	s.lastStatusSent = time.Time{}
	return Next1
}

func (s *Slave) runConnected() Transition {
	s.masterMu.Lock()
	masterName, masterIP, masterPort := s.masterName, s.masterIP, s.masterPort
	lastSeen := s.lastMasterSeen
	s.masterMu.Unlock()

	if s.takeDisconnect() {
		s.recordPeerEvent(masterName, "disconnected")
		s.reportStatus(status.Disconnected, masterName)
		return Next2
	}

	if s.peekReconfigure() != nil {
		return Next1
	}

	if time.Since(lastSeen) > statusTimeout {
		s.recordPeerEvent(masterName, "disconnected")
		s.reportStatus(status.Disconnected, masterName)
		return Next2
	}

	if time.Since(s.lastStatusSent) >= statusPeriod {
		s.lastStatusSent = time.Now()
		s.sendStatus(masterName, masterIP, masterPort)
	}
	return Repeat
}

func (s *Slave) sendStatus(masterName, masterIP string, masterPort uint16) {
	payload := protocol.StatusPayload{Instances: s.aliveDriverInstances()}
	f, err := protocol.NewFrame(protocol.VerbStatus, protocol.DirRequest, s.MachineName(), &payload)
	if err != nil {
		return
	}
	if err := s.sendFrame(f, masterName, masterIP, masterPort); err != nil {
		log.Printf("failed to send status to %q: %v", masterName, err)
	}
}

func (s *Slave) runReconfigure() Transition {
	payload := s.takeReconfigure()
	if payload == nil {
		return Error
	}

	// Merge into the running connection sections so later reconnects use
	// the new parameters.
	for _, p := range payload.Drivers {
		d := s.cfg.Driver(p.Instance)
		if d == nil {
			continue
		}
		if d.Connection == nil {
			d.Connection = make(map[string]string)
		}
		for k, v := range p.Params {
			d.Connection[k] = v
		}
	}

	s.reqMu.Lock()
	s.pendingReconfigure = payload
	s.reqMu.Unlock()

	s.reportStatus(status.Reconfiguring, "")
	return Next1
}

func (s *Slave) runReconfiguring() Transition {
	payload := s.takeReconfigure()
	if payload == nil {
		return Error
	}

	sections := make(map[string]map[string]string, len(payload.Drivers))
	for _, p := range payload.Drivers {
		sections[p.Instance] = p.Params
	}
	if !s.configureDrivers(sections) {
		s.reportStatus(status.ErrorReconfiguring, "")
		return Error
	}

	s.reportStatus(status.Reconfigured, "")

	// Let the master see us on the new parameters right away.
	s.masterMu.Lock()
	masterName, masterIP, masterPort := s.masterName, s.masterIP, s.masterPort
	s.lastMasterSeen = time.Now()
	s.masterMu.Unlock()
	s.lastStatusSent = time.Now()
	s.sendStatus(masterName, masterIP, masterPort)
	return Next1
}

// --- pending request handoff ---

func (s *Slave) takePairRequest() *pendingPair {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	pp := s.pendingPair
	s.pendingPair = nil
	return pp
}

func (s *Slave) peekConnect() *pendingConnect {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	return s.pendingConnect
}

func (s *Slave) takeConnect() *pendingConnect {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	pc := s.pendingConnect
	s.pendingConnect = nil
	return pc
}

func (s *Slave) peekReconfigure() *protocol.ReconfigurePayload {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	return s.pendingReconfigure
}

func (s *Slave) takeReconfigure() *protocol.ReconfigurePayload {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	p := s.pendingReconfigure
	s.pendingReconfigure = nil
	return p
}

func (s *Slave) takeDisconnect() bool {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	d := s.pendingDisconnect
	s.pendingDisconnect = false
	return d
}

// --- inbound dispatch ---

// messageReceived runs on the link layer receive worker.
func (s *Slave) messageReceived(msg []byte, fromIP string) {
	f, ok := s.decodeFrame(msg)
	if !ok {
		return
	}
	verb, ex, err := f.Verb()
	if err != nil {
		log.Printf("dropping frame from %s: %v", fromIP, err)
		return
	}

	switch verb {
	case protocol.VerbPair:
		if ex.Request == nil {
			return
		}
		var body protocol.PairRequest
		if err := json.Unmarshal(ex.Request, &body); err != nil {
			log.Printf("dropping malformed pair request from %q: %v", f.MachineName, err)
			return
		}
		s.reqMu.Lock()
		s.pendingPair = &pendingPair{frame: f, body: &body, fromIP: fromIP}
		s.reqMu.Unlock()

	case protocol.VerbConnect:
		if ex.Request == nil {
			return
		}
		var body protocol.ConnectRequest
		if err := json.Unmarshal(ex.Request, &body); err != nil {
			log.Printf("dropping malformed connect request from %q: %v", f.MachineName, err)
			return
		}
		s.reqMu.Lock()
		s.pendingConnect = &pendingConnect{frame: f, body: &body, fromIP: fromIP}
		s.reqMu.Unlock()
		s.touchMaster(f, fromIP)

	case protocol.VerbReconfigure:
		if ex.Request == nil {
			return
		}
		var body protocol.ReconfigurePayload
		if err := json.Unmarshal(ex.Request, &body); err != nil {
			log.Printf("dropping malformed reconfigure from %q: %v", f.MachineName, err)
			return
		}
		s.reqMu.Lock()
		s.pendingReconfigure = &body
		s.reqMu.Unlock()
		s.touchMaster(f, fromIP)

	case protocol.VerbStatus:
		if ex.Response != nil {
			s.touchMaster(f, fromIP)
		}

	case protocol.VerbBroadcast:
		// A master advertising directly to our address. Answer with our
		// own reachability so it can connect.
		if ex.Request == nil {
			return
		}
		s.masterMu.Lock()
		s.masterName = f.MachineName
		s.masterIP = fromIP
		s.masterPort = f.Port
		s.masterMu.Unlock()
		s.answerAdvertise(f.MachineName, fromIP, f.Port)

	case protocol.VerbDisconnect:
		if ex.Request == nil {
			return
		}
		s.reqMu.Lock()
		s.pendingDisconnect = true
		s.reqMu.Unlock()
	}
	s.wakeUp()
}

// touchMaster refreshes the master endpoint and liveness.
func (s *Slave) touchMaster(f *protocol.Frame, fromIP string) {
	s.masterMu.Lock()
	s.masterName = f.MachineName
	s.masterIP = fromIP
	if f.Port != 0 {
		s.masterPort = f.Port
	}
	s.lastMasterSeen = time.Now()
	s.masterMu.Unlock()
}

func (s *Slave) answerAdvertise(masterName, masterIP string, masterPort uint16) {
	infos := s.broadcastInfo()
	if len(infos) == 0 {
		return
	}
	f, err := protocol.NewFrame(protocol.VerbBroadcast, protocol.DirRequest, s.MachineName(),
		&protocol.BroadcastPayload{Drivers: infos})
	if err != nil {
		return
	}
	if err := s.sendFrame(f, masterName, masterIP, masterPort); err != nil {
		log.Printf("failed to answer advertise from %s: %v", masterIP, err)
	}
}
