package link

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// broadcastAddr is used when no multicast group is configured.
const broadcastAddr = "255.255.255.255"

// UDP is the datagram link layer. One socket serves unicast traffic and,
// depending on configuration, broadcast or multicast discovery.
type UDP struct {
	port        uint16
	multicastIP string

	conn  *net.UDPConn
	pconn *ipv4.PacketConn

	mu      sync.Mutex
	cb      MessageCallback
	wg      sync.WaitGroup
	running bool
}

// NewUDP creates a UDP link layer bound to the given port (0 lets the OS
// assign one). multicastIP selects the discovery group; when empty,
// discovery uses limited broadcast.
func NewUDP(port uint16, multicastIP string) *UDP {
	return &UDP{port: port, multicastIP: multicastIP}
}

// Init binds the socket and starts the receive worker.
func (u *UDP) Init() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return fmt.Errorf("link layer already running")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(u.port)})
	if err != nil {
		return fmt.Errorf("failed to bind UDP port %d: %w", u.port, err)
	}

	if err := setBroadcastOption(conn); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable broadcast: %w", err)
	}

	u.conn = conn
	u.pconn = ipv4.NewPacketConn(conn)
	u.running = true

	u.wg.Add(1)
	go u.worker()

	log.Printf("UDP link layer listening on port %d", u.LocalPort())
	return nil
}

// Stop closes the socket, unblocking the receive worker, and joins it.
// Calling Stop again is a no-op.
func (u *UDP) Stop() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	u.running = false
	conn := u.conn
	u.mu.Unlock()

	conn.Close()
	u.wg.Wait()
}

// RegisterMessageCallback sets the function invoked for received datagrams.
func (u *UDP) RegisterMessageCallback(cb MessageCallback) {
	u.mu.Lock()
	u.cb = cb
	u.mu.Unlock()
}

// LocalPort returns the port the socket is bound to.
func (u *UDP) LocalPort() uint16 {
	if u.conn == nil {
		return 0
	}
	addr, ok := u.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0
	}
	return uint16(addr.Port)
}

// Send transmits a unicast datagram.
func (u *UDP) Send(msg []byte, ip string, port uint16) error {
	if len(msg) > MaxDatagramSize {
		return fmt.Errorf("message size %d exceeds datagram limit", len(msg))
	}
	dst := net.ParseIP(ip)
	if dst == nil {
		return fmt.Errorf("invalid destination IP %q", ip)
	}
	_, err := u.conn.WriteToUDP(msg, &net.UDPAddr{IP: dst, Port: int(port)})
	if err != nil {
		return fmt.Errorf("failed to send to %s:%d: %w", ip, port, err)
	}
	return nil
}

// SendMulticast transmits a discovery datagram to the configured multicast
// group from the interface owning localIP, or to the limited broadcast
// address when no group is configured.
func (u *UDP) SendMulticast(msg []byte, localIP string, port uint16) error {
	if u.multicastIP == "" {
		return u.Send(msg, broadcastAddr, port)
	}

	group := net.ParseIP(u.multicastIP)
	if group == nil || !group.IsMulticast() {
		return fmt.Errorf("invalid multicast group %q", u.multicastIP)
	}

	if localIP != "" {
		ifi, err := interfaceByIP(localIP)
		if err != nil {
			return err
		}
		if err := u.pconn.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("failed to select multicast interface: %w", err)
		}
	}

	if len(msg) > MaxDatagramSize {
		return fmt.Errorf("message size %d exceeds datagram limit", len(msg))
	}
	_, err := u.pconn.WriteTo(msg, nil, &net.UDPAddr{IP: group, Port: int(port)})
	if err != nil {
		return fmt.Errorf("failed to send multicast: %w", err)
	}
	return nil
}

// AddMulticastMembership joins the configured multicast group on the
// interface owning interfaceIP.
func (u *UDP) AddMulticastMembership(interfaceIP string) error {
	if u.multicastIP == "" {
		return nil
	}
	group := net.ParseIP(u.multicastIP)
	if group == nil || !group.IsMulticast() {
		return fmt.Errorf("invalid multicast group %q", u.multicastIP)
	}
	ifi, err := interfaceByIP(interfaceIP)
	if err != nil {
		return err
	}
	if err := u.pconn.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("failed to join multicast group on %s: %w", interfaceIP, err)
	}
	return nil
}

// worker reads datagrams until the socket is closed.
func (u *UDP) worker() {
	defer u.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("UDP receive error: %v", err)
			continue
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])

		u.mu.Lock()
		cb := u.cb
		u.mu.Unlock()
		if cb != nil {
			cb(msg, from.IP.String())
		}
	}
}

// setBroadcastOption enables SO_BROADCAST so discovery datagrams can target
// the limited broadcast address.
func setBroadcastOption(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var optErr error
	err = raw.Control(func(fd uintptr) {
		optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return optErr
}

// interfaceByIP finds the network interface that owns the given IP address.
func interfaceByIP(ip string) (*net.Interface, error) {
	want := net.ParseIP(ip)
	if want == nil {
		return nil, fmt.Errorf("invalid interface IP %q", ip)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if ok && ipNet.IP.Equal(want) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface owns IP %s", ip)
}
