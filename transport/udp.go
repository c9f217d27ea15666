package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/lanbeacon/beacon"
	"github.com/lanbeacon/beacon/internal/netiface"
	"github.com/lanbeacon/beacon/internal/security"
)

// retryDelay is how long UDPTransport waits before retrying a single
// failed per-interface send during SendToAll, per spec §7.
const retryDelay = 10 * time.Millisecond

// UDPTransport is the real multicast socket adapter: one IPv4 and one
// IPv6 UDP socket bound to port 5353, joined to the mDNS groups on every
// interface netiface hands it (adapted from the teacher's
// internal/transport/udp.go and internal/network/socket.go, generalized
// from a single-shot request/response socket to a subscribe/dispatch
// transport and from IPv4-only to dual-stack, following the
// golang.org/x/net/ipv4+ipv6 PacketConn pattern used by the reference
// zeroconf implementations in this domain).
type UDPTransport struct {
	ipv4conn *ipv4.PacketConn
	ipv6conn *ipv6.PacketConn
	ifaces   []net.Interface
	filters  []*security.SourceFilter
	log      *logrus.Entry

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewUDPTransport binds dual-stack mDNS sockets and joins the multicast
// groups on ifaces (or netiface.Default() if nil/empty).
func NewUDPTransport(ifaces []net.Interface, log *logrus.Entry) (*UDPTransport, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if len(ifaces) == 0 {
		var err error
		ifaces, err = netiface.Default()
		if err != nil {
			return nil, &beacon.TransportError{Op: "enumerate interfaces", Err: err}
		}
	}

	filters := make([]*security.SourceFilter, 0, len(ifaces))
	for _, iface := range ifaces {
		sf, err := security.NewSourceFilter(iface)
		if err != nil {
			continue
		}
		filters = append(filters, sf)
	}

	t := &UDPTransport{
		ifaces:    ifaces,
		filters:   filters,
		log:       log,
		listeners: make(map[int]Listener),
		closed:    make(chan struct{}),
	}

	v4conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: beacon.MulticastPort})
	if err != nil {
		return nil, &beacon.TransportError{Op: "listen udp4", Err: err}
	}
	t.ipv4conn = ipv4.NewPacketConn(v4conn)
	_ = t.ipv4conn.SetMulticastLoopback(true)
	_ = t.ipv4conn.SetControlMessage(ipv4.FlagInterface, true)
	group4 := &net.UDPAddr{IP: beacon.MulticastIPv4}
	for i := range ifaces {
		_ = t.ipv4conn.JoinGroup(&ifaces[i], group4)
	}

	v6conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: beacon.MulticastPort})
	if err != nil {
		_ = t.ipv4conn.Close()
		return nil, &beacon.TransportError{Op: "listen udp6", Err: err}
	}
	t.ipv6conn = ipv6.NewPacketConn(v6conn)
	_ = t.ipv6conn.SetMulticastLoopback(true)
	_ = t.ipv6conn.SetControlMessage(ipv6.FlagInterface, true)
	group6 := &net.UDPAddr{IP: beacon.MulticastIPv6}
	for i := range ifaces {
		_ = t.ipv6conn.JoinGroup(&ifaces[i], group6)
	}

	t.wg.Add(2)
	go t.readLoop4()
	go t.readLoop6()

	return t, nil
}

func (t *UDPTransport) Subscribe(l Listener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners, id)
			t.mu.Unlock()
		})
	}
}

func (t *UDPTransport) dispatch(m beacon.Message) {
	t.mu.Lock()
	ls := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.mu.Unlock()
	for _, l := range ls {
		l.MessageReceived(m)
	}
}

func (t *UDPTransport) dispatchError(err error) {
	t.mu.Lock()
	ls := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.mu.Unlock()
	for _, l := range ls {
		l.Error(err)
	}
}

func (t *UDPTransport) readLoop4() {
	defer t.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, _, src, err := t.ipv4conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.dispatchError(&beacon.TransportError{Op: "read udp4", Err: err})
			continue
		}
		t.handleDatagram(buf[:n], src)
	}
}

func (t *UDPTransport) readLoop6() {
	defer t.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, _, src, err := t.ipv6conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.dispatchError(&beacon.TransportError{Op: "read udp6", Err: err})
			continue
		}
		t.handleDatagram(buf[:n], src)
	}
}

// sourceAllowed reports whether src passes at least one joined
// interface's SourceFilter, so packets routed in from outside the
// link-local scope mDNS is defined over (RFC 6762 ยง2) never reach the
// protocol core. No configured filters (e.g. addrs unavailable at
// startup) means nothing to check against, so traffic passes through.
func (t *UDPTransport) sourceAllowed(ip net.IP) bool {
	if len(t.filters) == 0 {
		return true
	}
	for _, sf := range t.filters {
		if sf.IsValid(ip) {
			return true
		}
	}
	return false
}

func (t *UDPTransport) handleDatagram(buf []byte, src net.Addr) {
	if udpAddr, ok := src.(*net.UDPAddr); ok && !t.sourceAllowed(udpAddr.IP) {
		t.log.WithField("source", udpAddr.IP).Debug("dropping mDNS datagram from out-of-scope source")
		return
	}
	m, err := beacon.ParseMessage(buf)
	if err != nil {
		t.log.WithError(err).Debug("discarding malformed mDNS datagram")
		return
	}
	if udpAddr, ok := src.(*net.UDPAddr); ok {
		m.PeerAddr = udpAddr.IP
		m.PeerPort = udpAddr.Port
		m.PeerZone = udpAddr.Zone
	}
	t.dispatch(m)
}

func (t *UDPTransport) Send(ctx context.Context, m beacon.Message) error {
	buf, err := beacon.SerializeMessage(m)
	if err != nil {
		return err
	}
	dest := &net.UDPAddr{IP: m.PeerAddr, Port: m.PeerPort, Zone: m.PeerZone}
	return t.writeOnce(ctx, buf, dest)
}

func (t *UDPTransport) writeOnce(_ context.Context, buf []byte, dest *net.UDPAddr) error {
	var err error
	if dest.IP.To4() != nil {
		_, err = t.ipv4conn.WriteTo(buf, nil, dest)
	} else {
		_, err = t.ipv6conn.WriteTo(buf, nil, dest)
	}
	if err != nil {
		return &beacon.TransportError{Op: "send", Err: err}
	}
	return nil
}

// SendToAll multicasts m on every joined interface, retrying a failed
// per-interface send once after 10ms per spec §7.
func (t *UDPTransport) SendToAll(ctx context.Context, m beacon.Message) error {
	buf, err := beacon.SerializeMessage(m)
	if err != nil {
		return err
	}

	var lastErr error
	for i := range t.ifaces {
		iface := &t.ifaces[i]

		if err := t.ipv4conn.SetMulticastInterface(iface); err == nil {
			dst := &net.UDPAddr{IP: beacon.MulticastIPv4, Port: beacon.MulticastPort}
			if _, err := t.ipv4conn.WriteTo(buf, nil, dst); err != nil {
				time.Sleep(retryDelay)
				if _, err2 := t.ipv4conn.WriteTo(buf, nil, dst); err2 != nil {
					lastErr = err2
					t.dispatchError(&beacon.TransportError{Op: "send_to_all ipv4 " + iface.Name, Err: err2})
				}
			}
		}

		if err := t.ipv6conn.SetMulticastInterface(iface); err == nil {
			dst := &net.UDPAddr{IP: beacon.MulticastIPv6, Port: beacon.MulticastPort, Zone: iface.Name}
			if _, err := t.ipv6conn.WriteTo(buf, nil, dst); err != nil {
				time.Sleep(retryDelay)
				if _, err2 := t.ipv6conn.WriteTo(buf, nil, dst); err2 != nil {
					lastErr = err2
					t.dispatchError(&beacon.TransportError{Op: "send_to_all ipv6 " + iface.Name, Err: err2})
				}
			}
		}
	}

	_ = ctx
	return lastErr
}

func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if cerr := t.ipv4conn.Close(); cerr != nil {
			err = cerr
		}
		if cerr := t.ipv6conn.Close(); cerr != nil {
			err = cerr
		}
		t.wg.Wait()
	})
	return err
}
