// Package hostname implements the probe-and-hold state machine that
// acquires and keeps a unique "*.local." name for this host (spec
// §4.3), generalizing the teacher's internal/state/machine.go
// probing/announcing lifecycle from a single service's name to the
// shared host name every advertised service's SRV target hangs off of.
package hostname

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lanbeacon/beacon"
	"github.com/lanbeacon/beacon/internal/netiface"
	"github.com/lanbeacon/beacon/transport"
)

// State is the registrar's current phase (spec §4.3).
type State int

const (
	StateIdle State = iota
	StateProbing
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

// Listener receives hostname lifecycle events.
type Listener interface {
	// HostnameChanged fires on entry to StateRegistered, only when name
	// differs from the previously registered name.
	HostnameChanged(name string)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(name string)

func (f ListenerFunc) HostnameChanged(name string) { f(name) }

// Registrar owns the local host's mDNS name.
type Registrar struct {
	tr          transport.Transport
	probeTO     time.Duration
	rebroadcast time.Duration
	defaultTTL  time.Duration
	ifaces      func() ([]net.Interface, error)
	log         *logrus.Entry

	mu        sync.Mutex
	state     State
	base      string
	suffix    int
	current   string // registered name, empty until first registration
	probeT    *time.Timer
	rebroadT  *time.Timer
	unsub     func()
	startedAt bool

	listenersMu sync.Mutex
	listeners   []Listener
}

// New creates a Registrar for localName (typically the OS hostname).
// A trailing ".local" is stripped and every '.' is replaced with '-' to
// form the base label (spec §4.3 naming rule). ifaces, if nil, defaults
// to netiface.Default.
func New(tr transport.Transport, localName string, probeTimeout, rebroadcastInterval, defaultTTL time.Duration, ifaces func() ([]net.Interface, error), log *logrus.Entry) *Registrar {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if ifaces == nil {
		ifaces = netiface.Default
	}
	return &Registrar{
		tr:          tr,
		probeTO:     probeTimeout,
		rebroadcast: rebroadcastInterval,
		defaultTTL:  defaultTTL,
		ifaces:      ifaces,
		log:         log,
		base:        sanitizeBase(localName),
		suffix:      1,
	}
}

func sanitizeBase(name string) string {
	name = strings.TrimSuffix(name, ".local.")
	name = strings.TrimSuffix(name, ".local")
	return strings.ReplaceAll(name, ".", "-")
}

// Subscribe registers l for HostnameChanged events.
func (r *Registrar) Subscribe(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registrar) emitChanged(name string) {
	r.listenersMu.Lock()
	ls := append([]Listener(nil), r.listeners...)
	r.listenersMu.Unlock()
	for _, l := range ls {
		l.HostnameChanged(name)
	}
}

// Start subscribes to the transport and begins probing for the first
// proposed name.
func (r *Registrar) Start(ctx context.Context) {
	r.mu.Lock()
	r.unsub = r.tr.Subscribe(transport.ListenerFuncs{OnMessage: func(m beacon.Message) { r.handleMessage(ctx, m) }})
	r.mu.Unlock()
	r.beginProbing(ctx)
}

// Stop tears down the registrar's timers and transport subscription.
func (r *Registrar) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.probeT != nil {
		r.probeT.Stop()
	}
	if r.rebroadT != nil {
		r.rebroadT.Stop()
	}
	if r.unsub != nil {
		r.unsub()
	}
}

// State returns the registrar's current phase.
func (r *Registrar) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CurrentName returns the presently registered name, or "" if not yet
// registered.
func (r *Registrar) CurrentName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Registrar) proposedNameLocked() string {
	if r.suffix == 1 {
		return r.base + ".local."
	}
	return r.base + "-" + itoa(r.suffix) + ".local."
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// beginProbing enters StateProbing (spec §4.3: "idle -> probing on
// construction and on every rebroadcast-timer expiry") and sends the
// first probe for the currently proposed name.
func (r *Registrar) beginProbing(ctx context.Context) {
	r.mu.Lock()
	r.state = StateProbing
	name := r.proposedNameLocked()
	if r.probeT != nil {
		r.probeT.Stop()
	}
	r.probeT = time.AfterFunc(r.probeTO, func() { r.onProbeTimeout(ctx, name) })
	r.mu.Unlock()

	r.sendProbe(ctx, name)
}

func (r *Registrar) sendProbe(ctx context.Context, name string) {
	msg := beacon.Message{
		Queries: []beacon.Query{
			{Name: name, Type: beacon.TypeA},
			{Name: name, Type: beacon.TypeAAAA},
		},
	}
	if err := r.tr.SendToAll(ctx, msg); err != nil {
		r.log.WithError(err).Warn("hostname: failed to send probe")
	}
}

func (r *Registrar) onProbeTimeout(ctx context.Context, expectedName string) {
	r.mu.Lock()
	if r.state != StateProbing || r.proposedNameLocked() != expectedName {
		r.mu.Unlock()
		return
	}
	r.state = StateRegistered
	prior := r.current
	r.current = expectedName
	if r.rebroadT != nil {
		r.rebroadT.Stop()
	}
	r.rebroadT = time.AfterFunc(r.rebroadcast, func() { r.onRebroadcast(ctx) })
	r.mu.Unlock()

	if prior != expectedName {
		r.emitChanged(expectedName)
	}
}

func (r *Registrar) onRebroadcast(ctx context.Context) {
	r.mu.Lock()
	r.suffix = 1
	r.mu.Unlock()
	r.beginProbing(ctx)
}

// handleMessage restarts the probe on a colliding A/AAAA response
// (spec §4.3) and answers in-window A/AAAA queries for the registered
// name (spec §4.7 generate_record).
func (r *Registrar) handleMessage(ctx context.Context, m beacon.Message) {
	r.mu.Lock()
	if m.IsResponse && r.state == StateProbing {
		proposed := r.proposedNameLocked()
		for _, rec := range m.Records {
			if rec.Name != proposed {
				continue
			}
			if rec.Type != beacon.TypeA && rec.Type != beacon.TypeAAAA {
				continue
			}
			r.suffix++
			r.mu.Unlock()
			r.beginProbing(ctx)
			return
		}
	}
	r.mu.Unlock()

	if len(m.Queries) > 0 {
		r.answerQueries(ctx, m)
	}
}

// answerQueries implements spec §4.7's generate_record procedure: for
// every A/AAAA query matching the registered name, find the interface
// whose subnet contains the query's source address and answer with a
// matching-family address from that interface. A miss is silent.
func (r *Registrar) answerQueries(ctx context.Context, m beacon.Message) {
	r.mu.Lock()
	current := r.current
	registered := r.state == StateRegistered
	ttl := r.defaultTTL
	r.mu.Unlock()

	if !registered || current == "" {
		return
	}

	var answers []beacon.Record
	for _, q := range m.Queries {
		if q.Name != current {
			continue
		}
		if q.Type != beacon.TypeA && q.Type != beacon.TypeAAAA {
			continue
		}
		addr, ok := r.selectAddress(m.PeerAddr, q.Type)
		if !ok {
			continue
		}
		answers = append(answers, beacon.Record{
			Name: current,
			Type: q.Type,
			TTL:  uint32(ttl.Seconds()),
			Data: beacon.IPData{IP: addr},
		})
	}
	if len(answers) == 0 {
		return
	}

	reply := beacon.NewReply(m)
	reply.Records = answers
	if err := r.tr.Send(ctx, reply); err != nil {
		r.log.WithError(err).Warn("hostname: failed to send reply")
	}
}

func (r *Registrar) selectAddress(peer net.IP, qtype beacon.RecordType) (net.IP, bool) {
	ifaces, err := r.ifaces()
	if err != nil {
		return nil, false
	}
	for _, iface := range ifaces {
		addrs, err := netiface.AddressesFor(iface)
		if err != nil {
			continue
		}
		matchesSubnet := peer == nil
		for _, a := range addrs {
			if netiface.SubnetContains(a, peer) {
				matchesSubnet = true
				break
			}
		}
		if !matchesSubnet {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			isV4 := ip.To4() != nil
			if qtype == beacon.TypeA && isV4 {
				return ip, true
			}
			if qtype == beacon.TypeAAAA && !isV4 {
				return ip, true
			}
		}
	}
	return nil, false
}
