// Package resolver maps a host name to its IPv4/IPv6 addresses (spec
// §4.6), grounded on the teacher's querier/querier.go request/response
// loop but narrowed to a single name and widened to emit every distinct
// address exactly once, including ones already sitting in a shared
// cache at construction time.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lanbeacon/beacon"
	"github.com/lanbeacon/beacon/cache"
	"github.com/lanbeacon/beacon/transport"
)

// Listener receives resolved addresses.
type Listener interface {
	Resolved(addr net.IP)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(addr net.IP)

func (f ListenerFunc) Resolved(addr net.IP) { f(addr) }

// Resolver resolves one host name.
type Resolver struct {
	tr       transport.Transport
	c        *cache.Cache
	hostname string
	log      *logrus.Entry

	mu      sync.Mutex
	seen    map[string]bool
	unsubTr func()

	listenersMu sync.Mutex
	listeners   []Listener
}

// New creates a Resolver for hostname, sharing cache c.
func New(tr transport.Transport, c *cache.Cache, hostname string, log *logrus.Entry) *Resolver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{
		tr:       tr,
		c:        c,
		hostname: hostname,
		log:      log,
		seen:     make(map[string]bool),
	}
}

// Subscribe registers l for Resolved events.
func (r *Resolver) Subscribe(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Resolver) emitResolved(addr net.IP) {
	r.listenersMu.Lock()
	ls := append([]Listener(nil), r.listeners...)
	r.listenersMu.Unlock()
	for _, l := range ls {
		l.Resolved(addr)
	}
}

// Start subscribes to the transport, sends the initial A/AAAA query
// with cached known-answers attached, and schedules a zero-delay pass
// that emits whatever is already cached.
func (r *Resolver) Start(ctx context.Context) {
	r.mu.Lock()
	r.unsubTr = r.tr.Subscribe(transport.ListenerFuncs{OnMessage: func(m beacon.Message) { r.handleMessage(m) }})
	r.mu.Unlock()

	known := append(r.c.LookupAll(r.hostname, beacon.TypeA), r.c.LookupAll(r.hostname, beacon.TypeAAAA)...)
	msg := beacon.Message{
		Queries: []beacon.Query{
			{Name: r.hostname, Type: beacon.TypeA},
			{Name: r.hostname, Type: beacon.TypeAAAA},
		},
		Records: known,
	}
	if err := r.tr.SendToAll(ctx, msg); err != nil {
		r.log.WithError(err).Warn("resolver: failed to send query")
	}

	time.AfterFunc(0, func() { r.emitCached(known) })
}

// Stop removes the resolver's transport subscription.
func (r *Resolver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubTr != nil {
		r.unsubTr()
	}
}

func (r *Resolver) emitCached(records []beacon.Record) {
	for _, rec := range records {
		ip, ok := rec.Data.(beacon.IPData)
		if !ok {
			continue
		}
		r.emitIfNew(ip.IP)
	}
}

func (r *Resolver) handleMessage(m beacon.Message) {
	if !m.IsResponse {
		return
	}
	for _, rec := range m.Records {
		if rec.Name != r.hostname {
			continue
		}
		if rec.Type != beacon.TypeA && rec.Type != beacon.TypeAAAA {
			continue
		}
		r.c.Insert(rec)
		ip, ok := rec.Data.(beacon.IPData)
		if !ok {
			continue
		}
		r.emitIfNew(ip.IP)
	}
}

func (r *Resolver) emitIfNew(ip net.IP) {
	key := ip.String()
	r.mu.Lock()
	if r.seen[key] {
		r.mu.Unlock()
		return
	}
	r.seen[key] = true
	r.mu.Unlock()
	r.emitResolved(ip)
}
