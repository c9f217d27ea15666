// Package browser aggregates PTR/SRV/TXT/A/AAAA records into service
// descriptors (spec §4.5), generalizing the teacher's
// querier/querier.go response-handling loop from a single fixed query
// into the two-pass, known-answer-suppressing, coalescing pipeline the
// spec describes.
package browser

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lanbeacon/beacon"
	"github.com/lanbeacon/beacon/cache"
	"github.com/lanbeacon/beacon/transport"
)

// Listener receives service lifecycle events.
type Listener interface {
	ServiceAdded(s beacon.Service)
	ServiceUpdated(s beacon.Service)
	ServiceRemoved(s beacon.Service)
}

// ListenerFuncs adapts three functions to Listener.
type ListenerFuncs struct {
	OnAdded   func(beacon.Service)
	OnUpdated func(beacon.Service)
	OnRemoved func(beacon.Service)
}

func (f ListenerFuncs) ServiceAdded(s beacon.Service) {
	if f.OnAdded != nil {
		f.OnAdded(s)
	}
}

func (f ListenerFuncs) ServiceUpdated(s beacon.Service) {
	if f.OnUpdated != nil {
		f.OnUpdated(s)
	}
}

func (f ListenerFuncs) ServiceRemoved(s beacon.Service) {
	if f.OnRemoved != nil {
		f.OnRemoved(s)
	}
}

const subPrefixMarker = "._sub."

// Browser discovers services of one type (or every type, via
// beacon.ServicesMetaQuery).
type Browser struct {
	tr             transport.Transport
	c              *cache.Cache
	serviceType    string
	localType      string
	any            bool
	queryInterval  time.Duration
	coalesceWindow time.Duration
	log            *logrus.Entry

	mu                sync.Mutex
	descriptors       map[string]beacon.Service
	hostnamesOfIntr   map[string]bool
	pendingNewTypes   map[string]bool
	coalesceTimer     *time.Timer
	queryTimer        *time.Timer
	unsubTr           func()
	unsubCache        func()

	listenersMu sync.Mutex
	listeners   []Listener
}

// New creates a Browser for serviceType, sharing c with any other
// component that wants the same records (spec §9's shared-cache note).
func New(tr transport.Transport, c *cache.Cache, serviceType string, queryInterval, coalesceWindow time.Duration, log *logrus.Entry) *Browser {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Browser{
		tr:              tr,
		c:               c,
		serviceType:     serviceType,
		localType:       stripSubdomainPrefix(serviceType),
		any:             serviceType == beacon.ServicesMetaQuery,
		queryInterval:   queryInterval,
		coalesceWindow:  coalesceWindow,
		log:             log,
		descriptors:     make(map[string]beacon.Service),
		hostnamesOfIntr: make(map[string]bool),
		pendingNewTypes: make(map[string]bool),
	}
}

// stripSubdomainPrefix implements spec §9's open question: type is
// stripped up to and including "._sub." when present. A marker at
// offset 0 is malformed and falls through to the unchanged type.
func stripSubdomainPrefix(serviceType string) string {
	idx := strings.Index(serviceType, subPrefixMarker)
	if idx <= 0 {
		return serviceType
	}
	return serviceType[idx+len(subPrefixMarker):]
}

// Subscribe registers l for service lifecycle events.
func (b *Browser) Subscribe(l Listener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Browser) listenerSnapshot() []Listener {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	return append([]Listener(nil), b.listeners...)
}

func (b *Browser) emitAdded(s beacon.Service) {
	for _, l := range b.listenerSnapshot() {
		l.ServiceAdded(s)
	}
}

func (b *Browser) emitUpdated(s beacon.Service) {
	for _, l := range b.listenerSnapshot() {
		l.ServiceUpdated(s)
	}
}

func (b *Browser) emitRemoved(s beacon.Service) {
	for _, l := range b.listenerSnapshot() {
		l.ServiceRemoved(s)
	}
}

// Start subscribes to the transport and cache, fires the initial PTR
// query, and arms the periodic re-query timer.
func (b *Browser) Start(ctx context.Context) {
	b.mu.Lock()
	b.unsubTr = b.tr.Subscribe(transport.ListenerFuncs{OnMessage: func(m beacon.Message) { b.handleMessage(ctx, m) }})
	b.unsubCache = b.c.Subscribe(cache.ListenerFuncs{
		OnShouldQuery: func(r beacon.Record) { b.onShouldQuery(ctx, r) },
		OnExpired:     func(r beacon.Record) { b.onExpired(r) },
	})
	b.mu.Unlock()

	b.sendBrowseQuery(ctx)
	b.armQueryTimer(ctx)
}

// Stop tears down the browser's subscriptions and timers.
func (b *Browser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsubTr != nil {
		b.unsubTr()
	}
	if b.unsubCache != nil {
		b.unsubCache()
	}
	if b.coalesceTimer != nil {
		b.coalesceTimer.Stop()
	}
	if b.queryTimer != nil {
		b.queryTimer.Stop()
	}
}

func (b *Browser) armQueryTimer(ctx context.Context) {
	b.mu.Lock()
	if b.queryTimer != nil {
		b.queryTimer.Stop()
	}
	b.queryTimer = time.AfterFunc(b.queryInterval, func() {
		b.sendBrowseQuery(ctx)
		b.armQueryTimer(ctx)
	})
	b.mu.Unlock()
}

// sendBrowseQuery sends a PTR query for serviceType with every
// currently-cached PTR answer attached as a known-answer (spec §4.5).
func (b *Browser) sendBrowseQuery(ctx context.Context) {
	known := b.c.LookupAll(b.serviceType, beacon.TypePTR)
	msg := beacon.Message{
		Queries: []beacon.Query{{Name: b.serviceType, Type: beacon.TypePTR}},
		Records: known,
	}
	if err := b.tr.SendToAll(ctx, msg); err != nil {
		b.log.WithError(err).Warn("browser: failed to send browse query")
	}
}

func (b *Browser) handleMessage(ctx context.Context, m beacon.Message) {
	if !m.IsResponse {
		return
	}

	needsUpdate := make(map[string]bool)
	hostnamesThisMsg := make(map[string]bool)
	newTypes := make(map[string]bool)

	for _, r := range m.Records {
		switch r.Type {
		case beacon.TypePTR:
			if r.Name == beacon.ServicesMetaQuery && b.any {
				target, ok := r.Data.(beacon.PTRTarget)
				if ok {
					newTypes[string(target)] = true
				}
				b.c.Insert(r)
			} else if r.Name == b.serviceType || b.any {
				target, ok := r.Data.(beacon.PTRTarget)
				if ok {
					needsUpdate[string(target)] = true
				}
				b.c.Insert(r)
			}
		case beacon.TypeSRV:
			if b.any || strings.HasSuffix(r.Name, "."+b.localType) {
				needsUpdate[r.Name] = true
				if srv, ok := r.Data.(beacon.SRVData); ok {
					hostnamesThisMsg[srv.Target] = true
				}
				b.c.Insert(r)
			}
		case beacon.TypeTXT:
			if b.any || strings.HasSuffix(r.Name, "."+b.localType) {
				needsUpdate[r.Name] = true
				b.c.Insert(r)
			}
		}
	}

	b.mu.Lock()
	for h := range hostnamesThisMsg {
		b.hostnamesOfIntr[h] = true
	}
	hostnames := b.hostnamesOfIntr
	b.mu.Unlock()

	for _, r := range m.Records {
		if r.Type != beacon.TypeA && r.Type != beacon.TypeAAAA {
			continue
		}
		if hostnames[r.Name] {
			b.c.Insert(r)
		}
	}

	if len(newTypes) > 0 {
		b.mu.Lock()
		for t := range newTypes {
			b.pendingNewTypes[t] = true
		}
		if b.coalesceTimer == nil {
			b.coalesceTimer = time.AfterFunc(b.coalesceWindow, func() { b.fireCoalesce(ctx) })
		}
		b.mu.Unlock()
	}

	var needFollowup []string
	for fqdn := range needsUpdate {
		if b.updateService(fqdn) {
			needFollowup = append(needFollowup, fqdn)
		}
	}
	if len(needFollowup) > 0 {
		b.sendFollowup(ctx, needFollowup)
	}
}

// fireCoalesce sends one PTR query per newly discovered service type,
// each carrying its currently-cached PTR answers as known-answers
// (spec §4.5).
func (b *Browser) fireCoalesce(ctx context.Context) {
	b.mu.Lock()
	types := make([]string, 0, len(b.pendingNewTypes))
	for t := range b.pendingNewTypes {
		types = append(types, t)
	}
	b.pendingNewTypes = make(map[string]bool)
	b.coalesceTimer = nil
	b.mu.Unlock()

	var queries []beacon.Query
	var known []beacon.Record
	for _, t := range types {
		queries = append(queries, beacon.Query{Name: t, Type: beacon.TypePTR})
		known = append(known, b.c.LookupAll(t, beacon.TypePTR)...)
	}
	if len(queries) == 0 {
		return
	}
	msg := beacon.Message{Queries: queries, Records: known}
	if err := b.tr.SendToAll(ctx, msg); err != nil {
		b.log.WithError(err).Warn("browser: failed to send coalesced query")
	}
}

func (b *Browser) sendFollowup(ctx context.Context, fqdns []string) {
	var queries []beacon.Query
	for _, name := range fqdns {
		queries = append(queries, beacon.Query{Name: name, Type: beacon.TypeSRV})
		queries = append(queries, beacon.Query{Name: name, Type: beacon.TypeTXT})
	}
	msg := beacon.Message{Queries: queries}
	if err := b.tr.SendToAll(ctx, msg); err != nil {
		b.log.WithError(err).Warn("browser: failed to send SRV/TXT follow-up")
	}
}

// updateService implements spec §4.5's update_service: it returns true
// when the caller must send a SRV/TXT follow-up query.
func (b *Browser) updateService(fqdn string) (needSRV bool) {
	serviceName, serviceType, ok := splitInstance(fqdn)
	if !ok {
		return false
	}
	if _, ok := b.c.LookupOne(serviceType, beacon.TypePTR); !ok {
		return false
	}
	srvRec, ok := b.c.LookupOne(fqdn, beacon.TypeSRV)
	if !ok {
		return true
	}
	srv, ok := srvRec.Data.(beacon.SRVData)
	if !ok {
		return true
	}

	desc := beacon.Service{
		Type:       serviceType,
		Name:       serviceName,
		Hostname:   srv.Target,
		Port:       srv.Port,
		Attributes: make(map[string]string),
	}
	for _, a := range b.c.LookupAll(srv.Target, beacon.TypeA) {
		if ip, ok := a.Data.(beacon.IPData); ok {
			desc.IPv4 = append(desc.IPv4, ip.IP)
		}
	}
	for _, a := range b.c.LookupAll(srv.Target, beacon.TypeAAAA) {
		if ip, ok := a.Data.(beacon.IPData); ok {
			desc.IPv6 = append(desc.IPv6, ip.IP)
		}
	}
	for _, t := range b.c.LookupAll(fqdn, beacon.TypeTXT) {
		txt, ok := t.Data.(beacon.TXTData)
		if !ok {
			continue
		}
		for k, v := range txt.ToMap() {
			desc.Attributes[k] = v
		}
	}

	b.mu.Lock()
	prior, existed := b.descriptors[fqdn]
	b.descriptors[fqdn] = desc
	b.mu.Unlock()

	if !existed {
		b.emitAdded(desc)
	} else if !serviceEqual(prior, desc) {
		b.emitUpdated(desc)
	}
	return false
}

// splitInstance splits fqdn at its first "._" into (instance name,
// service type), per spec §4.5's update_service.
func splitInstance(fqdn string) (name, serviceType string, ok bool) {
	idx := strings.Index(fqdn, "._")
	if idx < 0 {
		return "", "", false
	}
	return fqdn[:idx], fqdn[idx+1:], true
}

func serviceEqual(a, b beacon.Service) bool {
	if a.Type != b.Type || a.Name != b.Name || a.Hostname != b.Hostname || a.Port != b.Port {
		return false
	}
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for k, v := range a.Attributes {
		if b.Attributes[k] != v {
			return false
		}
	}
	if !ipListEqual(a.IPv4, b.IPv4) || !ipListEqual(a.IPv6, b.IPv6) {
		return false
	}
	return true
}

func ipListEqual(a, b []net.IP) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func (b *Browser) onShouldQuery(ctx context.Context, r beacon.Record) {
	msg := beacon.Message{
		Queries: []beacon.Query{{Name: r.Name, Type: r.Type}},
	}
	if err := b.tr.SendToAll(ctx, msg); err != nil {
		b.log.WithError(err).Warn("browser: failed to send renewal query")
	}
}

func (b *Browser) onExpired(r beacon.Record) {
	switch r.Type {
	case beacon.TypeSRV:
		b.mu.Lock()
		desc, ok := b.descriptors[r.Name]
		if ok {
			delete(b.descriptors, r.Name)
		}
		b.mu.Unlock()
		if ok {
			b.emitRemoved(desc)
		}
	case beacon.TypeTXT:
		b.updateService(r.Name)
	}
}
