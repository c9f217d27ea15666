// Package provider advertises a single service: it probes the proposed
// instance name for uniqueness, publishes PTR/SRV/TXT records on
// confirmation, answers queries with known-answer suppression, and
// sends a farewell when the service is replaced or withdrawn (spec
// §4.7). Grounded on the teacher's responder/service.go registration
// lifecycle and internal/state/machine.go's probe-then-announce
// sequencing, generalized from a single hard-coded record set to the
// spec's four-record proposed/published model.
package provider

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lanbeacon/beacon"
	"github.com/lanbeacon/beacon/hostname"
	"github.com/lanbeacon/beacon/prober"
	"github.com/lanbeacon/beacon/transport"
)

// fourRecords is the provider's owned record set: browse PTR, type PTR,
// SRV, and TXT (spec §4.7).
type fourRecords struct {
	browsePTR beacon.Record
	typePTR   beacon.Record
	srv       beacon.Record
	txt       beacon.Record
}

func (f fourRecords) slice() []beacon.Record {
	return []beacon.Record{f.browsePTR, f.typePTR, f.srv, f.txt}
}

// Provider advertises one service.
type Provider struct {
	tr           transport.Transport
	host         *hostname.Registrar
	defaultTTL   uint32
	probeTimeout time.Duration
	log          *logrus.Entry

	mu            sync.Mutex
	proposed      fourRecords
	published     fourRecords
	haveProposed  bool
	havePublished bool
	current       *prober.Prober
	unsubTr       func()
}

// New creates a Provider advertising against host, using defaultTTL
// (seconds) for every originated record and probeTimeout as the SRV
// uniqueness probe's silence window (spec §4.4/§6, normally 2s).
func New(tr transport.Transport, host *hostname.Registrar, defaultTTL uint32, probeTimeout time.Duration, log *logrus.Entry) *Provider {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Provider{tr: tr, host: host, defaultTTL: defaultTTL, probeTimeout: probeTimeout, log: log}
}

// Start subscribes the provider to the transport and to hostname
// changes.
func (p *Provider) Start(ctx context.Context) {
	p.mu.Lock()
	p.unsubTr = p.tr.Subscribe(transport.ListenerFuncs{OnMessage: func(m beacon.Message) { p.handleMessage(ctx, m) }})
	p.mu.Unlock()

	p.host.Subscribe(hostname.ListenerFunc(func(name string) { p.onHostnameChanged(ctx, name) }))
}

// Stop tears down subscriptions. It does not send a farewell; call
// Withdraw first if one is wanted.
func (p *Provider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubTr != nil {
		p.unsubTr()
	}
	if p.current != nil {
		p.current.Stop()
	}
}

// Update sets the proposed records from service and, if the hostname is
// registered, either probes the new name or republishes directly (spec
// §4.7 step 1). An empty instance name after hygiene is rejected.
func (p *Provider) Update(ctx context.Context, service beacon.Service) error {
	base := strings.ReplaceAll(service.Name, ".", "-")
	if base == "" {
		return &beacon.EncodePreconditionError{Field: "Service.Name", Msg: "instance name is empty after hygiene"}
	}
	fqdn := base + "." + service.Type

	txt := buildTXT(service.Attributes)
	next := fourRecords{
		browsePTR: beacon.Record{Name: beacon.ServicesMetaQuery, Type: beacon.TypePTR, TTL: p.defaultTTL, Data: beacon.PTRTarget(service.Type)},
		typePTR:   beacon.Record{Name: service.Type, Type: beacon.TypePTR, TTL: p.defaultTTL, Data: beacon.PTRTarget(fqdn)},
		srv:       beacon.Record{Name: fqdn, Type: beacon.TypeSRV, TTL: p.defaultTTL, Data: beacon.SRVData{Port: service.Port, Target: service.Hostname}},
		txt:       beacon.Record{Name: fqdn, Type: beacon.TypeTXT, TTL: p.defaultTTL, Data: txt},
	}

	p.mu.Lock()
	fqdnChanged := !p.haveProposed || p.proposed.srv.Name != fqdn
	p.proposed = next
	p.haveProposed = true
	registered := p.host.State() == hostname.StateRegistered
	p.mu.Unlock()

	if !registered {
		return nil
	}

	if fqdnChanged {
		p.startProbe(ctx, next.srv)
	} else {
		p.publish(ctx)
	}
	return nil
}

func buildTXT(attrs map[string]string) beacon.TXTData {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out beacon.TXTData
	for _, k := range keys {
		out.Attrs = append(out.Attrs, beacon.TXTAttr{Key: k, Value: attrs[k], HasValue: true})
	}
	return out
}

func (p *Provider) startProbe(ctx context.Context, candidate beacon.Record) {
	p.mu.Lock()
	if p.current != nil {
		p.current.Stop()
	}
	pr := prober.New(p.tr, candidate, p.probeTimeout, p.log)
	p.current = pr
	p.mu.Unlock()

	pr.Subscribe(prober.ListenerFunc(func(confirmedName string) { p.onConfirmed(ctx, confirmedName) }))
	pr.Start(ctx)
}

// onConfirmed implements spec §4.7 step 2: farewell any previously
// published records, rename the proposed set to the confirmed name, and
// publish.
func (p *Provider) onConfirmed(ctx context.Context, confirmedName string) {
	p.mu.Lock()
	if p.havePublished {
		farewell := p.published
		p.mu.Unlock()
		p.sendFarewell(ctx, farewell)
		p.mu.Lock()
	}

	renamed := p.proposed
	renamed.typePTR.Data = beacon.PTRTarget(confirmedName)
	renamed.srv.Name = confirmedName
	renamed.txt.Name = confirmedName
	p.proposed = renamed
	p.mu.Unlock()

	p.publish(ctx)
}

// publish copies proposed into published and broadcasts an unsolicited
// response (spec §4.7 step 3).
func (p *Provider) publish(ctx context.Context) {
	p.mu.Lock()
	p.published = p.proposed
	p.havePublished = true
	records := p.published.slice()
	p.mu.Unlock()

	msg := beacon.Message{IsResponse: true, Records: records}
	if err := p.tr.SendToAll(ctx, msg); err != nil {
		p.log.WithError(err).Warn("provider: failed to publish")
	}
}

func (p *Provider) sendFarewell(ctx context.Context, records fourRecords) {
	goodbye := records.slice()
	for i := range goodbye {
		goodbye[i].TTL = 0
	}
	msg := beacon.Message{IsResponse: true, Records: goodbye}
	if err := p.tr.SendToAll(ctx, msg); err != nil {
		p.log.WithError(err).Warn("provider: failed to send farewell")
	}
}

// Withdraw sends a farewell for the currently published records, if
// any, and stops any in-flight probe.
func (p *Provider) Withdraw(ctx context.Context) {
	p.mu.Lock()
	if p.current != nil {
		p.current.Stop()
		p.current = nil
	}
	published := p.havePublished
	records := p.published
	p.havePublished = false
	p.mu.Unlock()

	if published {
		p.sendFarewell(ctx, records)
	}
}

// onHostnameChanged implements spec §4.7 step 4: retarget the SRV
// record and re-probe against the new name. Gated on haveProposed, not
// havePublished: Update can be called before the hostname registrar
// reaches StateRegistered, in which case a service is proposed but
// never probed until the first HostnameChanged event arrives.
func (p *Provider) onHostnameChanged(ctx context.Context, name string) {
	p.mu.Lock()
	if !p.haveProposed {
		p.mu.Unlock()
		return
	}
	srv := p.proposed.srv.Data.(beacon.SRVData)
	srv.Target = name
	p.proposed.srv.Data = srv
	candidate := p.proposed.srv
	p.mu.Unlock()

	p.startProbe(ctx, candidate)
}

// handleMessage implements spec §4.7's query handling and known-answer
// suppression.
func (p *Provider) handleMessage(ctx context.Context, m beacon.Message) {
	if m.IsResponse {
		return
	}

	p.mu.Lock()
	if !p.havePublished {
		p.mu.Unlock()
		return
	}
	published := p.published
	p.mu.Unlock()

	var wantBrowsePTR, wantTypePTR, wantSRV, wantTXT bool
	for _, q := range m.Queries {
		switch {
		case q.Name == beacon.ServicesMetaQuery:
			wantBrowsePTR = true
		case q.Name == published.typePTR.Name:
			wantTypePTR = true
			wantSRV = true
			wantTXT = true
		case q.Name == published.srv.Name && q.Type == beacon.TypeSRV:
			wantSRV = true
		case q.Name == published.txt.Name && q.Type == beacon.TypeTXT:
			wantTXT = true
		}
	}

	for _, known := range m.Records {
		switch {
		case known.Equal(published.browsePTR):
			wantBrowsePTR = false
		case known.Equal(published.typePTR):
			wantTypePTR = false
		case known.Equal(published.srv):
			wantSRV = false
		case known.Equal(published.txt):
			wantTXT = false
		}
	}

	if !wantBrowsePTR && !wantTypePTR && !wantSRV && !wantTXT {
		return
	}

	var answer []beacon.Record
	if wantBrowsePTR {
		answer = append(answer, published.browsePTR)
	}
	if wantTypePTR {
		answer = append(answer, published.typePTR)
	}
	if wantSRV {
		answer = append(answer, published.srv)
	}
	if wantTXT {
		answer = append(answer, published.txt)
	}

	reply := beacon.NewReply(m)
	reply.Records = answer
	if err := p.tr.Send(ctx, reply); err != nil {
		p.log.WithError(err).Warn("provider: failed to send reply")
	}
}
