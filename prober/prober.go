// Package prober confirms that a candidate record's name is not already
// in use on the link before a provider announces it (spec §4.4),
// generalizing the teacher's state/machine.go probing phase from a
// single hard-coded service lifecycle into a standalone, reusable
// uniqueness check driven by any candidate beacon.Record.
package prober

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lanbeacon/beacon"
	"github.com/lanbeacon/beacon/transport"
)

// Listener receives the prober's terminal event.
type Listener interface {
	// NameConfirmed fires exactly once, when no peer has claimed the
	// current proposed name within the probe timeout.
	NameConfirmed(name string)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(name string)

func (f ListenerFunc) NameConfirmed(name string) { f(name) }

// Prober runs the uniqueness check for a single candidate record. It is
// single-use: once confirmed, it ignores further input and must be
// replaced to probe again (spec §4.4: "once confirmed, the prober
// ignores further messages").
type Prober struct {
	tr      transport.Transport
	timeout time.Duration
	log     *logrus.Entry

	mu         sync.Mutex
	base       string
	suffix     string
	recordType beacon.RecordType
	candidate  beacon.Record
	counter    int
	confirmed  bool
	unsub      func()
	timer      *time.Timer

	listenersMu sync.Mutex
	listeners   []Listener
}

// New creates a Prober for candidate, split at its first '.' into base
// and suffix per spec §4.4 step 1. It does not start probing; call
// Start.
func New(tr transport.Transport, candidate beacon.Record, timeout time.Duration, log *logrus.Entry) *Prober {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	base, suffix := splitFirstLabel(candidate.Name)
	return &Prober{
		tr:         tr,
		timeout:    timeout,
		log:        log,
		base:       base,
		suffix:     suffix,
		recordType: candidate.Type,
		candidate:  candidate,
		counter:    1,
	}
}

func splitFirstLabel(name string) (base, suffix string) {
	i := strings.Index(name, ".")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i:]
}

// Subscribe registers l for the NameConfirmed event.
func (p *Prober) Subscribe(l Listener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *Prober) emitConfirmed(name string) {
	p.listenersMu.Lock()
	ls := append([]Listener(nil), p.listeners...)
	p.listenersMu.Unlock()
	for _, l := range ls {
		l.NameConfirmed(name)
	}
}

// Start subscribes to the transport and sends the first probe.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	p.unsub = p.tr.Subscribe(transport.ListenerFuncs{OnMessage: func(m beacon.Message) { p.handleMessage(ctx, m) }})
	p.mu.Unlock()
	p.sendProbe(ctx)
}

// Stop cancels the in-flight probe, if any, without emitting
// NameConfirmed.
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.unsub != nil {
		p.unsub()
	}
}

func (p *Prober) proposedName() string {
	if p.counter == 1 {
		return p.base + p.suffix
	}
	return p.base + "-" + itoa(p.counter) + p.suffix
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// sendProbe broadcasts one ANY query for the proposed name carrying the
// candidate record as a known-answer/authority, and (re)arms the probe
// timeout (spec §4.4 step 3).
func (p *Prober) sendProbe(ctx context.Context) {
	p.mu.Lock()
	name := p.proposedName()
	candidate := p.candidate
	candidate.Name = name
	msg := beacon.Message{
		Queries: []beacon.Query{{Name: name, Type: beacon.TypeANY}},
		Records: []beacon.Record{candidate},
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.timeout, func() { p.onTimeout(name) })
	p.mu.Unlock()

	if err := p.tr.SendToAll(ctx, msg); err != nil {
		p.log.WithError(err).Warn("prober: failed to send probe")
	}
}

func (p *Prober) onTimeout(expectedName string) {
	p.mu.Lock()
	if p.confirmed || p.proposedName() != expectedName {
		p.mu.Unlock()
		return
	}
	p.confirmed = true
	name := expectedName
	if p.unsub != nil {
		p.unsub()
	}
	p.mu.Unlock()

	p.emitConfirmed(name)
}

func (p *Prober) handleMessage(ctx context.Context, m beacon.Message) {
	p.mu.Lock()
	if p.confirmed || !m.IsResponse {
		p.mu.Unlock()
		return
	}
	current := p.proposedName()
	restart := false
	for _, r := range m.Records {
		if r.Name == current && r.Type == p.recordType {
			p.counter++
			restart = true
			break
		}
	}
	p.mu.Unlock()

	if restart {
		p.sendProbe(ctx)
	}
}
