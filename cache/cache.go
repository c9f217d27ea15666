// Package cache implements the expiring record store described in spec
// §3/§4.2: records are inserted with a TTL, accrue a schedule of
// re-query and expiry triggers, and are looked up by name/type with mDNS
// suffix-match semantics.
package cache

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lanbeacon/beacon"
)

// triggerFractions are the fractions of TTL at which a cache entry fires
// a re-query signal, per spec §3. The final fraction (1.00) is expiry,
// not a re-query.
var triggerFractions = [5]float64{0.50, 0.85, 0.90, 0.95, 1.00}

// maxJitter is the upper bound of the per-entry jitter added uniformly
// to every trigger of that entry, per spec §3/§6.
const maxJitter = 20 * time.Millisecond

// Listener receives cache lifecycle events. should_query fires once per
// tick when at least one but not all of an entry's triggers have
// elapsed; expired fires when the final trigger elapses or TTL=0 arrives
// for a matching name+type.
type Listener interface {
	ShouldQuery(r beacon.Record)
	Expired(r beacon.Record)
}

// ListenerFuncs adapts two functions to the Listener interface.
type ListenerFuncs struct {
	OnShouldQuery func(beacon.Record)
	OnExpired     func(beacon.Record)
}

func (f ListenerFuncs) ShouldQuery(r beacon.Record) {
	if f.OnShouldQuery != nil {
		f.OnShouldQuery(r)
	}
}

func (f ListenerFuncs) Expired(r beacon.Record) {
	if f.OnExpired != nil {
		f.OnExpired(r)
	}
}

type entry struct {
	record   beacon.Record
	triggers []time.Time
}

// Cache is an expiring record store. The zero value is not usable; call
// New. A Cache may be shared between a browser and a resolver (spec §9):
// both operate through the same mutex-serialized API, so no external
// synchronization is required.
type Cache struct {
	mu       sync.Mutex
	entries  []*entry
	timer    *time.Timer
	nextWake time.Time
	now      func() time.Time
	rng      *rand.Rand
	rngMu    sync.Mutex
	log      *logrus.Entry

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// New creates an empty cache. log may be nil.
func New(log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Cache{
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		log:       log,
		listeners: make(map[int]Listener),
	}
	return c
}

// Subscribe registers l for ShouldQuery/Expired events.
func (c *Cache) Subscribe(l Listener) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.listeners, id)
			c.listenersMu.Unlock()
		})
	}
}

func (c *Cache) snapshotListeners() []Listener {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	return ls
}

func (c *Cache) emitShouldQuery(r beacon.Record) {
	for _, l := range c.snapshotListeners() {
		l.ShouldQuery(r)
	}
}

func (c *Cache) emitExpired(r beacon.Record) {
	for _, l := range c.snapshotListeners() {
		l.Expired(r)
	}
}

// Insert applies spec §4.2's insertion algorithm: any entry byte-equal
// to r is removed (resetting its schedule); if r.FlushCache is set or
// r.TTL is 0, any entry with the same name+type is also removed; if r.TTL
// is 0 the removed entries are announced as expired and nothing is
// inserted; otherwise r is appended with a fresh, jittered trigger
// schedule.
func (c *Cache) Insert(r beacon.Record) {
	c.mu.Lock()

	var removed []*entry
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.record.Equal(r) || ((r.FlushCache || r.TTL == 0) && e.record.Name == r.Name && e.record.Type == r.Type) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept

	if r.TTL == 0 {
		c.mu.Unlock()
		for _, e := range removed {
			c.emitExpired(e.record)
		}
		return
	}

	jitter := c.jitter()
	triggers := make([]time.Time, len(triggerFractions))
	base := c.now()
	for i, frac := range triggerFractions {
		triggers[i] = base.Add(time.Duration(frac*float64(r.TTL)*float64(time.Second)) + jitter)
	}
	newEntry := &entry{record: r, triggers: triggers}
	c.entries = append(c.entries, newEntry)

	earliest := triggers[0]
	needsReschedule := c.nextWake.IsZero() || earliest.Before(c.nextWake)
	c.mu.Unlock()

	if needsReschedule {
		c.reschedule()
	}
}

func (c *Cache) jitter() time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return time.Duration(c.rng.Int63n(int64(maxJitter) + 1))
}

// LookupOne returns the first cached record matching name and rtype, if
// any. rtype == beacon.TypeANY matches any record type.
func (c *Cache) LookupOne(name string, rtype beacon.RecordType) (beacon.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if matches(e.record, name, rtype) {
			return e.record, true
		}
	}
	return beacon.Record{}, false
}

// LookupAll returns every cached record matching name and rtype.
func (c *Cache) LookupAll(name string, rtype beacon.RecordType) []beacon.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []beacon.Record
	for _, e := range c.entries {
		if matches(e.record, name, rtype) {
			out = append(out, e.record)
		}
	}
	return out
}

// matches implements spec §4.2's name-match semantics: a query name
// matches an entry whose name ends with it (case-sensitive suffix
// match), and the empty query name matches every entry.
func matches(r beacon.Record, name string, rtype beacon.RecordType) bool {
	if rtype != beacon.TypeANY && r.Type != rtype {
		return false
	}
	if name == "" {
		return true
	}
	return strings.HasSuffix(r.Name, name)
}

// NextWake returns the earliest scheduled trigger across every cached
// entry, the zero Time if nothing is scheduled. Exposed for the
// "earliest trigger equals next scheduled wake" invariant (spec §8).
func (c *Cache) NextWake() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextWake
}

// Len returns the number of cached entries, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// reschedule arms the cache's single timer to fire at the earliest
// trigger across all entries, stopping it if there is nothing left to
// wait for.
func (c *Cache) reschedule() {
	c.mu.Lock()
	var earliest time.Time
	for _, e := range c.entries {
		if len(e.triggers) == 0 {
			continue
		}
		if earliest.IsZero() || e.triggers[0].Before(earliest) {
			earliest = e.triggers[0]
		}
	}
	c.nextWake = earliest

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if earliest.IsZero() {
		c.mu.Unlock()
		return
	}
	delay := earliest.Sub(c.now())
	if delay < 0 {
		delay = 0
	}
	c.timer = time.AfterFunc(delay, c.tick)
	c.mu.Unlock()
}

// tick is spec §4.2's scheduled-wake procedure: pop every elapsed
// leading trigger from every entry, announce should_query for entries
// that still have triggers left and expired for entries that don't,
// then reschedule for whatever is left.
func (c *Cache) tick() {
	c.mu.Lock()
	now := c.now()

	type outcome struct {
		record      beacon.Record
		shouldQuery bool
		expired     bool
	}
	var outcomes []outcome

	kept := c.entries[:0]
	for _, e := range c.entries {
		popped := 0
		for len(e.triggers) > 0 && !e.triggers[0].After(now) {
			e.triggers = e.triggers[1:]
			popped++
		}
		switch {
		case popped == 0:
			kept = append(kept, e)
		case len(e.triggers) > 0:
			outcomes = append(outcomes, outcome{record: e.record, shouldQuery: true})
			kept = append(kept, e)
		default:
			outcomes = append(outcomes, outcome{record: e.record, expired: true})
		}
	}
	c.entries = kept
	c.mu.Unlock()

	for _, o := range outcomes {
		if o.shouldQuery {
			c.emitShouldQuery(o.record)
		} else {
			c.emitExpired(o.record)
		}
	}

	c.reschedule()
}

// Close stops the cache's scheduler timer. Safe to call on an already
// stopped cache.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
