package cache

import (
	"testing"
	"time"

	"github.com/lanbeacon/beacon"
)

func aRecord(name string, ttl uint32) beacon.Record {
	return beacon.Record{
		Name: name,
		Type: beacon.TypeA,
		TTL:  ttl,
		Data: beacon.IPData{IP: []byte{192, 168, 1, 1}},
	}
}

func TestInsertAndLookupOne(t *testing.T) {
	c := New(nil)
	r := aRecord("host.local.", 120)
	c.Insert(r)

	got, ok := c.LookupOne("host.local.", beacon.TypeA)
	if !ok {
		t.Fatal("expected a hit")
	}
	if !got.Equal(r) {
		t.Fatalf("got %+v, want %+v", got, r)
	}
}

func TestLookupSuffixMatch(t *testing.T) {
	c := New(nil)
	c.Insert(aRecord("myhost.local.", 120))

	if _, ok := c.LookupOne("local.", beacon.TypeA); !ok {
		t.Fatal("suffix query should match")
	}
	if _, ok := c.LookupOne("other.local.", beacon.TypeA); ok {
		t.Fatal("non-suffix query should not match")
	}
}

func TestLookupEmptyNameMatchesEverything(t *testing.T) {
	c := New(nil)
	c.Insert(aRecord("a.local.", 120))
	c.Insert(aRecord("b.local.", 120))

	all := c.LookupAll("", beacon.TypeANY)
	if len(all) != 2 {
		t.Fatalf("got %d records, want 2", len(all))
	}
}

func TestLookupTypeANYMatchesAnyType(t *testing.T) {
	c := New(nil)
	c.Insert(aRecord("host.local.", 120))
	c.Insert(beacon.Record{
		Name: "host.local.",
		Type: beacon.TypePTR,
		TTL:  120,
		Data: beacon.PTRTarget("svc.local."),
	})

	all := c.LookupAll("host.local.", beacon.TypeANY)
	if len(all) != 2 {
		t.Fatalf("got %d records, want 2", len(all))
	}
}

func TestInsertDedupesByteEqualRecord(t *testing.T) {
	c := New(nil)
	r := aRecord("host.local.", 120)
	c.Insert(r)
	c.Insert(r)

	if c.Len() != 1 {
		t.Fatalf("got %d entries, want 1", c.Len())
	}
}

func TestInsertFlushCacheReplacesSameNameType(t *testing.T) {
	c := New(nil)
	c.Insert(aRecord("host.local.", 120))

	flushed := aRecord("host.local.", 120)
	flushed.Data = beacon.IPData{IP: []byte{10, 0, 0, 1}}
	flushed.FlushCache = true
	c.Insert(flushed)

	all := c.LookupAll("host.local.", beacon.TypeA)
	if len(all) != 1 {
		t.Fatalf("got %d entries after flush, want 1", len(all))
	}
	if !all[0].Equal(flushed) {
		t.Fatalf("got %+v, want flushed record %+v", all[0], flushed)
	}
}

func TestInsertWithoutFlushCacheKeepsBothRecords(t *testing.T) {
	c := New(nil)
	c.Insert(aRecord("host.local.", 120))

	other := aRecord("host.local.", 120)
	other.Data = beacon.IPData{IP: []byte{10, 0, 0, 1}}
	c.Insert(other)

	if c.Len() != 2 {
		t.Fatalf("got %d entries, want 2", c.Len())
	}
}

func TestTTLZeroExpiresMatchingEntryImmediately(t *testing.T) {
	c := New(nil)
	r := aRecord("host.local.", 120)
	c.Insert(r)

	var expired []beacon.Record
	c.Subscribe(ListenerFuncs{OnExpired: func(rec beacon.Record) {
		expired = append(expired, rec)
	}})

	goodbye := r
	goodbye.TTL = 0
	c.Insert(goodbye)

	if c.Len() != 0 {
		t.Fatalf("got %d entries, want 0 after TTL=0", c.Len())
	}
	if len(expired) != 1 {
		t.Fatalf("got %d expired callbacks, want 1", len(expired))
	}
}

func TestTriggersFireInOrder(t *testing.T) {
	c := New(nil)
	start := time.Now()
	c.now = func() time.Time { return start }

	r := aRecord("host.local.", 100)
	c.Insert(r)

	if c.NextWake().IsZero() {
		t.Fatal("expected a scheduled wake after insert")
	}

	var queried, expired int
	c.Subscribe(ListenerFuncs{
		OnShouldQuery: func(beacon.Record) { queried++ },
		OnExpired:     func(beacon.Record) { expired++ },
	})

	// Advance past the first four triggers (0.50, 0.85, 0.90, 0.95 of the
	// 100s TTL, plus at most 20ms jitter) one at a time; each should fire
	// exactly one should_query.
	base := start
	for _, elapsed := range []time.Duration{51 * time.Second, 86 * time.Second, 91 * time.Second, 96 * time.Second} {
		start = base.Add(elapsed)
		c.tick()
	}
	if queried != 4 {
		t.Fatalf("got %d should_query callbacks, want 4", queried)
	}
	if expired != 0 {
		t.Fatalf("got %d expired callbacks before TTL elapsed, want 0", expired)
	}

	// Advance past the final (1.00) trigger: entry must expire and be removed.
	start = base.Add(101 * time.Second)
	c.tick()
	if expired != 1 {
		t.Fatalf("got %d expired callbacks, want 1", expired)
	}
	if c.Len() != 0 {
		t.Fatalf("got %d entries after expiry, want 0", c.Len())
	}
}

func TestNextWakeMatchesEarliestTrigger(t *testing.T) {
	c := New(nil)
	start := time.Now()
	c.now = func() time.Time { return start }

	c.Insert(aRecord("slow.local.", 1000))
	firstWake := c.NextWake()

	c.Insert(aRecord("fast.local.", 10))
	secondWake := c.NextWake()

	if !secondWake.Before(firstWake) {
		t.Fatalf("inserting a shorter-TTL record should pull the wake earlier: got %v, want before %v", secondWake, firstWake)
	}
}
