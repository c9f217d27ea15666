package browser

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lanbeacon/beacon"
	"github.com/lanbeacon/beacon/cache"
	"github.com/lanbeacon/beacon/transport"
)

func newTestBrowser(serviceType string) (*Browser, *cache.Cache, *transport.MockTransport) {
	tr := transport.NewMockTransport()
	c := cache.New(nil)
	b := New(tr, c, serviceType, time.Hour, 20*time.Millisecond, nil)
	return b, c, tr
}

func TestBrowserReportsNewService(t *testing.T) {
	b, _, tr := newTestBrowser("_http._tcp.local.")

	var added []beacon.Service
	b.Subscribe(ListenerFuncs{OnAdded: func(s beacon.Service) { added = append(added, s) }})
	b.Start(context.Background())

	tr.Deliver(beacon.Message{
		IsResponse: true,
		Records: []beacon.Record{
			{Name: "_http._tcp.local.", Type: beacon.TypePTR, TTL: 120, Data: beacon.PTRTarget("foo._http._tcp.local.")},
			{Name: "foo._http._tcp.local.", Type: beacon.TypeSRV, TTL: 120, Data: beacon.SRVData{Port: 80, Target: "host.local."}},
			{Name: "foo._http._tcp.local.", Type: beacon.TypeTXT, TTL: 120, Data: beacon.TXTData{Attrs: []beacon.TXTAttr{{Key: "path", Value: "/", HasValue: true}}}},
			{Name: "host.local.", Type: beacon.TypeA, TTL: 120, Data: beacon.IPData{IP: net.ParseIP("192.0.2.1")}},
		},
	})

	if len(added) != 1 {
		t.Fatalf("got %d service_added events, want 1", len(added))
	}
	s := added[0]
	if s.Name != "foo" || s.Type != "_http._tcp.local." || s.Hostname != "host.local." || s.Port != 80 {
		t.Fatalf("unexpected service descriptor: %+v", s)
	}
	if len(s.IPv4) != 1 || !s.IPv4[0].Equal(net.ParseIP("192.0.2.1")) {
		t.Fatalf("unexpected IPv4 set: %+v", s.IPv4)
	}
	if s.Attributes["path"] != "/" {
		t.Fatalf("unexpected attributes: %+v", s.Attributes)
	}
}

func TestBrowserIgnoresQueries(t *testing.T) {
	b, _, tr := newTestBrowser("_http._tcp.local.")

	var added int
	b.Subscribe(ListenerFuncs{OnAdded: func(beacon.Service) { added++ }})
	b.Start(context.Background())

	tr.Deliver(beacon.Message{
		IsResponse: false,
		Queries:    []beacon.Query{{Name: "_http._tcp.local.", Type: beacon.TypePTR}},
		Records: []beacon.Record{
			{Name: "_http._tcp.local.", Type: beacon.TypePTR, TTL: 120, Data: beacon.PTRTarget("foo._http._tcp.local.")},
		},
	})

	if added != 0 {
		t.Fatalf("got %d service_added events for a query message, want 0", added)
	}
}

func TestBrowserSRVExpiryRemovesService(t *testing.T) {
	b, c, tr := newTestBrowser("_http._tcp.local.")

	var removed []beacon.Service
	b.Subscribe(ListenerFuncs{OnRemoved: func(s beacon.Service) { removed = append(removed, s) }})
	b.Start(context.Background())

	tr.Deliver(beacon.Message{
		IsResponse: true,
		Records: []beacon.Record{
			{Name: "_http._tcp.local.", Type: beacon.TypePTR, TTL: 120, Data: beacon.PTRTarget("foo._http._tcp.local.")},
			{Name: "foo._http._tcp.local.", Type: beacon.TypeSRV, TTL: 120, Data: beacon.SRVData{Port: 80, Target: "host.local."}},
		},
	})

	srvRec, ok := c.LookupOne("foo._http._tcp.local.", beacon.TypeSRV)
	if !ok {
		t.Fatal("expected SRV record to be cached")
	}
	goodbye := srvRec
	goodbye.TTL = 0
	c.Insert(goodbye)

	if len(removed) != 1 {
		t.Fatalf("got %d service_removed events, want 1", len(removed))
	}
	if removed[0].Name != "foo" {
		t.Fatalf("unexpected removed service: %+v", removed[0])
	}
}

func TestBrowseAllDiscoversNewTypesAndCoalesces(t *testing.T) {
	b, _, tr := newTestBrowser(beacon.ServicesMetaQuery)
	b.Start(context.Background())

	tr.Deliver(beacon.Message{
		IsResponse: true,
		Records: []beacon.Record{
			{Name: beacon.ServicesMetaQuery, Type: beacon.TypePTR, TTL: 120, Data: beacon.PTRTarget("_http._tcp.local.")},
		},
	})

	time.Sleep(60 * time.Millisecond)

	var found bool
	for _, m := range tr.Broadcasts() {
		for _, q := range m.Queries {
			if q.Name == "_http._tcp.local." && q.Type == beacon.TypePTR {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("expected coalesced PTR query for the newly discovered type")
	}
}

func TestStripSubdomainPrefix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"_http._tcp.local.", "_http._tcp.local."},
		{"_printer._sub._http._tcp.local.", "_http._tcp.local."},
		{"._sub._http._tcp.local.", "._sub._http._tcp.local."},
	}
	for _, c := range cases {
		if got := stripSubdomainPrefix(c.in); got != c.want {
			t.Errorf("stripSubdomainPrefix(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
