package provider

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lanbeacon/beacon"
	"github.com/lanbeacon/beacon/hostname"
	"github.com/lanbeacon/beacon/transport"
)

func registeredHost(t *testing.T, tr *transport.MockTransport) *hostname.Registrar {
	t.Helper()
	noIfaces := func() ([]net.Interface, error) { return nil, nil }
	h := hostname.New(tr, "host", 10*time.Millisecond, time.Hour, time.Hour, noIfaces, nil)
	h.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for h.State() != hostname.StateRegistered {
		if time.Now().After(deadline) {
			t.Fatal("hostname never registered")
		}
		time.Sleep(time.Millisecond)
	}
	return h
}

func TestProviderPublishesAfterProbeConfirms(t *testing.T) {
	tr := transport.NewMockTransport()
	host := registeredHost(t, tr)

	p := New(tr, host, 120, 10*time.Millisecond, nil)
	p.Start(context.Background())

	ctx := context.Background()
	err := p.Update(ctx, beacon.Service{
		Type: "_http._tcp.local.", Name: "My Service", Port: 80, Hostname: host.CurrentName(),
		Attributes: map[string]string{"path": "/"},
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		published := false
		for _, m := range tr.Broadcasts() {
			for _, r := range m.Records {
				if m.IsResponse && r.Type == beacon.TypeSRV {
					published = true
				}
			}
		}
		if published {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service was never published")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestProviderRejectsEmptyName(t *testing.T) {
	tr := transport.NewMockTransport()
	host := registeredHost(t, tr)
	p := New(tr, host, 120, 10*time.Millisecond, nil)
	p.Start(context.Background())

	err := p.Update(context.Background(), beacon.Service{Type: "_http._tcp.local.", Name: "", Port: 80})
	if err == nil {
		t.Fatal("expected an error for an empty service name")
	}
}

func TestProviderKnownAnswerSuppression(t *testing.T) {
	tr := transport.NewMockTransport()
	host := registeredHost(t, tr)
	p := New(tr, host, 120, 10*time.Millisecond, nil)
	p.Start(context.Background())

	if err := p.Update(context.Background(), beacon.Service{
		Type: "_http._tcp.local.", Name: "svc", Port: 80, Hostname: host.CurrentName(),
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// The hostname and SRV probes are broadcast first; wait for the
	// unsolicited response that publishes the records.
	var publishedRecords []beacon.Record
	deadline := time.Now().Add(time.Second)
	for publishedRecords == nil {
		for _, m := range tr.Broadcasts() {
			if m.IsResponse {
				publishedRecords = m.Records
			}
		}
		if publishedRecords != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service was never published")
		}
		time.Sleep(time.Millisecond)
	}

	var srvRec, ptrRec beacon.Record
	for _, r := range publishedRecords {
		if r.Type == beacon.TypeSRV {
			srvRec = r
		}
		if r.Type == beacon.TypePTR && r.Name == "_http._tcp.local." {
			ptrRec = r
		}
	}

	before := len(tr.SentMessages())
	tr.Deliver(beacon.Message{
		PeerAddr: net.ParseIP("192.0.2.50"),
		PeerPort: beacon.MulticastPort,
		Queries:  []beacon.Query{{Name: ptrRec.Name, Type: beacon.TypePTR}},
		Records:  []beacon.Record{ptrRec},
	})
	time.Sleep(20 * time.Millisecond)

	sent := tr.SentMessages()
	if len(sent) != before+1 {
		t.Fatalf("got %d unicast replies, want %d", len(sent), before+1)
	}
	reply := sent[len(sent)-1]
	for _, r := range reply.Records {
		if r.Type == beacon.TypePTR {
			t.Fatalf("PTR should have been suppressed by known-answer, got %+v", reply.Records)
		}
	}
	var hasSRV bool
	for _, r := range reply.Records {
		if r.Equal(srvRec) {
			hasSRV = true
		}
	}
	if !hasSRV {
		t.Fatalf("expected SRV in the reply, got %+v", reply.Records)
	}
}
