package prober

import (
	"context"
	"testing"
	"time"

	"github.com/lanbeacon/beacon"
	"github.com/lanbeacon/beacon/transport"
)

func srvCandidate(name string) beacon.Record {
	return beacon.Record{
		Name: name,
		Type: beacon.TypeSRV,
		TTL:  120,
		Data: beacon.SRVData{Port: 80, Target: "host.local."},
	}
}

func TestProberConfirmsWhenSilent(t *testing.T) {
	tr := transport.NewMockTransport()
	p := New(tr, srvCandidate("svc._http._tcp.local."), 10*time.Millisecond, nil)

	confirmed := make(chan string, 1)
	p.Subscribe(ListenerFunc(func(name string) { confirmed <- name }))

	p.Start(context.Background())

	select {
	case name := <-confirmed:
		if name != "svc._http._tcp.local." {
			t.Fatalf("got %q, want svc._http._tcp.local.", name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for confirmation")
	}

	broadcasts := tr.Broadcasts()
	if len(broadcasts) != 1 {
		t.Fatalf("got %d broadcasts, want 1", len(broadcasts))
	}
	if len(broadcasts[0].Queries) != 1 || broadcasts[0].Queries[0].Type != beacon.TypeANY {
		t.Fatalf("expected one ANY query, got %+v", broadcasts[0].Queries)
	}
}

func TestProberRestartsOnCollision(t *testing.T) {
	tr := transport.NewMockTransport()
	p := New(tr, srvCandidate("svc._http._tcp.local."), 20*time.Millisecond, nil)

	confirmed := make(chan string, 1)
	p.Subscribe(ListenerFunc(func(name string) { confirmed <- name }))
	p.Start(context.Background())

	tr.Deliver(beacon.Message{
		IsResponse: true,
		Records:    []beacon.Record{{Name: "svc._http._tcp.local.", Type: beacon.TypeSRV, TTL: 120, Data: beacon.SRVData{}}},
	})

	select {
	case name := <-confirmed:
		if name != "svc-2._http._tcp.local." {
			t.Fatalf("got %q, want svc-2._http._tcp.local.", name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for confirmation")
	}

	broadcasts := tr.Broadcasts()
	if len(broadcasts) != 2 {
		t.Fatalf("got %d broadcasts, want 2 (original probe + restart)", len(broadcasts))
	}
	if broadcasts[1].Queries[0].Name != "svc-2._http._tcp.local." {
		t.Fatalf("restart probe queried %q, want svc-2._http._tcp.local.", broadcasts[1].Queries[0].Name)
	}
}

func TestProberIgnoresMessagesAfterConfirmation(t *testing.T) {
	tr := transport.NewMockTransport()
	p := New(tr, srvCandidate("svc._http._tcp.local."), 10*time.Millisecond, nil)

	var confirmCount int
	done := make(chan struct{}, 1)
	p.Subscribe(ListenerFunc(func(name string) {
		confirmCount++
		done <- struct{}{}
	}))
	p.Start(context.Background())
	<-done

	tr.Deliver(beacon.Message{
		IsResponse: true,
		Records:    []beacon.Record{{Name: "svc._http._tcp.local.", Type: beacon.TypeSRV, TTL: 120, Data: beacon.SRVData{}}},
	})
	time.Sleep(30 * time.Millisecond)

	if confirmCount != 1 {
		t.Fatalf("got %d confirmations, want 1", confirmCount)
	}
}
