// Package transport is the boundary adapter spec §6 describes: it
// multicasts and unicasts beacon.Message values over the network and
// hands decoded inbound messages to every subscriber. The protocol core
// never touches a socket directly — it only ever sees this interface.
package transport

import (
	"context"

	"github.com/lanbeacon/beacon"
)

// Listener receives events from a Transport. Every subscriber sees every
// message (spec §6): dispatch is fan-out, not queue semantics.
type Listener interface {
	MessageReceived(m beacon.Message)
	Error(err error)
}

// Transport is the capability every protocol component is built
// against. Implementations: UDPTransport (real multicast socket) and
// MockTransport (in-memory test double).
type Transport interface {
	// Send delivers m to the IP address, port and family recorded on
	// m.PeerAddr/m.PeerPort.
	Send(ctx context.Context, m beacon.Message) error

	// SendToAll delivers m to the mDNS multicast group of every
	// eligible interface, regardless of what m.PeerAddr/m.PeerPort say.
	SendToAll(ctx context.Context, m beacon.Message) error

	// Subscribe registers l to receive every future MessageReceived/Error
	// event. The returned func removes the subscription; calling it
	// more than once is a no-op.
	Subscribe(l Listener) (unsubscribe func())

	Close() error
}

// ListenerFuncs adapts two plain functions to the Listener interface,
// for callers that don't want to declare a named type.
type ListenerFuncs struct {
	OnMessage func(beacon.Message)
	OnError   func(error)
}

func (f ListenerFuncs) MessageReceived(m beacon.Message) {
	if f.OnMessage != nil {
		f.OnMessage(m)
	}
}

func (f ListenerFuncs) Error(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}
