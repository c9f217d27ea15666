package security

import (
	"github.com/lanbeacon/beacon"
)

// FilteringListener wraps a transport.Listener so inbound messages from
// a rate-limited source never reach the protocol core. Errors always
// pass through unfiltered.
type FilteringListener struct {
	Limiter *RateLimiter
	Next    interface {
		MessageReceived(beacon.Message)
		Error(error)
	}
}

func (f FilteringListener) MessageReceived(m beacon.Message) {
	if f.Limiter != nil && m.PeerAddr != nil && !f.Limiter.Allow(m.PeerAddr.String()) {
		return
	}
	f.Next.MessageReceived(m)
}

func (f FilteringListener) Error(err error) {
	f.Next.Error(err)
}
