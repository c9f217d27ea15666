package beacon

import "net"

// MulticastPort is the mDNS port, fixed by RFC 6762 §5.
const MulticastPort = 5353

// MulticastIPv4 is the mDNS IPv4 group address, RFC 6762 §5.
var MulticastIPv4 = net.ParseIP("224.0.0.251")

// MulticastIPv6 is the mDNS IPv6 group address, RFC 6762 §5.
var MulticastIPv6 = net.ParseIP("ff02::fb")

// ServicesMetaQuery is the special name used to enumerate every service
// type present on the link, RFC 6763 §9.
const ServicesMetaQuery = "_services._dns-sd._udp.local."

// NewReply builds the empty envelope of a response to a received
// message m, per spec §4.8: the transaction ID and port are copied from
// m, and the destination is the mDNS multicast address of m's IP family
// unless m arrived from a legacy unicast querier on a non-mDNS port, in
// which case the reply goes straight back to the sender.
func NewReply(m Message) Message {
	reply := Message{
		TransactionID: m.TransactionID,
		IsResponse:    true,
		PeerPort:      m.PeerPort,
	}
	if m.PeerPort == MulticastPort {
		if m.PeerAddr.To4() != nil {
			reply.PeerAddr = MulticastIPv4
		} else {
			reply.PeerAddr = MulticastIPv6
			reply.PeerZone = m.PeerZone
		}
	} else {
		reply.PeerAddr = m.PeerAddr
		reply.PeerZone = m.PeerZone
	}
	return reply
}
