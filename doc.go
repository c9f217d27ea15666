// Package beacon implements Multicast DNS (mDNS) service discovery and
// advertisement per RFC 6762 / RFC 6763.
//
// The package is organized as a small core (this package holds the wire
// types and codec) surrounded by single-purpose components that each own
// one piece of the protocol:
//
//	cache      expiring record store with re-query triggers
//	hostname   probe-and-hold registration of a *.local. host name
//	prober     confirms uniqueness of a candidate record name
//	browser    aggregates PTR/SRV/TXT/A/AAAA into service events
//	resolver   maps a host name to its addresses
//	provider   advertises a service and answers queries for it
//	transport  the multicast socket adapter the components share
//	server     wires the above together into a running process
//
// Every component is constructed against a transport.Transport and,
// where it owns one, a *cache.Cache. Components exchange events through
// plain Go callback parameters rather than a framework-level bus. No
// component runs a goroutine or event loop of its own: each handler runs
// on the goroutine that delivers its event (a transport read loop, a
// time.AfterFunc timer, or the caller), and each component guards its
// state with its own mutexes, so two handlers of one component, or of
// two components, can run at the same time.
package beacon
