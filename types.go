package beacon

import (
	"fmt"
	"net"
)

// RecordType is a DNS resource record type per RFC 1035 §3.2.2, extended
// with the mDNS-specific ANY pseudo-type used for probing (RFC 6762 §8.1).
type RecordType uint16

// Record types supported by this package. Anything else is out of scope
// per spec §1 and is rejected by the codec.
const (
	TypeA    RecordType = 1
	TypePTR  RecordType = 12
	TypeTXT  RecordType = 16
	TypeAAAA RecordType = 28
	TypeSRV  RecordType = 33
	TypeNSEC RecordType = 47
	TypeANY  RecordType = 255
)

func (t RecordType) String() string {
	switch t {
	case TypeA:
		return "A"
	case TypeAAAA:
		return "AAAA"
	case TypePTR:
		return "PTR"
	case TypeSRV:
		return "SRV"
	case TypeTXT:
		return "TXT"
	case TypeNSEC:
		return "NSEC"
	case TypeANY:
		return "ANY"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}

// ClassIN is the only DNS class this package ever writes or accepts.
const ClassIN = 1

// Query is a single question: a name, a record type, and whether the
// sender will accept a unicast reply (the QU bit of RFC 6762 §5.4).
type Query struct {
	Name            string
	Type            RecordType
	UnicastResponse bool
}

// SRVData is the RDATA of an SRV record per RFC 2782.
type SRVData struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

// TXTAttr is one key/value pair of a TXT record. HasValue distinguishes a
// boolean attribute ("key" alone on the wire) from an attribute whose
// value is the empty string ("key=").
type TXTAttr struct {
	Key      string
	Value    string
	HasValue bool
}

// TXTData is the RDATA of a TXT record: an ordered list of attributes.
// Order is preserved because it is observable on the wire, even though
// lookups by key are normally last-write-wins.
type TXTData struct {
	Attrs []TXTAttr
}

// Get returns the value of the named attribute and whether it was
// present at all (with or without a value).
func (t TXTData) Get(key string) (value string, hasValue bool, present bool) {
	for i := len(t.Attrs) - 1; i >= 0; i-- {
		if t.Attrs[i].Key == key {
			return t.Attrs[i].Value, t.Attrs[i].HasValue, true
		}
	}
	return "", false, false
}

// ToMap flattens the attribute list into a map, last key wins, matching
// the browser's merge semantics (spec §4.5 update_service).
func (t TXTData) ToMap() map[string]string {
	m := make(map[string]string, len(t.Attrs))
	for _, a := range t.Attrs {
		if a.HasValue {
			m[a.Key] = a.Value
		} else {
			m[a.Key] = ""
		}
	}
	return m
}

// NSECData is the RDATA of an NSEC record restricted to window block 0,
// the only block this package accepts (spec §4.1).
type NSECData struct {
	NextDomain string
	Bitmap     Bitmap
}

// RecordData is the type-specific payload of a Record. The concrete type
// is determined by Record.Type: TypeA -> IPData (IPv4 address), TypeAAAA ->
// IPData (IPv6 address), TypePTR -> PTRTarget, TypeSRV -> SRVData, TypeTXT ->
// TXTData, TypeNSEC -> NSECData.
type RecordData interface {
	isRecordData()
}

// PTRTarget is the RDATA of a PTR record: a single target name.
type PTRTarget string

func (PTRTarget) isRecordData() {}

// IPData wraps a net.IP so it satisfies RecordData for A/AAAA records.
type IPData struct {
	IP net.IP
}

func (IPData) isRecordData()   {}
func (SRVData) isRecordData()  {}
func (TXTData) isRecordData()  {}
func (NSECData) isRecordData() {}

// Record is a single resource record, discriminated by Type, with a
// type-dependent Data payload (spec §3).
type Record struct {
	Name       string
	Type       RecordType
	FlushCache bool
	TTL        uint32
	Data       RecordData
}

// Equal reports whether two records are byte-identical for the purposes
// of the cache's insertion algorithm (spec §4.2 step 1). TTL is part of
// the comparison: a record re-announced with its nominal TTL unchanged
// compares equal and simply resets its cache triggers; a record whose
// TTL has changed is a distinct entry.
func (r Record) Equal(other Record) bool {
	if r.Name != other.Name || r.Type != other.Type || r.FlushCache != other.FlushCache || r.TTL != other.TTL {
		return false
	}
	return dataEqual(r.Data, other.Data)
}

func dataEqual(a, b RecordData) bool {
	switch av := a.(type) {
	case PTRTarget:
		bv, ok := b.(PTRTarget)
		return ok && av == bv
	case IPData:
		bv, ok := b.(IPData)
		return ok && av.IP.Equal(bv.IP)
	case SRVData:
		bv, ok := b.(SRVData)
		return ok && av == bv
	case TXTData:
		bv, ok := b.(TXTData)
		if !ok || len(av.Attrs) != len(bv.Attrs) {
			return false
		}
		for i := range av.Attrs {
			if av.Attrs[i] != bv.Attrs[i] {
				return false
			}
		}
		return true
	case NSECData:
		bv, ok := b.(NSECData)
		return ok && av.NextDomain == bv.NextDomain && av.Bitmap.Equal(bv.Bitmap)
	default:
		return false
	}
}

// Message is the in-memory model of a DNS message: a decoded header plus
// the flattened question and record sections (spec §3). PeerAddr/PeerPort
// are populated by the transport from the UDP source address on receipt
// and consulted by senders to pick a unicast destination.
type Message struct {
	PeerAddr      net.IP
	PeerPort      int
	PeerZone      string
	TransactionID uint16
	IsResponse    bool
	IsTruncated   bool
	Queries       []Query
	// Records holds every resource record carried by the message,
	// flattened across the wire's answer/authority/additional sections
	// (spec §3). On a query message these double as known-answers (RFC
	// 6762 §7.1) or probe authority records (RFC 6762 §8.2); on a
	// response they are the answers themselves.
	Records []Record
}

// Service is a fully resolved service descriptor assembled by the
// browser from PTR+SRV+TXT+A/AAAA records (spec §3).
type Service struct {
	Type       string
	Name       string
	Hostname   string
	Port       uint16
	IPv4       []net.IP
	IPv6       []net.IP
	Attributes map[string]string
}

// FQDN is the fully-qualified name this service would appear under in a
// PTR answer: Name + "." + Type.
func (s Service) FQDN() string {
	return s.Name + "." + s.Type
}
