package beacon

import (
	"encoding/binary"
	"net"
)

// header flag masks, RFC 1035 §4.1.1 / RFC 6762 §18.
const (
	flagQR = 0x8000
	flagAA = 0x0400
	flagTC = 0x0200
	// responseMask matches spec §4.1: a message is treated as a response
	// when either the QR bit or the AA bit is set. Real mDNS responders
	// always set QR; tolerating AA-only senders is a documented mDNS
	// wire-compat quirk some embedded stacks exhibit.
	responseMask = flagQR | flagAA
)

const dnsHeaderLen = 12

// ParseMessage decodes a raw UDP payload into a Message. It never
// panics: any structural problem (truncated packet, bad pointer,
// reserved length prefix, RDLENGTH overrun) is returned as a
// *DecodeError and the caller should discard the packet (spec §7).
func ParseMessage(buf []byte) (Message, error) {
	var m Message
	if len(buf) < dnsHeaderLen {
		return m, &DecodeError{Op: "parse header", Offset: 0, Msg: "packet shorter than DNS header"}
	}

	id := binary.BigEndian.Uint16(buf[0:2])
	flags := binary.BigEndian.Uint16(buf[2:4])
	qdcount := binary.BigEndian.Uint16(buf[4:6])
	ancount := binary.BigEndian.Uint16(buf[6:8])
	nscount := binary.BigEndian.Uint16(buf[8:10])
	arcount := binary.BigEndian.Uint16(buf[10:12])

	m.TransactionID = id
	m.IsResponse = flags&responseMask != 0
	m.IsTruncated = flags&flagTC != 0

	offset := dnsHeaderLen

	queries := make([]Query, 0, qdcount)
	for i := uint16(0); i < qdcount; i++ {
		var q Query
		var err error
		q.Name, offset, err = parseName(buf, offset)
		if err != nil {
			return Message{}, err
		}
		if offset+4 > len(buf) {
			return Message{}, &DecodeError{Op: "parse question", Offset: offset, Msg: "truncated question"}
		}
		q.Type = RecordType(binary.BigEndian.Uint16(buf[offset : offset+2]))
		class := binary.BigEndian.Uint16(buf[offset+2 : offset+4])
		q.UnicastResponse = class&0x8000 != 0
		if class&0x7FFF != ClassIN {
			return Message{}, &DecodeError{Op: "parse question", Offset: offset, Msg: "unsupported class"}
		}
		offset += 4
		queries = append(queries, q)
	}
	m.Queries = queries

	total := int(ancount) + int(nscount) + int(arcount)
	records := make([]Record, 0, total)
	for i := 0; i < total; i++ {
		rec, newOffset, err := parseRecord(buf, offset)
		if err != nil {
			return Message{}, err
		}
		offset = newOffset
		records = append(records, rec)
	}
	m.Records = records

	return m, nil
}

func parseRecord(buf []byte, offset int) (Record, int, error) {
	var r Record
	name, offset, err := parseName(buf, offset)
	if err != nil {
		return r, 0, err
	}
	if offset+10 > len(buf) {
		return r, 0, &DecodeError{Op: "parse record", Offset: offset, Msg: "truncated record header"}
	}
	rtype := RecordType(binary.BigEndian.Uint16(buf[offset : offset+2]))
	class := binary.BigEndian.Uint16(buf[offset+2 : offset+4])
	ttl := binary.BigEndian.Uint32(buf[offset+4 : offset+8])
	rdlength := int(binary.BigEndian.Uint16(buf[offset+8 : offset+10]))
	if class&0x7FFF != ClassIN {
		return r, 0, &DecodeError{Op: "parse record", Offset: offset, Msg: "unsupported class"}
	}
	offset += 10

	if offset+rdlength > len(buf) {
		return r, 0, &DecodeError{Op: "parse record", Offset: offset, Msg: "RDLENGTH exceeds remaining packet"}
	}
	rdata := buf[offset : offset+rdlength]
	rdataEnd := offset + rdlength

	r.Name = name
	r.Type = rtype
	r.FlushCache = class&0x8000 != 0
	r.TTL = ttl

	switch rtype {
	case TypeA:
		if len(rdata) != 4 {
			return r, 0, &DecodeError{Op: "parse A rdata", Offset: offset, Msg: "A record must be 4 bytes"}
		}
		r.Data = IPData{IP: net.IP(append([]byte(nil), rdata...))}
	case TypeAAAA:
		if len(rdata) != 16 {
			return r, 0, &DecodeError{Op: "parse AAAA rdata", Offset: offset, Msg: "AAAA record must be 16 bytes"}
		}
		r.Data = IPData{IP: net.IP(append([]byte(nil), rdata...))}
	case TypePTR:
		target, _, err := parseName(buf, offset)
		if err != nil {
			return r, 0, err
		}
		r.Data = PTRTarget(target)
	case TypeSRV:
		if len(rdata) < 6 {
			return r, 0, &DecodeError{Op: "parse SRV rdata", Offset: offset, Msg: "SRV record too short"}
		}
		srv := SRVData{
			Priority: binary.BigEndian.Uint16(rdata[0:2]),
			Weight:   binary.BigEndian.Uint16(rdata[2:4]),
			Port:     binary.BigEndian.Uint16(rdata[4:6]),
		}
		target, _, err := parseName(buf, offset+6)
		if err != nil {
			return r, 0, err
		}
		srv.Target = target
		r.Data = srv
	case TypeTXT:
		txt, err := parseTXT(rdata)
		if err != nil {
			return r, 0, err
		}
		r.Data = txt
	case TypeNSEC:
		nsec, err := parseNSEC(buf, offset, rdata)
		if err != nil {
			return r, 0, err
		}
		r.Data = nsec
	default:
		return r, 0, &DecodeError{Op: "parse record", Offset: offset, Msg: "unsupported record type " + rtype.String()}
	}

	return r, rdataEnd, nil
}

func parseTXT(rdata []byte) (TXTData, error) {
	var txt TXTData
	pos := 0
	for pos < len(rdata) {
		length := int(rdata[pos])
		pos++
		if pos+length > len(rdata) {
			return TXTData{}, &DecodeError{Op: "parse TXT rdata", Offset: pos, Msg: "TXT entry runs past RDATA"}
		}
		entry := string(rdata[pos : pos+length])
		pos += length
		if length == 0 {
			continue
		}
		if idx := indexByte(entry, '='); idx >= 0 {
			txt.Attrs = append(txt.Attrs, TXTAttr{Key: entry[:idx], Value: entry[idx+1:], HasValue: true})
		} else {
			txt.Attrs = append(txt.Attrs, TXTAttr{Key: entry, HasValue: false})
		}
	}
	return txt, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func parseNSEC(buf []byte, offset int, rdata []byte) (NSECData, error) {
	next, _, err := parseName(buf, offset)
	if err != nil {
		return NSECData{}, err
	}
	// rdata begins with the (compressed-or-not) next domain name, so
	// locate the bitmap by re-measuring the name's own wire length
	// rather than reusing the message-relative offset math above.
	nameLen, err := encodedNameLen(buf, offset)
	if err != nil {
		return NSECData{}, err
	}
	if nameLen > len(rdata) {
		return NSECData{}, &DecodeError{Op: "parse NSEC rdata", Offset: offset, Msg: "next domain name exceeds RDATA"}
	}
	window := rdata[nameLen:]
	if len(window) < 2 {
		return NSECData{}, &DecodeError{Op: "parse NSEC rdata", Offset: offset, Msg: "missing window block"}
	}
	block := window[0]
	if block != 0 {
		return NSECData{}, &DecodeError{Op: "parse NSEC rdata", Offset: offset, Msg: "only window block 0 is supported"}
	}
	bitmapLen := int(window[1])
	if 2+bitmapLen > len(window) {
		return NSECData{}, &DecodeError{Op: "parse NSEC rdata", Offset: offset, Msg: "bitmap length exceeds RDATA"}
	}
	return NSECData{NextDomain: next, Bitmap: BitmapFromBytes(window[2 : 2+bitmapLen])}, nil
}

// encodedNameLen measures how many RDATA bytes the name occupies on the
// wire starting at offset, following compression pointers but counting
// only the bytes consumed at the name's own position (a pointer counts
// as 2 bytes, a literal label counts its full length).
func encodedNameLen(buf []byte, offset int) (int, error) {
	pos := offset
	for {
		if pos >= len(buf) {
			return 0, &DecodeError{Op: "measure name", Offset: pos, Msg: "truncated name"}
		}
		lengthByte := buf[pos]
		if lengthByte&compressionMask == compressionMask {
			return pos + 2 - offset, nil
		}
		length := int(lengthByte)
		if length == 0 {
			return pos + 1 - offset, nil
		}
		pos += 1 + length
	}
}

// SerializeMessage encodes a Message into wire form. The name
// compression offset map is local to this single call: it must never be
// reused across packets (spec §9).
func SerializeMessage(m Message) ([]byte, error) {
	buf := make([]byte, dnsHeaderLen, 512)

	binary.BigEndian.PutUint16(buf[0:2], m.TransactionID)
	var flags uint16
	if m.IsResponse {
		flags |= flagQR
	}
	if m.IsTruncated {
		flags |= flagTC
	}
	binary.BigEndian.PutUint16(buf[2:4], flags)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(m.Queries)))
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(m.Records)))
	binary.BigEndian.PutUint16(buf[8:10], 0)
	binary.BigEndian.PutUint16(buf[10:12], 0)

	offsets := make(nameOffsets)

	var err error
	for _, q := range m.Queries {
		buf, err = writeName(buf, q.Name, offsets)
		if err != nil {
			return nil, err
		}
		buf = appendUint16(buf, uint16(q.Type))
		class := uint16(ClassIN)
		if q.UnicastResponse {
			class |= 0x8000
		}
		buf = appendUint16(buf, class)
	}

	for _, r := range m.Records {
		buf, err = writeRecord(buf, r, offsets)
		if err != nil {
			return nil, err
		}
	}

	return buf, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func writeRecord(buf []byte, r Record, offsets nameOffsets) ([]byte, error) {
	var err error
	buf, err = writeName(buf, r.Name, offsets)
	if err != nil {
		return nil, err
	}
	buf = appendUint16(buf, uint16(r.Type))
	class := uint16(ClassIN)
	if r.FlushCache {
		class |= 0x8000
	}
	buf = appendUint16(buf, class)
	buf = appendUint32(buf, r.TTL)

	lengthPos := len(buf)
	buf = appendUint16(buf, 0) // patched below

	rdataStart := len(buf)
	buf, err = writeRData(buf, r, offsets)
	if err != nil {
		return nil, err
	}
	rdlen := len(buf) - rdataStart
	binary.BigEndian.PutUint16(buf[lengthPos:lengthPos+2], uint16(rdlen))
	return buf, nil
}

func writeRData(buf []byte, r Record, offsets nameOffsets) ([]byte, error) {
	switch r.Type {
	case TypeA:
		ip, ok := r.Data.(IPData)
		if !ok || ip.IP.To4() == nil {
			return nil, &EncodePreconditionError{Field: "A.Data", Msg: "missing or non-IPv4 address"}
		}
		return append(buf, ip.IP.To4()...), nil
	case TypeAAAA:
		ip, ok := r.Data.(IPData)
		if !ok || ip.IP.To16() == nil || ip.IP.To4() != nil {
			return nil, &EncodePreconditionError{Field: "AAAA.Data", Msg: "missing or non-IPv6 address"}
		}
		return append(buf, ip.IP.To16()...), nil
	case TypePTR:
		target, ok := r.Data.(PTRTarget)
		if !ok {
			return nil, &EncodePreconditionError{Field: "PTR.Data", Msg: "missing target name"}
		}
		return writeName(buf, string(target), offsets)
	case TypeSRV:
		srv, ok := r.Data.(SRVData)
		if !ok {
			return nil, &EncodePreconditionError{Field: "SRV.Data", Msg: "missing SRV payload"}
		}
		buf = appendUint16(buf, srv.Priority)
		buf = appendUint16(buf, srv.Weight)
		buf = appendUint16(buf, srv.Port)
		return writeName(buf, srv.Target, offsets)
	case TypeTXT:
		txt, ok := r.Data.(TXTData)
		if !ok {
			return nil, &EncodePreconditionError{Field: "TXT.Data", Msg: "missing TXT payload"}
		}
		return writeTXT(buf, txt), nil
	case TypeNSEC:
		nsec, ok := r.Data.(NSECData)
		if !ok {
			return nil, &EncodePreconditionError{Field: "NSEC.Data", Msg: "missing NSEC payload"}
		}
		var err error
		buf, err = writeName(buf, nsec.NextDomain, offsets)
		if err != nil {
			return nil, err
		}
		buf = append(buf, 0, byte(nsec.Bitmap.Len()))
		buf = append(buf, nsec.Bitmap.Bytes()...)
		return buf, nil
	default:
		return nil, &EncodePreconditionError{Field: "Type", Msg: "unsupported record type " + r.Type.String()}
	}
}

func writeTXT(buf []byte, txt TXTData) []byte {
	if len(txt.Attrs) == 0 {
		return append(buf, 0)
	}
	for _, a := range txt.Attrs {
		entry := a.Key
		if a.HasValue {
			entry += "=" + a.Value
		}
		buf = append(buf, byte(len(entry)))
		buf = append(buf, entry...)
	}
	return buf
}
