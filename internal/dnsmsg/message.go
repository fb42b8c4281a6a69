// Package dnsmsg assembles and disassembles the DNS-format messages
// exchanged by the mDNS engine: twelve-octet header, questions, and the
// PTR/A answers this responder understands.
package dnsmsg

import (
	"github.com/opoznienia/latencymon/internal/codec"
)

// Record type and class constants, per RFC 1035 (and the mDNS subset of it
// this responder speaks).
const (
	TypeA   uint16 = 1
	TypePTR uint16 = 12

	ClassIN uint16 = 1
)

// Question is a single DNS question section entry. UnicastResponseRequested
// is the mDNS "QU" extension: the top bit of qclass, stripped from Class on
// decode and set back on encode.
type Question struct {
	Name                     codec.Name
	Type                     uint16
	Class                    uint16
	UnicastResponseRequested bool
}

func (q Question) encode(w *codec.Writer) {
	w.Raw(q.Name)
	w.U16(q.Type)
	class := q.Class
	if q.UnicastResponseRequested {
		class |= 1 << 15
	}
	w.U16(class)
}

func decodeQuestion(r *codec.Reader) (Question, error) {
	name, err := codec.DecodeName(r, 255)
	if err != nil {
		return Question{}, err
	}
	qtype, err := r.U16()
	if err != nil {
		return Question{}, err
	}
	qclass, err := r.U16()
	if err != nil {
		return Question{}, err
	}
	return Question{
		Name:                     name,
		Type:                     qtype,
		Class:                    qclass &^ (1 << 15),
		UnicastResponseRequested: qclass&(1<<15) != 0,
	}, nil
}

// ResourceRecord is a parsed answer: either a PTR (PTRName holds the rdata
// name, whose parent was checked against the owner name on decode) or an A
// record (Addr holds the IPv4 address),
// or any other type whose rdata was skipped on parse and is absent here.
type ResourceRecord struct {
	Name  codec.Name
	Type  uint16
	Class uint16
	TTL   uint32

	// PTRName is set when Type == TypePTR.
	PTRName codec.Name
	// Addr is set when Type == TypeA, network byte order as a uint32.
	Addr uint32
}

// PTRAnswer returns PTRName, or a WrongRRType error when Type is not PTR.
func (rr ResourceRecord) PTRAnswer() (codec.Name, error) {
	if rr.Type != TypePTR {
		return nil, &codec.WrongRRType{Want: "PTR", Got: rrTypeName(rr.Type)}
	}
	return rr.PTRName, nil
}

// Address returns Addr, or a WrongRRType error when Type is not A.
func (rr ResourceRecord) Address() (uint32, error) {
	if rr.Type != TypeA {
		return 0, &codec.WrongRRType{Want: "A", Got: rrTypeName(rr.Type)}
	}
	return rr.Addr, nil
}

func rrTypeName(t uint16) string {
	switch t {
	case TypeA:
		return "A"
	case TypePTR:
		return "PTR"
	default:
		return "unsupported"
	}
}

func (rr ResourceRecord) encode(w *codec.Writer) {
	w.Raw(rr.Name)
	w.U16(rr.Type)
	w.U16(rr.Class &^ (1 << 15))
	w.U32(rr.TTL)
	switch rr.Type {
	case TypePTR:
		w.U16(uint16(len(rr.PTRName)))
		w.Raw(rr.PTRName)
	case TypeA:
		w.U16(4)
		w.U32(rr.Addr)
	default:
		w.U16(0)
	}
}

func decodeResourceRecord(r *codec.Reader) (ResourceRecord, error) {
	name, err := codec.DecodeName(r, 255)
	if err != nil {
		return ResourceRecord{}, err
	}
	rrtype, err := r.U16()
	if err != nil {
		return ResourceRecord{}, err
	}
	rrclass, err := r.U16()
	if err != nil {
		return ResourceRecord{}, err
	}
	ttl, err := r.U32()
	if err != nil {
		return ResourceRecord{}, err
	}
	rdlength, err := r.U16()
	if err != nil {
		return ResourceRecord{}, err
	}

	rr := ResourceRecord{Name: name, Type: rrtype, Class: rrclass &^ (1 << 15), TTL: ttl}

	switch rrtype {
	case TypePTR:
		ptrName, err := codec.DecodeName(r, 255)
		if err != nil {
			return ResourceRecord{}, err
		}
		if !ptrName.WithoutFirstLabel().Equal(name) {
			return ResourceRecord{}, &codec.UnknownFormat{
				Op:  "dnsmsg.decodeResourceRecord",
				Msg: "PTR rdata parent does not match owner name",
			}
		}
		rr.PTRName = ptrName
	case TypeA:
		if rdlength != 4 {
			return ResourceRecord{}, &codec.UnknownFormat{
				Op:  "dnsmsg.decodeResourceRecord",
				Msg: "A record rdlength != 4",
			}
		}
		addr, err := r.U32()
		if err != nil {
			return ResourceRecord{}, err
		}
		rr.Addr = addr
	default:
		if err := r.Skip(int(rdlength)); err != nil {
			return ResourceRecord{}, err
		}
	}

	return rr, nil
}

// NewPTRAnswer builds a PTR resource record; ptrName must be name with one
// extra leading label for decodeResourceRecord's own validation to accept
// it on the far end (callers build these directly, so
// the invariant is enforced by construction, not re-checked here).
func NewPTRAnswer(name, ptrName codec.Name, class uint16, ttl uint32) ResourceRecord {
	return ResourceRecord{Name: name, Type: TypePTR, Class: class, TTL: ttl, PTRName: ptrName}
}

// NewAAnswer builds an A resource record.
func NewAAnswer(name codec.Name, addr uint32, class uint16, ttl uint32) ResourceRecord {
	return ResourceRecord{Name: name, Type: TypeA, Class: class, TTL: ttl, Addr: addr}
}

// Header carries the flag fields decomposed out of the 16-bit flags word.
type Header struct {
	ID     uint16
	QR     bool
	Opcode uint8
	AA     bool
	TC     bool
	RD     bool
	RA     bool
	Z      uint8
	RCode  uint8
}

// Message is a fully decoded (or to-be-encoded) DNS packet. Name server and
// additional records are read and discarded on parse; they are never
// represented here and never emitted.
type Message struct {
	Header    Header
	Questions []Question
	Answers   []ResourceRecord
}

// AddQuestion appends a question.
func (m *Message) AddQuestion(q Question) { m.Questions = append(m.Questions, q) }

// AddAnswer appends an answer.
func (m *Message) AddAnswer(rr ResourceRecord) { m.Answers = append(m.Answers, rr) }

func encodeFlags(h Header) uint16 {
	var v uint16
	if h.QR {
		v |= 1 << 15
	}
	v |= uint16(h.Opcode&0x0F) << 11
	if h.AA {
		v |= 1 << 10
	}
	if h.TC {
		v |= 1 << 9
	}
	if h.RD {
		v |= 1 << 8
	}
	if h.RA {
		v |= 1 << 7
	}
	v |= uint16(h.Z&0x07) << 4
	v |= uint16(h.RCode & 0x0F)
	return v
}

func decodeFlags(v uint16) Header {
	return Header{
		QR:     v&(1<<15) != 0,
		Opcode: uint8((v >> 11) & 0x0F),
		AA:     v&(1<<10) != 0,
		TC:     v&(1<<9) != 0,
		RD:     v&(1<<8) != 0,
		RA:     v&(1<<7) != 0,
		Z:      uint8((v >> 4) & 0x07),
		RCode:  uint8(v & 0x0F),
	}
}

// Serialize assembles the wire-format packet. Compression pointers are
// never emitted; every name is written in full.
func (m *Message) Serialize() []byte {
	w := codec.NewWriter()
	w.U16(m.Header.ID)
	w.U16(encodeFlags(m.Header))
	w.U16(uint16(len(m.Questions)))
	w.U16(uint16(len(m.Answers)))
	w.U16(0) // nscount
	w.U16(0) // arcount
	for _, q := range m.Questions {
		q.encode(w)
	}
	for _, a := range m.Answers {
		a.encode(w)
	}
	return w.Bytes()
}

// Parse decodes a raw packet. Trailing or missing octets (relative to the
// header's declared counts) are an UnknownFormat error, as is any malformed
// name, question, or record along the way. Name-server and additional
// records are parsed (to advance the cursor correctly) and discarded.
func Parse(raw []byte) (*Message, error) {
	r := codec.NewReader(raw)

	id, err := r.U16()
	if err != nil {
		return nil, err
	}
	flags, err := r.U16()
	if err != nil {
		return nil, err
	}
	qdCount, err := r.U16()
	if err != nil {
		return nil, err
	}
	anCount, err := r.U16()
	if err != nil {
		return nil, err
	}
	nsCount, err := r.U16()
	if err != nil {
		return nil, err
	}
	arCount, err := r.U16()
	if err != nil {
		return nil, err
	}

	m := &Message{Header: decodeFlags(flags)}
	m.Header.ID = id

	for i := 0; i < int(qdCount); i++ {
		q, err := decodeQuestion(r)
		if err != nil {
			return nil, err
		}
		m.Questions = append(m.Questions, q)
	}

	for i := 0; i < int(anCount); i++ {
		rr, err := decodeResourceRecord(r)
		if err != nil {
			return nil, err
		}
		m.Answers = append(m.Answers, rr)
	}

	for i := 0; i < int(nsCount)+int(arCount); i++ {
		if _, err := decodeResourceRecord(r); err != nil {
			return nil, err
		}
	}

	if r.Len() != 0 {
		return nil, &codec.UnknownFormat{Op: "dnsmsg.Parse", Msg: "trailing bytes after declared records"}
	}

	return m, nil
}
