// Package icmpwire encodes and decodes the ICMP echo packets the latency
// prober exchanges: type/code/checksum/identifier/seq/magic-data, with the
// standard Internet one's-complement checksum.
package icmpwire

import "github.com/opoznienia/latencymon/internal/codec"

// Magic is the 32-bit payload every echo request/reply in this protocol
// carries in place of arbitrary ping data.
const Magic uint32 = 0x054BE403

// Type values this codec understands; any other type is rejected on
// decode.
const (
	TypeReply   uint8 = 0
	TypeRequest uint8 = 8
)

// Echo is a decoded (or to-be-encoded) ICMP echo packet.
type Echo struct {
	Type       uint8
	Code       uint8
	Identifier uint16
	Seq        uint16
	Data       uint32
}

func checksum(typ, code uint8, identifier, seq uint16, data uint32) uint16 {
	sum := uint32(typ)<<8 + uint32(code) + uint32(identifier) + uint32(seq)
	hi := uint16(data >> 16)
	lo := uint16(data)
	sum += uint32(hi) + uint32(lo)
	sum = (sum >> 16) + (sum & 0xFFFF)
	sum += sum >> 16
	return ^uint16(sum)
}

// Encode serialises e to the wire format, computing the checksum field.
func (e Echo) Encode() []byte {
	w := codec.NewWriter()
	w.U8(e.Type)
	w.U8(e.Code)
	w.U16(checksum(e.Type, e.Code, e.Identifier, e.Seq, e.Data))
	w.U16(e.Identifier)
	w.U16(e.Seq)
	w.U32(e.Data)
	return w.Bytes()
}

// StripIPv4Header skips the IPv4 header preceding an ICMP payload read off
// a raw socket. The low nibble of the first octet gives the header length
// in 32-bit words (IHL); that many words are skipped before the ICMP
// payload begins.
func StripIPv4Header(raw []byte) ([]byte, error) {
	r := codec.NewReader(raw)
	first, err := r.U8()
	if err != nil {
		return nil, err
	}
	ihl := first & 0x0F
	headerBytes := int(ihl) * 4
	if err := r.Skip(headerBytes - 1); err != nil {
		return nil, err
	}
	return raw[r.Pos():], nil
}

// Decode parses a raw ICMP payload (after any IPv4 header has already been
// stripped by the caller via StripIPv4Header). It accepts only
// type == REPLY, code == 0, with a valid checksum and Data == Magic, and
// requires the buffer to hold exactly one echo packet (no trailing bytes).
// Any other condition
// yields UnknownFormat, which callers are expected to drop silently.
func Decode(raw []byte) (Echo, error) {
	r := codec.NewReader(raw)

	typ, err := r.U8()
	if err != nil {
		return Echo{}, err
	}
	if typ != TypeReply {
		return Echo{}, &codec.UnknownFormat{Op: "icmpwire.Decode", Msg: "not an echo reply"}
	}
	code, err := r.U8()
	if err != nil {
		return Echo{}, err
	}
	if code != 0 {
		return Echo{}, &codec.UnknownFormat{Op: "icmpwire.Decode", Msg: "non-zero code"}
	}
	wantChecksum, err := r.U16()
	if err != nil {
		return Echo{}, err
	}
	identifier, err := r.U16()
	if err != nil {
		return Echo{}, err
	}
	seq, err := r.U16()
	if err != nil {
		return Echo{}, err
	}
	data, err := r.U32()
	if err != nil {
		return Echo{}, err
	}

	if r.Len() != 0 {
		return Echo{}, &codec.UnknownFormat{Op: "icmpwire.Decode", Msg: "trailing bytes"}
	}

	e := Echo{Type: TypeReply, Code: code, Identifier: identifier, Seq: seq, Data: data}
	if checksum(e.Type, e.Code, e.Identifier, e.Seq, e.Data) != wantChecksum {
		return Echo{}, &codec.UnknownFormat{Op: "icmpwire.Decode", Msg: "checksum mismatch"}
	}
	if e.Data != Magic {
		return Echo{}, &codec.UnknownFormat{Op: "icmpwire.Decode", Msg: "wrong magic"}
	}
	return e, nil
}
