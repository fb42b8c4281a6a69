package codec

import "strings"

// Name is a domain name kept in its wire representation: a sequence of
// length-prefixed labels terminated by a zero octet. Keeping the wire form
// (rather than a dotted string) end to end mirrors the original mDNS
// responder, which compares and slices names directly on the encoded bytes
// — a PTR record's parent label is checked against its owner name without
// ever round-tripping through a string.
type Name []byte

// EncodeName turns a dotted string ("a.b.c" or "a.b.c.", trailing dot
// implicit either way) into its wire representation.
func EncodeName(s string) Name {
	s = strings.TrimSuffix(s, ".")
	var res []byte
	if s != "" {
		for _, label := range strings.Split(s, ".") {
			res = append(res, byte(len(label)))
			res = append(res, label...)
		}
	}
	res = append(res, 0)
	return Name(res)
}

// String renders the wire name back to a dotted string (without a trailing
// dot).
func (n Name) String() string {
	var sb strings.Builder
	i := 0
	for i < len(n) {
		count := int(n[i])
		i++
		if count == 0 {
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		if i+count > len(n) {
			break
		}
		sb.Write(n[i : i+count])
		i += count
	}
	return sb.String()
}

// FirstLabel returns a standalone wire name holding only this name's first
// label, re-terminated with a zero octet.
func (n Name) FirstLabel() Name {
	count := int(n[0])
	res := make(Name, count+2)
	copy(res, n[:count+1])
	res[count+1] = 0
	return res
}

// WithoutFirstLabel returns the remainder of the name after dropping its
// first label — the "parent" domain.
func (n Name) WithoutFirstLabel() Name {
	prefix := int(n[0])
	res := make(Name, len(n)-prefix-1)
	copy(res, n[prefix+1:])
	return res
}

// Equal reports whether two wire names hold the same bytes.
func (n Name) Equal(other Name) bool {
	if len(n) != len(other) {
		return false
	}
	for i := range n {
		if n[i] != other[i] {
			return false
		}
	}
	return true
}

const (
	pointerMask  = 0xC0
	maxNameOctets = 255
)

func isPointer(octet byte) bool { return octet&pointerMask == pointerMask }

func pointerOffsetHigh(octet byte) byte { return octet &^ pointerMask }

// DecodeName reads a (possibly compressed) domain name from r, honouring
// compression pointers per RFC 1035 §4.1.4: a length octet with its top two
// bits set is instead a 14-bit offset, relative to the start of r's
// underlying buffer, where decoding continues. maxLength bounds the total
// number of octets consumed across the whole recursive decode (including
// pointer jumps) as a loop guard; it must not exceed 255.
func DecodeName(r *Reader, maxLength int) (Name, error) {
	var res []byte
	count := 1

	for {
		if maxLength == 0 {
			return nil, newUnknownFormat("codec.DecodeName", "name exceeds 255 octets")
		}
		b, err := r.U8()
		if err != nil {
			return nil, err
		}
		res = append(res, b)
		maxLength--

		count--
		if count == 0 {
			last := res[len(res)-1]
			if last == 0 {
				break
			}

			if isPointer(last) {
				if maxLength == 0 {
					return nil, newUnknownFormat("codec.DecodeName", "name exceeds 255 octets")
				}
				lo, err := r.U8()
				if err != nil {
					return nil, err
				}
				maxLength--
				offset := int(pointerOffsetHigh(last))<<8 | int(lo)
				res = res[:len(res)-1]

				if offset >= r.totalLen() {
					return nil, newUnknownFormat("codec.DecodeName", "compression pointer out of range")
				}

				sub := NewReader(r.Bytes())
				sub.Seek(offset)
				fromPtr, err := DecodeName(sub, maxLength)
				if err != nil {
					return nil, err
				}
				res = append(res, fromPtr...)
				break
			}

			count = int(last) + 1
		}
	}

	for i, c := range res {
		if c >= 'A' && c <= 'Z' {
			res[i] = c - 'A' + 'a'
		}
	}
	return Name(res), nil
}

func (r *Reader) totalLen() int { return len(r.buf) }
