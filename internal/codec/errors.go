// Package codec implements the big-endian byte cursor and domain-name
// wire codec shared by the DNS message and ICMP echo layers.
package codec

import "fmt"

// UnknownFormat is the single error family raised by every decoder in this
// repository's wire-format packages: a cursor read past the buffer end, a
// compression pointer out of range, a mismatched record count, a bad ICMP
// checksum or magic, a PTR whose parent label disagrees with its owner name.
// Decoders are pure: on UnknownFormat they have mutated nothing.
type UnknownFormat struct {
	Op  string
	Msg string
}

func (e *UnknownFormat) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: unknown format", e.Op)
	}
	return fmt.Sprintf("%s: unknown format: %s", e.Op, e.Msg)
}

// errUnknownFormat is a marker sentinel usable with errors.Is; UnknownFormat
// values do not wrap it, so comparisons go through Is below instead.
var errUnknownFormat = &UnknownFormat{}

// Is reports true for any *UnknownFormat, regardless of Op/Msg, so callers
// can write errors.Is(err, codec.ErrUnknownFormat) without caring about the
// specific offending field.
func (e *UnknownFormat) Is(target error) bool {
	_, ok := target.(*UnknownFormat)
	return ok
}

// ErrUnknownFormat is the sentinel to compare against with errors.Is.
var ErrUnknownFormat error = errUnknownFormat

func newUnknownFormat(op, msg string) error {
	return &UnknownFormat{Op: op, Msg: msg}
}

// WrongRRType is a programmer-contract violation — asking a resource record
// for data of a type it does not hold. It is never raised by wire decoding;
// tests assert on it directly rather than on a panic.
type WrongRRType struct {
	Want, Got string
}

func (e *WrongRRType) Error() string {
	return fmt.Sprintf("wrong resource record type: want %s, got %s", e.Want, e.Got)
}
