package dnsmsg_test

import (
	"testing"

	"github.com/opoznienia/latencymon/internal/codec"
	"github.com/opoznienia/latencymon/internal/dnsmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSerializeRoundTrip(t *testing.T) {
	msg := &dnsmsg.Message{
		Header: dnsmsg.Header{ID: 0x1234, QR: true, RD: true},
	}
	name := codec.EncodeName("_opoznienia._udp.local")
	ptr := codec.EncodeName("y._opoznienia._udp.local")
	msg.AddAnswer(dnsmsg.NewPTRAnswer(name, ptr, dnsmsg.ClassIN, 4500))

	raw := msg.Serialize()
	parsed, err := dnsmsg.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, msg.Header.ID, parsed.Header.ID)
	assert.True(t, parsed.Header.QR)
	assert.True(t, parsed.Header.RD)
	require.Len(t, parsed.Answers, 1)
	ptrAnswer, err := parsed.Answers[0].PTRAnswer()
	require.NoError(t, err)
	assert.Equal(t, "y._opoznienia._udp.local", ptrAnswer.String())
}

func TestQuestionUnicastBitRoundTrips(t *testing.T) {
	msg := &dnsmsg.Message{Header: dnsmsg.Header{ID: 1}}
	msg.AddQuestion(dnsmsg.Question{
		Name:                     codec.EncodeName("_opoznienia._udp.local"),
		Type:                     dnsmsg.TypePTR,
		Class:                    dnsmsg.ClassIN,
		UnicastResponseRequested: true,
	})

	parsed, err := dnsmsg.Parse(msg.Serialize())
	require.NoError(t, err)
	require.Len(t, parsed.Questions, 1)
	assert.True(t, parsed.Questions[0].UnicastResponseRequested)
	assert.Equal(t, dnsmsg.ClassIN, parsed.Questions[0].Class)
}

func TestParseRejectsTrailingBytes(t *testing.T) {
	msg := &dnsmsg.Message{Header: dnsmsg.Header{ID: 1}}
	raw := append(msg.Serialize(), 0xFF)
	_, err := dnsmsg.Parse(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, codec.ErrUnknownFormat)
}

func TestParseRejectsMismatchedCounts(t *testing.T) {
	msg := &dnsmsg.Message{Header: dnsmsg.Header{ID: 1}}
	raw := msg.Serialize()
	// declare one question the packet does not actually contain
	raw[4] = 0
	raw[5] = 1
	_, err := dnsmsg.Parse(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, codec.ErrUnknownFormat)
}

func TestPTRAnswerRejectsMismatchedParent(t *testing.T) {
	w := codec.NewWriter()
	w.U16(1)    // id
	w.U16(0)    // flags
	w.U16(0)    // qd
	w.U16(1)    // an
	w.U16(0)
	w.U16(0)

	owner := codec.EncodeName("_opoznienia._udp.local")
	w.Raw(owner)
	w.U16(dnsmsg.TypePTR)
	w.U16(dnsmsg.ClassIN)
	w.U32(4500)
	wrongPTR := codec.EncodeName("y._ssh._tcp.local")
	w.U16(uint16(len(wrongPTR)))
	w.Raw(wrongPTR)

	_, err := dnsmsg.Parse(w.Bytes())
	require.Error(t, err)
	assert.ErrorIs(t, err, codec.ErrUnknownFormat)
}

func TestAnswerWrongRRTypeAccessors(t *testing.T) {
	rr := dnsmsg.NewAAnswer(codec.EncodeName("y.local"), 0x01020304, dnsmsg.ClassIN, 120)
	_, err := rr.PTRAnswer()
	require.Error(t, err)

	addr, err := rr.Address()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), addr)
}

func TestOpcodeAndRCodeBitPositions(t *testing.T) {
	// flags word: QR=1 opcode=0b0101 AA=1 TC=0 RD=1 RA=0 Z=0b011 RCODE=0b1001
	var flags uint16
	flags |= 1 << 15
	flags |= 0b0101 << 11
	flags |= 1 << 10
	flags |= 1 << 8
	flags |= 0b011 << 4
	flags |= 0b1001

	w := codec.NewWriter()
	w.U16(0)
	w.U16(flags)
	w.U16(0)
	w.U16(0)
	w.U16(0)
	w.U16(0)

	parsed, err := dnsmsg.Parse(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint8(0b0101), parsed.Header.Opcode)
	assert.Equal(t, uint8(0b1001), parsed.Header.RCode)
	assert.True(t, parsed.Header.QR)
	assert.True(t, parsed.Header.AA)
	assert.False(t, parsed.Header.TC)
	assert.True(t, parsed.Header.RD)
	assert.False(t, parsed.Header.RA)
	assert.Equal(t, uint8(0b011), parsed.Header.Z)
}
