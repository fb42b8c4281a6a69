package mdns

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/opoznienia/latencymon/internal/codec"
	"github.com/opoznienia/latencymon/internal/dnsmsg"
	"github.com/opoznienia/latencymon/internal/latency"
	"github.com/opoznienia/latencymon/internal/randsrc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HostnameOverride = "box"
	e := NewEngine(cfg, latency.NewStore(), randsrc.Fixed(5))
	require.Equal(t, "box", e.hostname)
	return e
}

func TestIgnoreQuestion_UnsupportedType(t *testing.T) {
	e := testEngine(t)
	q := dnsmsg.Question{Name: opoznieniaServiceName(), Type: 5, Class: dnsmsg.ClassIN}
	assert.True(t, e.ignoreQuestion(q, "box"))
}

func TestIgnoreQuestion_WrongClass(t *testing.T) {
	e := testEngine(t)
	q := dnsmsg.Question{Name: opoznieniaServiceName(), Type: dnsmsg.TypePTR, Class: 3}
	assert.True(t, e.ignoreQuestion(q, "box"))
}

func TestIgnoreQuestion_TCPGatedWhenDisabled(t *testing.T) {
	e := testEngine(t)
	e.cfg.AdvertiseTCP = false

	q1 := dnsmsg.Question{Name: tcpServiceName(), Type: dnsmsg.TypePTR, Class: dnsmsg.ClassIN}
	assert.True(t, e.ignoreQuestion(q1, "box"))

	q2 := dnsmsg.Question{Name: hostServiceName("box", tcpService), Type: dnsmsg.TypeA, Class: dnsmsg.ClassIN}
	assert.True(t, e.ignoreQuestion(q2, "box"))

	q3 := dnsmsg.Question{Name: opoznieniaServiceName(), Type: dnsmsg.TypePTR, Class: dnsmsg.ClassIN}
	assert.False(t, e.ignoreQuestion(q3, "box"))
}

func TestIgnoreQuestion_TCPAllowedWhenEnabled(t *testing.T) {
	e := testEngine(t)
	e.cfg.AdvertiseTCP = true
	q := dnsmsg.Question{Name: tcpServiceName(), Type: dnsmsg.TypePTR, Class: dnsmsg.ClassIN}
	assert.False(t, e.ignoreQuestion(q, "box"))
}

func TestIgnorePacket(t *testing.T) {
	e := testEngine(t)
	assert.True(t, e.ignorePacket(&dnsmsg.Message{Header: dnsmsg.Header{Opcode: 1}}))
	assert.True(t, e.ignorePacket(&dnsmsg.Message{Header: dnsmsg.Header{RCode: 2}}))
	assert.False(t, e.ignorePacket(&dnsmsg.Message{}))
}

func TestGeneratePTRAnswer(t *testing.T) {
	e := testEngine(t)
	q := dnsmsg.Question{Name: opoznieniaServiceName(), Type: dnsmsg.TypePTR, Class: dnsmsg.ClassIN}

	rr, ok := e.generatePTRAnswer(q, "box")
	require.True(t, ok)

	ptr, err := rr.PTRAnswer()
	require.NoError(t, err)
	assert.Equal(t, "box._opoznienia._udp.local", ptr.String())
}

func TestGeneratePTRAnswer_UnknownService(t *testing.T) {
	e := testEngine(t)
	q := dnsmsg.Question{Name: codec.EncodeName("_other._tcp.local"), Type: dnsmsg.TypePTR, Class: dnsmsg.ClassIN}
	_, ok := e.generatePTRAnswer(q, "box")
	assert.False(t, ok)
}

func TestAddKnownHostAndIsHostKnown(t *testing.T) {
	e := testEngine(t)
	name := hostServiceName("peer1", opoznieniaService)

	assert.False(t, e.isHostKnown(name))
	e.addKnownHost(name, time.Minute)
	assert.True(t, e.isHostKnown(name))
}

func TestHandlePTRResponse_UnsupportedServiceIgnored(t *testing.T) {
	e := testEngine(t)
	ptr := codec.EncodeName("peer1._other._tcp.local")
	rr := dnsmsg.NewPTRAnswer(codec.EncodeName("_other._tcp.local"), ptr, dnsmsg.ClassIN, 100)

	e.handlePTRResponse(rr)
	assert.False(t, e.isHostKnown(ptr))
}

func TestHandlePTRResponse_KnownAfterSupported(t *testing.T) {
	e := testEngine(t)
	e.sendRaw = func(b []byte, dst *net.UDPAddr) {}
	ptr := hostServiceName("peer1", opoznieniaService)
	rr := dnsmsg.NewPTRAnswer(opoznieniaServiceName(), ptr, dnsmsg.ClassIN, 100)

	e.handlePTRResponse(rr)
	assert.True(t, e.isHostKnown(ptr))
}

func TestHandleAResponse_UnknownHostIgnored(t *testing.T) {
	e := testEngine(t)
	name := hostServiceName("peer1", opoznieniaService)
	rr := dnsmsg.NewAAnswer(name, 0x01020304, dnsmsg.ClassIN, 100)

	e.handleAResponse(rr)
	assert.Empty(t, e.store.GetAll())
}

func TestHandleAResponse_KnownHostRecordsLatencyAvailability(t *testing.T) {
	e := testEngine(t)
	name := hostServiceName("peer1", opoznieniaService)
	e.addKnownHost(name, time.Minute)

	rr := dnsmsg.NewAAnswer(name, 0x01020304, dnsmsg.ClassIN, 100)
	e.handleAResponse(rr)

	all := e.store.GetAll()
	require.Len(t, all, 1)
	assert.True(t, all[0].Host.IsProtocolAvailable(latency.ProtocolUDP))
}

func TestDelayForPTRResponseRange(t *testing.T) {
	e := testEngine(t)
	for n := 0; n <= 100; n++ {
		e.rnd = randsrc.Fixed(n)
		d := e.delayForPTRResponse()
		assert.GreaterOrEqual(t, d, 20*time.Microsecond)
		assert.LessOrEqual(t, d, 120*time.Microsecond)
	}
}

func TestEstablishHostname_PicksSmallestFreeSuffix(t *testing.T) {
	e := testEngine(t)
	e.addKnownHost(codec.EncodeName("box"), time.Minute)
	e.addKnownHost(codec.EncodeName("box-0"), time.Minute)
	e.addKnownHost(codec.EncodeName("box-1"), time.Minute)

	e.establishHostname()

	hostname, established := e.currentHostname()
	assert.True(t, established)
	assert.Equal(t, "box-2", hostname)
}

func TestEstablishHostname_KeepsBaseWhenFree(t *testing.T) {
	e := testEngine(t)
	e.establishHostname()

	hostname, established := e.currentHostname()
	assert.True(t, established)
	assert.Equal(t, "box", hostname)
}

// TestHandleUnicastQuery_RateLimitSwitchesToMulticast drives the
// last.IsZero() || last.Before(now - AnswerTTL/4) branch of
// handleUnicastQuery: a unicast-requested question arriving shortly after
// the last multicast answer (AnswerTTL/8 ago) is answered directly to the
// requester, while the same question arriving well past the rate-limit
// window (AnswerTTL/2 ago) is answered via multicast instead, resetting
// the rate limiter.
func TestHandleUnicastQuery_RateLimitSwitchesToMulticast(t *testing.T) {
	e := testEngine(t)
	e.group = &net.UDPAddr{IP: net.ParseIP("224.0.0.251"), Port: e.cfg.Port}

	type sent struct{ dst *net.UDPAddr }
	sends := make(chan sent, 4)
	e.sendRaw = func(b []byte, dst *net.UDPAddr) {
		sends <- sent{dst: dst}
	}

	q := dnsmsg.Question{Name: opoznieniaServiceName(), Type: dnsmsg.TypePTR, Class: dnsmsg.ClassIN}
	clientAddr := netip.MustParseAddr("10.0.0.5")
	dst := &net.UDPAddr{IP: net.IP(clientAddr.AsSlice()), Port: 12345}

	e.lastMulticast[ptrTimeIdx] = time.Now().Add(-e.cfg.AnswerTTL / 8)
	e.handleUnicastQuery(q, dst, clientAddr, "box")

	select {
	case s := <-sends:
		assert.Equal(t, dst, s.dst)
	case <-time.After(time.Second):
		t.Fatal("expected a direct unicast response")
	}

	e.lastMulticast[ptrTimeIdx] = time.Now().Add(-e.cfg.AnswerTTL / 2)
	e.handleUnicastQuery(q, dst, clientAddr, "box")

	select {
	case s := <-sends:
		assert.Equal(t, e.group, s.dst)
	case <-time.After(time.Second):
		t.Fatal("expected a multicast response")
	}
}

func TestHandleUnicastQuery_ZeroLastMulticastRespondsViaMulticast(t *testing.T) {
	e := testEngine(t)
	e.group = &net.UDPAddr{IP: net.ParseIP("224.0.0.251"), Port: e.cfg.Port}

	sends := make(chan *net.UDPAddr, 1)
	e.sendRaw = func(b []byte, dst *net.UDPAddr) { sends <- dst }

	q := dnsmsg.Question{Name: opoznieniaServiceName(), Type: dnsmsg.TypePTR, Class: dnsmsg.ClassIN}
	clientAddr := netip.MustParseAddr("10.0.0.5")
	dst := &net.UDPAddr{IP: net.IP(clientAddr.AsSlice()), Port: 12345}

	// lastMulticast is zero (never answered via multicast yet): the
	// zero-value branch of the rate-limit check takes the multicast path.
	e.handleUnicastQuery(q, dst, clientAddr, "box")

	select {
	case got := <-sends:
		assert.Equal(t, e.group, got)
	case <-time.After(time.Second):
		t.Fatal("expected a multicast response")
	}
}

func TestAddrRoundTrip(t *testing.T) {
	a := uint32ToAddr(0x01020304)
	assert.Equal(t, "1.2.3.4", a.String())
	assert.Equal(t, uint32(0x01020304), addrToUint32(a))
}
