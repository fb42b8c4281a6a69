// Package mdns implements the multicast service-discovery engine: the
// question/answer/response state machine of SDServerClient.{h,cc} from the
// original implementation, built on the DNS message codec in internal/dnsmsg.
package mdns

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/opoznienia/latencymon/internal/codec"
	"github.com/opoznienia/latencymon/internal/dnsmsg"
	"github.com/opoznienia/latencymon/internal/latency"
	"github.com/opoznienia/latencymon/internal/randsrc"
	"github.com/opoznienia/latencymon/pkg/lib/log"
	"golang.org/x/net/ipv4"
)

const (
	ptrTimeIdx = 0
	aTimeIdx   = 1
)

var logger = log.Logger("mdns")

// Engine is the mDNS discovery state machine. Zero value is not usable;
// construct with NewEngine.
type Engine struct {
	cfg   Config
	store *latency.Store
	rnd   randsrc.Source

	group *net.UDPAddr

	pc   net.PacketConn
	conn *ipv4.PacketConn

	sendMu sync.Mutex

	hostnameMu  sync.Mutex
	hostname    string
	established bool

	rateLimitMu   sync.Mutex
	lastMulticast [2]time.Time // zero value = never

	hosts *lru.LRU[string, struct{}]

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sendRaw performs the actual datagram write; overridden in tests.
	sendRaw func(b []byte, dst *net.UDPAddr)
}

// NewEngine constructs an Engine bound to store, using cfg's tunables and
// rnd as the source of the PTR-response delay jitter. The discovered-hosts
// table approximates the original's per-entry TTL with a single cache-wide
// TTL of cfg.AnswerTTL, since this node only ever observes TTLs emitted by
// its own kind of peer (see DESIGN.md).
func NewEngine(cfg Config, store *latency.Store, rnd randsrc.Source) *Engine {
	if rnd == nil {
		rnd = randsrc.System
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		rnd:      rnd,
		hostname: cfg.HostnameOverride,
		hosts:    lru.NewLRU[string, struct{}](0, nil, cfg.AnswerTTL),
	}
	if e.hostname == "" {
		if h, err := os.Hostname(); err == nil {
			e.hostname = h
		} else {
			e.hostname = "localhost"
		}
	}
	e.sendRaw = e.socketSend
	return e
}

// Start opens the multicast socket and spawns the receive and lookup
// loops. It returns ErrAlreadyStarted if already running.
func (e *Engine) Start(ctx context.Context) error {
	if e.cancel != nil {
		return ErrAlreadyStarted
	}

	pc, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", e.cfg.Port))
	if err != nil {
		return fmt.Errorf("mdns: bind: %w", err)
	}
	conn := ipv4.NewPacketConn(pc)

	group := &net.UDPAddr{IP: net.ParseIP(e.cfg.MulticastAddr), Port: e.cfg.Port}
	iface := firstMulticastInterface()
	if err := conn.JoinGroup(iface, &net.UDPAddr{IP: group.IP}); err != nil {
		pc.Close()
		return fmt.Errorf("mdns: join group: %w", err)
	}
	if err := conn.SetMulticastLoopback(false); err != nil {
		pc.Close()
		return fmt.Errorf("mdns: disable multicast loopback: %w", err)
	}
	if err := conn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		pc.Close()
		return fmt.Errorf("mdns: enable destination control messages: %w", err)
	}

	e.pc = pc
	e.conn = conn
	e.group = group

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go e.receiveLoop(runCtx)
	go e.lookupLoop(runCtx)

	return nil
}

// Stop cancels the background loops and closes the socket.
func (e *Engine) Stop() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	if e.pc != nil {
		e.pc.Close()
	}
	e.wg.Wait()
	return nil
}

func firstMulticastInterface() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
			ifc := iface
			return &ifc
		}
	}
	return nil
}

func (e *Engine) socketSend(b []byte, dst *net.UDPAddr) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if _, err := e.pc.WriteTo(b, dst); err != nil {
		logger.Debug("send failed", "dst", dst, "err", err)
	}
}

func (e *Engine) send(msg *dnsmsg.Message, dst *net.UDPAddr, delay time.Duration) {
	raw := msg.Serialize()
	if delay <= 0 {
		e.sendRaw(raw, dst)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		<-t.C
		e.sendRaw(raw, dst)
	}()
}

func (e *Engine) delayForPTRResponse() time.Duration {
	return time.Duration(e.rnd.IntN(101)+20) * time.Microsecond
}

// lookupLoop emits the periodic multicast PTR query, per
// multicastLookupThreadFunc.
func (e *Engine) lookupLoop(ctx context.Context) {
	defer e.wg.Done()

	unicastRequested := true
	for {
		e.send(e.buildQuery(unicastRequested), e.group, 0)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.LookupInterval):
		}

		unicastRequested = false

		e.hostnameMu.Lock()
		established := e.established
		e.hostnameMu.Unlock()
		if !established {
			e.establishHostname()
		}
	}
}

func (e *Engine) buildQuery(unicastRequested bool) *dnsmsg.Message {
	msg := &dnsmsg.Message{}
	msg.AddQuestion(dnsmsg.Question{
		Name: tcpServiceName(), Type: dnsmsg.TypePTR, Class: dnsmsg.ClassIN,
		UnicastResponseRequested: unicastRequested,
	})
	msg.AddQuestion(dnsmsg.Question{
		Name: opoznieniaServiceName(), Type: dnsmsg.TypePTR, Class: dnsmsg.ClassIN,
		UnicastResponseRequested: unicastRequested,
	})
	return msg
}

// establishHostname keeps the bare hostname if it is not already in the
// discovered-hosts table; otherwise it adopts "hostname-i" for the smallest
// i such that that label is not in the table, per prepareHostname.
func (e *Engine) establishHostname() {
	e.hostnameMu.Lock()
	base := e.hostname
	e.hostnameMu.Unlock()

	i := 0
	candidate := base
	for e.isHostKnown(codec.EncodeName(candidate)) {
		candidate = fmt.Sprintf("%s-%d", base, i)
		i++
	}

	e.hostnameMu.Lock()
	e.hostname = candidate
	e.established = true
	e.hostnameMu.Unlock()
	logger.Info("hostname established", "hostname", candidate)
}

func (e *Engine) currentHostname() (string, bool) {
	e.hostnameMu.Lock()
	defer e.hostnameMu.Unlock()
	return e.hostname, e.established
}

// receiveLoop parses every datagram as a DNS message and dispatches it,
// per receiveThreadFunc/receiveMessage.
func (e *Engine) receiveLoop(ctx context.Context) {
	defer e.wg.Done()

	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		n, cm, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("receive failed", "err", err)
			continue
		}

		senderUDP, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		senderAddr, ok := netip.AddrFromSlice(senderUDP.IP.To4())
		if !ok {
			continue
		}

		directedQuery := true
		if cm != nil {
			if dst, ok := netip.AddrFromSlice(cm.Dst.To4()); ok {
				directedQuery = dst != netip.MustParseAddr(e.cfg.MulticastAddr)
			}
		}

		msg, err := dnsmsg.Parse(buf[:n])
		if err != nil {
			continue
		}
		e.handleMessage(msg, senderAddr, senderUDP.Port, directedQuery)
	}
}

func (e *Engine) ignorePacket(msg *dnsmsg.Message) bool {
	return msg.Header.Opcode != 0 || msg.Header.RCode != 0
}

func (e *Engine) handleMessage(msg *dnsmsg.Message, senderAddr netip.Addr, senderPort int, directedQuery bool) {
	if e.ignorePacket(msg) {
		return
	}

	hostname, established := e.currentHostname()
	if !msg.Header.QR && established {
		e.handleQuestions(msg, senderAddr, senderPort, directedQuery, hostname)
	} else if msg.Header.QR {
		e.handleResponses(msg, senderPort)
	}
}

func (e *Engine) ignoreQuestion(q dnsmsg.Question, hostname string) bool {
	if q.Type != dnsmsg.TypePTR && q.Type != dnsmsg.TypeA {
		return true
	}
	if !e.cfg.AdvertiseTCP {
		if q.Name.Equal(tcpServiceName()) || q.Name.Equal(hostServiceName(hostname, tcpService)) {
			return true
		}
	}
	if q.Class != dnsmsg.ClassIN {
		return true
	}
	return false
}

func (e *Engine) handleQuestions(msg *dnsmsg.Message, senderAddr netip.Addr, senderPort int, directedQuery bool, hostname string) {
	for _, q := range msg.Questions {
		if e.ignoreQuestion(q, hostname) {
			continue
		}

		senderUDP := &net.UDPAddr{IP: net.IP(senderAddr.AsSlice()), Port: senderPort}

		switch {
		case senderPort != e.cfg.Port:
			if !msg.Header.TC {
				e.responseToLegacyUnicastQuery(msg.Header.ID, q, senderUDP, senderAddr, hostname)
			}
		case directedQuery || q.UnicastResponseRequested:
			e.handleUnicastQuery(q, senderUDP, senderAddr, hostname)
		default:
			e.responseViaMulticast(q, senderAddr, hostname)
		}
	}
}

func (e *Engine) responseToLegacyUnicastQuery(queryID uint16, q dnsmsg.Question, dst *net.UDPAddr, senderAddr netip.Addr, hostname string) {
	answer, ok := e.generateAnswer(q, senderAddr, hostname)
	if !ok {
		return
	}
	answer.TTL = uint32(e.cfg.LegacyUnicastTTL.Seconds())

	resp := &dnsmsg.Message{Header: dnsmsg.Header{ID: queryID, QR: true}}
	resp.AddQuestion(q)
	resp.AddAnswer(answer)
	e.send(resp, dst, 0)
}

func (e *Engine) handleUnicastQuery(q dnsmsg.Question, dst *net.UDPAddr, senderAddr netip.Addr, hostname string) {
	idx := aTimeIdx
	if q.Type == dnsmsg.TypePTR {
		idx = ptrTimeIdx
	}

	e.rateLimitMu.Lock()
	last := e.lastMulticast[idx]
	e.rateLimitMu.Unlock()

	if last.IsZero() || last.Before(time.Now().Add(-e.cfg.AnswerTTL/4)) {
		e.responseViaMulticast(q, senderAddr, hostname)
		return
	}

	answer, ok := e.generateAnswer(q, senderAddr, hostname)
	if !ok {
		return
	}
	delay := time.Duration(0)
	if q.Type == dnsmsg.TypePTR {
		delay = e.delayForPTRResponse()
	}

	resp := &dnsmsg.Message{Header: dnsmsg.Header{QR: true}}
	resp.AddAnswer(answer)
	e.send(resp, dst, delay)
}

func (e *Engine) responseViaMulticast(q dnsmsg.Question, senderAddr netip.Addr, hostname string) {
	idx := aTimeIdx
	delay := time.Duration(0)
	if q.Type == dnsmsg.TypePTR {
		idx = ptrTimeIdx
		delay = e.delayForPTRResponse()
	}

	answer, ok := e.generateAnswer(q, senderAddr, hostname)
	if !ok {
		return
	}

	resp := &dnsmsg.Message{Header: dnsmsg.Header{QR: true}}
	resp.AddAnswer(answer)
	e.send(resp, e.group, delay)

	e.rateLimitMu.Lock()
	e.lastMulticast[idx] = time.Now().Add(delay)
	e.rateLimitMu.Unlock()
}

func (e *Engine) generateAnswer(q dnsmsg.Question, senderAddr netip.Addr, hostname string) (dnsmsg.ResourceRecord, bool) {
	if q.Type == dnsmsg.TypePTR {
		return e.generatePTRAnswer(q, hostname)
	}
	return e.generateAAnswer(q, senderAddr, hostname)
}

func (e *Engine) generatePTRAnswer(q dnsmsg.Question, hostname string) (dnsmsg.ResourceRecord, bool) {
	for _, service := range []string{tcpService, opoznieniaService} {
		if q.Name.Equal(codec.EncodeName(service)) {
			ptr := hostServiceName(hostname, service)
			return dnsmsg.NewPTRAnswer(q.Name, ptr, dnsmsg.ClassIN, uint32(e.cfg.AnswerTTL.Seconds())), true
		}
	}
	return dnsmsg.ResourceRecord{}, false
}

func (e *Engine) generateAAnswer(q dnsmsg.Question, senderAddr netip.Addr, hostname string) (dnsmsg.ResourceRecord, bool) {
	for _, service := range []string{tcpService, opoznieniaService} {
		if q.Name.Equal(hostServiceName(hostname, service)) {
			addr := localAddressFor(senderAddr)
			if !addr.IsValid() {
				return dnsmsg.ResourceRecord{}, false
			}
			return dnsmsg.NewAAnswer(q.Name, addrToUint32(addr), dnsmsg.ClassIN, uint32(e.cfg.AnswerTTL.Seconds())), true
		}
	}
	return dnsmsg.ResourceRecord{}, false
}

func (e *Engine) handleResponses(msg *dnsmsg.Message, senderPort int) {
	if senderPort != e.cfg.Port {
		return
	}
	for _, rr := range msg.Answers {
		switch rr.Type {
		case dnsmsg.TypePTR:
			e.handlePTRResponse(rr)
		case dnsmsg.TypeA:
			e.handleAResponse(rr)
		}
	}
}

func (e *Engine) handlePTRResponse(rr dnsmsg.ResourceRecord) {
	ptr, err := rr.PTRAnswer()
	if err != nil {
		return
	}
	if !supportedService(ptr) {
		return
	}
	e.addKnownHost(ptr, time.Duration(rr.TTL)*time.Second)
	e.sendAQuery(ptr)
}

func (e *Engine) sendAQuery(domain codec.Name) {
	msg := &dnsmsg.Message{}
	msg.AddQuestion(dnsmsg.Question{Name: domain, Type: dnsmsg.TypeA, Class: dnsmsg.ClassIN})
	e.send(msg, e.group, 0)
}

func (e *Engine) handleAResponse(rr dnsmsg.ResourceRecord) {
	if !supportedService(rr.Name) || !e.isHostKnown(rr.Name) {
		return
	}

	addr, err := rr.Address()
	if err != nil {
		return
	}
	peer := uint32ToAddr(addr)
	ttl := time.Duration(rr.TTL) * time.Second

	parent := rr.Name.WithoutFirstLabel()
	switch {
	case parent.Equal(tcpServiceName()):
		e.store.SetConnectionAvailable(latency.ProtocolTCP, peer, ttl)
	case parent.Equal(opoznieniaServiceName()):
		e.store.SetConnectionAvailable(latency.ProtocolUDP, peer, ttl)
	}
}

func (e *Engine) addKnownHost(domain codec.Name, ttl time.Duration) {
	_ = ttl // approximated by the cache-wide TTL on e.hosts, see NewEngine's doc comment
	e.hosts.Add(domain.FirstLabel().String(), struct{}{})
}

func (e *Engine) isHostKnown(domain codec.Name) bool {
	_, ok := e.hosts.Get(domain.FirstLabel().String())
	return ok
}

func addrToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint32ToAddr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
