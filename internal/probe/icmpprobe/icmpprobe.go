// Package icmpprobe implements the ICMP echo latency probe: raw ICMP
// echo requests correlated by (peer, identifier, sequence number).
// Modelled on ICMPService.{h,cc}; the wire codec itself lives in
// internal/icmpwire.
package icmpprobe

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/opoznienia/latencymon/internal/icmpwire"
	"github.com/opoznienia/latencymon/internal/latency"
	"github.com/opoznienia/latencymon/internal/randsrc"
	"github.com/opoznienia/latencymon/pkg/lib/log"
	"golang.org/x/net/icmp"
)

// ipv4Version is the IP version nibble value (RFC 791) used to detect
// whether a received datagram still carries its IPv4 header.
const ipv4Version = 4

var logger = log.Logger("icmpprobe")

// Config holds the prober's tunables.
type Config struct {
	// MaxInFlight bounds how long a sent echo request waits for a matching
	// reply before its correlation entry is purged (ICMPService.cc's
	// MAX_LATENCY_SECS).
	MaxInFlight time.Duration
}

// DefaultConfig returns a 5s in-flight request lifetime.
func DefaultConfig() Config {
	return Config{MaxInFlight: 5 * time.Second}
}

type historyKey struct {
	peer       netip.Addr
	identifier uint16
	seq        uint16
}

type historyEntry struct {
	key  historyKey
	sent time.Time
}

// Prober sends ICMP echo requests and correlates replies to compute
// latency samples, recorded into a latency.Store.
type Prober struct {
	cfg   Config
	store *latency.Store
	rnd   randsrc.Source

	conn *icmp.PacketConn

	historyMu sync.Mutex
	fifo      []historyEntry
	pending   map[historyKey]time.Time

	curSeq uint16

	now func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewProber constructs a Prober bound to store. rnd supplies each
// request's identifier (nil selects the system source).
func NewProber(cfg Config, store *latency.Store, rnd randsrc.Source) *Prober {
	if rnd == nil {
		rnd = randsrc.System
	}
	return &Prober{
		cfg:     cfg,
		store:   store,
		rnd:     rnd,
		pending: make(map[historyKey]time.Time),
		now:     time.Now,
	}
}

// Start opens the raw ICMP socket (requires CAP_NET_RAW or an allowed
// unprivileged-ping group membership) and begins receiving replies.
func (p *Prober) Start(ctx context.Context) error {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("icmpprobe: listen: %w", err)
	}
	p.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.receiveLoop(runCtx)

	return nil
}

// Stop closes the socket and waits for the receive loop to exit.
func (p *Prober) Stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if p.conn != nil {
		p.conn.Close()
	}
	p.wg.Wait()
	return nil
}

func (p *Prober) receiveLoop(ctx context.Context) {
	defer p.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, from, err := p.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		receiveTime := p.now()

		raw := buf[:n]
		if len(raw) > 0 && raw[0]>>4 == ipv4Version {
			if stripped, err := icmpwire.StripIPv4Header(raw); err == nil {
				raw = stripped
			}
		}

		echo, err := icmpwire.Decode(raw)
		if err != nil {
			continue
		}
		if echo.Data != icmpwire.Magic {
			continue
		}

		peer, ok := addrFromICMPEndpoint(from)
		if !ok {
			continue
		}
		p.handleReply(peer, echo, receiveTime)
	}
}

func (p *Prober) handleReply(peer netip.Addr, echo icmpwire.Echo, receiveTime time.Time) {
	key := historyKey{peer: peer, identifier: echo.Identifier, seq: echo.Seq}

	p.historyMu.Lock()
	sent, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	p.historyMu.Unlock()

	if !ok {
		return
	}
	p.store.AddLatency(latency.ProtocolICMP, peer, receiveTime.Sub(sent))
}

// MeasureLatency sends one echo request to each address in addrs, purging
// stale in-flight entries first, then advances the sequence number,
// wrapping at 0xFFFF. Concurrent calls are not supported, mirroring the
// original's single-threaded measurement loop.
func (p *Prober) MeasureLatency(addrs []netip.Addr) {
	p.historyMu.Lock()
	p.refreshHistory()
	p.historyMu.Unlock()

	for _, addr := range addrs {
		p.sendRequest(addr)
	}

	p.curSeq++
	if p.curSeq == 0xFFFF {
		p.curSeq = 0
	}
}

func (p *Prober) sendRequest(addr netip.Addr) {
	identifier := uint16(p.rnd.IntN(1 << 16))
	echo := icmpwire.Echo{
		Type:       icmpwire.TypeRequest,
		Code:       0,
		Identifier: identifier,
		Seq:        p.curSeq,
		Data:       icmpwire.Magic,
	}

	dst := &net.IPAddr{IP: net.IP(addr.AsSlice())}
	if _, err := p.conn.WriteTo(echo.Encode(), dst); err != nil {
		logger.Debug("probe send failed", "peer", addr, "err", err)
		return
	}

	key := historyKey{peer: addr, identifier: identifier, seq: p.curSeq}
	now := p.now()

	p.historyMu.Lock()
	p.pending[key] = now
	p.fifo = append(p.fifo, historyEntry{key: key, sent: now})
	p.historyMu.Unlock()
}

// refreshHistory drops in-flight entries older than MaxInFlight. Caller
// must hold historyMu.
func (p *Prober) refreshHistory() {
	cutoff := p.now().Add(-p.cfg.MaxInFlight)
	i := 0
	for i < len(p.fifo) && p.fifo[i].sent.Before(cutoff) {
		delete(p.pending, p.fifo[i].key)
		i++
	}
	p.fifo = p.fifo[i:]
}

func addrFromICMPEndpoint(from net.Addr) (netip.Addr, bool) {
	ipAddr, ok := from.(*net.IPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	ip4 := ipAddr.IP.To4()
	if ip4 == nil {
		return netip.Addr{}, false
	}
	return netip.AddrFromSlice(ip4)
}
