// Package udpprobe implements the UDP latency probe: an 8-octet request
// carrying a send timestamp, answered with a 16-octet response echoing the
// request timestamp alongside the responder's own receive timestamp.
// Modelled on UDPService.{h,cc}.
package udpprobe

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/opoznienia/latencymon/internal/latency"
	"github.com/opoznienia/latencymon/pkg/lib/log"
)

var logger = log.Logger("udpprobe")

// Config holds the prober's tunables.
type Config struct {
	// Port is both the server's listen port and the port probed on peers
	// (spec's default 3382, main.cc's -u flag).
	Port int
	// MaxInFlight bounds how long a sent request waits for a matching
	// response before its correlation entry is purged (UDPService.cc's
	// MAX_LATENCY_SECS; not specified by name upstream, defaulted here).
	MaxInFlight time.Duration
}

// DefaultConfig returns port 3382 and a 5s in-flight request lifetime.
func DefaultConfig() Config {
	return Config{Port: 3382, MaxInFlight: 5 * time.Second}
}

type historyEntry struct {
	peer     netip.Addr
	sendTime int64 // microseconds since epoch
}

// Prober runs both the responder (answering other peers' probes) and the
// client (sending probes to known peers and recording their latency in
// store) halves of the UDP latency service.
type Prober struct {
	cfg   Config
	store *latency.Store

	clientConn net.PacketConn
	serverConn net.PacketConn

	historyMu sync.Mutex
	fifo      []historyEntry
	pending   map[historyEntry]struct{}

	now func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewProber constructs a Prober bound to store.
func NewProber(cfg Config, store *latency.Store) *Prober {
	return &Prober{
		cfg:     cfg,
		store:   store,
		pending: make(map[historyEntry]struct{}),
		now:     time.Now,
	}
}

// Start opens the client and server sockets and begins serving and
// receiving responses.
func (p *Prober) Start(ctx context.Context) error {
	client, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("udpprobe: client socket: %w", err)
	}
	server, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", p.cfg.Port))
	if err != nil {
		client.Close()
		return fmt.Errorf("udpprobe: server socket: %w", err)
	}

	p.clientConn = client
	p.serverConn = server

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.serveLoop(runCtx)
	go p.clientReceiveLoop(runCtx)

	return nil
}

// Stop closes both sockets and waits for the background loops to exit.
func (p *Prober) Stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	p.clientConn.Close()
	p.serverConn.Close()
	p.wg.Wait()
	return nil
}

func (p *Prober) serveLoop(ctx context.Context) {
	defer p.wg.Done()
	buf := make([]byte, 64)
	for {
		n, addr, err := p.serverConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if n != 8 {
			continue
		}
		sendTime := decodeMicros(buf[:8])
		resp := encodeResponse(sendTime, p.nowMicros())
		p.serverConn.WriteTo(resp, addr)
	}
}

func (p *Prober) clientReceiveLoop(ctx context.Context) {
	defer p.wg.Done()
	buf := make([]byte, 64)
	for {
		n, addr, err := p.clientConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if n != 16 {
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		peer, ok := netip.AddrFromSlice(udpAddr.IP.To4())
		if !ok {
			continue
		}
		sendTime := decodeMicros(buf[:8])
		p.handleResponse(peer, sendTime)
	}
}

func (p *Prober) handleResponse(peer netip.Addr, sendTime int64) {
	entry := historyEntry{peer: peer, sendTime: sendTime}

	p.historyMu.Lock()
	p.refreshHistory()
	_, ok := p.pending[entry]
	if ok {
		delete(p.pending, entry)
	}
	p.historyMu.Unlock()

	if !ok {
		return
	}
	latencyUs := p.nowMicros() - sendTime
	p.store.AddLatency(latency.ProtocolUDP, peer, time.Duration(latencyUs)*time.Microsecond)
}

// refreshHistory drops in-flight entries older than MaxInFlight. Caller
// must hold historyMu.
func (p *Prober) refreshHistory() {
	cutoff := p.nowMicros() - p.cfg.MaxInFlight.Microseconds()
	i := 0
	for i < len(p.fifo) && p.fifo[i].sendTime < cutoff {
		delete(p.pending, p.fifo[i])
		i++
	}
	p.fifo = p.fifo[i:]
}

// MeasureLatency sends one probe request to each address in addrs.
// Concurrent calls from multiple goroutines are not supported, mirroring
// the original's single-threaded measurement loop.
func (p *Prober) MeasureLatency(addrs []netip.Addr) {
	for _, addr := range addrs {
		sendTime := p.nowMicros()
		entry := historyEntry{peer: addr, sendTime: sendTime}

		p.historyMu.Lock()
		p.fifo = append(p.fifo, entry)
		p.pending[entry] = struct{}{}
		p.historyMu.Unlock()

		req := encodeRequest(sendTime)
		dst := &net.UDPAddr{IP: net.IP(addr.AsSlice()), Port: p.cfg.Port}
		if _, err := p.clientConn.WriteTo(req, dst); err != nil {
			logger.Debug("probe send failed", "peer", addr, "err", err)
		}
	}
}

func (p *Prober) nowMicros() int64 {
	return p.now().UnixMicro()
}

func encodeRequest(sendTime int64) []byte {
	b := make([]byte, 8)
	putU64(b, uint64(sendTime))
	return b
}

func encodeResponse(sendTime, responseTime int64) []byte {
	b := make([]byte, 16)
	putU64(b[:8], uint64(sendTime))
	putU64(b[8:], uint64(responseTime))
	return b
}

func decodeMicros(b []byte) int64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return int64(v)
}

func putU64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
