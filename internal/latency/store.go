// Package latency implements the per-peer, per-protocol latency store: a
// rolling window of the last ten samples per (peer, protocol) plus
// per-protocol TTL-based liveness, modelled on LatencyDatabase.{h,cc}.
package latency

import (
	"math"
	"net/netip"
	"sync"
	"time"
)

// Protocol identifies one of the three probing transports.
type Protocol int

const (
	ProtocolICMP Protocol = iota
	ProtocolTCP
	ProtocolUDP
)

// AllProtocols lists protocols in the order the original responder
// iterates them for averaging: UDP, TCP, ICMP.
var AllProtocols = []Protocol{ProtocolUDP, ProtocolTCP, ProtocolICMP}

const windowSize = 10

// window is a fixed-capacity ring of up to ten samples with a running sum,
// supporting O(1) insertion that evicts the oldest entry.
type window struct {
	samples [windowSize]time.Duration
	lastIdx int
	count   int
	sum     time.Duration
}

func (w *window) add(sample time.Duration) {
	w.lastIdx = (w.lastIdx + 1) % windowSize
	if w.count < windowSize {
		w.count++
	}
	w.sum -= w.samples[w.lastIdx]
	w.samples[w.lastIdx] = sample
	w.sum += sample
}

func (w *window) average() (time.Duration, bool) {
	if w.count == 0 {
		return 0, false
	}
	return w.sum / time.Duration(w.count), true
}

// Host is one peer's latency record: two expiration deadlines (ICMP
// piggybacks on UDP's) and one rolling window per protocol.
type Host struct {
	udpExpiration time.Time
	tcpExpiration time.Time
	udpWindow     window
	tcpWindow     window
	icmpWindow    window
	udpExpired    bool
	tcpExpired    bool
}

func newHost() *Host {
	return &Host{udpExpired: true, tcpExpired: true}
}

func (h *Host) windowFor(p Protocol) *window {
	switch p {
	case ProtocolICMP:
		return &h.icmpWindow
	case ProtocolTCP:
		return &h.tcpWindow
	default:
		return &h.udpWindow
	}
}

func (h *Host) updateExpired(now time.Time) {
	if now.After(h.tcpExpiration) {
		h.tcpWindow = window{}
		h.tcpExpired = true
	} else {
		h.tcpExpired = false
	}
	if now.After(h.udpExpiration) {
		h.udpWindow = window{}
		h.icmpWindow = window{}
		h.udpExpired = true
	} else {
		h.udpExpired = false
	}
}

// IsProtocolAvailable reports whether protocol is currently reachable,
// i.e. its owning deadline (TCP's own, or UDP's for UDP and ICMP) has not
// lapsed.
func (h *Host) IsProtocolAvailable(p Protocol) bool {
	if p == ProtocolTCP {
		return !h.tcpExpired
	}
	return !h.udpExpired
}

// IsAnyProtocolAvailable reports whether the host has not fully expired.
func (h *Host) IsAnyProtocolAvailable() bool {
	return !h.tcpExpired || !h.udpExpired
}

// Latency returns the protocol's rolling average and whether any sample is
// known for it.
func (h *Host) Latency(p Protocol) (time.Duration, bool) {
	return h.windowFor(p).average()
}

// AverageLatency is the unweighted mean of the per-protocol averages,
// excluding protocols with no samples from both numerator and count. A host
// with no samples on any protocol reports math.MaxFloat64, matching the
// original's DBL_MAX sentinel: it sorts to the front of a
// largest-latency-first view without producing NaN when some other row's
// bar width is normalized against it.
func (h *Host) AverageLatency() float64 {
	var sum float64
	var count int
	for _, p := range AllProtocols {
		if avg, ok := h.Latency(p); ok {
			sum += float64(avg.Microseconds())
			count++
		}
	}
	if count == 0 {
		return math.MaxFloat64
	}
	return sum / float64(count)
}

// Store is the thread-safe peer map. A single mutex over the map is
// sufficient, matching the original's dataMutex discipline (here actually
// held for the whole method body, unlike the unnamed-temporary-lock bug in
// the original LatencyDatabase.cc).
type Store struct {
	mu   sync.Mutex
	data map[netip.Addr]*Host
}

// NewStore returns an empty latency store.
func NewStore() *Store {
	return &Store{data: make(map[netip.Addr]*Host)}
}

// SetConnectionAvailable records that protocol (UDP or TCP) is reachable
// for peer, with the given TTL. On first sight of peer, or on any sight
// after it had fully expired, the Host is reconstructed from scratch.
func (s *Store) SetConnectionAvailable(protocol Protocol, peer netip.Addr, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	host, ok := s.data[peer]
	if !ok {
		host = newHost()
		s.data[peer] = host
	}

	now := time.Now()
	host.updateExpired(now)
	if !host.IsAnyProtocolAvailable() {
		host = newHost()
		s.data[peer] = host
	}

	switch protocol {
	case ProtocolTCP:
		host.tcpExpiration = now.Add(ttl)
		host.updateExpired(now)
	case ProtocolUDP:
		host.udpExpiration = now.Add(ttl)
		host.updateExpired(now)
	}
}

// AddLatency pushes sample into protocol's rolling window for peer. It is
// a no-op if peer is unknown, fully expired (in which case the Host is
// removed), or if protocol is not currently available for peer.
func (s *Store) AddLatency(protocol Protocol, peer netip.Addr, sample time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	host, ok := s.data[peer]
	if !ok {
		return
	}

	now := time.Now()
	host.updateExpired(now)
	if !host.IsAnyProtocolAvailable() {
		delete(s.data, peer)
		return
	}
	if !host.IsProtocolAvailable(protocol) {
		return
	}
	host.windowFor(protocol).add(sample)
}

// Entry is a point-in-time snapshot of one peer's Host state.
type Entry struct {
	Addr netip.Addr
	Host Host
}

// GetAll refreshes every Host, drops the fully expired, and returns copies
// of the survivors.
func (s *Store) GetAll() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res := make([]Entry, 0, len(s.data))
	for addr, host := range s.data {
		host.updateExpired(now)
		if !host.IsAnyProtocolAvailable() {
			delete(s.data, addr)
			continue
		}
		res = append(res, Entry{Addr: addr, Host: *host})
	}
	return res
}
