// Package measureloop drives the periodic probe round: snapshot the
// latency store, split peers by which protocols are currently available,
// and kick off one round of UDP/ICMP/TCP probes. Grounded on main.cc's
// measureLatency function.
package measureloop

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/opoznienia/latencymon/internal/latency"
)

// Prober is implemented by each of the three probe packages.
type Prober interface {
	MeasureLatency(addrs []netip.Addr)
}

// Loop periodically measures latency to every peer the store currently
// knows about, splitting the address list by protocol availability as
// main.cc's measureLatency does (UDP addresses are reused for ICMP, since
// ICMP availability piggybacks on the UDP TTL).
type Loop struct {
	store    *latency.Store
	udp      Prober
	icmp     Prober
	tcp      Prober
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Loop that runs every interval.
func New(store *latency.Store, udp, icmp, tcp Prober, interval time.Duration) *Loop {
	return &Loop{store: store, udp: udp, icmp: icmp, tcp: tcp, interval: interval}
}

// Start spawns the measurement loop's background goroutine.
func (l *Loop) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go l.run(runCtx)

	return nil
}

// Stop cancels the loop and waits for it to exit.
func (l *Loop) Stop() error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	l.wg.Wait()
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		l.runOnce()

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.interval):
		}
	}
}

func (l *Loop) runOnce() {
	entries := l.store.GetAll()

	var tcpAddrs, udpAddrs []netip.Addr
	for _, e := range entries {
		if e.Host.IsProtocolAvailable(latency.ProtocolTCP) {
			tcpAddrs = append(tcpAddrs, e.Addr)
		}
		if e.Host.IsProtocolAvailable(latency.ProtocolUDP) {
			udpAddrs = append(udpAddrs, e.Addr)
		}
	}

	l.udp.MeasureLatency(udpAddrs)
	l.icmp.MeasureLatency(udpAddrs)
	l.tcp.MeasureLatency(tcpAddrs)
}
