package tcpprobe

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/opoznienia/latencymon/internal/latency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProber(t *testing.T) (*Prober, *time.Time) {
	t.Helper()
	clock := time.Unix(3000, 0)
	p := NewProber(Config{Port: 22, MaxInFlight: 2 * time.Second}, latency.NewStore())
	p.now = func() time.Time { return clock }
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop() })
	return p, &clock
}

func TestRefreshHistory_CancelsStaleConnects(t *testing.T) {
	p, clock := newTestProber(t)

	cancelled := false
	entry := &pendingConnect{sent: *clock, cancel: func() { cancelled = true }}
	p.history = append(p.history, entry)

	*clock = clock.Add(3 * time.Second)

	p.historyMu.Lock()
	p.refreshHistory()
	p.historyMu.Unlock()

	assert.True(t, cancelled)
	assert.Empty(t, p.history)
}

func TestRefreshHistory_KeepsFreshConnects(t *testing.T) {
	p, clock := newTestProber(t)

	cancelled := false
	entry := &pendingConnect{sent: *clock, cancel: func() { cancelled = true }}
	p.history = append(p.history, entry)

	*clock = clock.Add(500 * time.Millisecond)

	p.historyMu.Lock()
	p.refreshHistory()
	p.historyMu.Unlock()

	assert.False(t, cancelled)
	assert.Len(t, p.history, 1)
}

func TestMeasureLatency_UnreachableAddrRecordsNothing(t *testing.T) {
	p, _ := newTestProber(t)
	peer := netip.MustParseAddr("203.0.113.1")
	p.store.SetConnectionAvailable(latency.ProtocolTCP, peer, time.Minute)

	p.dialer.Timeout = 50 * time.Millisecond
	p.MeasureLatency([]netip.Addr{peer})

	time.Sleep(200 * time.Millisecond)

	for _, e := range p.store.GetAll() {
		if e.Addr == peer {
			_, ok := e.Host.Latency(latency.ProtocolTCP)
			assert.False(t, ok)
		}
	}
}
