// Package dashboard implements the telnet-style terminal dashboard: a TCP
// server that negotiates a minimal Telnet option set, then periodically
// redraws a descending-by-latency bar chart of known peers. Modelled on
// TELNETServer.{h,cc}.
package dashboard

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/opoznienia/latencymon/internal/latency"
	"github.com/opoznienia/latencymon/pkg/lib/log"
)

var logger = log.Logger("dashboard")

// Telnet protocol octets, named literally as in TELNETServer.h.
const (
	telnetEcho       = 1
	suppressGoAhead  = 3
	bell             = 7
	cmdWill          = 251
	cmdWont          = 252
	cmdDo            = 253
	cmdDont          = 254
	cmdIAC           = 255
	esc              = 27
	consoleHeight    = 24
	consoleWidth     = 80
)

// Config holds the dashboard's tunables.
type Config struct {
	Port            int
	RefreshInterval time.Duration
}

// DefaultConfig returns port 3637 (main.cc's -U default) and a 1s refresh
// interval (main.cc's -v default).
func DefaultConfig() Config {
	return Config{Port: 3637, RefreshInterval: time.Second}
}

type client struct {
	conn                  net.Conn
	writeMu               sync.Mutex
	recvBuf               []byte
	firstRowPos           int
	receivedCommandsCount int
}

// Server is the telnet dashboard: it accepts client connections and
// periodically pushes a rendered view of the latency store to each.
type Server struct {
	cfg   Config
	store *latency.Store

	listener net.Listener

	clientsMu sync.Mutex
	clients   []*client

	viewMu        sync.Mutex
	dataViewLines []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer constructs a Server bound to store.
func NewServer(cfg Config, store *latency.Store) *Server {
	return &Server{cfg: cfg, store: store}
}

// Start opens the listener and spawns the accept and refresh loops.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("dashboard: listen: %w", err)
	}
	s.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.acceptLoop(runCtx)
	go s.refreshLoop(runCtx)

	return nil
}

// Stop closes the listener and every client connection, then waits for
// the background loops to exit.
func (s *Server) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.listener.Close()

	s.clientsMu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.clientsMu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		s.handleAccept(ctx, conn)
	}
}

func (s *Server) handleAccept(ctx context.Context, conn net.Conn) {
	c := &client{conn: conn}

	initial := []byte{cmdIAC, cmdWill, suppressGoAhead, cmdIAC, cmdWill, telnetEcho}
	if _, err := conn.Write(initial); err != nil {
		conn.Close()
		return
	}

	s.clientsMu.Lock()
	s.clients = append(s.clients, c)
	s.clientsMu.Unlock()

	s.wg.Add(1)
	go s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	defer s.wg.Done()
	r := bufio.NewReader(c.conn)
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if err != nil {
			s.dropClient(c)
			return
		}
		c.recvBuf = append(c.recvBuf, buf[:n]...)
		s.handleInput(c)
	}
}

func (s *Server) dropClient(c *client) {
	c.conn.Close()
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for i, other := range s.clients {
		if other == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
}

// handleInput drains c.recvBuf per TELNETServer::handleRead's per-byte
// state machine.
func (s *Server) handleInput(c *client) {
	for len(c.recvBuf) > 0 {
		data := c.recvBuf

		if data[0] == cmdIAC {
			if len(data) < 3 {
				return
			}
			switch data[1] {
			case cmdWill:
				s.sendRaw(c, []byte{cmdIAC, cmdDont, data[2]})
			case cmdDo:
				if c.receivedCommandsCount < 2 && (data[2] == telnetEcho || data[2] == suppressGoAhead) {
					// silently accepted
				} else {
					s.sendRaw(c, []byte{cmdIAC, cmdWont, data[2]})
				}
				c.receivedCommandsCount++
			}
			c.recvBuf = data[3:]
			continue
		}

		switch data[0] {
		case 'Q', 'q':
			c.recvBuf = data[1:]
			if c.firstRowPos > 0 {
				c.firstRowPos--
				s.updateClientView(c)
			}
		case 'A', 'a':
			c.recvBuf = data[1:]
			s.viewMu.Lock()
			canScroll := c.firstRowPos+consoleHeight < len(s.dataViewLines)
			s.viewMu.Unlock()
			if canScroll {
				c.firstRowPos++
				s.updateClientView(c)
			}
		default:
			s.sendRaw(c, []byte{bell})
			c.recvBuf = data[1:]
		}
	}
}

func (s *Server) sendRaw(c *client, b []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(b); err != nil {
		logger.Debug("write failed", "err", err)
	}
}

func (s *Server) refreshLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		s.updateData()

		s.clientsMu.Lock()
		clients := append([]*client(nil), s.clients...)
		s.clientsMu.Unlock()

		for _, c := range clients {
			s.updateClientView(c)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// updateData re-renders dataViewLines from the latency store: hosts
// sorted by descending average latency, each line an IP address, a
// proportional-width bar, and a space-joined per-protocol latency column.
func (s *Server) updateData() {
	entries := s.store.GetAll()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Host.AverageLatency() > entries[j].Host.AverageLatency()
	})

	ips := make([]string, len(entries))
	times := make([]string, len(entries))
	minSpace := consoleWidth
	maxAverageLatency := 0.0

	for i, e := range entries {
		ips[i] = e.Addr.String()

		line := ""
		for pi, p := range latency.AllProtocols {
			line += getLatencyColumn(p, e.Host)
			if pi < len(latency.AllProtocols)-1 {
				line += " "
			}
		}
		times[i] = line

		used := len(times[i]) + len(ips[i]) + 1
		if consoleWidth < used {
			minSpace = 1
		} else if consoleWidth-used < minSpace {
			minSpace = consoleWidth - used
		}
		if minSpace < 1 {
			minSpace = 1
		}
		if avg := e.Host.AverageLatency(); avg > maxAverageLatency {
			maxAverageLatency = avg
		}
	}

	lines := make([]string, len(entries))
	for i, e := range entries {
		line := ips[i]

		spacesCount := 0
		if maxAverageLatency > 0 {
			spacesCount = int(math.Round(e.Host.AverageLatency() / maxAverageLatency * float64(minSpace)))
		}
		if spacesCount > minSpace {
			spacesCount = minSpace
		}
		if spacesCount < 1 {
			spacesCount = 1
		}
		for n := 0; n < spacesCount; n++ {
			line += " "
		}
		line += times[i]
		lines[i] = line
	}

	s.viewMu.Lock()
	s.dataViewLines = lines
	s.viewMu.Unlock()
}

func getLatencyColumn(p latency.Protocol, h latency.Host) string {
	if !h.IsProtocolAvailable(p) {
		return "-"
	}
	lat, ok := h.Latency(p)
	if !ok {
		return "?"
	}
	return fmt.Sprintf("%d", lat.Microseconds())
}

func (s *Server) updateClientView(c *client) {
	messages := [][]byte{clearDisplayMessage()}

	s.viewMu.Lock()
	lines := s.dataViewLines
	maxRow := c.firstRowPos + consoleHeight
	if maxRow > len(lines) {
		maxRow = len(lines)
	}
	minRow := 0
	if maxRow > consoleHeight {
		minRow = maxRow - consoleHeight
	}

	for i := minRow; i < maxRow; i++ {
		raw := []byte(lines[i])
		if i+1 != maxRow {
			raw = append(raw, esc, 'E')
		}
		messages = append(messages, raw)
	}
	s.viewMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, m := range messages {
		if _, err := c.conn.Write(m); err != nil {
			return
		}
	}
}

func clearDisplayMessage() []byte {
	return []byte{esc, '[', '2', 'J', esc, '[', 'H'}
}
