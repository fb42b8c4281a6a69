package mdns

import "github.com/opoznienia/latencymon/internal/codec"

// The two service names this responder advertises and queries for,
// literally as named in SDServerClient.cc.
const (
	tcpService        = "_ssh._tcp.local"
	opoznieniaService = "_opoznienia._udp.local"
)

func tcpServiceName() codec.Name        { return codec.EncodeName(tcpService) }
func opoznieniaServiceName() codec.Name { return codec.EncodeName(opoznieniaService) }

// hostServiceName builds "<hostname>.<service>" (service already ends in
// ".local").
func hostServiceName(hostname, service string) codec.Name {
	return codec.EncodeName(hostname + "." + service)
}

// supportedService reports whether the parent (all-labels-after-first) of
// domain is one of the two advertised service names.
func supportedService(domain codec.Name) bool {
	parent := domain.WithoutFirstLabel()
	return parent.Equal(tcpServiceName()) || parent.Equal(opoznieniaServiceName())
}
