/*
File Name:  Helper.go

Helper wraps the kept upnp package behind the spec's NAT-helper interface:
map_ports() / shutdown() (blocking). UPnP discovery and port-mapping probes
themselves stay exactly as the teacher implemented them (Network UPnP.go);
NAT-PMP and manual port forwarding remain out of scope per §1.
*/

package nat

import (
	"errors"
	"net"
	"sync"

	"github.com/kadrelay/core/upnp"
)

// Helper is the external NAT collaborator interface consumed by peer
// construction (§6): MapPorts probes the local gateway and requests
// forwarding for the given internal ports; Shutdown blocks until any
// port mappings created are released.
type Helper interface {
	MapPorts(internalTCP, internalUDP uint16) (externalTCP, externalUDP uint16, err error)
	Shutdown()
}

// UPnPHelper is the reference Helper backed by the teacher's upnp package.
type UPnPHelper struct {
	localIP net.IP

	mu      sync.Mutex
	gateway upnp.NAT
	mapped  []mapping
}

type mapping struct {
	proto string
	port  uint16
}

// NewUPnPHelper discovers a UPnP gateway reachable from localIP. Discovery
// failure is not fatal to peer construction -- a peer without a gateway is
// simply firewalled -- so the error is returned for the caller to log and
// ignore, not to abort startup.
func NewUPnPHelper(localIP net.IP) (*UPnPHelper, error) {
	gw, err := upnp.Discover(localIP)
	if err != nil {
		return nil, err
	}
	return &UPnPHelper{localIP: localIP, gateway: gw}, nil
}

// MapPorts requests external port forwarding for the given internal TCP and
// UDP ports and returns the external ports the gateway assigned.
func (h *UPnPHelper) MapPorts(internalTCP, internalUDP uint16) (externalTCP, externalUDP uint16, err error) {
	if h == nil || h.gateway == nil {
		return 0, 0, errors.New("nat: no gateway discovered")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if internalTCP != 0 {
		externalTCP, err = h.gateway.AddPortMapping("TCP", h.localIP, internalTCP, internalTCP, "kadrelay", 0)
		if err != nil {
			return 0, 0, err
		}
		h.mapped = append(h.mapped, mapping{proto: "TCP", port: externalTCP})
	}
	if internalUDP != 0 {
		externalUDP, err = h.gateway.AddPortMapping("UDP", h.localIP, internalUDP, internalUDP, "kadrelay", 0)
		if err != nil {
			return externalTCP, 0, err
		}
		h.mapped = append(h.mapped, mapping{proto: "UDP", port: externalUDP})
	}
	return externalTCP, externalUDP, nil
}

// Shutdown releases every port mapping created by MapPorts. It blocks until
// every SOAP release request completes, per §4.3 step 5 ("NAT helpers are
// shut down synchronously at the end").
func (h *UPnPHelper) Shutdown() {
	if h == nil || h.gateway == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.mapped {
		h.gateway.DeletePortMapping(m.proto, m.port)
	}
	h.mapped = nil
}

// NoopHelper is a Helper that performs no NAT traversal, used when UPnP
// discovery finds no gateway or the caller opts out.
type NoopHelper struct{}

func (NoopHelper) MapPorts(internalTCP, internalUDP uint16) (uint16, uint16, error) {
	return internalTCP, internalUDP, nil
}

func (NoopHelper) Shutdown() {}
