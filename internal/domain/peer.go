// Package domain holds the pure data model shared by every HyParView
// component: peer identity, configuration, and sentinel errors. Nothing
// here depends on the network, the wire format, or the view store.
package domain

import (
	"fmt"
	"net"
)

// PeerID identifies a remote node by its IPv4 address and TCP port. Value
// equality and hashability make it safe to use directly as a map key.
type PeerID struct {
	IP   [4]byte
	Port uint16
}

// NewPeerID builds a PeerID from a 4-byte IPv4 address and a port.
func NewPeerID(ip net.IP, port uint16) (PeerID, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return PeerID{}, false
	}
	var id PeerID
	copy(id.IP[:], v4)
	id.Port = port
	return id, true
}

// ParsePeerID parses "A.B.C.D:P" into a PeerID.
func ParsePeerID(s string) (PeerID, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("parse peer %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return PeerID{}, fmt.Errorf("parse peer %q: invalid IPv4 address", s)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port < 0 || port > 65535 {
		return PeerID{}, fmt.Errorf("parse peer %q: invalid port", s)
	}
	id, ok := NewPeerID(ip, uint16(port))
	if !ok {
		return PeerID{}, fmt.Errorf("parse peer %q: not an IPv4 address", s)
	}
	return id, nil
}

// String renders the PeerID in "A.B.C.D:P" form.
func (p PeerID) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", p.IP[0], p.IP[1], p.IP[2], p.IP[3], p.Port)
}

// IsZero reports whether p is the zero value (the tcp transport uses it to
// tell whether an accepted connection's remote peer has been learned yet).
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// Addr returns the net.TCPAddr form, used by the transport layer to dial.
func (p PeerID) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(p.IP[0], p.IP[1], p.IP[2], p.IP[3]), Port: int(p.Port)}
}
