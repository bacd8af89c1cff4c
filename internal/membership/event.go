// Package membership implements the HyParView protocol state machine: it
// reacts to inbound messages and timer/control events, enforces the view
// store's invariants, and emits outbound messages. See spec §4.3.
package membership

import (
	"github.com/hyparview/hyparview/internal/domain"
	"github.com/hyparview/hyparview/internal/transport"
	"github.com/hyparview/hyparview/internal/wire"
)

// Event is the engine's single input type — spec §4.3: "Every input is a
// single Event".
type Event interface{ isEvent() }

// Inbound is a decoded frame from a peer, along with the connection it
// arrived on (so handlers can reply on the same stream or promote it into
// the active view).
type Inbound struct {
	Conn     transport.Conn
	Envelope wire.Envelope
}

func (Inbound) isEvent() {}

// ShuffleTick fires every Config.ShufflePeriodSeconds.
type ShuffleTick struct{}

func (ShuffleTick) isEvent() {}

// JoinRetryTick fires every Config.ShufflePeriodSeconds while the node has
// not yet completed its initial join.
type JoinRetryTick struct{}

func (JoinRetryTick) isEvent() {}

// Bootstrap starts the join procedure against a random contact node.
type Bootstrap struct{}

func (Bootstrap) isEvent() {}

// PeerLost reports that the transport detected a link failure to p; the
// engine treats it exactly like an inbound DISCONNECT.
type PeerLost struct {
	Peer domain.PeerID
}

func (PeerLost) isEvent() {}
