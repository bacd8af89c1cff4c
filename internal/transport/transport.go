// Package transport defines the narrow interface the membership engine
// needs from the network layer: dialing a peer, listening for inbound
// connections, and sending/receiving framed HyParView messages. Concrete
// implementations live in the tcp and inmemory subpackages.
package transport

import (
	"context"

	"github.com/hyparview/hyparview/internal/domain"
	"github.com/hyparview/hyparview/internal/wire"
)

// Conn is one open connection to a remote peer. Each Conn owns a reader
// goroutine (decoding frames and delivering them to an EventSink); the tcp
// implementation also runs a writer goroutine that serializes Send calls
// onto the socket with a write deadline, while the inmemory one writes
// inside Send itself — see spec §5: "per-connection reader and writer tasks
// run in parallel but communicate with the engine only via message
// passing."
type Conn interface {
	// Send hands msg to the connection for writing (tcp: queued for the
	// writer goroutine; inmemory: written before Send returns). The
	// header's sender field is always this transport's own self ID, per
	// spec §4.1.
	Send(msg wire.Message) error
	// Close tears down the connection. Idempotent.
	Close() error
	// Remote returns the PeerID this connection is associated with. For
	// a freshly accepted connection this is the zero value until the
	// first frame (whose header announces the sender) has been decoded.
	Remote() domain.PeerID
}

// Listener accepts inbound connections on the local bind address.
type Listener interface {
	Accept() (Conn, error)
	Close() error
}

// EventSink receives the two kinds of events a Conn's reader goroutine
// can produce. It deliberately only names transport-level types so that
// transport never has to import the membership engine.
type EventSink interface {
	// Inbound delivers one decoded frame from conn. env.Sender is the
	// header's sender field (the self ID of the node that wrote this
	// frame; relays stamp their own — see spec §4.1);
	// conn is the physical connection it arrived on, which the engine
	// may reuse to reply or may promote into the active view.
	Inbound(conn Conn, env wire.Envelope)
	// PeerLost reports that a connection's reader or writer goroutine
	// observed failure (read error, decode error, write timeout). The
	// engine treats this identically to a DISCONNECT message.
	PeerLost(peer domain.PeerID)
}

// Transport opens outbound connections and listens for inbound ones.
type Transport interface {
	Dial(ctx context.Context, target domain.PeerID) (Conn, error)
	Listen() (Listener, error)
}
