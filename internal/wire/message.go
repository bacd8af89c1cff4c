// Package wire implements the HyParView binary frame format: a 7-byte
// envelope (sender PeerID + message type) followed by a fixed or
// length-prefixed body, one variant per protocol message.
package wire

import "github.com/hyparview/hyparview/internal/domain"

// Type is the wire message-type byte. Values are fixed by the protocol and
// must not be renumbered — they are part of the on-wire contract.
type Type uint8

const (
	TypeJoin             Type = 0
	TypeForwardJoin      Type = 1
	TypeJoinAck          Type = 2
	TypeDisconnect       Type = 3
	TypeNeighborRequest  Type = 4
	TypeNeighborResponse Type = 5
	TypeShuffle          Type = 6
	TypeShuffleReply     Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeJoin:
		return "JOIN"
	case TypeForwardJoin:
		return "FORWARD_JOIN"
	case TypeJoinAck:
		return "JOIN_ACK"
	case TypeDisconnect:
		return "DISCONNECT"
	case TypeNeighborRequest:
		return "NEIGHBOR_REQUEST"
	case TypeNeighborResponse:
		return "NEIGHBOR_RESPONSE"
	case TypeShuffle:
		return "SHUFFLE"
	case TypeShuffleReply:
		return "SHUFFLE_REPLY"
	default:
		return "UNKNOWN"
	}
}

// MaxNodeListLen is the largest number of PeerIDs a single nodes_list can
// carry (the length prefix is one byte).
const MaxNodeListLen = 255

// Message is implemented by every message body. Sender is carried outside
// the Message in the Envelope — it is a header field, not a body field.
type Message interface {
	Type() Type
}

// Join carries no payload; the sender is the joiner.
type Join struct{}

func (Join) Type() Type { return TypeJoin }

// ForwardJoin relays a join on behalf of Originator, decrementing TTL at
// each hop. The header's sender is rewritten by each relaying node to its
// own self ID; Originator is preserved end to end.
type ForwardJoin struct {
	Originator domain.PeerID
	ARWL       uint8
	PRWL       uint8
	TTL        uint8
}

func (ForwardJoin) Type() Type { return TypeForwardJoin }

// JoinAck confirms a JOIN (or a terminal FORWARD_JOIN) was accepted into
// the recipient's active view.
type JoinAck struct{}

func (JoinAck) Type() Type { return TypeJoinAck }

// Disconnect tells the recipient to drop the sender from its active view.
type Disconnect struct{}

func (Disconnect) Type() Type { return TypeDisconnect }

// NeighborRequest asks the recipient to add the sender to its active view.
type NeighborRequest struct {
	Priority domain.Priority
}

func (NeighborRequest) Type() Type { return TypeNeighborRequest }

// NeighborResponse answers a NeighborRequest.
type NeighborResponse struct {
	Result domain.NeighborResult
}

func (NeighborResponse) Type() Type { return TypeNeighborResponse }

// Shuffle carries a random-walked sample of Originator's views, forwarded
// hop by hop until TTL reaches 0 or the forwarding node has no other
// active peer.
type Shuffle struct {
	Originator domain.PeerID
	Nodes      []domain.PeerID
	TTL        uint8
}

func (Shuffle) Type() Type { return TypeShuffle }

// ShuffleReply answers a terminal Shuffle hop directly to Originator.
// SentNodes echoes the triggering Shuffle's Nodes verbatim, so the
// originator can reconcile the round without keeping local state.
type ShuffleReply struct {
	SentNodes []domain.PeerID
	Nodes     []domain.PeerID
}

func (ShuffleReply) Type() Type { return TypeShuffleReply }

// Envelope is a decoded frame: the header's sender plus the tagged body.
type Envelope struct {
	Sender  domain.PeerID
	Message Message
}
