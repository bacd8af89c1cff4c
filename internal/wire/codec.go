package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hyparview/hyparview/internal/domain"
)

// DecodeError wraps a sentinel domain error with the offending frame's
// context. The transport's reader goroutine reacts to any decode error by
// dropping the connection and reporting PeerLost.
type DecodeError struct {
	Err error
	Msg string
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode: %s: %v", e.Msg, e.Err) }
func (e *DecodeError) Unwrap() error  { return e.Err }

func decodeErr(sentinel error, msg string) error {
	return &DecodeError{Err: sentinel, Msg: msg}
}

// TransportError wraps a sentinel domain error encountered writing a
// frame to an established connection.
type TransportError struct {
	Err error
	Msg string
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Msg, e.Err) }
func (e *TransportError) Unwrap() error  { return e.Err }

// Encode writes sender's header followed by msg's body to w. The underlying
// writer's own I/O errors are wrapped as TransportError; a node list longer
// than MaxNodeListLen or an unsupported message type returns a plain error.
func Encode(w io.Writer, sender domain.PeerID, msg Message) error {
	if err := writeHeader(w, sender, msg.Type()); err != nil {
		return err
	}
	switch m := msg.(type) {
	case Join, JoinAck, Disconnect:
		return nil
	case ForwardJoin:
		if err := writePeerID(w, m.Originator); err != nil {
			return err
		}
		return writeBytes(w, m.ARWL, m.PRWL, m.TTL)
	case NeighborRequest:
		return writeBytes(w, uint8(m.Priority))
	case NeighborResponse:
		return writeBytes(w, uint8(m.Result))
	case Shuffle:
		if err := writePeerID(w, m.Originator); err != nil {
			return err
		}
		if err := writeNodeList(w, m.Nodes); err != nil {
			return err
		}
		return writeBytes(w, m.TTL)
	case ShuffleReply:
		if err := writeNodeList(w, m.SentNodes); err != nil {
			return err
		}
		return writeNodeList(w, m.Nodes)
	default:
		return fmt.Errorf("wire: encode: unsupported message type %T", msg)
	}
}

// Decode reads one frame from r: a 7-byte header followed by the body for
// the decoded type. Any short read, unknown type byte, or invalid list
// length is returned as a *DecodeError.
func Decode(r io.Reader) (Envelope, error) {
	sender, typ, err := readHeader(r)
	if err != nil {
		return Envelope{}, err
	}

	var msg Message
	switch typ {
	case TypeJoin:
		msg = Join{}
	case TypeForwardJoin:
		originator, err := readPeerID(r)
		if err != nil {
			return Envelope{}, err
		}
		b, err := readBytes(r, 3)
		if err != nil {
			return Envelope{}, err
		}
		msg = ForwardJoin{Originator: originator, ARWL: b[0], PRWL: b[1], TTL: b[2]}
	case TypeJoinAck:
		msg = JoinAck{}
	case TypeDisconnect:
		msg = Disconnect{}
	case TypeNeighborRequest:
		b, err := readBytes(r, 1)
		if err != nil {
			return Envelope{}, err
		}
		if b[0] != uint8(domain.PriorityLow) && b[0] != uint8(domain.PriorityHigh) {
			return Envelope{}, decodeErr(domain.ErrDecodeBadEnumValue, "neighbor_request priority")
		}
		msg = NeighborRequest{Priority: domain.Priority(b[0])}
	case TypeNeighborResponse:
		b, err := readBytes(r, 1)
		if err != nil {
			return Envelope{}, err
		}
		if b[0] != uint8(domain.ResultAccept) && b[0] != uint8(domain.ResultReject) {
			return Envelope{}, decodeErr(domain.ErrDecodeBadEnumValue, "neighbor_response result")
		}
		msg = NeighborResponse{Result: domain.NeighborResult(b[0])}
	case TypeShuffle:
		originator, err := readPeerID(r)
		if err != nil {
			return Envelope{}, err
		}
		nodes, err := readNodeList(r)
		if err != nil {
			return Envelope{}, err
		}
		b, err := readBytes(r, 1)
		if err != nil {
			return Envelope{}, err
		}
		msg = Shuffle{Originator: originator, Nodes: nodes, TTL: b[0]}
	case TypeShuffleReply:
		sentNodes, err := readNodeList(r)
		if err != nil {
			return Envelope{}, err
		}
		nodes, err := readNodeList(r)
		if err != nil {
			return Envelope{}, err
		}
		msg = ShuffleReply{SentNodes: sentNodes, Nodes: nodes}
	default:
		return Envelope{}, decodeErr(domain.ErrDecodeUnknownType, fmt.Sprintf("type byte %d", typ))
	}

	return Envelope{Sender: sender, Message: msg}, nil
}

// NewReader wraps r in a small buffer so Decode's many small reads don't
// each hit the underlying connection.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 512)
}

// ─── low-level helpers ──────────────────────────────────────────────────────

func writeHeader(w io.Writer, sender domain.PeerID, typ Type) error {
	if err := writePeerID(w, sender); err != nil {
		return err
	}
	return writeBytes(w, uint8(typ))
}

func readHeader(r io.Reader) (domain.PeerID, Type, error) {
	sender, err := readPeerID(r)
	if err != nil {
		return domain.PeerID{}, 0, err
	}
	b, err := readBytes(r, 1)
	if err != nil {
		return domain.PeerID{}, 0, err
	}
	return sender, Type(b[0]), nil
}

func writePeerID(w io.Writer, p domain.PeerID) error {
	var buf [6]byte
	copy(buf[0:4], p.IP[:])
	binary.BigEndian.PutUint16(buf[4:6], p.Port)
	if _, err := w.Write(buf[:]); err != nil {
		return &TransportError{Err: domain.ErrTransportWrite, Msg: "write peer id"}
	}
	return nil
}

func readPeerID(r io.Reader) (domain.PeerID, error) {
	var buf [6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return domain.PeerID{}, decodeErr(domain.ErrDecodeShortRead, "peer id")
	}
	var p domain.PeerID
	copy(p.IP[:], buf[0:4])
	p.Port = binary.BigEndian.Uint16(buf[4:6])
	return p, nil
}

func writeNodeList(w io.Writer, nodes []domain.PeerID) error {
	if len(nodes) > MaxNodeListLen {
		return fmt.Errorf("wire: encode: node list of %d exceeds max %d", len(nodes), MaxNodeListLen)
	}
	if err := writeBytes(w, uint8(len(nodes))); err != nil {
		return err
	}
	for _, n := range nodes {
		if err := writePeerID(w, n); err != nil {
			return err
		}
	}
	return nil
}

func readNodeList(r io.Reader) ([]domain.PeerID, error) {
	b, err := readBytes(r, 1)
	if err != nil {
		return nil, err
	}
	n := int(b[0])
	nodes := make([]domain.PeerID, 0, n)
	for i := 0; i < n; i++ {
		p, err := readPeerID(r)
		if err != nil {
			return nil, decodeErr(domain.ErrDecodeBadListLen, "node list entry")
		}
		nodes = append(nodes, p)
	}
	return nodes, nil
}

func writeBytes(w io.Writer, bs ...uint8) error {
	if _, err := w.Write(bs); err != nil {
		return &TransportError{Err: domain.ErrTransportWrite, Msg: "write bytes"}
	}
	return nil
}

func readBytes(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, decodeErr(domain.ErrDecodeShortRead, "fixed field")
	}
	return buf, nil
}
