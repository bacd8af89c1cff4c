// Package tcp implements transport.Transport over real TCP sockets: one
// reader goroutine and one writer goroutine per connection, framed with
// the internal/wire codec. Generalized from the teacher's UDP
// probe/ack read loop in internal/infra/gossip/swim.go to a
// stream-oriented, per-connection goroutine pair.
package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyparview/hyparview/internal/domain"
	"github.com/hyparview/hyparview/internal/transport"
	"github.com/hyparview/hyparview/internal/wire"
)

// DefaultWriteTimeout is the per-send deadline (spec §5: "a short write
// timeout (default 5s)").
const DefaultWriteTimeout = 5 * time.Second

// Transport dials and listens on real TCP sockets.
type Transport struct {
	selfID       domain.PeerID
	bindAddr     string
	sink         transport.EventSink
	writeTimeout time.Duration
	dialTimeout  time.Duration
}

// New creates a TCP transport bound to bindAddr (used only by Listen).
func New(selfID domain.PeerID, bindAddr string, sink transport.EventSink) *Transport {
	return &Transport{
		selfID:       selfID,
		bindAddr:     bindAddr,
		sink:         sink,
		writeTimeout: DefaultWriteTimeout,
		dialTimeout:  5 * time.Second,
	}
}

// Dial opens a new TCP connection to target and starts its reader/writer
// goroutines.
func (t *Transport) Dial(ctx context.Context, target domain.PeerID) (transport.Conn, error) {
	d := net.Dialer{Timeout: t.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", target.Addr().String())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransportWrite, target, err)
	}
	return newConn(nc, t.selfID, target, t.sink, t.writeTimeout, true), nil
}

// Listen binds the local address and returns a Listener whose Accept
// wraps each inbound net.Conn. The remote PeerID of an accepted
// connection is unknown until its first frame is decoded.
func (t *Transport) Listen() (transport.Listener, error) {
	ln, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", domain.ErrBindFailed, t.bindAddr, err)
	}
	return &listener{ln: ln, selfID: t.selfID, sink: t.sink, writeTimeout: t.writeTimeout}, nil
}

type listener struct {
	ln           net.Listener
	selfID       domain.PeerID
	sink         transport.EventSink
	writeTimeout time.Duration
}

func (l *listener) Accept() (transport.Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(nc, l.selfID, domain.PeerID{}, l.sink, l.writeTimeout, true), nil
}

func (l *listener) Close() error { return l.ln.Close() }

// conn wraps a net.Conn with a buffered outbound queue served by a writer
// goroutine and a decode loop served by a reader goroutine.
type conn struct {
	nc           net.Conn
	selfID       domain.PeerID
	sink         transport.EventSink
	writeTimeout time.Duration

	mu     sync.Mutex
	remote domain.PeerID

	outbox        chan wire.Message
	closing       chan struct{} // closed to request a graceful, drain-then-close shutdown
	closeOnce     sync.Once
	closedLocally atomic.Bool
}

func newConn(nc net.Conn, selfID, remote domain.PeerID, sink transport.EventSink, writeTimeout time.Duration, start bool) *conn {
	c := &conn{
		nc:           nc,
		selfID:       selfID,
		sink:         sink,
		writeTimeout: writeTimeout,
		remote:       remote,
		outbox:       make(chan wire.Message, 32),
		closing:      make(chan struct{}),
	}
	if start {
		go c.writeLoop()
		go c.readLoop()
	}
	return c
}

func (c *conn) Send(msg wire.Message) error {
	select {
	case c.outbox <- msg:
		return nil
	case <-c.closing:
		return domain.ErrTransportClosed
	}
}

func (c *conn) Remote() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *conn) setRemote(p domain.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote.IsZero() {
		c.remote = p
	}
}

// writeLoop serializes Sends onto the socket. A graceful Close drains
// whatever is already queued before the socket goes down, so a reply sent
// just before Close (e.g. SHUFFLE_REPLY on a transient connection) is not
// lost.
func (c *conn) writeLoop() {
	for {
		select {
		case msg := <-c.outbox:
			c.writeOne(msg)
		case <-c.closing:
			c.drainAndClose()
			return
		}
	}
}

func (c *conn) writeOne(msg wire.Message) {
	c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := wire.Encode(c.nc, c.selfID, msg); err != nil {
		c.teardown()
	}
}

func (c *conn) drainAndClose() {
	for {
		select {
		case msg := <-c.outbox:
			c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			wire.Encode(c.nc, c.selfID, msg)
		default:
			c.nc.Close()
			return
		}
	}
}

func (c *conn) readLoop() {
	r := wire.NewReader(c.nc)
	for {
		env, err := wire.Decode(r)
		if err != nil {
			c.teardown()
			return
		}
		c.setRemote(env.Sender)
		c.sink.Inbound(c, env)
	}
}

// teardown reacts to a read or write failure. If the connection was closed
// locally via Close, the failure is the expected side effect of our own
// shutdown and must not be reported as PeerLost.
func (c *conn) teardown() {
	c.closeOnce.Do(func() { close(c.closing) })
	c.nc.Close()
	if !c.closedLocally.Load() {
		c.sink.PeerLost(c.Remote())
	}
}

// Close requests a graceful shutdown: queued Sends still get a chance to
// flush via writeLoop's drainAndClose before the socket closes, and the
// resulting read/write failure on this end is suppressed rather than
// reported through PeerLost.
func (c *conn) Close() error {
	c.closedLocally.Store(true)
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}
