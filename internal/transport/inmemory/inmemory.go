// Package inmemory implements transport.Transport over net.Pipe, used to
// run multi-node HyParView scenarios inside a single test process (spec
// §8's "single process, in-memory transport" end-to-end scenarios).
package inmemory

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hyparview/hyparview/internal/domain"
	"github.com/hyparview/hyparview/internal/transport"
	"github.com/hyparview/hyparview/internal/wire"
)

// Network is a shared switchboard: every node's Transport registers
// itself here by PeerID, and Dial looks up the target's sink directly
// rather than going through a real socket listener.
type Network struct {
	mu    sync.Mutex
	nodes map[domain.PeerID]*Transport
}

// NewNetwork creates an empty switchboard.
func NewNetwork() *Network {
	return &Network{nodes: make(map[domain.PeerID]*Transport)}
}

// NewTransport registers a new virtual node on the network and returns its
// Transport.
func (n *Network) NewTransport(selfID domain.PeerID, sink transport.EventSink) *Transport {
	t := &Transport{net: n, selfID: selfID, sink: sink}
	n.mu.Lock()
	n.nodes[selfID] = t
	n.mu.Unlock()
	return t
}

func (n *Network) lookup(id domain.PeerID) (*Transport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.nodes[id]
	return t, ok
}

// Remove unregisters a node, simulating it leaving the network entirely
// (future Dials to it fail).
func (n *Network) Remove(id domain.PeerID) {
	n.mu.Lock()
	delete(n.nodes, id)
	n.mu.Unlock()
}

// Transport is one virtual node's view of the Network.
type Transport struct {
	net    *Network
	selfID domain.PeerID
	sink   transport.EventSink
}

// Dial connects to target by handing it the server half of an in-process
// pipe directly — no real accept loop is needed since both conn ends are
// wired up synchronously.
func (t *Transport) Dial(ctx context.Context, target domain.PeerID) (transport.Conn, error) {
	peerT, ok := t.net.lookup(target)
	if !ok {
		return nil, fmt.Errorf("%w: no such node %s", domain.ErrTransportWrite, target)
	}
	clientSide, serverSide := net.Pipe()

	clientConn := newConn(clientSide, t.selfID, target, t.sink)
	serverConn := newConn(serverSide, peerT.selfID, t.selfID, peerT.sink)
	go serverConn.readLoop()
	go clientConn.readLoop()
	return clientConn, nil
}

// Listen returns a Listener that never produces connections on its own:
// inmemory Dial wires both ends of a pipe directly into each side's sink,
// so there is nothing for a separate accept loop to do. It exists purely
// to satisfy transport.Transport for daemon code that calls Listen
// unconditionally.
func (t *Transport) Listen() (transport.Listener, error) {
	return &listener{closed: make(chan struct{})}, nil
}

type listener struct {
	closed chan struct{}
	once   sync.Once
}

func (l *listener) Accept() (transport.Conn, error) {
	<-l.closed
	return nil, domain.ErrTransportClosed
}

func (l *listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// conn is a net.Pipe-backed transport.Conn. Writes block until the peer's
// reader consumes them (net.Pipe is unbuffered and synchronous), which is
// fine for deterministic single-process tests.
type conn struct {
	nc     net.Conn
	selfID domain.PeerID
	remote domain.PeerID
	sink   transport.EventSink

	mu   sync.Mutex
	once sync.Once
	done chan struct{}
}

func newConn(nc net.Conn, selfID, remote domain.PeerID, sink transport.EventSink) *conn {
	return &conn{nc: nc, selfID: selfID, remote: remote, sink: sink, done: make(chan struct{})}
}

func (c *conn) Send(msg wire.Message) error {
	c.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := wire.Encode(c.nc, c.selfID, msg); err != nil {
		c.fail()
		return err
	}
	return nil
}

func (c *conn) Remote() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *conn) readLoop() {
	r := wire.NewReader(c.nc)
	for {
		env, err := wire.Decode(r)
		if err != nil {
			c.fail()
			return
		}
		c.sink.Inbound(c, env)
	}
}

func (c *conn) fail() {
	c.once.Do(func() {
		close(c.done)
		c.nc.Close()
		c.sink.PeerLost(c.Remote())
	})
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.nc.Close()
	})
	return nil
}
