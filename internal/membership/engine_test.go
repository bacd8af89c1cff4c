package membership

import (
	"context"
	"math/rand"
	"testing"

	"github.com/hyparview/hyparview/internal/domain"
	"github.com/hyparview/hyparview/internal/logging"
	"github.com/hyparview/hyparview/internal/transport"
	"github.com/hyparview/hyparview/internal/transport/inmemory"
	"github.com/hyparview/hyparview/internal/view"
	"github.com/hyparview/hyparview/internal/wire"
)

func peer(t *testing.T, s string) domain.PeerID {
	t.Helper()
	p, err := domain.ParsePeerID(s)
	if err != nil {
		t.Fatalf("parse peer %q: %v", s, err)
	}
	return p
}

func testCfg(self domain.PeerID, activeSize, passiveSize int) domain.Config {
	return domain.Config{
		SelfID:                  self,
		ActiveViewSize:          activeSize,
		PassiveViewSize:         passiveSize,
		ActiveRandomWalkLength:  6,
		PassiveRandomWalkLength: 3,
		ShufflePeriodSeconds:    30,
		ShuffleActiveViewCount:  3,
		ShufflePassiveViewCount: 4,
		ShuffleWalkLength:       2,
	}
}

// ─── stub transport/conn for isolated Handle-level unit tests ──────────────

type stubConn struct {
	remote domain.PeerID
	sent   []wire.Message
	closed bool
}

func (c *stubConn) Send(m wire.Message) error { c.sent = append(c.sent, m); return nil }
func (c *stubConn) Close() error              { c.closed = true; return nil }
func (c *stubConn) Remote() domain.PeerID     { return c.remote }

type stubTransport struct {
	dialErr error
	dialed  map[domain.PeerID]*stubConn
}

func newStubTransport() *stubTransport {
	return &stubTransport{dialed: make(map[domain.PeerID]*stubConn)}
}

func (t *stubTransport) Dial(ctx context.Context, target domain.PeerID) (transport.Conn, error) {
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := &stubConn{remote: target}
	t.dialed[target] = c
	return c, nil
}

func (t *stubTransport) Listen() (transport.Listener, error) { return nil, nil }

func newTestEngine(cfg domain.Config, tr transport.Transport, seed int64) *Engine {
	store := view.New[transport.Conn](cfg.SelfID, cfg.ActiveViewSize, cfg.PassiveViewSize, rand.New(rand.NewSource(seed)))
	return New(cfg, store, tr, rand.New(rand.NewSource(seed+1)), logging.New("test"), nil, nil)
}

// ─── scenario 1: two-node join (in-memory transport, full integration) ──────

type netSink struct{ ch chan Event }

func (s *netSink) Inbound(conn transport.Conn, env wire.Envelope) {
	s.ch <- Inbound{Conn: conn, Envelope: env}
}
func (s *netSink) PeerLost(p domain.PeerID) { s.ch <- PeerLost{Peer: p} }

type netNode struct {
	engine *Engine
	sink   *netSink
}

func newNetNode(net *inmemory.Network, cfg domain.Config, seed int64) *netNode {
	sink := &netSink{ch: make(chan Event, 64)}
	tr := net.NewTransport(cfg.SelfID, sink)
	return &netNode{engine: newTestEngine(cfg, tr, seed), sink: sink}
}

// drainUntilQuiet repeatedly handles whatever events are already queued on
// every node, round-robin, until a full pass delivers nothing new.
func drainUntilQuiet(t *testing.T, ctx context.Context, nodes []*netNode) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		progressed := false
		for _, n := range nodes {
			select {
			case ev := <-n.sink.ch:
				if err := n.engine.Handle(ctx, ev); err != nil {
					t.Fatalf("handle: %v", err)
				}
				progressed = true
			default:
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatalf("drainUntilQuiet: did not settle")
}

func TestScenario1TwoNodeJoin(t *testing.T) {
	ctx := context.Background()
	a := peer(t, "127.0.0.1:9001")
	b := peer(t, "127.0.0.1:9002")

	net := inmemory.NewNetwork()
	nodeA := newNetNode(net, testCfg(a, 5, 30), 1)
	cfgB := testCfg(b, 5, 30)
	cfgB.ContactNodes = []domain.PeerID{a}
	nodeB := newNetNode(net, cfgB, 2)

	if err := nodeB.engine.Handle(ctx, Bootstrap{}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	drainUntilQuiet(t, ctx, []*netNode{nodeA, nodeB})

	if !nodeA.engine.ActiveContains(b) {
		t.Errorf("A.active should contain B")
	}
	if !nodeB.engine.ActiveContains(a) {
		t.Errorf("B.active should contain A")
	}
	if nodeA.engine.PassiveViewLen() != 0 || nodeB.engine.PassiveViewLen() != 0 {
		t.Errorf("both passives should be empty, got A=%d B=%d", nodeA.engine.PassiveViewLen(), nodeB.engine.PassiveViewLen())
	}
}

// ─── scenario 2: three-node forward-join with ARWL=1 ────────────────────────

func TestScenario2ThreeNodeForwardJoin(t *testing.T) {
	ctx := context.Background()
	a := peer(t, "127.0.0.1:9001")
	b := peer(t, "127.0.0.1:9002")
	c := peer(t, "127.0.0.1:9003")

	net := inmemory.NewNetwork()
	mk := func(self domain.PeerID, contacts []domain.PeerID, seed int64) *netNode {
		cfg := testCfg(self, 5, 30)
		cfg.ActiveRandomWalkLength = 1
		cfg.ContactNodes = contacts
		return newNetNode(net, cfg, seed)
	}
	nodeA := mk(a, nil, 10)
	nodeB := mk(b, []domain.PeerID{a}, 11)
	nodeC := mk(c, []domain.PeerID{a}, 12)

	if err := nodeB.engine.Handle(ctx, Bootstrap{}); err != nil {
		t.Fatalf("B bootstrap: %v", err)
	}
	drainUntilQuiet(t, ctx, []*netNode{nodeA, nodeB, nodeC})

	if err := nodeC.engine.Handle(ctx, Bootstrap{}); err != nil {
		t.Fatalf("C bootstrap: %v", err)
	}
	drainUntilQuiet(t, ctx, []*netNode{nodeA, nodeB, nodeC})

	for _, want := range []struct {
		name string
		n    *netNode
		want []domain.PeerID
	}{
		{"A", nodeA, []domain.PeerID{b, c}},
		{"B", nodeB, []domain.PeerID{a, c}},
		{"C", nodeC, []domain.PeerID{a, b}},
	} {
		for _, p := range want.want {
			if !want.n.engine.ActiveContains(p) {
				t.Errorf("%s.active should contain %s, active=%v", want.name, p, want.n.engine.ActiveView())
			}
		}
	}
}

// ─── scenario 3: passive fill via PRWL ──────────────────────────────────────

func TestScenario3PassiveFillViaPRWL(t *testing.T) {
	ctx := context.Background()
	self := peer(t, "127.0.0.1:9000")
	q := peer(t, "127.0.0.1:9001") // the neighbor the FORWARD_JOIN arrived from
	other := peer(t, "127.0.0.1:9002")
	originator := peer(t, "127.0.0.1:9100")

	tr := newStubTransport()
	cfg := testCfg(self, 5, 30)
	e := newTestEngine(cfg, tr, 20)

	// Two active peers so |active| != 1 and the terminal short-circuit does
	// not fire before the PRWL check.
	e.store.AddActive(q, &stubConn{remote: q})
	e.store.AddActive(other, &stubConn{remote: other})

	fj := wire.ForwardJoin{Originator: originator, ARWL: 6, PRWL: 3, TTL: 3}
	if err := e.handleForwardJoin(ctx, q, fj); err != nil {
		t.Fatalf("handleForwardJoin: %v", err)
	}

	if !e.store.PassiveContains(originator) {
		t.Errorf("originator should be added to passive view at ttl==prwl, passive=%v", e.PassiveView())
	}
}

// ─── scenario 4: active eviction on overflow ────────────────────────────────

func TestScenario4ActiveEvictionOnOverflow(t *testing.T) {
	ctx := context.Background()
	self := peer(t, "127.0.0.1:9000")
	x := peer(t, "127.0.0.1:9001")
	y := peer(t, "127.0.0.1:9002")
	z := peer(t, "127.0.0.1:9003")

	tr := newStubTransport()
	cfg := testCfg(self, 2, 30)
	e := newTestEngine(cfg, tr, 30)

	connX := &stubConn{remote: x}
	connY := &stubConn{remote: y}
	e.store.AddActive(x, connX)
	e.store.AddActive(y, connY)

	connZ := &stubConn{remote: z}
	if err := e.handleJoin(connZ, z); err != nil {
		t.Fatalf("handleJoin: %v", err)
	}

	if !e.store.ActiveContains(z) {
		t.Fatalf("Z should be active after join, active=%v", e.ActiveView())
	}
	if e.store.ActiveLen() != 2 {
		t.Fatalf("active view should stay at cap 2, got %d", e.store.ActiveLen())
	}

	var evicted domain.PeerID
	var evictedConn *stubConn
	switch {
	case !e.store.ActiveContains(x):
		evicted, evictedConn = x, connX
	case !e.store.ActiveContains(y):
		evicted, evictedConn = y, connY
	default:
		t.Fatalf("exactly one of X, Y should have been evicted")
	}

	if !e.store.PassiveContains(evicted) {
		t.Errorf("evicted peer %s should land in passive", evicted)
	}
	if !evictedConn.closed {
		t.Errorf("evicted peer's connection should be closed")
	}
	foundDisconnect := false
	for _, m := range evictedConn.sent {
		if _, ok := m.(wire.Disconnect); ok {
			foundDisconnect = true
		}
	}
	if !foundDisconnect {
		t.Errorf("evicted peer should have received DISCONNECT, got %#v", evictedConn.sent)
	}

	foundAck := false
	for _, m := range connZ.sent {
		if _, ok := m.(wire.JoinAck); ok {
			foundAck = true
		}
	}
	if !foundAck {
		t.Errorf("Z should have received JOIN_ACK, got %#v", connZ.sent)
	}
}

// ─── scenario 5: shuffle reply merge ────────────────────────────────────────

func TestScenario5ShuffleReply(t *testing.T) {
	ctx := context.Background()
	self := peer(t, "127.0.0.1:9000")
	o := peer(t, "127.0.0.1:9100") // shuffle originator
	p1 := peer(t, "127.0.0.1:9101")
	p2 := peer(t, "127.0.0.1:9102")
	p3 := peer(t, "127.0.0.1:9103")

	tr := newStubTransport()
	cfg := testCfg(self, 5, 10) // plenty of passive headroom, no eviction forced
	e := newTestEngine(cfg, tr, 40)

	q1 := peer(t, "127.0.0.1:9201")
	q2 := peer(t, "127.0.0.1:9202")
	q3 := peer(t, "127.0.0.1:9203")
	q4 := peer(t, "127.0.0.1:9204")
	for _, q := range []domain.PeerID{q1, q2, q3, q4} {
		if err := e.store.AddPassive(q); err != nil {
			t.Fatalf("seed passive %s: %v", q, err)
		}
	}

	shuffle := wire.Shuffle{Originator: o, Nodes: []domain.PeerID{p1, p2, p3}, TTL: 0}
	if err := e.handleShuffle(ctx, o, shuffle); err != nil {
		t.Fatalf("handleShuffle: %v", err)
	}

	conn, ok := tr.dialed[o]
	if !ok {
		t.Fatalf("expected a transient dial to originator %s", o)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected exactly one SHUFFLE_REPLY sent to originator, got %d", len(conn.sent))
	}
	reply, ok := conn.sent[0].(wire.ShuffleReply)
	if !ok {
		t.Fatalf("expected SHUFFLE_REPLY, got %#v", conn.sent[0])
	}
	if !peerSetEqual(reply.SentNodes, shuffle.Nodes) {
		t.Errorf("sent_nodes should echo the triggering SHUFFLE's nodes, got %v want %v", reply.SentNodes, shuffle.Nodes)
	}
	for _, p := range []domain.PeerID{p1, p2, p3} {
		if !e.store.PassiveContains(p) {
			t.Errorf("R's passive should contain %s after merge, passive=%v", p, e.PassiveView())
		}
	}

	// O merges R's reply into its own passive, preferring to evict members
	// of {p1,p2,p3} (the sent_nodes of this round) over the freshly
	// learned reply.Nodes.
	oCfg := testCfg(o, 5, 10)
	oEngine := newTestEngine(oCfg, newStubTransport(), 41)
	for _, p := range []domain.PeerID{p1, p2, p3} {
		if err := oEngine.store.AddPassive(p); err != nil {
			t.Fatalf("seed O passive %s: %v", p, err)
		}
	}
	if err := oEngine.handleShuffleReply(peer(t, "127.0.0.1:9000"), reply); err != nil {
		t.Fatalf("handleShuffleReply: %v", err)
	}
	for _, p := range reply.Nodes {
		if !oEngine.store.PassiveContains(p) {
			t.Errorf("O's passive should contain replied node %s, passive=%v", p, oEngine.PassiveView())
		}
	}
}

func peerSetEqual(a, b []domain.PeerID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[domain.PeerID]int)
	for _, p := range a {
		set[p]++
	}
	for _, p := range b {
		set[p]--
	}
	for _, n := range set {
		if n != 0 {
			return false
		}
	}
	return true
}

// ─── scenario 6: symmetric disconnect ───────────────────────────────────────

func TestScenario6SymmetricDisconnect(t *testing.T) {
	ctx := context.Background()
	a := peer(t, "127.0.0.1:9001")
	self := peer(t, "127.0.0.1:9002")
	passivePeer := peer(t, "127.0.0.1:9003")

	tr := newStubTransport()
	cfg := testCfg(self, 5, 30)
	e := newTestEngine(cfg, tr, 50)

	connA := &stubConn{remote: a}
	e.store.AddActive(a, connA)
	if err := e.store.AddPassive(passivePeer); err != nil {
		t.Fatalf("seed passive: %v", err)
	}

	e.doDisconnect(ctx, a)

	if e.store.ActiveContains(a) {
		t.Errorf("A should have been removed from active")
	}
	if !e.store.PassiveContains(a) {
		t.Errorf("A should have been added to passive")
	}
	if !connA.closed {
		t.Errorf("A's connection should be closed")
	}

	conn, ok := tr.dialed[passivePeer]
	if !ok {
		t.Fatalf("expected a NEIGHBOR_REQUEST dial to a passive peer, dialed=%v", tr.dialed)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected exactly one NEIGHBOR_REQUEST, got %d", len(conn.sent))
	}
	nr, ok := conn.sent[0].(wire.NeighborRequest)
	if !ok {
		t.Fatalf("expected NEIGHBOR_REQUEST, got %#v", conn.sent[0])
	}
	if nr.Priority != domain.PriorityHigh {
		t.Errorf("active view is empty after A leaves, priority should be High, got %s", nr.Priority)
	}
}

// ─── FORWARD_JOIN TTL-decrement property ────────────────────────────────────

func TestForwardJoinDecrementsTTLPerHop(t *testing.T) {
	ctx := context.Background()
	self := peer(t, "127.0.0.1:9000")
	from := peer(t, "127.0.0.1:9001")
	relayTarget := peer(t, "127.0.0.1:9002")
	originator := peer(t, "127.0.0.1:9100")

	tr := newStubTransport()
	cfg := testCfg(self, 5, 30)
	e := newTestEngine(cfg, tr, 60)

	e.store.AddActive(from, &stubConn{remote: from})
	relayConn := &stubConn{remote: relayTarget}
	e.store.AddActive(relayTarget, relayConn)

	fj := wire.ForwardJoin{Originator: originator, ARWL: 6, PRWL: 1, TTL: 4}
	if err := e.handleForwardJoin(ctx, from, fj); err != nil {
		t.Fatalf("handleForwardJoin: %v", err)
	}

	if len(relayConn.sent) != 1 {
		t.Fatalf("expected exactly one relayed FORWARD_JOIN, got %d", len(relayConn.sent))
	}
	next, ok := relayConn.sent[0].(wire.ForwardJoin)
	if !ok {
		t.Fatalf("expected FORWARD_JOIN, got %#v", relayConn.sent[0])
	}
	if next.TTL != fj.TTL-1 {
		t.Errorf("TTL should decrement by exactly 1 per hop: got %d want %d", next.TTL, fj.TTL-1)
	}
	if next.Originator != originator {
		t.Errorf("originator must be preserved across hops")
	}
}

// ─── JOIN fan-out count property ────────────────────────────────────────────

func TestJoinProducesOneAckAndFanOutForwardJoins(t *testing.T) {
	ctx := context.Background()
	self := peer(t, "127.0.0.1:9000")
	existing1 := peer(t, "127.0.0.1:9001")
	existing2 := peer(t, "127.0.0.1:9002")
	existing3 := peer(t, "127.0.0.1:9003")
	joiner := peer(t, "127.0.0.1:9100")

	tr := newStubTransport()
	cfg := testCfg(self, 5, 30)
	e := newTestEngine(cfg, tr, 70)

	conns := map[domain.PeerID]*stubConn{}
	for _, p := range []domain.PeerID{existing1, existing2, existing3} {
		c := &stubConn{remote: p}
		conns[p] = c
		e.store.AddActive(p, c)
	}

	joinerConn := &stubConn{remote: joiner}
	if err := e.handleJoin(joinerConn, joiner); err != nil {
		t.Fatalf("handleJoin: %v", err)
	}

	acks := 0
	for _, m := range joinerConn.sent {
		if _, ok := m.(wire.JoinAck); ok {
			acks++
		}
	}
	if acks != 1 {
		t.Errorf("expected exactly one JOIN_ACK to the joiner, got %d", acks)
	}

	fanout := 0
	for _, c := range conns {
		for _, m := range c.sent {
			if _, ok := m.(wire.ForwardJoin); ok {
				fanout++
			}
		}
	}
	if fanout != len(conns) {
		t.Errorf("expected %d FORWARD_JOINs (one per pre-existing active peer), got %d", len(conns), fanout)
	}
}

// ─── invariants over randomized event sequences ─────────────────────────────

func TestInvariantsHoldOverRandomSequence(t *testing.T) {
	ctx := context.Background()
	self := peer(t, "127.0.0.1:9000")
	cfg := testCfg(self, 4, 6)
	tr := newStubTransport()
	e := newTestEngine(cfg, tr, 99)

	rng := rand.New(rand.NewSource(1234))
	knownPeers := make([]domain.PeerID, 0, 40)
	for i := 0; i < 40; i++ {
		knownPeers = append(knownPeers, domain.PeerID{IP: [4]byte{10, 0, 0, byte(i + 1)}, Port: uint16(9000 + i)})
	}

	for i := 0; i < 500; i++ {
		p := knownPeers[rng.Intn(len(knownPeers))]
		switch rng.Intn(3) {
		case 0:
			e.handleJoin(&stubConn{remote: p}, p)
		case 1:
			e.doDisconnect(ctx, p)
		case 2:
			if e.store.ActiveContains(p) {
				e.Handle(ctx, PeerLost{Peer: p})
			}
		}
		checkInvariants(t, e, cfg)
	}
}

func checkInvariants(t *testing.T, e *Engine, cfg domain.Config) {
	t.Helper()
	if e.store.ActiveLen() > cfg.ActiveViewSize {
		t.Fatalf("active view exceeded bound: %d > %d", e.store.ActiveLen(), cfg.ActiveViewSize)
	}
	if e.store.PassiveLen() > cfg.PassiveViewSize {
		t.Fatalf("passive view exceeded bound: %d > %d", e.store.PassiveLen(), cfg.PassiveViewSize)
	}
	if e.store.ActiveContains(cfg.SelfID) || e.store.PassiveContains(cfg.SelfID) {
		t.Fatalf("self_id must never appear in either view")
	}
	for _, p := range e.store.ActivePeers() {
		if e.store.PassiveContains(p) {
			t.Fatalf("peer %s present in both active and passive", p)
		}
	}
}
