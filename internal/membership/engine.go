package membership

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/hyparview/hyparview/internal/domain"
	"github.com/hyparview/hyparview/internal/logging"
	"github.com/hyparview/hyparview/internal/transport"
	"github.com/hyparview/hyparview/internal/view"
	"github.com/hyparview/hyparview/internal/wire"
)

// Engine is the single-owner HyParView state machine. It is driven
// exclusively through Handle and must only ever be called from one
// goroutine — see spec §5: "the engine task is non-blocking between
// events" and owns the view store without locking.
type Engine struct {
	cfg   domain.Config
	store *view.Store[transport.Conn]
	tr    transport.Transport
	log   *logging.Logger
	rng   *rand.Rand

	metrics MetricsRecorder
	audit   AuditRecorder

	joined bool

	// joinStartedAt timestamps the most recent bootstrap attempt, cleared
	// once a JOIN_ACK confirms membership, for the join-latency metric.
	joinStartedAt time.Time

	// neighborTried tracks passive peers already attempted during the
	// current active-view-recovery episode, so NEIGHBOR_REQUEST retries
	// (spec §4.3) don't loop back to a peer that already rejected us. Reset
	// whenever the active view stops being underfull or the passive view
	// is exhausted.
	neighborTried map[domain.PeerID]bool
}

// New constructs an Engine over an already-built view.Store and transport.
// metrics and audit may be nil, in which case no-op implementations are
// used.
func New(cfg domain.Config, store *view.Store[transport.Conn], tr transport.Transport, rng *rand.Rand, log *logging.Logger, metrics MetricsRecorder, audit AuditRecorder) *Engine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if audit == nil {
		audit = noopAudit{}
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		tr:      tr,
		rng:     rng,
		log:     log,
		metrics: metrics,
		audit:   audit,
	}
}

// ActiveView returns a snapshot of the active view's peers, for the debug
// HTTP endpoint and the dump-state CLI command.
func (e *Engine) ActiveView() []domain.PeerID { return e.store.ActivePeers() }

// PassiveView returns a snapshot of the passive view's peers.
func (e *Engine) PassiveView() []domain.PeerID { return e.store.PassivePeers() }

// ActiveViewLen and PassiveViewLen report the current view sizes.
func (e *Engine) ActiveViewLen() int  { return e.store.ActiveLen() }
func (e *Engine) PassiveViewLen() int { return e.store.PassiveLen() }

// ActiveContains reports whether p is currently in the active view.
func (e *Engine) ActiveContains(p domain.PeerID) bool { return e.store.ActiveContains(p) }

// Handle processes exactly one Event. It never blocks on socket I/O:
// outbound sends are queued to the target connection's writer, and the one
// blocking operation it performs — Dial — happens on behalf of events that
// are themselves about opening a new connection (Bootstrap, JoinRetryTick,
// an accepted FORWARD_JOIN, a NEIGHBOR_REQUEST retry).
func (e *Engine) Handle(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case Bootstrap:
		return e.handleBootstrap(ctx)
	case JoinRetryTick:
		return e.handleJoinRetry(ctx)
	case ShuffleTick:
		return e.handleShuffleTick(ctx)
	case PeerLost:
		e.doDisconnect(ctx, ev.Peer)
		return nil
	case Inbound:
		return e.handleInbound(ctx, ev)
	default:
		return nil
	}
}

func (e *Engine) handleInbound(ctx context.Context, ev Inbound) error {
	sender := ev.Envelope.Sender
	e.metrics.MessageReceived(ev.Envelope.Message.Type())
	switch m := ev.Envelope.Message.(type) {
	case wire.Join:
		return e.handleJoin(ev.Conn, sender)
	case wire.ForwardJoin:
		return e.handleForwardJoin(ctx, sender, m)
	case wire.JoinAck:
		return e.handleJoinAck(ev.Conn, sender)
	case wire.Disconnect:
		e.doDisconnect(ctx, sender)
		return nil
	case wire.NeighborRequest:
		return e.handleNeighborRequest(ev.Conn, sender, m)
	case wire.NeighborResponse:
		return e.handleNeighborResponse(ctx, ev.Conn, sender, m)
	case wire.Shuffle:
		return e.handleShuffle(ctx, sender, m)
	case wire.ShuffleReply:
		return e.handleShuffleReply(sender, m)
	default:
		return nil
	}
}

// ─── Bootstrap / join ───────────────────────────────────────────────────────

// handleBootstrap and handleJoinRetry share logic: pick a random contact,
// dial it, send JOIN. "Success" is the dial+send succeeding, not receipt of
// JOIN_ACK — per spec §4.3, JoinRetry ticks stop once that happens.
func (e *Engine) handleBootstrap(ctx context.Context) error {
	return e.attemptJoin(ctx)
}

func (e *Engine) handleJoinRetry(ctx context.Context) error {
	if e.joined {
		return nil
	}
	return e.attemptJoin(ctx)
}

func (e *Engine) attemptJoin(ctx context.Context) error {
	if e.joined || len(e.cfg.ContactNodes) == 0 {
		return nil
	}
	contact := e.cfg.ContactNodes[e.rng.Intn(len(e.cfg.ContactNodes))]
	e.joinStartedAt = time.Now()

	conn, err := e.tr.Dial(ctx, contact)
	if err != nil {
		e.log.Warn("event", "bootstrap_dial_failed", "contact", contact, "err", err)
		return nil
	}
	if err := conn.Send(wire.Join{}); err != nil {
		e.log.Warn("event", "bootstrap_send_failed", "contact", contact, "err", err)
		conn.Close()
		return nil
	}
	evicted, err := e.store.AddActive(contact, conn)
	if err != nil {
		e.log.Error("event", "bootstrap_self_contact", "contact", contact, "err", err)
		conn.Close()
		return nil
	}
	e.applyEviction(evicted)

	e.joined = true
	e.metrics.MessageSent(wire.TypeJoin)
	e.metrics.ViewSizes(e.store.ActiveLen(), e.store.PassiveLen())
	e.audit.RecordEvent("bootstrap_join_sent", contact, "")
	return nil
}

// ─── JOIN / FORWARD_JOIN / JOIN_ACK ─────────────────────────────────────────

func (e *Engine) handleJoin(conn transport.Conn, sender domain.PeerID) error {
	evicted, err := e.store.AddActive(sender, conn)
	if err != nil {
		// sender == selfID: malformed or spoofed frame, drop.
		e.log.Warn("event", "join_rejected", "sender", sender, "err", err)
		return nil
	}
	e.applyEviction(evicted)

	if err := conn.Send(wire.JoinAck{}); err != nil {
		e.log.Warn("event", "join_ack_send_failed", "sender", sender, "err", err)
	} else {
		e.metrics.MessageSent(wire.TypeJoinAck)
	}

	// Forward the join to every other active peer — spec §4.3: "For every
	// other peer q currently in the active view, send FORWARD_JOIN."
	for _, q := range e.store.ActivePeers() {
		if q == sender {
			continue
		}
		w, ok := e.store.ActiveWriter(q)
		if !ok {
			continue
		}
		fj := wire.ForwardJoin{
			Originator: sender,
			ARWL:       e.cfg.ActiveRandomWalkLength,
			PRWL:       e.cfg.PassiveRandomWalkLength,
			TTL:        e.cfg.ActiveRandomWalkLength,
		}
		if err := w.Send(fj); err != nil {
			e.log.Warn("event", "forward_join_send_failed", "to", q, "err", err)
			continue
		}
		e.metrics.MessageSent(wire.TypeForwardJoin)
	}

	e.metrics.ViewSizes(e.store.ActiveLen(), e.store.PassiveLen())
	e.audit.RecordEvent("join_received", sender, "")
	return nil
}

// handleForwardJoin implements the three-case policy from spec §4.3: accept
// terminally when ttl is exhausted or the forwarding neighbor was our only
// active peer, stash the originator in passive at the PRWL boundary, and
// otherwise forward onward to a random other active peer, decrementing ttl.
func (e *Engine) handleForwardJoin(ctx context.Context, sender domain.PeerID, m wire.ForwardJoin) error {
	if m.Originator == e.cfg.SelfID {
		return nil
	}

	if m.TTL == 0 || e.store.ActiveLen() == 1 {
		return e.acceptForwardJoin(ctx, m.Originator)
	}

	if m.TTL == m.PRWL {
		if err := e.store.AddPassive(m.Originator); err == nil {
			e.audit.RecordEvent("forward_join_passive", m.Originator, "")
		}
	}

	r, ok := e.store.RandomActiveExcept(sender)
	if !ok {
		return e.acceptForwardJoin(ctx, m.Originator)
	}
	w, ok := e.store.ActiveWriter(r)
	if !ok {
		return nil
	}
	next := wire.ForwardJoin{Originator: m.Originator, ARWL: m.ARWL, PRWL: m.PRWL, TTL: m.TTL - 1}
	if err := w.Send(next); err != nil {
		e.log.Warn("event", "forward_join_relay_failed", "to", r, "err", err)
		return nil
	}
	e.metrics.MessageSent(wire.TypeForwardJoin)
	return nil
}

func (e *Engine) acceptForwardJoin(ctx context.Context, originator domain.PeerID) error {
	conn, err := e.tr.Dial(ctx, originator)
	if err != nil {
		e.log.Warn("event", "forward_join_dial_failed", "peer", originator, "err", err)
		return nil
	}
	evicted, err := e.store.AddActive(originator, conn)
	if err != nil {
		conn.Close()
		return nil
	}
	e.applyEviction(evicted)
	if err := conn.Send(wire.JoinAck{}); err != nil {
		e.log.Warn("event", "forward_join_ack_failed", "peer", originator, "err", err)
	} else {
		e.metrics.MessageSent(wire.TypeJoinAck)
	}
	e.metrics.ViewSizes(e.store.ActiveLen(), e.store.PassiveLen())
	e.audit.RecordEvent("forward_join_accepted", originator, "")
	return nil
}

func (e *Engine) handleJoinAck(conn transport.Conn, sender domain.PeerID) error {
	if !e.store.ActiveContains(sender) {
		if evicted, err := e.store.AddActive(sender, conn); err == nil {
			e.applyEviction(evicted)
		}
	}
	if !e.joinStartedAt.IsZero() {
		e.metrics.JoinLatency(time.Since(e.joinStartedAt))
		e.joinStartedAt = time.Time{}
	}
	e.metrics.ViewSizes(e.store.ActiveLen(), e.store.PassiveLen())
	e.audit.RecordEvent("join_ack_received", sender, "")
	return nil
}

// ─── DISCONNECT / PeerLost ──────────────────────────────────────────────────

// doDisconnect handles both an inbound DISCONNECT and a transport-reported
// PeerLost identically, per spec §4.3: the dropped peer moves to passive
// and, if the active view is now underfull, a NEIGHBOR_REQUEST recovery
// cycle begins.
func (e *Engine) doDisconnect(ctx context.Context, peer domain.PeerID) {
	if conn, ok := e.store.RemoveActive(peer); ok {
		conn.Close()
	}
	e.store.AddPassive(peer)
	// A link lost before any JOIN_ACK arrived, leaving no active peer,
	// means the join did not take: let the next JoinRetryTick try again.
	if !e.joinStartedAt.IsZero() && e.store.ActiveLen() == 0 {
		e.joined = false
	}
	e.metrics.ViewSizes(e.store.ActiveLen(), e.store.PassiveLen())
	e.audit.RecordEvent("disconnect", peer, "")
	// The peer that just dropped is not asked back in this recovery episode.
	if e.neighborTried == nil {
		e.neighborTried = make(map[domain.PeerID]bool)
	}
	e.neighborTried[peer] = true
	e.maybeRequestNeighbor(ctx)
}

// ─── NEIGHBOR_REQUEST / NEIGHBOR_RESPONSE ───────────────────────────────────

func (e *Engine) handleNeighborRequest(conn transport.Conn, sender domain.PeerID, m wire.NeighborRequest) error {
	accept := m.Priority == domain.PriorityHigh || !e.store.ActiveIsFull()
	if !accept {
		if err := conn.Send(wire.NeighborResponse{Result: domain.ResultReject}); err != nil {
			e.log.Warn("event", "neighbor_reject_send_failed", "peer", sender, "err", err)
		} else {
			e.metrics.MessageSent(wire.TypeNeighborResponse)
		}
		e.audit.RecordEvent("neighbor_reject", sender, m.Priority.String())
		return nil
	}

	evicted, err := e.store.AddActive(sender, conn)
	if err != nil {
		return nil
	}
	e.applyEviction(evicted)
	if err := conn.Send(wire.NeighborResponse{Result: domain.ResultAccept}); err != nil {
		e.log.Warn("event", "neighbor_accept_send_failed", "peer", sender, "err", err)
	} else {
		e.metrics.MessageSent(wire.TypeNeighborResponse)
	}
	e.metrics.ViewSizes(e.store.ActiveLen(), e.store.PassiveLen())
	e.audit.RecordEvent("neighbor_accept", sender, m.Priority.String())
	return nil
}

func (e *Engine) handleNeighborResponse(ctx context.Context, conn transport.Conn, sender domain.PeerID, m wire.NeighborResponse) error {
	if m.Result == domain.ResultAccept {
		if !e.store.ActiveContains(sender) {
			if evicted, err := e.store.AddActive(sender, conn); err == nil {
				e.applyEviction(evicted)
			}
		}
		e.neighborTried = nil
		e.metrics.ViewSizes(e.store.ActiveLen(), e.store.PassiveLen())
		e.audit.RecordEvent("neighbor_response_accept", sender, "")
		return nil
	}

	// Reject: p remains in passive. Retry against a different passive peer
	// if the active view is still underfull; abandon once the passive view
	// is exhausted.
	conn.Close()
	if e.neighborTried == nil {
		e.neighborTried = make(map[domain.PeerID]bool)
	}
	e.neighborTried[sender] = true
	e.audit.RecordEvent("neighbor_response_reject", sender, "")
	e.maybeRequestNeighbor(ctx)
	return nil
}

// maybeRequestNeighbor issues a NEIGHBOR_REQUEST against a passive peer not
// already tried in the current recovery episode, if the active view is
// underfull. A dial or send failure moves straight to the next untried
// candidate within this same call (no separate event reenters for that);
// a Reject response, by contrast, reenters recovery on the next
// NEIGHBOR_RESPONSE or ShuffleTick event so the engine never blocks on a
// chain of sequential request/response round trips.
func (e *Engine) maybeRequestNeighbor(ctx context.Context) {
	if e.store.ActiveLen() >= e.cfg.ActiveViewSize {
		e.neighborTried = nil
		return
	}
	if e.neighborTried == nil {
		e.neighborTried = make(map[domain.PeerID]bool)
	}

	for {
		candidates := e.store.SamplePassive(1, e.neighborTried)
		if len(candidates) == 0 {
			e.neighborTried = nil
			return
		}
		target := candidates[0]

		conn, err := e.tr.Dial(ctx, target)
		if err != nil {
			e.log.Warn("event", "neighbor_dial_failed", "peer", target, "err", err)
			e.neighborTried[target] = true
			continue
		}
		priority := domain.PriorityLow
		if e.store.ActiveLen() == 0 {
			priority = domain.PriorityHigh
		}
		if err := conn.Send(wire.NeighborRequest{Priority: priority}); err != nil {
			e.log.Warn("event", "neighbor_request_send_failed", "peer", target, "err", err)
			conn.Close()
			e.neighborTried[target] = true
			continue
		}
		e.metrics.MessageSent(wire.TypeNeighborRequest)
		e.audit.RecordEvent("neighbor_request_sent", target, priority.String())
		return
	}
}

// ─── Shuffle ────────────────────────────────────────────────────────────────

func (e *Engine) handleShuffleTick(ctx context.Context) error {
	e.maybeRequestNeighbor(ctx)

	if e.store.ActiveLen() == 0 {
		return nil
	}
	start := time.Now()

	targets := e.store.SampleActive(1, nil)
	if len(targets) == 0 {
		return nil
	}
	r := targets[0]
	w, ok := e.store.ActiveWriter(r)
	if !ok {
		return nil
	}

	excludeR := map[domain.PeerID]bool{r: true}
	activeSample := e.store.SampleActive(int(e.cfg.ShuffleActiveViewCount), excludeR)
	passiveSample := e.store.SamplePassive(int(e.cfg.ShufflePassiveViewCount), nil)

	nodes := make([]domain.PeerID, 0, 1+len(activeSample)+len(passiveSample))
	nodes = append(nodes, e.cfg.SelfID)
	nodes = append(nodes, activeSample...)
	nodes = append(nodes, passiveSample...)

	roundID := uuid.NewString()
	msg := wire.Shuffle{Originator: e.cfg.SelfID, Nodes: nodes, TTL: e.cfg.ShuffleWalkLength}
	if err := w.Send(msg); err != nil {
		e.log.Warn("event", "shuffle_send_failed", "peer", r, "err", err)
		return nil
	}
	e.metrics.MessageSent(wire.TypeShuffle)
	e.metrics.ShuffleRound(time.Since(start))
	e.audit.RecordEvent("shuffle_sent", r, roundID)
	return nil
}

// handleShuffle relays a SHUFFLE onward while ttl remains and the forwarding
// node has another active peer to hand it to; otherwise it is terminal:
// the recipient merges the carried nodes into its own passive view and
// replies directly to the originator with a sample of its own, per spec
// §4.3's "evict non-new-peers first" merge rule (implemented in
// view.Store.AddPassiveAvoiding).
func (e *Engine) handleShuffle(ctx context.Context, sender domain.PeerID, m wire.Shuffle) error {
	if m.TTL > 0 {
		if r, ok := e.store.RandomActiveExcept(sender); ok {
			if w, ok := e.store.ActiveWriter(r); ok {
				next := wire.Shuffle{Originator: m.Originator, Nodes: m.Nodes, TTL: m.TTL - 1}
				if err := w.Send(next); err == nil {
					e.metrics.MessageSent(wire.TypeShuffle)
					return nil
				}
				e.log.Warn("event", "shuffle_relay_failed", "to", r, "peer", sender)
			}
		}
	}

	n := len(m.Nodes)
	if e.store.PassiveLen() < n {
		n = e.store.PassiveLen()
	}
	replyNodes := e.store.SamplePassive(n, nil)

	// avoid protects both the reply sample (still part of our own passive
	// view even though we just sent it out) and every new node already
	// merged earlier in this same loop, so a later insertion never evicts
	// one this batch just added.
	avoid := make(map[domain.PeerID]bool, len(replyNodes)+len(m.Nodes))
	for _, rn := range replyNodes {
		avoid[rn] = true
	}
	for _, node := range m.Nodes {
		if node == e.cfg.SelfID {
			continue
		}
		e.store.AddPassiveAvoiding(node, avoid)
		avoid[node] = true
	}

	e.sendTransient(ctx, m.Originator, wire.ShuffleReply{SentNodes: m.Nodes, Nodes: replyNodes})
	e.audit.RecordEvent("shuffle_terminal", m.Originator, "")
	return nil
}

// handleShuffleReply merges the replying peer's sample into passive,
// evicting from among the peers this round originally sent out first, per
// spec §4.3.
func (e *Engine) handleShuffleReply(sender domain.PeerID, m wire.ShuffleReply) error {
	avoid := make(map[domain.PeerID]bool, len(m.Nodes))
	for _, n := range m.Nodes {
		avoid[n] = true
	}
	sentSet := make(map[domain.PeerID]bool, len(m.SentNodes))
	for _, n := range m.SentNodes {
		sentSet[n] = true
	}

	for _, node := range m.Nodes {
		if node == e.cfg.SelfID {
			continue
		}
		if e.store.PassiveIsFull() {
			// Prefer evicting one of the peers this round originally
			// announced (sentSet) over a peer unrelated to this shuffle.
			e.evictPreferring(sentSet)
		}
		e.store.AddPassiveAvoiding(node, avoid)
	}
	e.audit.RecordEvent("shuffle_reply_merged", sender, "")
	return nil
}

// evictPreferring drops the first passive entry it finds that is a member
// of prefer, and drops nothing when no passive entry is. handleShuffleReply
// calls it when the passive view is full, so the merge evicts sentSet
// members before AddPassiveAvoiding has to pick a victim of its own.
func (e *Engine) evictPreferring(prefer map[domain.PeerID]bool) {
	for _, p := range e.store.PassivePeers() {
		if prefer[p] {
			e.store.RemovePassive(p)
			return
		}
	}
}

// ─── shared helpers ─────────────────────────────────────────────────────────

// applyEviction carries out the obligation the view store places on its
// caller whenever AddActive evicts someone to make room: send it
// DISCONNECT, close its connection, and move it to passive (spec §4.2's
// active-view-overflow scenario).
func (e *Engine) applyEviction(evicted *view.Evicted[transport.Conn]) {
	if evicted == nil {
		return
	}
	if err := evicted.Writer.Send(wire.Disconnect{}); err != nil {
		e.log.Warn("event", "eviction_disconnect_send_failed", "peer", evicted.Peer, "err", err)
	} else {
		e.metrics.MessageSent(wire.TypeDisconnect)
	}
	evicted.Writer.Close()
	e.store.AddPassive(evicted.Peer)
	e.metrics.Eviction()
	e.audit.RecordEvent("evicted", evicted.Peer, "")
}

// sendTransient sends msg to target, reusing an existing active connection
// if there is one, or opening and closing a one-shot connection otherwise
// (the SHUFFLE_REPLY case, spec §4.3: "reply directly to the originator").
func (e *Engine) sendTransient(ctx context.Context, target domain.PeerID, msg wire.Message) {
	if w, ok := e.store.ActiveWriter(target); ok {
		if err := w.Send(msg); err != nil {
			e.log.Warn("event", "transient_send_failed", "peer", target, "err", err)
			return
		}
		e.metrics.MessageSent(msg.Type())
		return
	}

	conn, err := e.tr.Dial(ctx, target)
	if err != nil {
		e.log.Warn("event", "transient_dial_failed", "peer", target, "err", err)
		return
	}
	if err := conn.Send(msg); err != nil {
		e.log.Warn("event", "transient_send_failed", "peer", target, "err", err)
		conn.Close()
		return
	}
	e.metrics.MessageSent(msg.Type())
	conn.Close()
}
