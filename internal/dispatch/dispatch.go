// Package dispatch owns the single goroutine that runs the membership
// engine: it fans every transport event and timer tick into one channel and
// feeds them to membership.Engine.Handle one at a time, so the engine
// itself never needs locks (see spec §5, and the teacher's own probe-cycle
// select loop in internal/infra/gossip/swim.go, generalized here from a
// fixed two-case select into an arbitrary fan-in channel of membership.Event
// values).
package dispatch

import (
	"context"
	"time"

	"github.com/hyparview/hyparview/internal/domain"
	"github.com/hyparview/hyparview/internal/logging"
	"github.com/hyparview/hyparview/internal/membership"
	"github.com/hyparview/hyparview/internal/transport"
	"github.com/hyparview/hyparview/internal/wire"
)

// queueDepth bounds the fan-in channel. A slow engine (unlikely — Handle
// never blocks on I/O) would apply backpressure to reader goroutines past
// this depth.
const queueDepth = 256

// Dispatcher implements transport.EventSink and runs the engine's event
// loop. The engine is wired in after construction via SetEngine, because
// the transport that feeds this Dispatcher's Inbound/PeerLost methods must
// itself be constructed with this Dispatcher as its sink before the engine
// (which needs that same transport to Dial peers) can exist — see the
// wiring order in internal/cli/run.go.
type Dispatcher struct {
	engine *membership.Engine
	log    *logging.Logger

	shufflePeriod   time.Duration
	joinRetryPeriod time.Duration

	events chan membership.Event
}

// New creates a Dispatcher. shufflePeriod and joinRetryPeriod drive the two
// periodic ticks; both derive from Config.ShufflePeriodSeconds in the
// caller (spec §4.3 ties shuffle and join-retry to the same period). Call
// SetEngine before Run.
func New(log *logging.Logger, shufflePeriod, joinRetryPeriod time.Duration) *Dispatcher {
	return &Dispatcher{
		log:             log,
		shufflePeriod:   shufflePeriod,
		joinRetryPeriod: joinRetryPeriod,
		events:          make(chan membership.Event, queueDepth),
	}
}

// SetEngine wires the engine this Dispatcher drives. Must be called before
// Run.
func (d *Dispatcher) SetEngine(engine *membership.Engine) {
	d.engine = engine
}

// Inbound implements transport.EventSink.
func (d *Dispatcher) Inbound(conn transport.Conn, env wire.Envelope) {
	d.events <- membership.Inbound{Conn: conn, Envelope: env}
}

// PeerLost implements transport.EventSink.
func (d *Dispatcher) PeerLost(peer domain.PeerID) {
	d.events <- membership.PeerLost{Peer: peer}
}

// Run starts the event loop: it immediately enqueues a Bootstrap event, then
// processes fan-in events and periodic ticks until ctx is cancelled. Run
// blocks until then.
func (d *Dispatcher) Run(ctx context.Context) {
	d.events <- membership.Bootstrap{}

	shuffleTicker := time.NewTicker(d.shufflePeriod)
	defer shuffleTicker.Stop()
	joinRetryTicker := time.NewTicker(d.joinRetryPeriod)
	defer joinRetryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			if err := d.engine.Handle(ctx, ev); err != nil {
				d.log.Error("event", "handle_failed", "err", err)
			}
		case <-shuffleTicker.C:
			if err := d.engine.Handle(ctx, membership.ShuffleTick{}); err != nil {
				d.log.Error("event", "shuffle_tick_failed", "err", err)
			}
		case <-joinRetryTicker.C:
			if err := d.engine.Handle(ctx, membership.JoinRetryTick{}); err != nil {
				d.log.Error("event", "join_retry_tick_failed", "err", err)
			}
		}
	}
}
