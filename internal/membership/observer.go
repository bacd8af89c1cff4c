package membership

import (
	"time"

	"github.com/hyparview/hyparview/internal/domain"
	"github.com/hyparview/hyparview/internal/wire"
)

// MetricsRecorder is the engine's narrow view of internal/observability,
// kept as a small local interface so membership never imports the
// Prometheus client library directly (see SPEC_FULL §B.3). New replaces a
// nil MetricsRecorder with a no-op implementation.
type MetricsRecorder interface {
	ViewSizes(active, passive int)
	MessageSent(t wire.Type)
	MessageReceived(t wire.Type)
	Eviction()
	ShuffleRound(d time.Duration)
	JoinLatency(d time.Duration)
}

// AuditRecorder is the engine's narrow view of internal/audit.
type AuditRecorder interface {
	RecordEvent(kind string, peer domain.PeerID, detail string)
}

// noopMetrics and noopAudit let tests construct an Engine without wiring
// observability/audit.
type noopMetrics struct{}

func (noopMetrics) ViewSizes(active, passive int)  {}
func (noopMetrics) MessageSent(t wire.Type)         {}
func (noopMetrics) MessageReceived(t wire.Type)     {}
func (noopMetrics) Eviction()                       {}
func (noopMetrics) ShuffleRound(d time.Duration)     {}
func (noopMetrics) JoinLatency(d time.Duration)      {}

type noopAudit struct{}

func (noopAudit) RecordEvent(kind string, peer domain.PeerID, detail string) {}
