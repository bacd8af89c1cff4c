package audit

import (
	"path/filepath"
	"testing"

	"github.com/hyparview/hyparview/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func peer(t *testing.T, s string) domain.PeerID {
	t.Helper()
	p, err := domain.ParsePeerID(s)
	if err != nil {
		t.Fatalf("parse peer %q: %v", s, err)
	}
	return p
}

func TestRecordEventErr(t *testing.T) {
	db := newTestDB(t)

	if err := db.RecordEventErr("eviction", peer(t, "10.0.0.1:7000"), "overflow"); err != nil {
		t.Fatalf("RecordEventErr() error: %v", err)
	}

	count, err := db.CountByKind("eviction")
	if err != nil {
		t.Fatalf("CountByKind() error: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestRecentEvents(t *testing.T) {
	db := newTestDB(t)

	db.RecordEvent("join", peer(t, "10.0.0.1:7000"), "")
	db.RecordEvent("eviction", peer(t, "10.0.0.2:7000"), "overflow")
	db.RecordEvent("peer_lost", peer(t, "10.0.0.3:7000"), "read error")

	events, err := db.RecentEvents(2)
	if err != nil {
		t.Fatalf("RecentEvents() error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	// newest first
	if events[0].Kind != "peer_lost" || events[1].Kind != "eviction" {
		t.Errorf("unexpected order: %+v", events)
	}
}

func TestCountByKindEmpty(t *testing.T) {
	db := newTestDB(t)

	count, err := db.CountByKind("eviction")
	if err != nil {
		t.Fatalf("CountByKind() error: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}
