package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyparview/hyparview/internal/domain"
)

type fakeEngine struct {
	active  []domain.PeerID
	passive []domain.PeerID
}

func (f *fakeEngine) ActiveView() []domain.PeerID  { return f.active }
func (f *fakeEngine) PassiveView() []domain.PeerID { return f.passive }
func (f *fakeEngine) ActiveViewLen() int           { return len(f.active) }
func (f *fakeEngine) PassiveViewLen() int          { return len(f.passive) }

func mustPeer(t *testing.T, s string) domain.PeerID {
	t.Helper()
	p, err := domain.ParsePeerID(s)
	if err != nil {
		t.Fatalf("parse peer %q: %v", s, err)
	}
	return p
}

func TestServer_HandleDebugViews(t *testing.T) {
	self := mustPeer(t, "10.0.0.1:7000")
	eng := &fakeEngine{
		active:  []domain.PeerID{mustPeer(t, "10.0.0.2:7000")},
		passive: []domain.PeerID{mustPeer(t, "10.0.0.3:7000"), mustPeer(t, "10.0.0.4:7000")},
	}
	s := NewServer(self, eng, nil)

	req := httptest.NewRequest(http.MethodGet, "/debug/views", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp viewsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Self != "10.0.0.1:7000" {
		t.Errorf("self = %q", resp.Self)
	}
	if len(resp.Active) != 1 || len(resp.Passive) != 2 {
		t.Errorf("active=%v passive=%v", resp.Active, resp.Passive)
	}
}

func TestServer_HandleDebugState(t *testing.T) {
	self := mustPeer(t, "10.0.0.1:7000")
	eng := &fakeEngine{
		active:  []domain.PeerID{mustPeer(t, "10.0.0.2:7000")},
		passive: nil,
	}
	s := NewServer(self, eng, nil)

	req := httptest.NewRequest(http.MethodGet, "/debug/state", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var resp stateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ActiveSize != 1 || resp.PassiveSize != 0 {
		t.Errorf("active_size=%d passive_size=%d", resp.ActiveSize, resp.PassiveSize)
	}
}

func TestServer_MetricsDisabledByDefault(t *testing.T) {
	s := NewServer(domain.PeerID{}, &fakeEngine{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected /metrics disabled (404), got %d", w.Code)
	}
}

func TestServer_MetricsEnabled(t *testing.T) {
	s := NewServer(domain.PeerID{}, &fakeEngine{}, nil)
	s.EnableMetrics()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
