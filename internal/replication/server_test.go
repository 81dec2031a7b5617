package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dockmon/dns-agent/internal/model"
)

type fakeDispatcher struct {
	additions []model.Record
	removals  []model.Record
}

func (f *fakeDispatcher) ApplyBatch(ctx context.Context, additions, removals []model.Record) bool {
	f.additions = append(f.additions, additions...)
	f.removals = append(f.removals, removals...)
	return true
}

func (f *fakeDispatcher) ExpandRecord(container model.ContainerName, netName model.NetworkName, ip model.IP) []model.Record {
	return []model.Record{{Hostname: container, Domain: "docker.local", IP: ip}}
}

func TestHandleHealth(t *testing.T) {
	s := NewServer("master", "host1", true, true, true, &fakeDispatcher{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "healthy" || body["role"] != "master" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestHandleStatus(t *testing.T) {
	s := NewServer("client", "host2", false, true, false, &fakeDispatcher{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var status Status
	json.Unmarshal(w.Body.Bytes(), &status)
	if status.Role != "client" || status.HostName != "host2" {
		t.Errorf("unexpected status body: %+v", status)
	}
}

func TestHandleDNSAddAppliesBatch(t *testing.T) {
	fd := &fakeDispatcher{}
	s := NewServer("master", "host1", true, true, true, fd, testLogger())

	body, _ := json.Marshal(map[string]string{"hostname": "web", "ip": "10.0.0.2", "domain": "docker.local"})
	req := httptest.NewRequest(http.MethodPost, "/dns/add", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	if len(fd.additions) != 1 || fd.additions[0].Hostname != "web" {
		t.Errorf("expected dispatcher to receive addition, got %v", fd.additions)
	}
}

func TestHandleDNSAddBadJSON(t *testing.T) {
	s := NewServer("master", "host1", true, true, true, &fakeDispatcher{}, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/dns/add", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", w.Code)
	}
}

func TestHandleDNSRemoveAppliesBatch(t *testing.T) {
	fd := &fakeDispatcher{}
	s := NewServer("master", "host1", true, true, true, fd, testLogger())

	body, _ := json.Marshal(map[string]string{"hostname": "web"})
	req := httptest.NewRequest(http.MethodPost, "/dns/remove", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(fd.removals) != 1 {
		t.Errorf("expected dispatcher to receive removal, got %v", fd.removals)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	s := NewServer("master", "host1", true, true, true, &fakeDispatcher{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/dns/unknown", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown route, got %d", w.Code)
	}
}
