package replication

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dns-agent/internal/model"
)

// Dispatcher is the subset of the hybrid dispatcher the server needs to
// forward a single-record batch into.
type Dispatcher interface {
	ApplyBatch(ctx context.Context, additions, removals []model.Record) bool
	ExpandRecord(container model.ContainerName, netName model.NetworkName, ip model.IP) []model.Record
}

// Server exposes the replication HTTP surface. It only accepts requests
// when the host runs a File backend, since that's the thing capable of
// satisfying the request locally.
type Server struct {
	router *mux.Router

	role                string
	hostName            string
	localUnboundEnabled bool
	replicationEnabled  bool
	apiFallbackEnabled  bool

	dispatcher Dispatcher
	log        *logrus.Logger
}

// Status is returned by GET /status.
type Status struct {
	Role                string `json:"role"`
	HostName            string `json:"host_name"`
	LocalUnboundEnabled bool   `json:"local_unbound_enabled"`
	ReplicationEnabled  bool   `json:"replication_enabled"`
	APIFallbackEnabled  bool   `json:"api_fallback_enabled"`
}

// NewServer creates a replication Server. dispatcher must be non-nil; the
// server is only started by the wiring layer when a File backend is
// configured.
func NewServer(role, hostName string, localUnboundEnabled, replicationEnabled, apiFallbackEnabled bool, dispatcher Dispatcher, log *logrus.Logger) *Server {
	s := &Server{
		role:                role,
		hostName:            hostName,
		localUnboundEnabled: localUnboundEnabled,
		replicationEnabled:  replicationEnabled,
		apiFallbackEnabled:  apiFallbackEnabled,
		dispatcher:          dispatcher,
		log:                 log,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/dns/add", s.handleDNSAdd).Methods(http.MethodPost)
	router.HandleFunc("/dns/remove", s.handleDNSRemove).Methods(http.MethodPost)
	s.router = router

	return s
}

// Handler returns the server's http.Handler, for embedding in an
// http.Server (also exposes /metrics when the caller registers it on the
// same router via Router()).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the underlying mux.Router so the wiring layer can add the
// prometheus /metrics handler alongside the replication routes.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "role": s.role})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Role:                s.role,
		HostName:            s.hostName,
		LocalUnboundEnabled: s.localUnboundEnabled,
		ReplicationEnabled:  s.replicationEnabled,
		APIFallbackEnabled:  s.apiFallbackEnabled,
	})
}

type dnsAddRequest struct {
	Hostname    string `json:"hostname"`
	IP          string `json:"ip"`
	NetworkName string `json:"network_name"`
	Domain      string `json:"domain"`
}

func (s *Server) handleDNSAdd(w http.ResponseWriter, r *http.Request) {
	var req dnsAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "bad request"})
		return
	}
	if req.Hostname == "" || req.IP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "hostname and ip are required"})
		return
	}

	var records []model.Record
	if req.Domain != "" {
		records = []model.Record{{
			Hostname:  model.ContainerName(req.Hostname),
			Domain:    req.Domain,
			IP:        model.IP(req.IP),
			OriginTag: model.OriginTagFor(s.hostName),
		}}
	} else {
		records = s.dispatcher.ExpandRecord(model.ContainerName(req.Hostname), model.NetworkName(req.NetworkName), model.IP(req.IP))
	}

	if !s.applyBatch(w, r, records, nil) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

type dnsRemoveRequest struct {
	Hostname    string `json:"hostname"`
	NetworkName string `json:"network_name"`
}

func (s *Server) handleDNSRemove(w http.ResponseWriter, r *http.Request) {
	var req dnsRemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "bad request"})
		return
	}
	if req.Hostname == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "hostname is required"})
		return
	}

	records := s.dispatcher.ExpandRecord(model.ContainerName(req.Hostname), model.NetworkName(req.NetworkName), "")

	if !s.applyBatch(w, r, nil, records) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// applyBatch forwards additions/removals into the dispatcher, recovering
// from any panic so a single bad request cannot take the server down; on
// panic it writes a 500 and returns false so the caller skips its own
// success response.
func (s *Server) applyBatch(w http.ResponseWriter, r *http.Request, additions, removals []model.Record) (ok bool) {
	ok = true
	defer func() {
		if rec := recover(); rec != nil {
			if s.log != nil {
				s.log.WithField("panic", rec).Error("replication: recovered from panic applying inbound batch")
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "internal error"})
			ok = false
		}
	}()

	s.dispatcher.ApplyBatch(r.Context(), additions, removals)
	return ok
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
