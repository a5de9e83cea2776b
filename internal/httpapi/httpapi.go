// Package httpapi assembles the proxy's external HTTP surface: the
// per-camera fMP4 stream endpoint, the config read/write endpoints, the
// health check, and the /api WebSocket mount.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/eufy/streamproxy/internal/broker"
	"github.com/eufy/streamproxy/internal/config"
	"github.com/eufy/streamproxy/internal/driver"
	"github.com/eufy/streamproxy/internal/fmp4"
	"github.com/eufy/streamproxy/internal/hub"
	"github.com/eufy/streamproxy/internal/ingress"
	"github.com/eufy/streamproxy/internal/session"
	"github.com/eufy/streamproxy/internal/system"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// serialPattern validates the {serial}.mp4 path segment. Camera serials are
// alphanumeric device identifiers; anything else is rejected with 400
// before it ever reaches the session controller.
var serialPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Server holds everything the HTTP surface needs to answer requests. It
// does not own any of these collaborators' lifecycles.
type Server struct {
	log             zerolog.Logger
	store           *config.Store
	session         *session.Controller
	hub             *hub.Hub
	ingress         *ingress.Ingress
	parser          *fmp4.Parser
	broker          *broker.Broker
	drv             driver.Driver
	onConfigChanged func(config.Config)
}

// New builds the router. onConfigChanged, if non-nil, is invoked after a
// successful POST /config with the new configuration, so main can decide
// whether the encoder/driver need to be recreated.
func New(
	log zerolog.Logger,
	store *config.Store,
	sess *session.Controller,
	h *hub.Hub,
	ing *ingress.Ingress,
	parser *fmp4.Parser,
	b *broker.Broker,
	drv driver.Driver,
	onConfigChanged func(config.Config),
) *mux.Router {
	s := &Server{
		log:             log,
		store:           store,
		session:         sess,
		hub:             h,
		ingress:         ing,
		parser:          parser,
		broker:          b,
		drv:             drv,
		onConfigChanged: onConfigChanged,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handlePostConfig).Methods(http.MethodPost)
	r.HandleFunc("/{serial}.mp4", s.handleStream).Methods(http.MethodGet)
	r.Handle("/api", s.broker)
	return r
}

// handleStream streams the requested camera's fragmented MP4 as a chunked
// video/mp4 response for as long as the client stays connected.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	if !serialPattern.MatchString(serial) {
		http.Error(w, "invalid serial", http.StatusBadRequest)
		return
	}

	subscriberID := system.GenerateConnectionID()

	if err := s.session.Join(r.Context(), serial, subscriberID); err != nil {
		switch {
		case errors.Is(err, session.ErrConflict):
			http.Error(w, "another camera is already streaming", http.StatusConflict)
		case errors.Is(err, session.ErrNotReady):
			http.Error(w, "stream is starting, retry shortly", http.StatusServiceUnavailable)
		default:
			s.log.Warn().Err(err).Str("serial", serial).Msg("failed to join stream session")
			http.Error(w, "failed to start stream", http.StatusServiceUnavailable)
		}
		return
	}
	defer s.session.Leave(subscriberID)

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	if err := s.hub.Join(r.Context(), subscriberID, &flushingWriter{w: w, flusher: flusher}); err != nil {
		s.log.Debug().Err(err).Str("serial", serial).Msg("subscriber join to hub failed or timed out")
		return
	}

	<-r.Context().Done()
}

type flushingWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (f *flushingWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return n, nil
}

// HealthStatus is the body returned by GET /health.
type HealthStatus struct {
	DriverConnected     bool   `json:"driverConnected"`
	VideoWidth          int    `json:"videoWidth,omitempty"`
	VideoHeight         int    `json:"videoHeight,omitempty"`
	VideoCodec          string `json:"videoCodec,omitempty"`
	Subscribers         int    `json:"subscribers"`
	IsTranscoding       bool   `json:"isTranscoding"`
	CurrentDevice       string `json:"currentDevice,omitempty"`
	Scale               string `json:"scale,omitempty"`
	HasInitSegment      bool   `json:"hasInitSegment"`
	HasKeyframeFragment bool   `json:"hasKeyframeFragment"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Get()
	status := HealthStatus{
		DriverConnected:     s.drv != nil,
		Subscribers:         s.hub.Count(),
		IsTranscoding:       s.session.IsActive(),
		CurrentDevice:       s.session.CurrentDevice(),
		Scale:               cfg.Transcode.Scale,
		HasInitSegment:      s.parser.HasInit(),
		HasKeyframeFragment: s.session.HasKeyframeFragment(),
	}
	if meta, err := s.ingress.CurrentMetadata(); err == nil {
		status.VideoWidth = meta.Width
		status.VideoHeight = meta.Height
		status.VideoCodec = string(meta.Codec)
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Get())
}

type configPatchRequest struct {
	Patch map[string]any `json:"patch"`
}

type configPatchResponse struct {
	Success       bool          `json:"success"`
	UpdatedFields []string      `json:"updatedFields"`
	Config        config.Config `json:"config"`
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var req configPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	for key := range req.Patch {
		if !config.IsMutableKey(key) {
			http.Error(w, fmt.Sprintf("key %q is not mutable", key), http.StatusBadRequest)
			return
		}
	}

	updated, err := s.store.Set(req.Patch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if updated == nil {
		updated = []string{}
	}

	cfg := s.store.Get()
	if len(updated) > 0 && s.onConfigChanged != nil {
		s.onConfigChanged(cfg)
	}

	writeJSON(w, http.StatusOK, configPatchResponse{Success: true, UpdatedFields: updated, Config: cfg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
