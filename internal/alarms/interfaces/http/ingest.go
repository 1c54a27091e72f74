package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"netshield/internal/alarms/application"
	"netshield/internal/eventing"
)

// IngestHandler accepts raw alarm candidates from local detectors and
// publishes them onto the creation topic. The HMAC ingest middleware is
// expected in front of it.
type IngestHandler struct {
	publisher application.EventPublisher
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(publisher application.EventPublisher) (*IngestHandler, error) {
	if publisher == nil {
		return nil, errors.New("ingest handler: nil publisher")
	}
	return &IngestHandler{publisher: publisher}, nil
}

// ServeHTTP handles POST /api/v1/ingest/alarms. The body is one raw alarm
// attribute map; acceptance means queued, not created.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := h.publisher.Publish(r.Context(), eventing.TopicAlarmCreate, raw); err != nil {
		http.Error(w, "queueing failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
