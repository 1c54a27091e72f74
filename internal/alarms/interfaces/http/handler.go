// Package http exposes the alarm engine's REST surface.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"netshield/internal/alarms/application"
	alarms "netshield/internal/alarms/domain"
	"netshield/internal/audit"
)

// Handler serves /api/v1/alarms and its subresources.
type Handler struct {
	service *application.Service
	logger  *zap.SugaredLogger
	audit   *audit.Recorder
}

// NewHandler constructs a handler.
func NewHandler(service *application.Service, logger *zap.SugaredLogger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alarm handler: nil service")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{service: service, logger: logger, audit: audit.NewRecorder(logger)}, nil
}

// ServeHTTP routes the alarm API.
//
//	GET    /api/v1/alarms                 active alarms (count, before, asc)
//	GET    /api/v1/alarms/archived        archived alarms (offset, limit)
//	GET    /api/v1/alarms/pending        pending alarms (offset, limit)
//	GET    /api/v1/alarms/counts          index cardinalities
//	GET    /api/v1/alarms/fetch           long-poll for alarms newer than since
//	GET    /api/v1/alarms/{aid}           one alarm
//	GET    /api/v1/alarms/{aid}/detail    extended attributes
//	POST   /api/v1/alarms/{aid}/ignore    archive, optionally everything alike
//	POST   /api/v1/alarms/{aid}/block     create policy and archive
//	POST   /api/v1/alarms/{aid}/allow     create exception and archive
//	DELETE /api/v1/alarms/{aid}           destroy the alarm
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/alarms")
	rest = strings.Trim(rest, "/")

	switch {
	case rest == "":
		h.handleListActive(w, r)
	case rest == "archived":
		h.handleListArchived(w, r)
	case rest == "pending":
		h.handleListPending(w, r)
	case rest == "counts":
		h.handleCounts(w, r)
	case rest == "fetch":
		h.handleFetch(w, r)
	default:
		h.handleAlarmResource(w, r, rest)
	}
}

func (h *Handler) handleAlarmResource(w http.ResponseWriter, r *http.Request, rest string) {
	aid, action, _ := strings.Cut(rest, "/")
	if aid == "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.handleGet(w, r, aid)
		case http.MethodDelete:
			h.handleDelete(w, r, aid)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "detail":
		h.handleDetail(w, r, aid)
	case "ignore":
		h.handleIgnore(w, r, aid)
	case "block":
		h.handleBlock(w, r, aid)
	case "allow":
		h.handleAllow(w, r, aid)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleListActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	opts := application.QueryOptions{
		Count:  queryInt(r, "count", 50),
		Before: queryFloat(r, "before", 0),
		Asc:    r.URL.Query().Get("asc") == "true",
	}
	list, err := h.service.LoadActive(r.Context(), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAlarms(w, list)
}

func (h *Handler) handleListArchived(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := h.service.LoadArchived(r.Context(), queryInt(r, "offset", 0), queryInt(r, "limit", 50))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAlarms(w, list)
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := h.service.LoadPending(r.Context(), queryInt(r, "offset", 0), queryInt(r, "limit", 50))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAlarms(w, list)
}

func (h *Handler) handleCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	active, err := h.service.ActiveCount(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	pending, err := h.service.PendingCount(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	archived, err := h.service.ArchivedCount(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, map[string]int64{
		"active":   active,
		"pending":  pending,
		"archived": archived,
	})
}

// handleFetch long-polls for alarms activated after the since timestamp.
func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	since := queryFloat(r, "since", 0)
	timeout := time.Duration(queryInt(r, "timeout", 30)) * time.Second
	list, err := h.service.FetchNewAlarms(r.Context(), since, timeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeAlarms(w, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, aid string) {
	alarm, err := h.service.Get(r.Context(), aid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, alarm.Fields())
}

func (h *Handler) handleDetail(w http.ResponseWriter, r *http.Request, aid string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	detail, err := h.service.GetDetail(r.Context(), aid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, detail)
}

func (h *Handler) handleIgnore(w http.ResponseWriter, r *http.Request, aid string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserInput map[string]string `json:"userInput"`
		MatchAll  bool              `json:"matchAll"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	archived, err := h.service.Ignore(r.Context(), aid, req.UserInput, req.MatchAll)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.audit.Disposition(r, "ignore", aid, "matchAll", req.MatchAll, "archived", len(archived))
	h.writeJSON(w, map[string]any{"archived": archived})
}

func (h *Handler) handleBlock(w http.ResponseWriter, r *http.Request, aid string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Category string `json:"category"`
		Target   string `json:"target"`
		Type     string `json:"type"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	outcome, err := h.service.BlockFromAlarm(r.Context(), aid, alarms.BlockInfo{
		Category: req.Category,
		Target:   req.Target,
		Type:     req.Type,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.audit.Disposition(r, "block", aid, "policy", outcome.Policy.PID(), "alsoBlocked", len(outcome.BlockedIDs))
	h.writeJSON(w, map[string]any{
		"policyID":      outcome.Policy.PID(),
		"alreadyExists": outcome.AlreadyExists,
		"alsoBlocked":   outcome.BlockedIDs,
	})
}

func (h *Handler) handleAllow(w http.ResponseWriter, r *http.Request, aid string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserInput map[string]string `json:"userInput"`
	}
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	outcome, err := h.service.AllowFromAlarm(r.Context(), aid, req.UserInput)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.audit.Disposition(r, "allow", aid, "exception", outcome.Exception.EID(), "alsoAllowed", len(outcome.AllowedIDs))
	h.writeJSON(w, map[string]any{
		"exceptionID":   outcome.Exception.EID(),
		"alreadyExists": outcome.AlreadyExists,
		"alsoAllowed":   outcome.AllowedIDs,
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, aid string) {
	if err := h.service.RemoveAlarm(r.Context(), aid); err != nil {
		h.writeError(w, err)
		return
	}
	h.audit.Disposition(r, "delete", aid)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeAlarms(w http.ResponseWriter, list []*alarms.Alarm) {
	views := make([]map[string]string, 0, len(list))
	for _, alarm := range list {
		views = append(views, alarm.Fields())
	}
	h.writeJSON(w, map[string]any{"alarms": views, "count": len(views)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warnw("failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, alarms.ErrAlarmNotFound) {
		http.Error(w, "alarm not found", http.StatusNotFound)
		return
	}
	h.logger.Errorw("alarm api error", "err", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func queryFloat(r *http.Request, key string, fallback float64) float64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}
