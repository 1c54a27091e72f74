package reports

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"netshield/internal/alarms/application"
)

// Handler serves archived-alarm exports:
//
//	GET /api/v1/reports/alarms.xlsx
//	GET /api/v1/reports/alarms.pdf
//
// Both take offset and limit query parameters.
type Handler struct {
	service *application.Service
	logger  *zap.SugaredLogger
}

// NewHandler constructs a report handler.
func NewHandler(service *application.Service, logger *zap.SugaredLogger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("report handler: nil service")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{service: service, logger: logger}, nil
}

// ServeHTTP routes report downloads.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 500)
	archived, err := h.service.LoadArchived(r.Context(), offset, limit)
	if err != nil {
		h.logger.Errorw("report query failed", "err", err)
		http.Error(w, "report query failed", http.StatusInternalServerError)
		return
	}
	rows := make([]Row, 0, len(archived))
	for _, alarm := range archived {
		rows = append(rows, RowFromAlarm(alarm))
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "alarms.xlsx"):
		payload, err := BuildXLSX(rows)
		if err != nil {
			h.logger.Errorw("xlsx render failed", "err", err)
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="alarms.xlsx"`)
		_, _ = w.Write(payload)
	case strings.HasSuffix(r.URL.Path, "alarms.pdf"):
		payload, err := BuildPDF(rows)
		if err != nil {
			h.logger.Errorw("pdf render failed", "err", err)
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="alarms.pdf"`)
		_, _ = w.Write(payload)
	default:
		http.NotFound(w, r)
	}
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
