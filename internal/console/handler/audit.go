package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/xela07ax/rooms-watchdog/internal/audit"
	"github.com/xela07ax/rooms-watchdog/internal/console/service"
)

type EventLister interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

type AuditHandler struct {
	service EventLister
}

func NewAuditHandler(s EventLister) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetEvents возвращает последние события журнала
// GET /v1/watchdog/events?limit=...
func (h *AuditHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.service.Recent(r.Context(), limit)
	if errors.Is(err, service.ErrJournalDisabled) {
		http.Error(w, "Audit journal is not configured", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch audit events", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, events)
}
