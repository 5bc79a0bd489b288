package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"github.com/xela07ax/rooms-watchdog/internal/notify"
	"github.com/xela07ax/rooms-watchdog/internal/watchdog"
	"go.uber.org/zap"
)

const maxSlotSize = 1 << 20

// WatchdogController - то, что админка умеет делать со сторожем
type WatchdogController interface {
	Start(ctx context.Context) error
	Stop()
	Check(ctx context.Context) watchdog.Outcome
	RecordViolation(ctx context.Context, kind string) int
	ResetViolations(ctx context.Context) error
	ConfirmWipe(ctx context.Context, reason string) bool
	Status(ctx context.Context) (domain.WatchdogStatus, error)
	Write(ctx context.Context, key, value string) error
}

type WatchdogHandler struct {
	wd     WatchdogController
	logger *zap.Logger
}

func NewWatchdogHandler(wd WatchdogController, logger *zap.Logger) *WatchdogHandler {
	return &WatchdogHandler{wd: wd, logger: logger}
}

type violationRequest struct {
	Kind string `json:"kind"`
}

type wipeRequest struct {
	Reason  string `json:"reason"`
	Confirm bool   `json:"confirm"`
}

// GET /v1/watchdog/status
func (h *WatchdogHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.wd.Status(r.Context())
	if err != nil {
		h.logger.Error("status failed", zap.Error(err))
		http.Error(w, "Failed to read watchdog status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// POST /v1/watchdog/check
func (h *WatchdogHandler) Check(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(h.wd.Check(r.Context()))})
}

// POST /v1/watchdog/start
func (h *WatchdogHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.wd.Start(r.Context()); err != nil {
		h.logger.Error("start failed", zap.Error(err))
		http.Error(w, "Failed to start monitoring", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/watchdog/stop
func (h *WatchdogHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.wd.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/watchdog/violations
func (h *WatchdogHandler) RecordViolation(w http.ResponseWriter, r *http.Request) {
	var req violationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Kind) == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": h.wd.RecordViolation(r.Context(), req.Kind)})
}

// POST /v1/watchdog/violations/reset
func (h *WatchdogHandler) ResetViolations(w http.ResponseWriter, r *http.Request) {
	if err := h.wd.ResetViolations(r.Context()); err != nil {
		h.logger.Error("reset failed", zap.Error(err))
		http.Error(w, "Failed to reset violations", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/watchdog/wipe - ручная зачистка, подтверждение приходит в теле запроса
func (h *WatchdogHandler) Wipe(w http.ResponseWriter, r *http.Request) {
	var req wipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual wipe"
	}

	ctx := notify.WithConfirmation(r.Context(), req.Confirm)
	writeJSON(w, http.StatusOK, map[string]bool{"wiped": h.wd.ConfirmWipe(ctx, req.Reason)})
}

// PUT /v1/watchdog/slots/{key} - штатная запись приложения, тело - значение слота
func (h *WatchdogHandler) WriteSlot(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSlotSize))
	if err != nil {
		http.Error(w, "slot value too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.wd.Write(r.Context(), key, string(value)); err != nil {
		if errors.Is(err, watchdog.ErrReservedKey) {
			http.Error(w, "reserved key", http.StatusBadRequest)
			return
		}
		h.logger.Error("sanctioned write failed", zap.String("key", key), zap.Error(err))
		http.Error(w, "Failed to write slot", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
