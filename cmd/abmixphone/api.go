package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MatheusAbmix/abmix-telefone/pkg/telephony"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// apiServer HTTP сторона движка: управление звонками, голосовое
// преобразование и метрики.
type apiServer struct {
	controller *telephony.Controller
	logger     *slog.Logger
}

func newAPIServer(controller *telephony.Controller, logger *slog.Logger) *apiServer {
	return &apiServer{
		controller: controller,
		logger:     logger.With(slog.String("component", "http-api")),
	}
}

func (a *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/calls", a.handleDial)
	mux.HandleFunc("GET /api/calls", a.handleListCalls)
	mux.HandleFunc("GET /api/calls/{id}", a.handleStatus)
	mux.HandleFunc("POST /api/calls/{id}/hangup", a.handleHangup)
	mux.HandleFunc("POST /api/calls/{id}/digits", a.handleDigits)
	mux.HandleFunc("POST /api/voice/toggle", a.handleVoiceToggle)
	mux.HandleFunc("GET /api/voice/status", a.handleVoiceStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

type callView struct {
	CallID     string `json:"call_id"`
	ToNumber   string `json:"to_number"`
	FromNumber string `json:"from_number,omitempty"`
	Status     string `json:"status"`
	VoiceMode  string `json:"voice_mode"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

func viewOf(s telephony.Snapshot) callView {
	v := callView{
		CallID:     s.CallID,
		ToNumber:   s.ToNumber,
		FromNumber: s.FromNumber,
		Status:     string(s.Status),
		VoiceMode:  s.VoiceMode,
		StartTime:  s.StartTime.Format(time.RFC3339),
		LastError:  s.LastError,
	}
	if !s.EndTime.IsZero() {
		v.EndTime = s.EndTime.Format(time.RFC3339)
	}
	return v
}

func (a *apiServer) handleDial(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To        string `json:"to"`
		VoiceMode string `json:"voice_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "некорректный JSON")
		return
	}
	if req.VoiceMode == "" {
		req.VoiceMode = "none"
	}

	callID, err := a.controller.Dial(r.Context(), req.To, req.VoiceMode)
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]string{"call_id": callID})
}

func (a *apiServer) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	calls := a.controller.ActiveCalls()
	views := make([]callView, 0, len(calls))
	for _, s := range calls {
		views = append(views, viewOf(s))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"calls": views})
}

func (a *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.controller.Status(r.PathValue("id"))
	if err != nil {
		a.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, viewOf(snap))
}

func (a *apiServer) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.Hangup(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *apiServer) handleDigits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Digits string `json:"digits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Digits == "" {
		a.writeError(w, http.StatusBadRequest, "не заданы цифры")
		return
	}

	err := a.controller.SendDigits(r.Context(), r.PathValue("id"), req.Digits)
	if errors.Is(err, telephony.ErrNoActiveCall) {
		a.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *apiServer) handleVoiceToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallID  string `json:"call_id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallID == "" {
		a.writeError(w, http.StatusBadRequest, "не задан call_id")
		return
	}

	if err := a.controller.ToggleConversion(req.CallID, req.Enabled); err != nil {
		a.writeError(w, http.StatusConflict, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *apiServer) handleVoiceStatus(w http.ResponseWriter, _ *http.Request) {
	stats := a.controller.PipelineStats()
	a.writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions":    stats.ActiveSessions,
		"average_latency_ms": stats.AverageLatency.Milliseconds(),
	})
}

func (a *apiServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("не удалось записать ответ", slog.Any("error", err))
	}
}

func (a *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}
