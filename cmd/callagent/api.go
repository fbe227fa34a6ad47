package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/flags"
)

// api http интерфейс агента: состояние, метрики и вход для push уведомлений
// и намерений с нативного экрана звонка
type api struct {
	mgr    *call.Manager
	store  flags.Store
	reg    *prometheus.Registry
	logger *zap.Logger
}

func newAPI(mgr *call.Manager, store flags.Store, reg *prometheus.Registry, logger *zap.Logger) *api {
	return &api{mgr: mgr, store: store, reg: reg, logger: logger.Named("api")}
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))
	r.Get("/status", a.status)
	r.Post("/push", a.push)
	r.Post("/intent/{action}", a.intent)
	return r
}

type statusResponse struct {
	State   call.State        `json:"state"`
	Call    *call.SessionInfo `json:"call,omitempty"`
	Pending call.PendingOps   `json:"pending"`
	History []call.Transition `json:"history"`
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:   a.mgr.State(),
		Pending: a.mgr.PendingOps(),
		History: a.mgr.History(),
	}
	if info, ok := a.mgr.Current(); ok {
		resp.Call = &info
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// push входящий звонок, о котором сообщил внешний канал до прихода offer
func (a *api) push(w http.ResponseWriter, r *http.Request) {
	var t call.Trigger
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		a.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid trigger"))
		return
	}
	if t.CallerID == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("callerId is required"))
		return
	}
	if err := a.mgr.SetIncomingCallFromExternalTrigger(r.Context(), t); err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type intentRequest struct {
	PeerID string `json:"peerId"`
	CallID string `json:"callId,omitempty"`
}

// intent сохраняет намерение и сразу сверяет его с текущим звонком
func (a *api) intent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("peerId is required"))
		return
	}

	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "cancel":
		err = a.store.SetCancel(r.Context(), req.PeerID, req.CallID)
	case "answer":
		err = a.store.SetAnswer(r.Context(), req.PeerID, req.CallID)
	default:
		a.writeError(w, http.StatusNotFound, errors.Errorf("unknown intent %q", action))
		return
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := a.mgr.Resume(r.Context()); err != nil {
		a.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrCallInProgress):
		return http.StatusConflict
	case errors.Is(err, call.ErrStaleEvent):
		return http.StatusGone
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (a *api) writeError(w http.ResponseWriter, code int, err error) {
	a.logger.Warn("request failed", zap.Int("status", code), zap.Error(err))
	a.writeJSON(w, code, map[string]string{"error": err.Error()})
}
