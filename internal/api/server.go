package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"rent-radar/internal/model"
	"rent-radar/internal/scheduler"
	"rent-radar/internal/storage"
	"rent-radar/internal/subscription"

	"github.com/rs/zerolog"
)

// SubscriptionService 订阅的校验与读写。
type SubscriptionService interface {
	Create(ctx context.Context, req subscription.Request) (model.Subscription, error)
	Update(ctx context.Context, id string, req subscription.Request) (model.Subscription, error)
	Get(ctx context.Context, id string) (model.Subscription, error)
	List(ctx context.Context) ([]model.Subscription, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// Scheduler 订阅任务的启停与手动运行。
type Scheduler interface {
	Start(subscriberID string) (scheduler.StartResult, error)
	Stop(subscriberID string) scheduler.StopResult
	Running(subscriberID string) bool
	RunOnce(ctx context.Context, subscriberID string) (model.RunLog, error)
}

// Store 历史与运行日志只读访问。
type Store interface {
	ListHistory(ctx context.Context, subscriberID string, q storage.HistoryQuery) ([]model.HistoryEntry, error)
	CountHistory(ctx context.Context, subscriberID string, q storage.HistoryQuery) (int64, error)
	ListRunLogs(ctx context.Context, subscriberID string, limit int) ([]model.RunLog, error)
	Ping(ctx context.Context) error
}

// Deps HTTP 层依赖；Metrics 为空时不挂载 /metrics。
type Deps struct {
	Subscriptions SubscriptionService
	Scheduler     Scheduler
	Store         Store
	Metrics       http.Handler
	Logger        zerolog.Logger
}

// SubscriptionView 订阅及其任务状态。
type SubscriptionView struct {
	model.Subscription
	Running bool `json:"running"`
}

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
)

// NewHandler 构造 HTTP 多路复用器。
func NewHandler(d Deps) http.Handler {
	mux := http.NewServeMux()
	h := &handler{Deps: d}

	mux.HandleFunc("GET /health", h.health)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	mux.HandleFunc("POST /api/subscriptions", h.createSubscription)
	mux.HandleFunc("GET /api/subscriptions", h.listSubscriptions)
	mux.HandleFunc("GET /api/subscriptions/{id}", h.getSubscription)
	mux.HandleFunc("PUT /api/subscriptions/{id}", h.updateSubscription)
	mux.HandleFunc("DELETE /api/subscriptions/{id}", h.deleteSubscription)
	mux.HandleFunc("POST /api/subscriptions/{id}/start", h.startSubscription)
	mux.HandleFunc("POST /api/subscriptions/{id}/stop", h.stopSubscription)
	mux.HandleFunc("POST /api/subscriptions/{id}/run", h.runSubscription)
	mux.HandleFunc("GET /api/subscriptions/{id}/runs", h.listRuns)
	mux.HandleFunc("GET /api/subscriptions/{id}/history", h.listHistory)

	return withLogging(mux, d.Logger.With().Str("component", "api").Logger())
}

type handler struct {
	Deps
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscription.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	sub, err := h.Subscriptions.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.Scheduler.Start(sub.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubscriptionView{Subscription: sub, Running: true})
}

func (h *handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.Subscriptions.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, SubscriptionView{Subscription: sub, Running: h.Scheduler.Running(sub.ID)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Subscriptions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionView{Subscription: sub, Running: h.Scheduler.Running(sub.ID)})
}

func (h *handler) updateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscription.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	sub, err := h.Subscriptions.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionView{Subscription: sub, Running: h.Scheduler.Running(sub.ID)})
}

func (h *handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Subscriptions.SetActive(r.Context(), id, false); err != nil {
		writeError(w, err)
		return
	}
	h.Scheduler.Stop(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) startSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Subscriptions.SetActive(r.Context(), id, true); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Scheduler.Start(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": string(res)})
}

// stopSubscription 同时停用订阅，避免下一次对账重新拉起。
func (h *handler) stopSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Subscriptions.SetActive(r.Context(), id, false); err != nil {
		writeError(w, err)
		return
	}
	res := h.Scheduler.Stop(id)
	writeJSON(w, http.StatusOK, map[string]string{"result": string(res)})
}

func (h *handler) runSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Subscriptions.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	run, err := h.Scheduler.RunOnce(r.Context(), id)
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, run)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), defaultRunsLimit, maxRunsLimit)
	runs, err := h.Store.ListRunLogs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) listHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := storage.HistoryQuery{Limit: parseLimit(r.URL.Query().Get("limit"), 0, 0)}
	if raw := r.URL.Query().Get("delivered"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "delivered must be true or false"})
			return
		}
		q.Delivered = &v
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		q.Since = since
	}

	entries, err := h.Store.ListHistory(r.Context(), id, q)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := h.Store.CountHistory(r.Context(), id, q)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Total", strconv.FormatInt(total, 10))
	writeJSON(w, http.StatusOK, entries)
}

// parseLimit 解析 limit 参数；ceiling 为 0 时交给存储层裁剪。
func parseLimit(raw string, fallback, ceiling int) int {
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	if ceiling > 0 && v > ceiling {
		return ceiling
	}
	return v
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, subscription.ErrInvalidCriteria):
		status = http.StatusBadRequest
	case errors.Is(err, subscription.ErrSubscriptionNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrShutdown):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func withLogging(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
