package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"MailCadence/internal/models"
	"MailCadence/internal/scheduler"
)

type Submitter interface {
	Submit(ctx context.Context, req scheduler.Request) (scheduler.Result, error)
}

type RecordReader interface {
	FindByBatch(ctx context.Context, userID, batchID string) ([]models.ScheduledEmail, error)
	ListByUserAndStatus(ctx context.Context, userID string, statuses []models.EmailStatus, page, limit int) (models.Page, error)
	CountByStatus(ctx context.Context, userID string) (map[models.EmailStatus]int, error)
	GetSender(ctx context.Context, id string) (models.Sender, error)
	Ping(ctx context.Context) error
}

type QueueStats interface {
	Stats(ctx context.Context, now time.Time) (models.QueueStats, error)
}

type RateWindows interface {
	CurrentCount(ctx context.Context, senderID string) (int, error)
	Reset(ctx context.Context, senderID string) error
	NextAvailableSlot(senderID string) time.Time
	Limit() int
}

type Handler struct {
	Scheduler Submitter
	Records   RecordReader
	Jobs      QueueStats
	Limiter   RateWindows
	Log       *zap.Logger
	Now       func() time.Time
}

const userHeader = "X-User-ID"

type ctxKey struct{}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Routes returns the HTTP surface.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, h.requestLogger, middleware.Recoverer)

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/emails/schedule", h.ScheduleEmails)
		r.Get("/emails/scheduled", h.ListScheduled)
		r.Get("/emails/sent", h.ListSent)
		r.Get("/emails/batches/{batchID}", h.GetBatch)
		r.Get("/emails/stats", h.Stats)

		r.Get("/ratelimit/{senderID}", h.GetRateWindow)
		r.Delete("/ratelimit/{senderID}", h.ResetRateWindow)
	})

	return r
}

// ----------------------------
// Middleware
// ----------------------------

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ----------------------------
// Handlers
// ----------------------------

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := h.Records.Ping(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": h.now().UTC(),
	})
}

type scheduleRequest struct {
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	Recipients  []string   `json:"recipients"`
	StartTime   *time.Time `json:"startTime"`
	DelayMS     int64      `json:"delayMs"`
	SenderEmail string     `json:"senderEmail"`
	SenderName  string     `json:"senderName"`
}

type scheduleResponse struct {
	Success    bool      `json:"success"`
	BatchID    string    `json:"batchId"`
	EmailCount int       `json:"emailCount"`
	JobIDs     []string  `json:"jobIds"`
	StartTime  time.Time `json:"startTime"`
}

// maxScheduleBody caps a schedule request body.
const maxScheduleBody = 5 << 20

func (h *Handler) ScheduleEmails(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxScheduleBody)

	var body scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	// checked before the conversion below, which overflows for huge values
	if body.DelayMS < 0 || body.DelayMS > scheduler.MaxDelay.Milliseconds() {
		h.submitError(w, models.NewValidationError("delayMs",
			"must be between 0 and "+strconv.FormatInt(scheduler.MaxDelay.Milliseconds(), 10)))
		return
	}

	req := scheduler.Request{
		UserID:      userFrom(r),
		SenderEmail: body.SenderEmail,
		SenderName:  body.SenderName,
		Subject:     body.Subject,
		Body:        body.Body,
		Recipients:  body.Recipients,
		Delay:       time.Duration(body.DelayMS) * time.Millisecond,
	}
	if body.StartTime != nil {
		req.StartTime = *body.StartTime
	}

	res, err := h.Scheduler.Submit(r.Context(), req)
	if err != nil {
		h.submitError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scheduleResponse{
		Success:    true,
		BatchID:    res.BatchID,
		EmailCount: res.EmailCount,
		JobIDs:     res.JobIDs,
		StartTime:  res.StartTime,
	})
}

func (h *Handler) submitError(w http.ResponseWriter, err error) {
	var (
		verr *models.ValidationError
		perr *models.PartialBatchError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation_failed",
			"fields": verr.Fields,
		})
	case errors.As(err, &perr):
		h.Log.Error("batch partially scheduled", zap.String("batch_id", perr.BatchID), zap.Error(err))
		writeJSON(w, http.StatusMultiStatus, map[string]any{
			"success":     false,
			"error":       "batch partially scheduled",
			"batchId":     perr.BatchID,
			"scheduled":   perr.Scheduled,
			"unscheduled": perr.Unscheduled,
		})
	default:
		h.Log.Error("failed to schedule emails", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to schedule emails")
	}
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type listResponse struct {
	Emails     []models.ScheduledEmail `json:"emails"`
	Pagination pagination              `json:"pagination"`
}

func (h *Handler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, []models.EmailStatus{models.StatusScheduled})
}

func (h *Handler) ListSent(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, []models.EmailStatus{models.StatusSent, models.StatusFailed})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, statuses []models.EmailStatus) {
	page := queryInt(r, "page")
	limit := queryInt(r, "limit")

	p, err := h.Records.ListByUserAndStatus(r.Context(), userFrom(r), statuses, page, limit)
	if err != nil {
		h.storeError(w, "failed to list emails", err)
		return
	}

	emails := p.Items
	if emails == nil {
		emails = []models.ScheduledEmail{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Emails:     emails,
		Pagination: pagination{Page: p.Page, Limit: p.Limit, Total: p.Total, Pages: p.Pages},
	})
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	recs, err := h.Records.FindByBatch(r.Context(), userFrom(r), batchID)
	if err != nil {
		h.storeError(w, "failed to load batch", err)
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batchId": batchID,
		"emails":  recs,
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Records.CountByStatus(r.Context(), userFrom(r))
	if err != nil {
		h.storeError(w, "failed to fetch stats", err)
		return
	}
	queue, err := h.Jobs.Stats(r.Context(), h.now())
	if err != nil {
		h.storeError(w, "failed to fetch stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":  queue,
		"emails": counts,
	})
}

func (h *Handler) GetRateWindow(w http.ResponseWriter, r *http.Request) {
	senderID, ok := h.ownSender(w, r)
	if !ok {
		return
	}
	n, err := h.Limiter.CurrentCount(r.Context(), senderID)
	if err != nil {
		h.storeError(w, "failed to read rate window", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"senderId":          senderID,
		"count":             n,
		"limit":             h.Limiter.Limit(),
		"nextAvailableSlot": h.Limiter.NextAvailableSlot(senderID),
	})
}

func (h *Handler) ResetRateWindow(w http.ResponseWriter, r *http.Request) {
	senderID, ok := h.ownSender(w, r)
	if !ok {
		return
	}
	if err := h.Limiter.Reset(r.Context(), senderID); err != nil {
		h.storeError(w, "failed to reset rate window", err)
		return
	}
	h.Log.Info("rate window reset", zap.String("sender_id", senderID), zap.String("user_id", userFrom(r)))
	w.WriteHeader(http.StatusNoContent)
}

// ownSender resolves the senderID path parameter to a sender owned by the
// calling user.
func (h *Handler) ownSender(w http.ResponseWriter, r *http.Request) (string, bool) {
	senderID := chi.URLParam(r, "senderID")
	sender, err := h.Records.GetSender(r.Context(), senderID)
	if errors.Is(err, models.ErrNotFound) || (err == nil && sender.UserID != userFrom(r)) {
		writeError(w, http.StatusNotFound, "sender not found")
		return "", false
	}
	if err != nil {
		h.storeError(w, "failed to load sender", err)
		return "", false
	}
	return sender.ID, true
}

func (h *Handler) storeError(w http.ResponseWriter, msg string, err error) {
	h.Log.Error(msg, zap.Error(err))
	if errors.Is(err, models.ErrStoreUnavailable) {
		writeError(w, http.StatusServiceUnavailable, msg)
		return
	}
	writeError(w, http.StatusInternalServerError, msg)
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
