package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueprintchat/inference-gateway/internal/backend"
	"github.com/blueprintchat/inference-gateway/internal/identity"
	"github.com/blueprintchat/inference-gateway/internal/ledger"
	"github.com/blueprintchat/inference-gateway/internal/pricing"
	"github.com/blueprintchat/inference-gateway/internal/quota"
	"github.com/blueprintchat/inference-gateway/internal/relay"
	"github.com/blueprintchat/inference-gateway/pkg/ratelimit"
)

type Handler struct {
	relay   *relay.Relay
	backend backend.Backend
	guard   *quota.Guard
	rates   *pricing.Table
	writer  *ledger.Writer
	store   ledger.Store
	limiter *ratelimit.Limiter // optional
	tracer  trace.Tracer
}

func NewHandler(rl *relay.Relay, b backend.Backend, guard *quota.Guard, rates *pricing.Table,
	writer *ledger.Writer, store ledger.Store, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		relay:   rl,
		backend: b,
		guard:   guard,
		rates:   rates,
		writer:  writer,
		store:   store,
		limiter: limiter,
		tracer:  tracer,
	}
}

// flushWriter pushes every chunk to the caller immediately; the relay must
// never read ahead of what the caller has been shown.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

// HandleConverseStream is the streaming entry point: one chat turn in, the
// backend's deltas relayed out as newline-delimited JSON. Once streaming has
// begun all errors are in-band terminal chunks.
func (h *Handler) HandleConverseStream(w http.ResponseWriter, r *http.Request) {
	callerID, req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	flusher, okF := w.(http.Flusher)
	if !okF {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	usage, clean := h.relay.Run(r.Context(), req, flushWriter{w: w, f: flusher})
	if !clean {
		// A terminal error chunk is already on the wire and whatever usage
		// accumulated is not billable.
		return
	}

	h.record(callerID, req.ModelID, usage)
}

// HandleConverse is the non-streaming variant: same pipeline, single JSON
// body, conventional status codes.
func (h *Handler) HandleConverse(w http.ResponseWriter, r *http.Request) {
	callerID, req, ok := h.prepare(w, r)
	if !ok {
		return
	}

	if err := h.relay.Validate(req); err != nil {
		if errors.Is(err, relay.ErrInvalidModel) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "Invalid model",
				"details": req.ModelID,
			})
		} else {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "Missing required parameters: modelId or messages",
			})
		}
		return
	}
	h.relay.Clamp(req)

	result, err := h.backend.Converse(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrAccessDenied):
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":   "Access denied. Check permissions and model access.",
				"details": err.Error(),
			})
		case errors.Is(err, backend.ErrValidation):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "Invalid request parameters.",
				"details": err.Error(),
			})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":   "Internal server error",
				"details": err.Error(),
			})
		}
		return
	}

	h.record(callerID, req.ModelID, result.Usage)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"completion": result.Completion,
		"usage": map[string]int{
			"inputTokens":      result.Usage.InputTokens,
			"outputTokens":     result.Usage.OutputTokens,
			"cacheReadTokens":  result.Usage.CacheReadTokens,
			"cacheWriteTokens": result.Usage.CacheWriteTokens,
		},
	})
}

// HandleUsage reports the caller's spend for a month bucket against the
// configured ceiling.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID := identity.GetIdentity(ctx)
	if callerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
		return
	}

	monthYear := r.URL.Query().Get("monthYear")
	if monthYear == "" {
		monthYear = ledger.MonthKey(time.Now())
	} else if _, err := time.Parse(ledger.MonthLayout, monthYear); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid monthYear (use MM_YYYY)"})
		return
	}

	cost, err := h.guard.Usage(ctx, callerID, monthYear)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current_usage": cost,
		"monthly_limit": h.guard.Limit(),
	})
}

// HandleTransactions lists the caller's most recent transaction records.
func (h *Handler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID := identity.GetIdentity(ctx)
	if callerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	txs, err := h.store.ListTransactions(ctx, callerID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity":     callerID,
		"transactions": txs,
	})
}

// prepare runs the shared pre-dispatch pipeline: identity, body decode,
// tracing, rate limit, quota. On failure the response is already written.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, *backend.Request, bool) {
	ctx := r.Context()

	callerID := identity.GetIdentity(ctx)
	if callerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
		return "", nil, false
	}

	var req backend.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return "", nil, false
	}

	_, span := h.tracer.Start(ctx, "proxy.converse")
	defer span.End()
	span.SetAttributes(
		attribute.String("identity", callerID),
		attribute.String("request_id", identity.GetRequestID(ctx)),
		attribute.String("model", req.ModelID),
	)

	if h.limiter != nil {
		estimatedTokens := 1000
		if req.InferenceConfig != nil && req.InferenceConfig.MaxTokens > 0 {
			estimatedTokens = req.InferenceConfig.MaxTokens
		}
		allowed, err := h.limiter.Allow(ctx, callerID, estimatedTokens)
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60s")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return "", nil, false
		}
	}

	if err := h.guard.Check(ctx, callerID, time.Now()); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Monthly quota exceeded",
			})
		} else {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return "", nil, false
	}

	return callerID, &req, true
}

// record enqueues the post-stream accounting. Fire-and-forget: the response
// is already delivered, so ledger failures never reach the caller.
func (h *Handler) record(callerID, modelID string, usage backend.Usage) {
	cost := h.rates.Cost(modelID, usage.InputTokens, usage.OutputTokens)
	h.writer.Record(&ledger.Transaction{
		Identity:  callerID,
		Timestamp: ledger.Timestamp(time.Now()),
		ModelID:   modelID,
		Usage: ledger.TokenUsage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		},
		Cost: cost,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
