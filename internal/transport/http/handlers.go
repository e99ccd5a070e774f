package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/pipeline"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// maxBatchSubmit is the maximum number of envelopes accepted in a single
// batch request.
const maxBatchSubmit = 100

// Version is reported by /health.
var Version = "dev"

// Handler groups all HTTP request handlers around a Pipeline.
type Handler struct {
	pipeline *pipeline.Pipeline
	nodeID   string
	logger   *zap.Logger
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type submitResp struct {
	Accepted bool `json:"accepted"`
}

type batchReq struct {
	Events []types.Envelope `json:"events"`
}

type batchResp struct {
	Results  []bool `json:"results"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
}

type deadLettersResp struct {
	Items []*types.Item `json:"items"`
	Count int           `json:"count"`
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  Version,
	})
}

// ─── Submission ───────────────────────────────────────────────────────────────

// submitEvent answers 202 when the envelope was accepted and 422 when it was
// rejected. Rejection reasons stay in the server log.
func (h *Handler) submitEvent(w http.ResponseWriter, r *http.Request) {
	var env types.Envelope
	if !decodeJSON(w, r, &env) {
		return
	}
	if h.pipeline.Submit(r.Context(), env) {
		writeJSON(w, http.StatusAccepted, submitResp{Accepted: true})
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, submitResp{Accepted: false})
}

// submitBatch answers 202 when every envelope was accepted and 207 otherwise.
func (h *Handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "events must not be empty"})
		return
	}
	if len(req.Events) > maxBatchSubmit {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "batch exceeds maximum of 100 events"})
		return
	}

	results := h.pipeline.SubmitBatch(r.Context(), req.Events)
	resp := batchResp{Results: results}
	for _, ok := range results {
		if ok {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
	}
	code := http.StatusAccepted
	if resp.Rejected > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, resp)
}

// ─── Triggers ─────────────────────────────────────────────────────────────────

func (h *Handler) drain(w http.ResponseWriter, r *http.Request) {
	rep, err := h.pipeline.Drain(r.Context())
	if err != nil {
		h.logger.Error("drain failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.pipeline.Sweep(r.Context())
	if err != nil {
		h.logger.Error("sweep failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Inspection ───────────────────────────────────────────────────────────────

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.pipeline.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 100)
	items, err := h.pipeline.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []*types.Item{}
	}
	writeJSON(w, http.StatusOK, deadLettersResp{Items: items, Count: len(items)})
}

func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 100)
	replayed, err := h.pipeline.ReplayDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("dead letter replay failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.Int("replayed", replayed),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: replayed})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func parseIntParam(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
