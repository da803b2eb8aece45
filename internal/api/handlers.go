package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/ldnq/internal/action"
	"github.com/SirClappington/ldnq/internal/domain"
	"github.com/SirClappington/ldnq/internal/notify"
	"github.com/SirClappington/ldnq/internal/storage"
)

const (
	maxBodyBytes     = 1 << 20
	payloadRefHeader = "X-Payload-Ref"
)

var allStatuses = []domain.Status{
	domain.Queued, domain.Processing, domain.Processed,
	domain.Failed, domain.Untrusted, domain.Unmapped,
}

type handler struct {
	store     storage.Store
	notifier  notify.Notifier
	processor Processor
	log       *zap.Logger
	now       func() time.Time
}

type enqueueResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type messageResponse struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LeaseDeadline time.Time       `json:"lease_deadline"`
	LastStartTime *time.Time      `json:"last_start_time,omitempty"`
	PayloadRef    string          `json:"payload_ref"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type listResponse struct {
	Messages []messageResponse `json:"messages"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func toResponse(m domain.Message, withPayload bool) messageResponse {
	resp := messageResponse{
		ID:            m.ID,
		Status:        string(m.Status),
		Attempts:      m.Attempts,
		LeaseDeadline: m.LeaseDeadline,
		PayloadRef:    m.PayloadRef,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if !m.LastStartTime.IsZero() {
		t := m.LastStartTime
		resp.LastStartTime = &t
	}
	if withPayload && json.Valid(m.Payload) {
		resp.Payload = m.Payload
	}
	return resp
}

func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "notification too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	ref := r.Header.Get(payloadRefHeader)
	if ref == "" {
		n, err := action.Decode(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid notification")
			return
		}
		ref = n.ID
	}
	if ref == "" {
		writeError(w, http.StatusBadRequest, "notification id or "+payloadRefHeader+" header required")
		return
	}

	m := domain.NewMessage(ref, body, h.now())
	if err := h.store.Enqueue(r.Context(), m); err != nil {
		h.log.Error("enqueue", zap.String("payload_ref", ref), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	h.log.Info("enqueue",
		zap.String("message_id", m.ID),
		zap.String("payload_ref", ref),
	)
	if err := h.notifier.Ring(r.Context()); err != nil {
		h.log.Debug("ring", zap.Error(err))
	}

	w.Header().Set("Location", "/v1/messages/"+m.ID)
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: m.ID, Status: string(m.Status)})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.store.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		h.log.Error("get message", zap.String("message_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(m, true))
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f storage.ListFilter
	if s := q.Get("status"); s != "" {
		st, err := domain.ParseStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
		f.Status = st
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	f = f.Normalize()

	msgs, err := h.store.List(r.Context(), f)
	if err != nil {
		h.log.Error("list messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	resp := listResponse{Messages: make([]messageResponse, 0, len(msgs)), Limit: f.Limit, Offset: f.Offset}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toResponse(m, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		h.log.Error("count messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	out := make(map[string]int, len(allStatuses))
	for _, st := range allStatuses {
		out[string(st)] = counts[st]
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) processOnce(w http.ResponseWriter, r *http.Request) {
	processed, err := h.processor.ProcessOne(r.Context())
	if err != nil {
		h.log.Error("process once", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"processed": processed})
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.log.Warn("store not ready", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
