package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gramsetu/signal-server-go/internal/middleware"
	"github.com/gramsetu/signal-server-go/internal/model"
	"github.com/gramsetu/signal-server-go/internal/service"
)

// CallHandler is the polling transport: the same call operations the
// websocket router exposes, shaped as request/response endpoints for
// clients that cannot hold a socket open.
type CallHandler struct {
	callService *service.CallService
}

func NewCallHandler(callService *service.CallService) *CallHandler {
	return &CallHandler{callService: callService}
}

func (h *CallHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/initiate", h.Initiate)
	r.Get("/pending", h.Pending)
	r.Get("/{callID}/status", h.Status)
	r.Post("/{callID}/answer", h.Answer)
	r.Post("/{callID}/reject", h.Reject)
	r.Post("/{callID}/end", h.End)
	r.Put("/{callID}/status", h.UpdateStatus)
	r.Post("/{callID}/candidates", h.AddCandidate)
	r.Post("/{callID}/transcript", h.AppendTranscript)

	return r
}

// POST /v1/calls/initiate
func (h *CallHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var req struct {
		ReceiverID string         `json:"receiverId"`
		CallType   model.CallType `json:"callType"`
		Offer      string         `json:"offer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	sess, err := h.callService.Initiate(r.Context(), user.ID, service.InitiateParams{
		ReceiverID: req.ReceiverID,
		CallType:   req.CallType,
		Offer:      req.Offer,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// GET /v1/calls/pending
func (h *CallHandler) Pending(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	pending, err := h.callService.Pending(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	if pending == nil {
		pending = []*model.CallSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pendingCalls": pending})
}

// GET /v1/calls/{callID}/status
//
// Doubles as the candidate feed for polling clients: each poll drains the
// counterparty's candidates gathered since the previous one.
func (h *CallHandler) Status(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	view, err := h.callService.Status(r.Context(), user.ID, chi.URLParam(r, "callID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// POST /v1/calls/{callID}/answer
func (h *CallHandler) Answer(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	sess, err := h.callService.Answer(r.Context(), user.ID, chi.URLParam(r, "callID"), req.Answer)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// POST /v1/calls/{callID}/reject
func (h *CallHandler) Reject(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	sess, err := h.callService.Reject(r.Context(), user.ID, chi.URLParam(r, "callID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// POST /v1/calls/{callID}/end
func (h *CallHandler) End(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	sess, err := h.callService.End(r.Context(), user.ID, chi.URLParam(r, "callID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// PUT /v1/calls/{callID}/status
//
// Declarative form of the lifecycle operations for clients that track the
// desired state instead of issuing verbs. Timing fields are always set by
// the server.
func (h *CallHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var req struct {
		Status model.CallStatus `json:"status"`
		Answer string           `json:"answer"`
		Reason string           `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	callID := chi.URLParam(r, "callID")

	var (
		sess *model.CallSession
		err  error
	)
	switch req.Status {
	case model.CallStatusActive:
		sess, err = h.callService.Answer(r.Context(), user.ID, callID, req.Answer)
	case model.CallStatusRejected:
		sess, err = h.callService.Reject(r.Context(), user.ID, callID)
	case model.CallStatusEnded:
		sess, err = h.callService.End(r.Context(), user.ID, callID, req.Reason)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Unsupported status"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// POST /v1/calls/{callID}/candidates
//
// Candidates submitted here are stored on the session for the peer's next
// status poll rather than pushed, matching the polling delivery model.
func (h *CallHandler) AddCandidate(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var req struct {
		Candidate string `json:"candidate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Candidate == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "candidate is required"})
		return
	}

	if err := h.callService.StoreCandidate(r.Context(), user.ID, chi.URLParam(r, "callID"), req.Candidate); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

// POST /v1/calls/{callID}/transcript
func (h *CallHandler) AppendTranscript(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	var req struct {
		Text      string    `json:"text"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	err := h.callService.AppendTranscript(r.Context(), user.ID, chi.URLParam(r, "callID"), model.TranscriptSegment{
		Speaker:   user.ID,
		Text:      req.Text,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "appended"})
}
