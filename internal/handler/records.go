package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/gramsetu/signal-server-go/internal/middleware"
	"github.com/gramsetu/signal-server-go/internal/model"
	"github.com/gramsetu/signal-server-go/internal/repository"
)

// RecordsHandler serves call history out of the persistent store.
type RecordsHandler struct {
	records repository.CallRecordRepository
}

func NewRecordsHandler(records repository.CallRecordRepository) *RecordsHandler {
	return &RecordsHandler{records: records}
}

func (h *RecordsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	return r
}

// GET /v1/history
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	params := ParsePagination(r)

	recs, err := h.records.ListByUser(r.Context(), user.ID, params.Limit, params.Offset)
	if err != nil {
		log.Error().Err(err).Str("userId", user.ID).Msg("failed to list call records")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	total, err := h.records.CountByUser(r.Context(), user.ID)
	if err != nil {
		log.Error().Err(err).Str("userId", user.ID).Msg("failed to count call records")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	if recs == nil {
		recs = []model.CallRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calls":  recs,
		"total":  total,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}
