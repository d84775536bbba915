package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ruslano69/loadmulti/pkg/retry"
)

type dlqHandler struct {
	dlq *retry.DLQ
}

type dlqListResponse struct {
	Stats   retry.DLQStats   `json:"stats"`
	Entries []retry.DLQEntry `json:"entries"`
}

// List returns every dead letter entry, oldest first.
func (h *dlqHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dlqListResponse{Stats: h.dlq.Stats(), Entries: h.dlq.Get()})
}

func (h *dlqHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, e := range h.dlq.Get() {
		if e.ID == id {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	writeError(w, http.StatusNotFound, "entry not found")
}

// Delete acknowledges an entry, e.g. after the chunk was replayed by hand.
func (h *dlqHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := h.dlq.Remove(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
