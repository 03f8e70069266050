package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ayusman/facelink/internal/store"
)

// LinkEventHandler serves the recorded link state history.
type LinkEventHandler struct {
	store *store.Store
}

func NewLinkEventHandler(s *store.Store) *LinkEventHandler {
	return &LinkEventHandler{store: s}
}

// Register mounts GET /api/link/events on r.
func (h *LinkEventHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/link/events", h.list).Methods(http.MethodGet)
}

type listEventsResponse struct {
	Events []*store.LinkEvent `json:"events"`
}

// list handles GET /api/link/events?limit=N&address=A.
func (h *LinkEventHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var (
		events []*store.LinkEvent
		err    error
	)
	if address := r.URL.Query().Get("address"); address != "" {
		events, err = h.store.Events().ListByAddress(address, limit)
	} else {
		events, err = h.store.Events().ListRecent(limit)
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list link events")
		return
	}
	if events == nil {
		events = []*store.LinkEvent{}
	}
	WriteJSON(w, http.StatusOK, listEventsResponse{Events: events})
}
